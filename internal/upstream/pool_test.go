package upstream_test

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fwdproxy/internal/mapping"
	"github.com/angeloszaimis/fwdproxy/internal/upstream"
)

var _ = Describe("Pool", func() {
	var (
		server *httptest.Server
		pool   *upstream.Pool
		conns  int64
	)

	BeforeEach(func() {
		atomic.StoreInt64(&conns, 0)
		server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("pooled"))
		}))
		server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
			if state == http.StateNew {
				atomic.AddInt64(&conns, 1)
			}
		}
		server.Start()

		pool = upstream.New(mustMapping(server.URL), upstream.Options{})
	})

	AfterEach(func() {
		pool.Close()
		server.Close()
	})

	Describe("New", func() {
		It("should target the mapping address over plain http", func() {
			u, _ := url.Parse(server.URL)
			Expect(pool.URL().Host).To(Equal(u.Host))
			Expect(pool.URL().Scheme).To(Equal("http"))
			Expect(pool.Transport().TLSClientConfig).To(BeNil())
		})

		It("should select TLS for port 443", func() {
			m, err := mapping.New(mapping.Spec{From: ":8080", To: "example.com:443"})
			Expect(err).NotTo(HaveOccurred())

			tlsPool := upstream.New(m, upstream.Options{})
			defer tlsPool.Close()

			Expect(tlsPool.URL().Scheme).To(Equal(string(mapping.SchemeHTTPS)))
			Expect(tlsPool.URL().String()).To(Equal("https://example.com:443"))
			Expect(tlsPool.Transport().TLSClientConfig).NotTo(BeNil())
			Expect(tlsPool.Transport().TLSClientConfig.ServerName).To(Equal("example.com"))
		})

		It("should clone the provided TLS config", func() {
			m, err := mapping.New(mapping.Spec{From: ":8080", To: "example.com:443"})
			Expect(err).NotTo(HaveOccurred())

			base := &tls.Config{MinVersion: tls.VersionTLS13}
			tlsPool := upstream.New(m, upstream.Options{TLSConfig: base})
			defer tlsPool.Close()

			Expect(tlsPool.Transport().TLSClientConfig).NotTo(BeIdenticalTo(base))
			Expect(tlsPool.Transport().TLSClientConfig.MinVersion).To(Equal(uint16(tls.VersionTLS13)))
			Expect(base.ServerName).To(BeEmpty())
		})

		It("should apply defaults and bounds", func() {
			t := pool.Transport()
			Expect(t.MaxConnsPerHost).To(Equal(upstream.DefaultMaxConns))
			Expect(t.MaxIdleConnsPerHost).To(Equal(upstream.DefaultMaxIdleConns))
			Expect(t.IdleConnTimeout).To(Equal(upstream.DefaultIdleTimeout))
			Expect(t.ResponseHeaderTimeout).To(Equal(upstream.DefaultResponseHeaderTimeout))
			Expect(t.DisableKeepAlives).To(BeFalse())
		})

		It("should cap idle connections at the total limit", func() {
			p := upstream.New(mustMapping(server.URL), upstream.Options{MaxConns: 2, MaxIdleConns: 10})
			defer p.Close()
			Expect(p.Transport().MaxIdleConnsPerHost).To(Equal(2))
		})
	})

	Describe("RoundTrip", func() {
		It("should reuse a connection for sequential requests", func() {
			for i := 0; i < 5; i++ {
				resp := roundTrip(pool, server.URL)
				_, err := io.Copy(io.Discard, resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.Body.Close()).To(Succeed())
			}
			Expect(atomic.LoadInt64(&conns)).To(Equal(int64(1)))
		})

		It("should track in flight requests until the body is closed", func() {
			resp := roundTrip(pool, server.URL)
			Expect(pool.InFlight()).To(Equal(1))

			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp.Body.Close()
			Expect(pool.InFlight()).To(Equal(0))
		})

		It("should release the slot when the upstream is unreachable", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			addr := ln.Addr().String()
			ln.Close()

			dead := upstream.New(mustMapping("http://"+addr), upstream.Options{DialTimeout: time.Second})
			defer dead.Close()

			req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
			_, err = dead.RoundTrip(req)
			Expect(err).To(HaveOccurred())
			Expect(dead.InFlight()).To(Equal(0))
		})

		It("should queue requests beyond the connection limit", func() {
			release := make(chan struct{})
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				<-release
				w.Write([]byte("done"))
			}))
			defer slow.Close()

			limited := upstream.New(mustMapping(slow.URL), upstream.Options{MaxConns: 1})
			defer limited.Close()

			var wg sync.WaitGroup
			var ok int64
			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					resp := roundTrip(limited, slow.URL)
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
					atomic.AddInt64(&ok, 1)
				}()
			}

			Eventually(limited.InFlight).Should(Equal(3))
			close(release)
			wg.Wait()
			Expect(atomic.LoadInt64(&ok)).To(Equal(int64(3)))
		})
	})

	Describe("Close", func() {
		It("should mark the pool closed", func() {
			Expect(pool.Closed()).To(BeFalse())
			pool.Close()
			Expect(pool.Closed()).To(BeTrue())
		})

		It("should refuse requests after closing", func() {
			pool.Close()

			req, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := pool.RoundTrip(req)
			Expect(err).To(MatchError(upstream.ErrClosed))
			Expect(resp).To(BeNil())
			Expect(pool.InFlight()).To(Equal(0))
		})
	})
})

func roundTrip(p *upstream.Pool, rawURL string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, rawURL+"/", nil)
	Expect(err).NotTo(HaveOccurred())
	resp, err := p.RoundTrip(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func mustMapping(rawURL string) mapping.Mapping {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		panic(err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		panic(err)
	}
	m, err := mapping.New(mapping.Spec{From: "127.0.0.1:1", To: net.JoinHostPort(host, port)})
	if err != nil {
		panic(err)
	}
	return m
}
