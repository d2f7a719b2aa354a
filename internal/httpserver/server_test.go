package httpserver_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fwdproxy/internal/httpserver"
)

var _ = Describe("HTTP Server", func() {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	Context("server creation", func() {
		DescribeTable("accepts valid addresses",
			func(addr string) {
				srv, err := httpserver.New(addr, okHandler, httpserver.Options{})
				Expect(err).NotTo(HaveOccurred())
				Expect(srv).NotTo(BeNil())
				Expect(srv.Addr()).To(Equal(addr))
			},
			Entry("hostname", "localhost:9999"),
			Entry("IP address", "127.0.0.1:9999"),
			Entry("port only", ":9999"),
		)

		It("rejects invalid address", func() {
			srv, err := httpserver.New("invalid:host:port", okHandler, httpserver.Options{})
			Expect(err).To(HaveOccurred())
			Expect(srv).To(BeNil())
		})
	})

	Context("server lifecycle", func() {
		var srv *httpserver.Server

		AfterEach(func() {
			if srv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
				_ = srv.Close()
			}
			srv = nil
		})

		It("binds, serves requests and shuts down", func() {
			var err error
			srv, err = httpserver.New("127.0.0.1:0", okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.Listen(context.Background())).To(Succeed())

			served := make(chan error, 1)
			go func() { served <- srv.Serve() }()

			resp, err := http.Get("http://" + srv.Addr())
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(Equal("test"))

			Expect(srv.Shutdown(context.Background())).To(Succeed())
			Eventually(served).Should(Receive(BeNil()))
		})

		It("refuses Serve before Listen", func() {
			var err error
			srv, err = httpserver.New("127.0.0.1:0", okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.Serve()).To(HaveOccurred())
		})

		It("reports an occupied address as a BindError", func() {
			taken, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer taken.Close()

			srv, err = httpserver.New(taken.Addr().String(), okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())

			err = srv.Listen(context.Background())
			var bindErr *httpserver.BindError
			Expect(errors.As(err, &bindErr)).To(BeTrue())
			Expect(bindErr.Addr).To(Equal(taken.Addr().String()))
			Expect(bindErr.Error()).To(ContainSubstring("bind " + taken.Addr().String()))
		})

		It("rejects binding the same server twice", func() {
			var err error
			srv, err = httpserver.New("127.0.0.1:0", okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.Listen(context.Background())).To(Succeed())

			var bindErr *httpserver.BindError
			Expect(errors.As(srv.Listen(context.Background()), &bindErr)).To(BeTrue())
		})

		It("releases an unserved listener on Close", func() {
			var err error
			srv, err = httpserver.New("127.0.0.1:0", okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.Listen(context.Background())).To(Succeed())
			addr := srv.Addr()

			Expect(srv.Close()).To(Succeed())

			ln, err := net.Listen("tcp", addr)
			Expect(err).NotTo(HaveOccurred())
			ln.Close()
		})
	})

	Context("port reuse", func() {
		It("lets two reuse-port listeners share an address", func() {
			if !httpserver.ReusePortSupported {
				Skip("SO_REUSEPORT not supported on this platform")
			}

			first, err := httpserver.New("127.0.0.1:0", okHandler, httpserver.Options{ReusePort: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Listen(context.Background())).To(Succeed())
			defer first.Close()

			second, err := httpserver.New(first.Addr(), okHandler, httpserver.Options{ReusePort: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Listen(context.Background())).To(Succeed())
			defer second.Close()

			go first.Serve()
			go second.Serve()

			for i := 0; i < 4; i++ {
				resp, err := http.Get("http://" + first.Addr())
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}
		})

		It("still refuses a shared address without reuse-port", func() {
			first, err := httpserver.New("127.0.0.1:0", okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Listen(context.Background())).To(Succeed())
			defer first.Close()

			second, err := httpserver.New(first.Addr(), okHandler, httpserver.Options{})
			Expect(err).NotTo(HaveOccurred())

			var bindErr *httpserver.BindError
			Expect(errors.As(second.Listen(context.Background()), &bindErr)).To(BeTrue())
		})
	})
})
