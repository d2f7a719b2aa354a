package upstream

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/angeloszaimis/fwdproxy/internal/mapping"
)

const (
	DefaultMaxConns              = 256
	DefaultMaxIdleConns          = 64
	DefaultIdleTimeout           = 90 * time.Second
	DefaultDialTimeout           = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second

	tcpKeepAlive = 30 * time.Second
)

// ErrClosed is returned by RoundTrip once the pool has been closed.
var ErrClosed = errors.New("upstream: pool closed")

// Options bounds a Pool. Zero fields fall back to the package defaults.
type Options struct {
	MaxConns              int
	MaxIdleConns          int
	IdleTimeout           time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration

	// TLSConfig is cloned for https targets. ServerName is always set to the
	// target host.
	TLSConfig *tls.Config
}

// Pool is the transport pool of a single mapping.
type Pool struct {
	url       *url.URL
	transport *http.Transport
	mutex     sync.Mutex
	inFlight  int
	closed    bool
}

// New creates the pool for m. No connection is opened until the first
// request.
func New(m mapping.Mapping, opts Options) *Pool {
	opts = opts.withDefaults()

	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: tcpKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       opts.MaxConns,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   opts.DialTimeout,
		DisableKeepAlives:     false,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		// A non-nil empty map keeps the transport on HTTP/1.1 even for TLS.
		TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	if m.Scheme() == mapping.SchemeHTTPS {
		var cfg *tls.Config
		if opts.TLSConfig != nil {
			cfg = opts.TLSConfig.Clone()
		} else {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cfg.ServerName = m.TargetHost()
		transport.TLSClientConfig = cfg
	}

	return &Pool{
		url:       &url.URL{Scheme: string(m.Scheme()), Host: m.TargetAddr()},
		transport: transport,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = DefaultMaxConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = DefaultMaxIdleConns
	}
	if o.MaxIdleConns > o.MaxConns {
		o.MaxIdleConns = o.MaxConns
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ResponseHeaderTimeout <= 0 {
		o.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	return o
}

// RoundTrip sends req over a pooled connection. Requests beyond MaxConns wait
// for a connection to be released rather than failing.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	if !p.acquire() {
		return nil, ErrClosed
	}
	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		p.release()
		return nil, err
	}
	// Upgraded connections leave the pool; the proxy needs the raw
	// read-write body.
	if resp.StatusCode == http.StatusSwitchingProtocols {
		p.release()
		return resp, nil
	}
	resp.Body = &trackedBody{ReadCloser: resp.Body, release: p.release}
	return resp, nil
}

// URL returns the scheme and host requests are sent to.
func (p *Pool) URL() *url.URL {
	u := *p.url
	return &u
}

// Transport exposes the underlying transport.
func (p *Pool) Transport() *http.Transport {
	return p.transport
}

func (p *Pool) acquire() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return false
	}
	p.inFlight++
	return true
}

func (p *Pool) release() {
	p.mutex.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.mutex.Unlock()
}

// InFlight returns the number of requests currently using the pool.
func (p *Pool) InFlight() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.inFlight
}

// Close drains idle connections and makes further RoundTrip calls fail with
// ErrClosed. Connections still carrying a response are closed by the
// transport once that response finishes.
func (p *Pool) Close() {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	p.transport.CloseIdleConnections()
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}
