package httpserver

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-ozzo/ozzo-validation/is"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultReadHeaderTimeout = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)

// Options tunes the inbound side of a listener. No write timeout is applied;
// streamed responses are never cut short.
type Options struct {
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// ReusePort binds with SO_REUSEPORT so several worker replicas can accept
	// on the same address.
	ReusePort bool

	ErrorLog *log.Logger
}

// Server is one listener: a bound address serving a single handler.
type Server struct {
	addr            string
	server          *http.Server
	reusePort       bool
	shutdownTimeout time.Duration

	mutex    sync.Mutex
	listener net.Listener
}

// New creates a listener for addr. The address is validated but not bound.
func New(addr string, handler http.Handler, opts Options) (*Server, error) {
	if err := validateHost(addr); err != nil {
		return nil, err
	}

	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	srv := &Server{
		addr:            addr,
		reusePort:       opts.ReusePort,
		shutdownTimeout: opts.ShutdownTimeout,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ErrorLog:          opts.ErrorLog,
		},
	}

	return srv, nil
}

// Listen binds the address. Failures are returned as *BindError.
func (s *Server) Listen(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener != nil {
		return &BindError{Addr: s.addr, Err: errors.New("already bound")}
	}

	lc := net.ListenConfig{}
	if s.reusePort {
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return &BindError{Addr: s.addr, Err: err}
	}

	s.listener = ln
	return nil
}

// Serve accepts connections until Shutdown or Close. It returns nil on a
// clean shutdown.
func (s *Server) Serve() error {
	s.mutex.Lock()
	ln := s.listener
	s.mutex.Unlock()

	if ln == nil {
		return errors.New("httpserver: Serve called before Listen")
	}

	err := s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Start binds and serves.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting and waits for in-flight requests, bounded by the
// configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.server.Close()
	}
	return err
}

// Close releases the listener without serving, for replicas that abort
// startup after a sibling failed to bind.
func (s *Server) Close() error {
	s.mutex.Lock()
	ln := s.listener
	s.mutex.Unlock()

	if ln == nil {
		return nil
	}
	err := s.server.Close()
	// The listener is only tracked by http.Server once Serve has run.
	if lerr := ln.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func validateHost(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)

	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cant be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
