package replica

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/fwdproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/fwdproxy/internal/handler"
	"github.com/angeloszaimis/fwdproxy/internal/healthcheck"
	"github.com/angeloszaimis/fwdproxy/internal/httpserver"
	"github.com/angeloszaimis/fwdproxy/internal/mapping"
	"github.com/angeloszaimis/fwdproxy/internal/metrics"
	"github.com/angeloszaimis/fwdproxy/internal/upstream"
)

type Config struct {
	Upstream upstream.Options
	Listener httpserver.Options

	// HealthCheckInterval enables upstream probing when positive.
	HealthCheckInterval time.Duration

	BreakerThreshold    int
	BreakerResetTimeout time.Duration

	// Metrics may be nil.
	Metrics *metrics.Collector
}

type listener struct {
	mapping mapping.Mapping
	pool    *upstream.Pool
	server  *httpserver.Server
}

type Replica struct {
	logger    *slog.Logger
	config    Config
	listeners []*listener
	breakers  *circuitbreaker.Registry
	ready     chan struct{}
}

// New wires a listener per mapping without binding anything. Mappings whose
// local addresses resolve to the same socket address are rejected here as a
// *httpserver.BindError, since port reuse would otherwise let both bind.
func New(logger *slog.Logger, mappings []mapping.Mapping, cfg Config) (*Replica, error) {
	if err := mapping.Validate(mappings); err != nil {
		return nil, err
	}

	if err := checkOverlaps(mappings); err != nil {
		return nil, err
	}

	r := &Replica{
		logger: logger,
		config: cfg,
		ready:  make(chan struct{}),
	}

	r.breakers = circuitbreaker.NewRegistry(cfg.BreakerThreshold, cfg.BreakerResetTimeout, r.logBreakerChange)

	for _, m := range mappings {
		pool := upstream.New(m, cfg.Upstream)

		h := handler.New(logger, m, pool,
			handler.WithMetrics(cfg.Metrics),
			handler.WithBreaker(r.breakers.GetBreaker(m.LocalAddr())),
		)

		opts := cfg.Listener
		if opts.ErrorLog == nil {
			opts.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
		}

		server, err := httpserver.New(m.LocalAddr(), h, opts)
		if err != nil {
			return nil, err
		}

		r.listeners = append(r.listeners, &listener{
			mapping: m,
			pool:    pool,
			server:  server,
		})
	}

	return r, nil
}

// Run binds every listener and serves until ctx is done. If any address
// cannot be bound, listeners bound so far are released and the
// *httpserver.BindError is returned before anything is served.
func (r *Replica) Run(ctx context.Context) error {
	for _, l := range r.listeners {
		untrack := r.config.Metrics.TrackInFlight(l.mapping.LocalAddr(), l.pool.InFlight)
		defer untrack()
	}
	defer r.closePools()

	for i, l := range r.listeners {
		if err := l.server.Listen(ctx); err != nil {
			r.logger.Error("Failed to bind listener",
				slog.String("address", l.mapping.LocalAddr()),
				slog.Any("err", err))
			for _, bound := range r.listeners[:i] {
				_ = bound.server.Close()
			}
			return err
		}

		r.logger.Debug("Listener bound",
			slog.String("mapping", l.mapping.String()),
			slog.String("address", l.server.Addr()))
	}
	close(r.ready)

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range r.listeners {
		g.Go(l.server.Serve)

		if r.config.HealthCheckInterval > 0 {
			m := l.mapping
			go healthcheck.HealthCheck(gctx, m, r.config.HealthCheckInterval, r.config.Metrics,
				r.logger.With(slog.String("mapping", m.LocalAddr())))
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		r.shutdown()
		return nil
	})

	return g.Wait()
}

func (r *Replica) shutdown() {
	r.logger.Debug("Shutting down listeners")

	for _, l := range r.listeners {
		if err := l.server.Shutdown(context.Background()); err != nil {
			r.logger.Warn("Listener did not shut down cleanly",
				slog.String("address", l.mapping.LocalAddr()),
				slog.Any("err", err))
		}
		// Releases the socket even if Serve never got to run.
		_ = l.server.Close()
	}
}

func (r *Replica) closePools() {
	for _, l := range r.listeners {
		l.pool.Close()
	}
}

// Ready is closed once every listener is bound.
func (r *Replica) Ready() <-chan struct{} {
	return r.ready
}

// Breakers exposes the replica's per-mapping circuit breakers.
func (r *Replica) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

type localAddr struct {
	addr string
	ip   net.IP
}

// checkOverlaps resolves every local address and fails on the first one that
// shares a port with an earlier mapping on the same IP or on a wildcard IP.
func checkOverlaps(mappings []mapping.Mapping) error {
	byPort := make(map[int][]localAddr, len(mappings))

	for _, m := range mappings {
		tcpAddr, err := net.ResolveTCPAddr("tcp", m.LocalAddr())
		if err != nil {
			return &httpserver.BindError{Addr: m.LocalAddr(), Err: err}
		}

		for _, prev := range byPort[tcpAddr.Port] {
			if prev.ip.Equal(tcpAddr.IP) || isWildcard(prev.ip) || isWildcard(tcpAddr.IP) {
				return &httpserver.BindError{
					Addr: m.LocalAddr(),
					Err:  fmt.Errorf("address overlaps mapping on %s", prev.addr),
				}
			}
		}

		byPort[tcpAddr.Port] = append(byPort[tcpAddr.Port], localAddr{addr: m.LocalAddr(), ip: tcpAddr.IP})
	}

	return nil
}

func isWildcard(ip net.IP) bool {
	return len(ip) == 0 || ip.IsUnspecified()
}

func (r *Replica) logBreakerChange(name string, from, to circuitbreaker.State) {
	r.logger.Warn("Circuit breaker state changed",
		slog.String("mapping", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
