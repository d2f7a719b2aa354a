package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/angeloszaimis/fwdproxy/config"
	"github.com/angeloszaimis/fwdproxy/internal/httpserver"
	"github.com/angeloszaimis/fwdproxy/internal/mapping"
	"github.com/angeloszaimis/fwdproxy/internal/metrics"
	"github.com/angeloszaimis/fwdproxy/internal/replica"
	"github.com/angeloszaimis/fwdproxy/internal/upstream"
	"github.com/angeloszaimis/fwdproxy/internal/worker"
	"github.com/angeloszaimis/fwdproxy/pkg/logger"
)

const metricsBufferSize = 1024

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	mappings, err := mapping.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n%s\n", err, mapping.Usage)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	id, isWorker, err := worker.IDFromEnv(os.LookupEnv)
	if err != nil {
		log.Error("Invalid worker environment", slog.Any("err", err))
		return 1
	}
	if isWorker {
		return runWorker(ctx, logger.ForWorker(log, id), id, mappings, cfg)
	}

	return runCoordinator(ctx, log, args, mappings, cfg)
}

func runCoordinator(ctx context.Context, log *slog.Logger, args []string, mappings []mapping.Mapping, cfg *config.Config) int {
	n := worker.Count(cfg.Workers.Count)
	if n > 1 && !httpserver.ReusePortSupported {
		log.Warn("Port reuse is not supported on this platform, running a single worker",
			slog.Int("requested", n))
		n = 1
	}

	inProcess := n == 1 || cfg.Workers.Mode == config.WorkerModeInProcess

	var collector *metrics.Collector
	if inProcess {
		collector = metrics.NewCollector(metricsBufferSize, log)
		collector.Start(ctx)

		stop, err := startMetricsServer(ctx, log, cfg, collector)
		if err != nil {
			log.Error("Failed to start metrics server", slog.Any("err", err))
			return 1
		}
		defer stop()
	}

	units, err := newUnits(log, n, inProcess, args, mappings, cfg, collector)
	if err != nil {
		log.Error("Failed to create workers", slog.Any("err", err))
		return 1
	}

	for _, m := range mappings {
		log.Info("HTTP proxy listening",
			slog.String("listen", "http://"+m.LocalAddr()),
			slog.String("forward", fmt.Sprintf("%s://%s", m.Scheme(), m.TargetAddr())),
			slog.String("overrides", describeOverrides(m)))
	}

	coordinator := worker.NewCoordinator(log, units, worker.Options{
		Respawn:      cfg.Workers.Respawn,
		RespawnDelay: cfg.Workers.RespawnDelay,
	})

	if err := coordinator.Run(ctx); err != nil {
		log.Error("Proxy stopped", slog.Any("err", err))
		return 1
	}

	log.Info("Shut down gracefully")
	return 0
}

// runWorker is the body of a re-executed worker process.
func runWorker(ctx context.Context, log *slog.Logger, id int, mappings []mapping.Mapping, cfg *config.Config) int {
	collector := metrics.NewCollector(metricsBufferSize, log)
	collector.Start(ctx)

	if id == 0 {
		stop, err := startMetricsServer(ctx, log, cfg, collector)
		if err != nil {
			log.Error("Failed to start metrics server", slog.Any("err", err))
			return 1
		}
		defer stop()
	}

	r, err := replica.New(log, mappings, replicaConfig(cfg, id, collector, true))
	if err == nil {
		err = r.Run(ctx)
	}

	switch {
	case err == nil:
		return 0
	case worker.IsBindFailure(err):
		log.Error("Worker failed to bind", slog.Any("err", err))
		return worker.ExitCodeBind
	default:
		log.Error("Worker failed", slog.Any("err", err))
		return 1
	}
}

func newUnits(
	log *slog.Logger,
	n int,
	inProcess bool,
	args []string,
	mappings []mapping.Mapping,
	cfg *config.Config,
	collector *metrics.Collector,
) ([]worker.Unit, error) {
	units := make([]worker.Unit, 0, n)

	for i := 0; i < n; i++ {
		if !inProcess {
			p, err := worker.Self(i, args, worker.WithStopTimeout(cfg.Listener.ShutdownTimeout*2))
			if err != nil {
				return nil, err
			}
			units = append(units, p)
			continue
		}

		reusePort := n > 1
		units = append(units, worker.NewInProcess(i, func(ctx context.Context, id int) error {
			r, err := replica.New(logger.ForWorker(log, id), mappings, replicaConfig(cfg, id, collector, reusePort))
			if err != nil {
				return err
			}
			return r.Run(ctx)
		}))
	}

	if len(units) == 0 {
		return nil, errors.New("no workers to start")
	}
	return units, nil
}

// replicaConfig translates the loaded configuration for replica id. Only
// replica 0 probes upstreams so one probe runs per mapping.
func replicaConfig(cfg *config.Config, id int, collector *metrics.Collector, reusePort bool) replica.Config {
	rc := replica.Config{
		Upstream: upstream.Options{
			MaxConns:              cfg.Upstream.MaxConns,
			MaxIdleConns:          cfg.Upstream.MaxIdleConns,
			IdleTimeout:           cfg.Upstream.IdleTimeout,
			DialTimeout:           cfg.Upstream.DialTimeout,
			ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
		},
		Listener: httpserver.Options{
			ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
			IdleTimeout:       cfg.Listener.IdleTimeout,
			ShutdownTimeout:   cfg.Listener.ShutdownTimeout,
			ReusePort:         reusePort,
		},
		BreakerThreshold:    cfg.CircuitBreaker.Threshold,
		BreakerResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		Metrics:             collector,
	}

	if id == 0 {
		rc.HealthCheckInterval = cfg.HealthCheck.Interval
	}

	return rc
}

func describeOverrides(m mapping.Mapping) string {
	headers := m.Headers()
	if len(headers) == 0 {
		return "none"
	}

	parts := make([]string, 0, len(headers))
	for _, h := range headers {
		parts = append(parts, h.Name+": "+h.Value)
	}
	return strings.Join(parts, ", ")
}
