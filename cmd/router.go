package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/fwdproxy/config"
	"github.com/angeloszaimis/fwdproxy/internal/httpserver"
	"github.com/angeloszaimis/fwdproxy/internal/metrics"
)

func setupRouter(metricsCollector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", metricsCollector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// startMetricsServer serves the collector on metrics.address, if one is
// configured. The returned func shuts the server down.
func startMetricsServer(ctx context.Context, log *slog.Logger, cfg *config.Config, collector *metrics.Collector) (func(), error) {
	if cfg.Metrics.Address == "" {
		return func() {}, nil
	}

	srv, err := httpserver.New(cfg.Metrics.Address, setupRouter(collector), httpserver.Options{
		ShutdownTimeout: cfg.Listener.ShutdownTimeout,
		ErrorLog:        slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Listen(ctx); err != nil {
		return nil, err
	}

	log.Info("Metrics endpoint listening", slog.String("address", srv.Addr()))

	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("Metrics server stopped", slog.Any("err", err))
		}
	}()

	return func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("Metrics server did not shut down cleanly", slog.Any("err", err))
		}
	}, nil
}
