package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/fwdproxy/internal/mapping"
	"github.com/angeloszaimis/fwdproxy/internal/metrics"
)

const probeTimeout = 5 * time.Second

// Probe reports whether a TCP connection to addr can be opened.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// HealthCheck probes the target of m every interval until ctx is done. Every
// change of reachability, including the first result, is logged and emitted
// to collector, which may be nil.
func HealthCheck(
	ctx context.Context,
	m mapping.Mapping,
	interval time.Duration,
	collector *metrics.Collector,
	logger *slog.Logger,
) {
	timeout := probeTimeout
	if interval < timeout {
		timeout = interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		known   bool
		healthy bool
	)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Health check stopped",
				slog.String("target", m.TargetAddr()))
			return

		case <-ticker.C:
			err := Probe(ctx, m.TargetAddr(), timeout)
			if ctx.Err() != nil {
				continue
			}

			up := err == nil
			if known && up == healthy {
				continue
			}
			known, healthy = true, up

			collector.Emit(metrics.MetricEvent{
				Type:    metrics.EventHealthChanged,
				Mapping: m.LocalAddr(),
				Healthy: up,
			})

			if up {
				logger.Info("Upstream is reachable",
					slog.String("target", m.TargetAddr()))
			} else {
				logger.Warn("Upstream is unreachable",
					slog.String("target", m.TargetAddr()),
					slog.Any("err", err))
			}
		}
	}
}
