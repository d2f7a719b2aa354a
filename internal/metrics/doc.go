// Package metrics collects per-mapping forwarding metrics.
//
// Request handlers emit events on a buffered channel without blocking; a single
// collector goroutine folds them into:
//   - request counts per mapping
//   - upstream failure counts
//   - response times with percentiles (P50, P95, P99)
//   - status code distribution
//   - upstream reachability from the health prober
//
// The same events feed a private Prometheus registry. Handler exposes both
// views:
//
//	collector := metrics.NewCollector(1024, logger)
//	collector.Start(ctx)
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Mapping:    "localhost:8080",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//	http.ListenAndServe(":9100", collector.Handler()) // /metrics and /stats
//
// Pending events are drained when the context passed to Start is cancelled.
package metrics
