package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventResponseCompleted EventType = "response_completed"
	EventUpstreamFailed    EventType = "upstream_failed"
	EventHealthChanged     EventType = "health_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Mapping    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	registry *prometheus.Registry
	prom     *promMetrics
	logger   *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		registry: registry,
		prom:     newPromMetrics(registry),
		logger:   logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking. Events are dropped when the buffer is
// full so the request path never waits on metrics.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Debug("Metrics collector started")
	defer c.logger.Debug("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Mapping)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Mapping, event.Duration, event.StatusCode)
		c.prom.observeResponse(event.Mapping, event.StatusCode, event.Duration)

	case EventUpstreamFailed:
		c.metrics.RecordUpstreamFailure(event.Mapping)
		c.prom.upstreamFailures.WithLabelValues(event.Mapping).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Mapping, event.Healthy)
		c.prom.setHealthy(event.Mapping, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	snap := c.metrics.Snapshot()
	for mapping, n := range c.prom.inFlight.totals() {
		mm := snap.Mappings[mapping]
		mm.InFlight = n
		if mm.StatusCodes == nil {
			mm.StatusCodes = make(map[int]int64)
		}
		snap.Mappings[mapping] = mm
	}
	return snap
}

// TrackInFlight publishes fn as the in-flight count of mapping until the
// returned func is called. Counts from several sources for one mapping are
// summed.
func (c *Collector) TrackInFlight(mapping string, fn InFlightFunc) func() {
	if c == nil {
		return func() {}
	}
	return c.prom.inFlight.add(mapping, fn)
}

// Registry returns the Prometheus registry the collector publishes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
