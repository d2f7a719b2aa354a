package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fwdproxy"

type promMetrics struct {
	requests         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	inFlight         *inFlightCollector
	upstreamFailures *prometheus.CounterVec
	upstreamUp       *prometheus.GaugeVec
}

func newPromMetrics(registry prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of forwarded requests by mapping and status code",
			},
			[]string{"mapping", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of forwarded requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mapping"},
		),
		inFlight: newInFlightCollector(),
		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_failures_total",
				Help:      "Requests that failed to reach or read from the upstream",
			},
			[]string{"mapping"},
		),
		upstreamUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_up",
				Help:      "Upstream reachability from the last probe (1 = up, 0 = down)",
			},
			[]string{"mapping"},
		),
	}

	registry.MustRegister(m.requests, m.duration, m.inFlight, m.upstreamFailures, m.upstreamUp)
	return m
}

func (m *promMetrics) observeResponse(mapping string, statusCode int, duration time.Duration) {
	m.requests.WithLabelValues(mapping, strconv.Itoa(statusCode)).Inc()
	m.duration.WithLabelValues(mapping).Observe(duration.Seconds())
}

func (m *promMetrics) setHealthy(mapping string, healthy bool) {
	if healthy {
		m.upstreamUp.WithLabelValues(mapping).Set(1)
		return
	}
	m.upstreamUp.WithLabelValues(mapping).Set(0)
}

// InFlightFunc reports how many requests a source is currently forwarding.
type InFlightFunc func() int

type inFlightSource struct {
	mapping string
	fn      InFlightFunc
}

// inFlightCollector reads in-flight counts from their owners at scrape time
// and sums them per mapping, so replicas sharing a collector add up.
type inFlightCollector struct {
	desc    *prometheus.Desc
	mutex   sync.Mutex
	nextID  int
	sources map[int]inFlightSource
}

func newInFlightCollector() *inFlightCollector {
	return &inFlightCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_in_flight"),
			"Requests currently being forwarded",
			[]string{"mapping"}, nil,
		),
		sources: make(map[int]inFlightSource),
	}
}

func (c *inFlightCollector) add(mapping string, fn InFlightFunc) func() {
	c.mutex.Lock()
	id := c.nextID
	c.nextID++
	c.sources[id] = inFlightSource{mapping: mapping, fn: fn}
	c.mutex.Unlock()

	return func() {
		c.mutex.Lock()
		delete(c.sources, id)
		c.mutex.Unlock()
	}
}

func (c *inFlightCollector) totals() map[string]int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	totals := make(map[string]int)
	for _, src := range c.sources {
		totals[src.mapping] += src.fn()
	}
	return totals
}

func (c *inFlightCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *inFlightCollector) Collect(ch chan<- prometheus.Metric) {
	for mapping, n := range c.totals() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), mapping)
	}
}
