package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex            sync.RWMutex
	requests         map[string]int64
	upstreamFailures map[string]int64
	responseTimes    map[string][]time.Duration
	statusCodes      map[string]map[int]int64
	healthStatus     map[string]bool
	startTime        time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	Mappings      map[string]MappingMetrics `json:"mappings"`
}

type MappingMetrics struct {
	Requests         int64         `json:"requests"`
	UpstreamFailures int64         `json:"upstream_failures"`
	InFlight         int           `json:"in_flight"`
	Healthy          *bool         `json:"healthy,omitempty"`
	AvgResponse      time.Duration `json:"avg_response"`
	P50Response      time.Duration `json:"p50_response"`
	P95Response      time.Duration `json:"p95_response"`
	P99Response      time.Duration `json:"p99_response"`
	StatusCodes      map[int]int64 `json:"status_codes"`
}

func (m *Metrics) IncrementRequests(mapping string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[mapping]++
}

func (m *Metrics) RecordUpstreamFailure(mapping string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.upstreamFailures[mapping]++
}

func (m *Metrics) RecordResponse(mapping string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[mapping] = append(m.responseTimes[mapping], duration)

	if len(m.responseTimes[mapping]) > maxSamples {
		m.responseTimes[mapping] = m.responseTimes[mapping][1:]
	}

	if m.statusCodes[mapping] == nil {
		m.statusCodes[mapping] = make(map[int]int64)
	}
	m.statusCodes[mapping][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(mapping string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[mapping] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Mappings: make(map[string]MappingMetrics),
	}

	all := make(map[string]bool)
	for name := range m.requests {
		all[name] = true
	}
	for name := range m.upstreamFailures {
		all[name] = true
	}
	for name := range m.responseTimes {
		all[name] = true
	}
	for name := range m.healthStatus {
		all[name] = true
	}

	for name := range all {
		snap.TotalRequests += m.requests[name]

		mm := MappingMetrics{
			Requests:         m.requests[name],
			UpstreamFailures: m.upstreamFailures[name],
			StatusCodes:      make(map[int]int64, len(m.statusCodes[name])),
		}
		for code, n := range m.statusCodes[name] {
			mm.StatusCodes[code] = n
		}
		if healthy, ok := m.healthStatus[name]; ok {
			mm.Healthy = &healthy
		}

		durations := m.responseTimes[name]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			mm.AvgResponse = average(sorted)
			mm.P50Response = percentile(sorted, 0.50)
			mm.P95Response = percentile(sorted, 0.95)
			mm.P99Response = percentile(sorted, 0.99)
		}

		snap.Mappings[name] = mm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:         make(map[string]int64),
		upstreamFailures: make(map[string]int64),
		responseTimes:    make(map[string][]time.Duration),
		statusCodes:      make(map[string]map[int]int64),
		healthStatus:     make(map[string]bool),
		startTime:        time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
