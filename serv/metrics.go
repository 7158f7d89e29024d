package serv

import (
	"sync"
	"time"
)

// EndpointMetrics is the aggregated request statistics of one endpoint
type EndpointMetrics struct {
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
	CacheHits    uint64  `json:"cacheHits"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	MaxLatencyMs float64 `json:"maxLatencyMs"`
}

type endpointCounters struct {
	requests  uint64
	errors    uint64
	cacheHits uint64
	totalNs   int64
	maxNs     int64
}

// metricsRegistry aggregates in-process request metrics per endpoint
// name. Counters survive reloads; an endpoint removed from the
// configuration keeps its history until restart.
type metricsRegistry struct {
	mu       sync.Mutex
	counters map[string]*endpointCounters
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{counters: make(map[string]*endpointCounters)}
}

func (m *metricsRegistry) record(endpoint string, latency time.Duration, cacheHit, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[endpoint]
	if !ok {
		c = &endpointCounters{}
		m.counters[endpoint] = c
	}
	c.requests++
	if failed {
		c.errors++
	}
	if cacheHit {
		c.cacheHits++
	}
	ns := latency.Nanoseconds()
	c.totalNs += ns
	if ns > c.maxNs {
		c.maxNs = ns
	}
}

func (m *metricsRegistry) snapshot() map[string]EndpointMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]EndpointMetrics, len(m.counters))
	for name, c := range m.counters {
		em := EndpointMetrics{
			Requests:     c.requests,
			Errors:       c.errors,
			CacheHits:    c.cacheHits,
			MaxLatencyMs: float64(c.maxNs) / 1e6,
		}
		if c.requests > 0 {
			em.AvgLatencyMs = float64(c.totalNs) / float64(c.requests) / 1e6
		}
		out[name] = em
	}
	return out
}
