package serv

import (
	"testing"
	"time"
)

func TestMetricsAggregation(t *testing.T) {
	m := newMetricsRegistry()

	m.record("trades", 10*time.Millisecond, false, false)
	m.record("trades", 30*time.Millisecond, true, false)
	m.record("trades", 20*time.Millisecond, false, true)

	snap := m.snapshot()
	em, ok := snap["trades"]
	if !ok {
		t.Fatal("no metrics recorded for trades")
	}

	if em.Requests != 3 {
		t.Errorf("requests = %d, want 3", em.Requests)
	}
	if em.Errors != 1 {
		t.Errorf("errors = %d, want 1", em.Errors)
	}
	if em.CacheHits != 1 {
		t.Errorf("cacheHits = %d, want 1", em.CacheHits)
	}
	if em.AvgLatencyMs != 20 {
		t.Errorf("avgLatencyMs = %v, want 20", em.AvgLatencyMs)
	}
	if em.MaxLatencyMs != 30 {
		t.Errorf("maxLatencyMs = %v, want 30", em.MaxLatencyMs)
	}
}

func TestMetricsPerEndpointIsolation(t *testing.T) {
	m := newMetricsRegistry()

	m.record("a", time.Millisecond, false, false)
	m.record("b", time.Millisecond, false, true)

	snap := m.snapshot()
	if snap["a"].Errors != 0 || snap["b"].Errors != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMetricsEmptySnapshot(t *testing.T) {
	m := newMetricsRegistry()
	if len(m.snapshot()) != 0 {
		t.Error("fresh registry should report nothing")
	}
}
