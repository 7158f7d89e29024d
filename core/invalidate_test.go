package core

import (
	"testing"
	"time"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	b := NewEventBus(2, 64, nil)
	t.Cleanup(b.Close)
	return b
}

func TestInvalidatorRemovesMatchingKeys(t *testing.T) {
	bus := newTestBus(t)
	caches := newTestCacheManager(t, 100, time.Minute)
	inv := NewInvalidator(bus, caches, nil)

	err := inv.AddRule(InvalidationRule{
		EventType: "user_update",
		Patterns:  []string{"user:{user_id}:*"},
		Caches:    []string{"users"},
	})
	if err != nil {
		t.Fatal(err)
	}

	caches.Put("users", "user:7:profile", 1, 0)
	caches.Put("users", "user:7:orders", 2, 0)
	caches.Put("users", "user:8:profile", 3, 0)

	bus.PublishSync(Event{Type: "user_update", Data: map[string]interface{}{"user_id": 7}})

	if _, ok := caches.Get("users", "user:7:profile"); ok {
		t.Error("user:7:profile should be invalidated")
	}
	if _, ok := caches.Get("users", "user:7:orders"); ok {
		t.Error("user:7:orders should be invalidated")
	}
	if _, ok := caches.Get("users", "user:8:profile"); !ok {
		t.Error("user:8:profile should survive")
	}
}

func TestInvalidatorConditionGate(t *testing.T) {
	bus := newTestBus(t)
	caches := newTestCacheManager(t, 100, time.Minute)
	inv := NewInvalidator(bus, caches, nil)

	err := inv.AddRule(InvalidationRule{
		EventType: "order_update",
		Patterns:  []string{"order:{order_id}"},
		Condition: "status = shipped",
	})
	if err != nil {
		t.Fatal(err)
	}

	caches.Put("orders", "order:1", "x", 0)
	bus.PublishSync(Event{Type: "order_update", Data: map[string]interface{}{
		"order_id": 1, "status": "pending",
	}})
	if _, ok := caches.Get("orders", "order:1"); !ok {
		t.Fatal("condition not met, entry should survive")
	}

	bus.PublishSync(Event{Type: "order_update", Data: map[string]interface{}{
		"order_id": 1, "status": "shipped",
	}})
	if _, ok := caches.Get("orders", "order:1"); ok {
		t.Error("condition met, entry should be removed")
	}
}

func TestInvalidatorRejectsBadRules(t *testing.T) {
	inv := NewInvalidator(newTestBus(t), newTestCacheManager(t, 10, time.Minute), nil)

	if err := inv.AddRule(InvalidationRule{Patterns: []string{"x"}}); err == nil {
		t.Error("rule without event_type accepted")
	}
	if err := inv.AddRule(InvalidationRule{EventType: "e"}); err == nil {
		t.Error("rule without patterns accepted")
	}
	if err := inv.AddRule(InvalidationRule{
		EventType: "e", Patterns: []string{"x"}, Condition: "no operator here",
	}); err == nil {
		t.Error("rule with unparseable condition accepted")
	}
}

func TestSubstituteVars(t *testing.T) {
	data := map[string]interface{}{"user_id": 42, "region": "eu"}

	tests := []struct {
		pattern, want string
	}{
		{"user:{user_id}:*", "user:42:*"},
		{"{region}:{user_id}", "eu:42"},
		{"static-key", "static-key"},
		{"user:{unknown}:*", "user:{unknown}:*"},
	}
	for _, tt := range tests {
		if got := substituteVars(tt.pattern, data); got != tt.want {
			t.Errorf("substituteVars(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestEvalCondition(t *testing.T) {
	data := map[string]interface{}{
		"status": "SHIPPED",
		"amount": 150.0,
		"region": "eu",
		"mirror": "eu",
	}

	tests := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"status = shipped", true}, // case-insensitive
		{"status != shipped", false},
		{"amount > 100", true},
		{"amount <= 100", false},
		{"amount >= 150", true},
		{"missing = null", true},
		{"missing != null", false},
		{"status = null", false},
		{"region = ${event.mirror}", true},
		{"region != ${event.status}", true},
		{"status = 'shipped'", true}, // quotes trimmed
		{"gibberish", false},         // no operator
	}
	for _, tt := range tests {
		if got := EvalCondition(tt.cond, data); got != tt.want {
			t.Errorf("EvalCondition(%q) = %t, want %t", tt.cond, got, tt.want)
		}
	}
}

func TestInvalidatorDelayedRule(t *testing.T) {
	bus := newTestBus(t)
	caches := newTestCacheManager(t, 100, time.Minute)
	inv := NewInvalidator(bus, caches, nil)

	err := inv.AddRule(InvalidationRule{
		EventType: "bulk_import",
		Patterns:  []string{"report:*"},
		Delay:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	caches.Put("reports", "report:daily", "x", 0)
	bus.PublishSync(Event{Type: "bulk_import", Data: nil})

	if _, ok := caches.Get("reports", "report:daily"); !ok {
		t.Fatal("entry removed before the delay elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := caches.Get("reports", "report:daily"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("delayed invalidation never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
