package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBusPublishSync(t *testing.T) {
	bus := newTestBus(t)

	var got []string
	bus.Subscribe("order_created", func(e Event) {
		got = append(got, e.Data["id"].(string))
	})
	bus.Subscribe("order_created", func(e Event) {
		got = append(got, "second")
	})

	bus.PublishSync(Event{Type: "order_created", Data: map[string]interface{}{"id": "o1"}})

	if len(got) != 2 || got[0] != "o1" || got[1] != "second" {
		t.Errorf("listeners saw %v", got)
	}
}

func TestEventBusTypeIsolation(t *testing.T) {
	bus := newTestBus(t)

	called := false
	bus.Subscribe("a", func(Event) { called = true })
	bus.PublishSync(Event{Type: "b"})

	if called {
		t.Error("listener for type a fired on type b")
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	bus := newTestBus(t)

	var after atomic.Bool
	bus.Subscribe("e", func(Event) { panic("listener bug") })
	bus.Subscribe("e", func(Event) { after.Store(true) })

	bus.PublishSync(Event{Type: "e"})

	if !after.Load() {
		t.Error("panicking listener prevented the next one from running")
	}
}

func TestEventBusPublishAsync(t *testing.T) {
	bus := newTestBus(t)

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe("e", func(Event) { wg.Done() })

	bus.PublishAsync(Event{Type: "e"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async listener never ran")
	}
}

func TestEventBusSchedule(t *testing.T) {
	bus := newTestBus(t)

	var fired atomic.Bool
	bus.Schedule(10*time.Millisecond, func() { fired.Store(true) })

	if fired.Load() {
		t.Fatal("task ran before its delay")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !fired.Load() {
		if time.Now().After(deadline) {
			t.Fatal("scheduled task never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBusTimestampDefault(t *testing.T) {
	bus := newTestBus(t)

	var ts time.Time
	bus.Subscribe("e", func(e Event) { ts = e.Timestamp })
	bus.PublishSync(Event{Type: "e"})

	if ts.IsZero() {
		t.Error("publish should stamp events without a timestamp")
	}
}
