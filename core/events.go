package core

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is an in-process notification, typically published after a
// mutation that should invalidate cached query results.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Listener consumes events for one event type.
type Listener func(Event)

// EventBus is an in-process pub/sub keyed by event type. Synchronous
// publishes run on the caller's goroutine; asynchronous publishes run on
// a shared bounded worker pool that drops with a log line when its queue
// overflows rather than blocking the publisher.
type EventBus struct {
	mu        sync.Mutex
	listeners atomic.Value // map[string][]Listener, copy-on-write
	tasks     chan func()
	timers    map[*time.Timer]struct{}
	log       *zap.SugaredLogger
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
}

// NewEventBus starts a bus with the given worker count and queue bound.
func NewEventBus(workers, queueSize int, log *zap.SugaredLogger) *EventBus {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &EventBus{
		tasks:  make(chan func(), queueSize),
		timers: make(map[*time.Timer]struct{}),
		log:    log,
		done:   make(chan struct{}),
	}
	b.listeners.Store(map[string][]Listener{})

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *EventBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case task := <-b.tasks:
			b.safely(task)
		}
	}
}

func (b *EventBus) safely(task func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("event listener panicked: %v", r)
		}
	}()
	task()
}

// Subscribe registers a listener for an event type.
func (b *EventBus) Subscribe(eventType string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.listeners.Load().(map[string][]Listener)
	next := make(map[string][]Listener, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[eventType] = append(append([]Listener{}, old[eventType]...), fn)
	b.listeners.Store(next)
}

func (b *EventBus) listenersFor(eventType string) []Listener {
	return b.listeners.Load().(map[string][]Listener)[eventType]
}

// PublishSync dispatches to all subscribers on the caller's goroutine.
// A panicking listener is logged and does not prevent the rest from
// firing.
func (b *EventBus) PublishSync(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, fn := range b.listenersFor(e.Type) {
		fn := fn
		b.safely(func() { fn(e) })
	}
}

// PublishAsync dispatches on the shared worker pool. The event is
// dropped with a log line when the queue is full.
func (b *EventBus) PublishAsync(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	listeners := b.listenersFor(e.Type)
	for _, fn := range listeners {
		fn := fn
		if !b.submit(func() { fn(e) }) {
			return
		}
	}
}

// Submit schedules an arbitrary task on the worker pool, with the same
// overflow behavior as PublishAsync.
func (b *EventBus) Submit(task func()) bool {
	return b.submit(task)
}

func (b *EventBus) submit(task func()) bool {
	select {
	case b.tasks <- task:
		return true
	default:
		n := b.dropped.Add(1)
		b.log.Warnf("event queue full, dropping task (%d dropped so far)", n)
		return false
	}
}

// Schedule runs a task after a delay on the worker pool. Pending timers
// are cancelled at Close.
func (b *EventBus) Schedule(delay time.Duration, task func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		b.submit(task)
	})
	b.timers[t] = struct{}{}
}

// Dropped returns how many async tasks were dropped on overflow.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Close cancels pending timers and stops the workers.
func (b *EventBus) Close() {
	b.mu.Lock()
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
