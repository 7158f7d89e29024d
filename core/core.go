package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ReloadState is the current phase of the reload lifecycle.
type ReloadState string

const (
	StateIdle        ReloadState = "IDLE"
	StateLoading     ReloadState = "LOADING"
	StateValidating  ReloadState = "VALIDATING"
	StateApplying    ReloadState = "APPLYING"
	StateWatching    ReloadState = "WATCHING"
	StateRollingBack ReloadState = "ROLLING_BACK"
	StateFailed      ReloadState = "FAILED"
)

// ReloadStatus is the reload lifecycle snapshot exposed by the
// management API.
type ReloadStatus struct {
	State       ReloadState        `json:"state"`
	Version     string             `json:"version,omitempty"`
	Versions    []string           `json:"versions,omitempty"`
	LastReload  time.Time          `json:"lastReload,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	Attempts    int                `json:"attempts,omitempty"`
	LastDelta   ConfigurationDelta `json:"lastDelta"`
	EndpointLen int                `json:"endpoints"`
}

// engine is the immutable unit of atomic replacement: a validated
// snapshot and the registry compiled from it. Requests load the whole
// engine once and never observe a half-applied configuration.
type engine struct {
	snapshot *ConfigurationSnapshot
	registry *Registry
}

// Cordal is the runtime: it owns the shared managers and an atomically
// swapped engine. Construct with New, replace configuration with Reload,
// dispatch requests with Execute.
type Cordal struct {
	atomic.Value // holds *engine
	done         chan bool

	loader    Loader
	pools     *PoolManager
	caches    *CacheManager
	bus       *EventBus
	inv       *Invalidator
	state     *StateManager
	validator *Validator
	exec      *Executor
	flight    singleflight.Group
	log       *zap.SugaredLogger

	// reloadMu serializes reload cycles; pending queues at most one
	// follow-up requested while a cycle is in flight.
	reloadMu sync.Mutex
	pending  atomic.Bool

	statusMu sync.Mutex
	status   ReloadStatus

	watcher *Watcher
	wg      sync.WaitGroup

	cacheDefaults CacheDefaults
	liveChecks    bool
	maxAttempts   int
	historyLimit  int
	eventWorkers  int
	eventQueue    int
	rules         []InvalidationRule
	watchDirs     []string
	watchGlobs    KindGlobs
	debounce      time.Duration
}

// Option modifies the runtime before its first load.
type Option func(*Cordal) error

// OptionSetLogger sets the logger shared by all managers.
func OptionSetLogger(log *zap.SugaredLogger) Option {
	return func(c *Cordal) error {
		c.log = log
		return nil
	}
}

// OptionSetCacheDefaults configures the named cache layer.
func OptionSetCacheDefaults(d CacheDefaults) Option {
	return func(c *Cordal) error {
		c.cacheDefaults = d
		return nil
	}
}

// OptionSetLiveValidation enables the live schema check during
// configuration validation.
func OptionSetLiveValidation(enabled bool) Option {
	return func(c *Cordal) error {
		c.liveChecks = enabled
		return nil
	}
}

// OptionSetReloadPolicy sets the retry budget per reload cycle and the
// snapshot history depth kept for rollback.
func OptionSetReloadPolicy(maxAttempts, historyLimit int) Option {
	return func(c *Cordal) error {
		c.maxAttempts = maxAttempts
		c.historyLimit = historyLimit
		return nil
	}
}

// OptionSetEventPool sizes the event bus worker pool.
func OptionSetEventPool(workers, queueSize int) Option {
	return func(c *Cordal) error {
		c.eventWorkers = workers
		c.eventQueue = queueSize
		return nil
	}
}

// OptionSetInvalidationRules registers cache invalidation rules.
func OptionSetInvalidationRules(rules []InvalidationRule) Option {
	return func(c *Cordal) error {
		c.rules = rules
		return nil
	}
}

// OptionSetWatch enables hot reload on the given directories. A zero
// debounce uses the default.
func OptionSetWatch(dirs []string, globs KindGlobs, debounce time.Duration) Option {
	return func(c *Cordal) error {
		c.watchDirs = dirs
		c.watchGlobs = globs
		c.debounce = debounce
		return nil
	}
}

// New loads, validates and compiles the initial configuration and starts
// the shared managers. A failed initial load returns the error; nothing
// is left running.
func New(ctx context.Context, loader Loader, options ...Option) (*Cordal, error) {
	c := &Cordal{
		loader:      loader,
		done:        make(chan bool),
		maxAttempts: 3,
	}
	for _, op := range options {
		if err := op(c); err != nil {
			return nil, err
		}
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}

	c.pools = NewPoolManager(nil, c.log)
	c.caches = NewCacheManager(c.cacheDefaults, c.log)
	c.bus = NewEventBus(c.eventWorkers, c.eventQueue, c.log)
	c.inv = NewInvalidator(c.bus, c.caches, c.log)
	c.state = NewStateManager(c.historyLimit)
	c.exec = NewExecutor(c.pools, c.log)
	if c.liveChecks {
		c.validator = NewValidator(c.pools, c.log)
	} else {
		c.validator = NewValidator(nil, c.log)
	}

	for _, rule := range c.rules {
		if err := c.inv.AddRule(rule); err != nil {
			c.stopManagers()
			return nil, err
		}
	}

	if err := c.initialLoad(ctx); err != nil {
		c.stopManagers()
		return nil, err
	}

	if len(c.watchDirs) > 0 {
		w, err := NewWatcher(c.watchDirs, c.watchGlobs, c.debounce, c.log)
		if err != nil {
			c.stopManagers()
			return nil, err
		}
		c.watcher = w
		c.wg.Add(1)
		go c.watchLoop()
		c.setStatus(func(s *ReloadStatus) { s.State = StateWatching })
	}
	return c, nil
}

func (c *Cordal) initialLoad(ctx context.Context) error {
	c.setStatus(func(s *ReloadStatus) { s.State = StateLoading })
	defs, err := c.loader.Load(ctx)
	if err != nil {
		c.setStatus(func(s *ReloadStatus) { s.State = StateFailed; s.LastError = err.Error() })
		return err
	}

	c.setStatus(func(s *ReloadStatus) { s.State = StateValidating })
	report := c.validator.Validate(ctx, defs)
	for _, w := range report.Warnings {
		c.log.Warnf("validation: %s", w)
	}
	if err := report.Err(); err != nil {
		c.setStatus(func(s *ReloadStatus) { s.State = StateFailed; s.LastError = err.Error() })
		return err
	}

	registry, err := CompileRegistry(defs)
	if err != nil {
		c.setStatus(func(s *ReloadStatus) { s.State = StateFailed; s.LastError = err.Error() })
		return err
	}

	snap := c.state.Snapshot(defs)
	c.pools.UpdatePools(ConfigurationDelta{}, defs.Databases)
	c.Store(&engine{snapshot: snap, registry: registry})

	c.setStatus(func(s *ReloadStatus) {
		s.State = StateIdle
		s.Version = snap.Version
		s.Versions = c.state.Versions()
		s.LastReload = snap.Timestamp
		s.LastError = ""
		s.EndpointLen = registry.Len()
	})
	c.log.Infof("configuration %s active: %d endpoints", snap.Version, registry.Len())
	return nil
}

func (c *Cordal) engine() *engine {
	e, _ := c.Load().(*engine)
	return e
}

// Snapshot returns the live configuration snapshot.
func (c *Cordal) Snapshot() *ConfigurationSnapshot { return c.engine().snapshot }

// Registry returns the live routing table.
func (c *Cordal) Registry() *Registry { return c.engine().registry }

// Caches exposes the cache layer for the management API.
func (c *Cordal) Caches() *CacheManager { return c.caches }

// Pools exposes the pool manager for health reporting.
func (c *Cordal) Pools() *PoolManager { return c.pools }

// Bus exposes the event bus for publishing application events.
func (c *Cordal) Bus() *EventBus { return c.bus }

// InvalidationRules lists the registered cache invalidation rules.
func (c *Cordal) InvalidationRules() []InvalidationRule { return c.inv.Rules() }

// Validate runs configuration validation against a freshly loaded
// definition set without applying it.
func (c *Cordal) Validate(ctx context.Context) (*ValidationReport, error) {
	defs, err := c.loader.Load(ctx)
	if err != nil {
		report := NewValidationReport()
		report.Errorf("%s", err)
		return report, nil
	}
	return c.validator.Validate(ctx, defs), nil
}

// Status returns the reload lifecycle snapshot.
func (c *Cordal) Status() ReloadStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Cordal) setStatus(fn func(*ReloadStatus)) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	fn(&c.status)
}

// Reload runs one reload cycle. When a cycle is already in flight the
// request is queued; at most one follow-up cycle runs after the current
// one, no matter how many reloads were requested meanwhile.
func (c *Cordal) Reload(ctx context.Context) error {
	if !c.reloadMu.TryLock() {
		c.pending.Store(true)
		c.log.Debugf("reload already in flight, queued a follow-up")
		return nil
	}
	defer c.reloadMu.Unlock()

	err := c.reloadCycle(ctx)
	for c.pending.Swap(false) {
		if cerr := c.reloadCycle(ctx); cerr != nil {
			err = cerr
		}
	}
	return err
}

// reloadCycle loads, validates and atomically applies a new
// configuration. Validation failures abort without touching the live
// engine. Apply failures roll back and retry up to the attempt budget;
// the previous engine stays live throughout.
func (c *Cordal) reloadCycle(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.setStatus(func(s *ReloadStatus) { s.State = StateLoading; s.Attempts = attempt })

		defs, err := c.loader.Load(ctx)
		if err != nil {
			lastErr = err
			c.log.Warnf("reload attempt %d: load failed: %s", attempt, err)
			continue
		}

		c.setStatus(func(s *ReloadStatus) { s.State = StateValidating })
		report := c.validator.Validate(ctx, defs)
		for _, w := range report.Warnings {
			c.log.Warnf("validation: %s", w)
		}
		if err := report.Err(); err != nil {
			// invalid candidate: keep the live engine, do not retry
			c.failReload(err)
			return err
		}

		prev := c.engine()
		delta := c.state.Delta(prev.snapshot, defs)
		if delta.Empty() {
			c.log.Infof("reload: no configuration change detected")
			c.settleState()
			return nil
		}

		c.setStatus(func(s *ReloadStatus) { s.State = StateApplying })
		if err := c.apply(prev, defs, delta); err != nil {
			lastErr = err
			c.setStatus(func(s *ReloadStatus) { s.State = StateRollingBack })
			c.log.Warnf("reload attempt %d: apply failed, previous configuration stays live: %s", attempt, err)
			continue
		}
		return nil
	}

	c.failReload(lastErr)
	return lastErr
}

func (c *Cordal) apply(prev *engine, defs *Definitions, delta ConfigurationDelta) error {
	registry, err := CompileRegistry(defs)
	if err != nil {
		return err
	}

	snap := c.state.Snapshot(defs)
	c.Store(&engine{snapshot: snap, registry: registry})
	c.pools.UpdatePools(delta, defs.Databases)
	c.dropStaleCaches(prev.snapshot.Defs, delta)

	c.setStatus(func(s *ReloadStatus) {
		s.Version = snap.Version
		s.Versions = c.state.Versions()
		s.LastReload = snap.Timestamp
		s.LastError = ""
		s.LastDelta = delta
		s.EndpointLen = registry.Len()
	})
	c.settleState()

	c.bus.PublishAsync(Event{
		Type: "config.reloaded",
		Data: map[string]interface{}{"version": snap.Version},
	})
	c.log.Infof("configuration %s active: %d endpoints (%d db, %d query, %d endpoint changes)",
		snap.Version, registry.Len(),
		len(delta.Databases.Added)+len(delta.Databases.Updated)+len(delta.Databases.Removed),
		len(delta.Queries.Added)+len(delta.Queries.Updated)+len(delta.Queries.Removed),
		len(delta.Endpoints.Added)+len(delta.Endpoints.Updated)+len(delta.Endpoints.Removed))
	return nil
}

// dropStaleCaches clears the caches of endpoints whose query or
// definition changed, so no response computed under the old
// configuration survives the swap.
func (c *Cordal) dropStaleCaches(prevDefs *Definitions, delta ConfigurationDelta) {
	stale := make(map[string]bool)
	changedQueries := make(map[string]bool)
	for _, name := range delta.Queries.Updated {
		changedQueries[name] = true
	}
	for _, name := range delta.Queries.Removed {
		changedQueries[name] = true
	}

	mark := func(ep EndpointDefinition) {
		if ep.Cached() && ep.Cache.CacheName != "" {
			stale[ep.Cache.CacheName] = true
		}
	}
	for _, name := range append(delta.Endpoints.Updated, delta.Endpoints.Removed...) {
		if ep, ok := prevDefs.Endpoints[name]; ok {
			mark(ep)
		}
	}
	for _, ep := range prevDefs.Endpoints {
		if changedQueries[ep.Query] || changedQueries[ep.CountQuery] {
			mark(ep)
		}
	}
	for name := range stale {
		c.caches.Clear(name)
		c.log.Debugf("cleared cache %s after configuration change", name)
	}
}

func (c *Cordal) failReload(err error) {
	c.setStatus(func(s *ReloadStatus) {
		s.State = StateFailed
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// settleState returns to WATCHING when a watcher runs, IDLE otherwise.
func (c *Cordal) settleState() {
	c.setStatus(func(s *ReloadStatus) {
		if c.watcher != nil {
			s.State = StateWatching
		} else {
			s.State = StateIdle
		}
	})
}

// Rollback reactivates a retained snapshot. The rolled-back definition
// set is recompiled and swapped in like a reload.
func (c *Cordal) Rollback(version string) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	c.setStatus(func(s *ReloadStatus) { s.State = StateRollingBack })
	snap, err := c.state.Rollback(version)
	if err != nil {
		c.settleState()
		return err
	}

	registry, err := CompileRegistry(snap.Defs)
	if err != nil {
		c.failReload(err)
		return err
	}

	prev := c.engine()
	delta := c.state.Delta(prev.snapshot, snap.Defs)
	c.Store(&engine{snapshot: snap, registry: registry})
	c.pools.UpdatePools(delta, snap.Defs.Databases)
	c.caches.ClearAll()

	c.setStatus(func(s *ReloadStatus) {
		s.Version = snap.Version
		s.Versions = c.state.Versions()
		s.LastError = ""
		s.LastDelta = delta
		s.EndpointLen = registry.Len()
	})
	c.settleState()
	c.log.Infof("rolled back to configuration %s", snap.Version)
	return nil
}

func (c *Cordal) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-c.watcher.Changes():
			if !ok {
				return
			}
			c.log.Infof("configuration change detected in %d file(s), reloading", len(n.Paths))
			if err := c.Reload(context.Background()); err != nil {
				c.log.Errorf("hot reload failed: %s", err)
			}
		}
	}
}

func (c *Cordal) stopManagers() {
	c.bus.Close()
	c.caches.Close()
	c.pools.Shutdown()
}

// Shutdown stops the watcher, the managers and closes all pools.
func (c *Cordal) Shutdown() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close() //nolint:errcheck
	}
	c.wg.Wait()
	c.stopManagers()
	c.log.Infof("core shut down")
}
