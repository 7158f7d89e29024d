package core

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// ConfigurationSnapshot is an immutable captured definition set with a
// monotonic version.
type ConfigurationSnapshot struct {
	Version   string       `json:"version"`
	Defs      *Definitions `json:"-"`
	Timestamp time.Time    `json:"timestamp"`
}

// KindDelta holds name sets of one definition kind between two
// snapshots.
type KindDelta struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

func (d KindDelta) empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// ConfigurationDelta is the per-kind change set between two definition
// sets.
type ConfigurationDelta struct {
	Databases KindDelta `json:"databases"`
	Queries   KindDelta `json:"queries"`
	Endpoints KindDelta `json:"endpoints"`
}

// Empty reports whether the delta carries no change.
func (d ConfigurationDelta) Empty() bool {
	return d.Databases.empty() && d.Queries.empty() && d.Endpoints.empty()
}

// StateManager keeps a bounded history of configuration snapshots for
// delta computation and rollback.
type StateManager struct {
	mu      sync.Mutex
	history []*ConfigurationSnapshot
	limit   int
	counter uint64
}

// NewStateManager creates a state manager retaining up to limit
// snapshots.
func NewStateManager(limit int) *StateManager {
	if limit <= 0 {
		limit = 10
	}
	return &StateManager{limit: limit}
}

// Snapshot stores the definition set immutably under a fresh monotonic
// version and makes it current.
func (m *StateManager) Snapshot(defs *Definitions) *ConfigurationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	snap := &ConfigurationSnapshot{
		Version:   fmt.Sprintf("v%d", m.counter),
		Defs:      defs,
		Timestamp: time.Now(),
	}
	m.history = append(m.history, snap)
	if len(m.history) > m.limit {
		m.history = m.history[len(m.history)-m.limit:]
	}
	return snap
}

// Current returns the live snapshot, or nil before the first load.
func (m *StateManager) Current() *ConfigurationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

// Versions lists retained snapshot versions, oldest first.
func (m *StateManager) Versions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history))
	for i, s := range m.history {
		out[i] = s.Version
	}
	return out
}

// Rollback makes the named retained snapshot current again, discarding
// newer ones. Rolling back to the current version is a no-op, which
// makes rollback idempotent.
func (m *StateManager) Rollback(version string) (*ConfigurationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Version == version {
			m.history = m.history[:i+1]
			return m.history[i], nil
		}
	}
	return nil, NewError(CodeNotFound, "no retained snapshot with version %q", version)
}

// Delta computes the per-kind added/updated/removed sets between a
// snapshot and a candidate definition set. Updates are detected by deep
// field equality.
func (m *StateManager) Delta(from *ConfigurationSnapshot, to *Definitions) ConfigurationDelta {
	var base *Definitions
	if from != nil {
		base = from.Defs
	} else {
		base = NewDefinitions()
	}
	return ConfigurationDelta{
		Databases: diffKind(mapKeys(base.Databases), mapKeys(to.Databases), func(name string) bool {
			a, b := base.Databases[name], to.Databases[name]
			return reflect.DeepEqual(a, b)
		}),
		Queries: diffKind(mapKeys(base.Queries), mapKeys(to.Queries), func(name string) bool {
			a, b := base.Queries[name], to.Queries[name]
			return reflect.DeepEqual(a, b)
		}),
		Endpoints: diffKind(mapKeys(base.Endpoints), mapKeys(to.Endpoints), func(name string) bool {
			a, b := base.Endpoints[name], to.Endpoints[name]
			// declaration order is registry bookkeeping, not configuration
			a.order, b.order = 0, 0
			return reflect.DeepEqual(a, b)
		}),
	}
}

func mapKeys[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func diffKind(from, to map[string]bool, equal func(string) bool) KindDelta {
	var d KindDelta
	for name := range to {
		if !from[name] {
			d.Added = append(d.Added, name)
		} else if !equal(name) {
			d.Updated = append(d.Updated, name)
		}
	}
	for name := range from {
		if !to[name] {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Updated)
	sort.Strings(d.Removed)
	return d
}

// ValidateDelta checks structural reachability of a definition set after
// applying a delta: every endpoint's query and every query's database
// must resolve.
func ValidateDelta(delta ConfigurationDelta, defs *Definitions) *ValidationReport {
	report := NewValidationReport()

	removedQueries := make(map[string]bool)
	for _, name := range delta.Queries.Removed {
		removedQueries[name] = true
	}
	removedDatabases := make(map[string]bool)
	for _, name := range delta.Databases.Removed {
		removedDatabases[name] = true
	}

	for name, ep := range defs.Endpoints {
		if removedQueries[ep.Query] {
			report.Errorf("endpoint %q would lose its query %q", name, ep.Query)
		}
		if ep.CountQuery != "" && removedQueries[ep.CountQuery] {
			report.Errorf("endpoint %q would lose its count query %q", name, ep.CountQuery)
		}
	}
	for name, q := range defs.Queries {
		if removedDatabases[q.Database] {
			report.Errorf("query %q would lose its database %q", name, q.Database)
		}
	}
	if len(report.Errors) == 0 {
		report.Successf("delta keeps the endpoint-query-database graph resolvable")
	}
	return report
}
