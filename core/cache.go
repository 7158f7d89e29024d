package core

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

// CacheDefaults configures newly created named caches.
type CacheDefaults struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

func (d *CacheDefaults) normalize() {
	if d.MaxEntries <= 0 {
		d.MaxEntries = 1000
	}
	if d.DefaultTTL <= 0 {
		d.DefaultTTL = 5 * time.Minute
	}
	if d.SweepInterval <= 0 {
		d.SweepInterval = 30 * time.Second
	}
}

// CacheStats is a point-in-time statistics snapshot of one cache.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hitRate"`
}

type cacheEntry struct {
	value  interface{}
	expiry time.Time
}

// namedCache is one bounded TTL+LRU cache. All operations hold its mutex,
// which makes put and removePattern linearizable per cache.
type namedCache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *cacheEntry]
	defaultTTL time.Duration
	hits       uint64
	misses     uint64
	evictions  uint64
	countEvict bool
}

func newNamedCache(maxEntries int, defaultTTL time.Duration) *namedCache {
	c := &namedCache{defaultTTL: defaultTTL}
	// the callback only counts capacity evictions; explicit removals and
	// expiry sweeps flip countEvict off first
	lru, _ := simplelru.NewLRU[string, *cacheEntry](maxEntries, func(string, *cacheEntry) {
		if c.countEvict {
			c.evictions++
		}
	})
	c.lru = lru
	return c
}

func (c *namedCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.expiry) {
		c.countEvict = false
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

func (c *namedCache) put(key string, value interface{}, ttl time.Duration) {
	if key == "" || value == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countEvict = true
	c.lru.Add(key, &cacheEntry{value: value, expiry: time.Now().Add(ttl)})
	c.countEvict = false
}

func (c *namedCache) remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countEvict = false
	return c.lru.Remove(key)
}

// removePattern deletes every key matching the glob. It runs under the
// cache mutex, so it is atomic with respect to concurrent gets and puts.
func (c *namedCache) removePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []string
	for _, key := range c.lru.Keys() {
		if globMatch(pattern, key) {
			doomed = append(doomed, key)
		}
	}
	c.countEvict = false
	for _, key := range doomed {
		c.lru.Remove(key)
	}
	return len(doomed)
}

func (c *namedCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countEvict = false
	c.lru.Purge()
}

func (c *namedCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []string
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && now.After(entry.expiry) {
			doomed = append(doomed, key)
		}
	}
	c.countEvict = false
	for _, key := range doomed {
		c.lru.Remove(key)
	}
	return len(doomed)
}

func (c *namedCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// globMatch matches cache keys against a pattern where `*` matches any
// run of characters. Cache keys never contain '/', so path.Match gives
// exactly that semantics.
func globMatch(pattern, key string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == key
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// CacheManager owns the named caches. Caches are created on first use
// with the manager's defaults; a background sweeper removes expired
// entries periodically.
type CacheManager struct {
	mu       sync.RWMutex
	caches   map[string]*namedCache
	defaults CacheDefaults
	log      *zap.SugaredLogger
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewCacheManager creates the manager and starts its sweeper.
func NewCacheManager(defaults CacheDefaults, log *zap.SugaredLogger) *CacheManager {
	defaults.normalize()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &CacheManager{
		caches:   make(map[string]*namedCache),
		defaults: defaults,
		log:      log,
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweeper()
	return m
}

func (m *CacheManager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.defaults.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			for name, c := range m.snapshotCaches() {
				if n := c.sweep(now); n > 0 {
					m.log.Debugf("cache %s: swept %d expired entries", name, n)
				}
			}
		}
	}
}

func (m *CacheManager) snapshotCaches() map[string]*namedCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*namedCache, len(m.caches))
	for k, v := range m.caches {
		out[k] = v
	}
	return out
}

func (m *CacheManager) ensure(name string) *namedCache {
	m.mu.RLock()
	c, ok := m.caches[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.caches[name]; ok {
		return c
	}
	c = newNamedCache(m.defaults.MaxEntries, m.defaults.DefaultTTL)
	m.caches[name] = c
	return c
}

// Get returns the cached value for key, updating recency and statistics.
// Expired entries are removed and reported as a miss.
func (m *CacheManager) Get(cache, key string) (interface{}, bool) {
	return m.ensure(cache).get(key)
}

// Put stores a value with the given TTL (zero means the cache default).
// Empty keys and nil values are silently ignored.
func (m *CacheManager) Put(cache, key string, value interface{}, ttl time.Duration) {
	m.ensure(cache).put(key, value, ttl)
}

// Remove deletes one key.
func (m *CacheManager) Remove(cache, key string) bool {
	return m.ensure(cache).remove(key)
}

// RemovePattern deletes all keys matching a glob pattern and returns how
// many were removed.
func (m *CacheManager) RemovePattern(cache, pattern string) int {
	return m.ensure(cache).removePattern(pattern)
}

// RemovePatternAll broadcasts a pattern removal across every cache.
func (m *CacheManager) RemovePatternAll(pattern string) int {
	total := 0
	for _, c := range m.snapshotCaches() {
		total += c.removePattern(pattern)
	}
	return total
}

// Clear empties one cache.
func (m *CacheManager) Clear(cache string) {
	m.ensure(cache).clear()
}

// ClearAll empties every cache.
func (m *CacheManager) ClearAll() {
	for _, c := range m.snapshotCaches() {
		c.clear()
	}
}

// Stats returns the statistics snapshot of one cache.
func (m *CacheManager) Stats(cache string) CacheStats {
	return m.ensure(cache).stats()
}

// StatsAll returns statistics for every cache, keyed by cache name.
func (m *CacheManager) StatsAll() map[string]CacheStats {
	out := make(map[string]CacheStats)
	for name, c := range m.snapshotCaches() {
		out[name] = c.stats()
	}
	return out
}

// Names returns all cache names, sorted.
func (m *CacheManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the sweeper.
func (m *CacheManager) Close() {
	close(m.done)
	m.wg.Wait()
}
