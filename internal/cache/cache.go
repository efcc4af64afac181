// Package cache is a time-boxed read cache with explicit invalidation.
// Entries are valid while now - fetchedAt < ttl.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/kimhsiao/stockledger/internal/clock"
)

// DefaultTTL is the lifetime of an entry stored with Set.
const DefaultTTL = 120 * time.Second

// Entry is a cached value and when it was fetched.
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
	TTL       time.Duration
}

// Valid reports whether the entry is still fresh at now.
func (e *Entry[V]) Valid(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Stats counts cache activity.
type Stats struct {
	Entries       int   `json:"entries"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

// Cache maps string keys to values of type V. Keys are kept ordered so
// that a prefix (for example a collection name) can be invalidated at once.
type Cache[V any] struct {
	entries *skipmap.FuncMap[string, *Entry[V]]
	clock   clock.Clock
	ttl     atomic.Int64 // time.Duration

	// writeMu orders stores against invalidations; reads do not take it.
	writeMu    sync.Mutex
	generation atomic.Uint64

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// New creates a cache. A non-positive ttl uses DefaultTTL and a nil clock
// uses the system clock.
func New[V any](ttl time.Duration, c clock.Clock) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if c == nil {
		c = clock.System{}
	}
	cache := &Cache[V]{
		entries: skipmap.NewFunc[string, *Entry[V]](func(a, b string) bool { return a < b }),
		clock:   c,
	}
	cache.ttl.Store(int64(ttl))
	return cache
}

// TTL returns the default entry lifetime.
func (c *Cache[V]) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL changes the lifetime of entries stored from now on. Existing
// entries keep the TTL they were stored with.
func (c *Cache[V]) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.ttl.Store(int64(ttl))
}

// Get returns the value for key if it is still valid.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.entries.Load(key)
	if ok && e.Valid(c.clock.Now()) {
		c.hits.Add(1)
		return e.Value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Peek returns the entry for key, valid or not, without touching the stats.
func (c *Cache[V]) Peek(key string) (*Entry[V], bool) {
	return c.entries.Load(key)
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.TTL())
}

// SetWithTTL stores value under key with ttl.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.store(key, value, ttl)
}

func (c *Cache[V]) store(key string, value V, ttl time.Duration) {
	c.entries.Store(key, &Entry[V]{Value: value, FetchedAt: c.clock.Now(), TTL: ttl})
}

// Generation returns a token that changes on every invalidation. A reader
// takes it before fetching and passes it to SetIfGeneration.
func (c *Cache[V]) Generation() uint64 {
	return c.generation.Load()
}

// SetIfGeneration stores value only if nothing was invalidated since gen
// was taken, so a slow fetch cannot resurrect data a write made stale.
func (c *Cache[V]) SetIfGeneration(key string, value V, gen uint64) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.generation.Load() != gen {
		return false
	}
	c.store(key, value, c.TTL())
	return true
}

// Invalidate expires one key.
func (c *Cache[V]) Invalidate(key string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.generation.Add(1)
	c.invalidations.Add(1)
	c.entries.Delete(key)
}

// InvalidatePrefix expires every key starting with prefix and returns how
// many were removed.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.generation.Add(1)
	c.invalidations.Add(1)

	var keys []string
	c.entries.Range(func(key string, _ *Entry[V]) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
			return true
		}
		// Keys are ordered: once past the prefix range, stop.
		return key < prefix
	})
	for _, k := range keys {
		c.entries.Delete(k)
	}
	return len(keys)
}

// InvalidateAll expires every key.
func (c *Cache[V]) InvalidateAll() {
	c.InvalidatePrefix("")
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache[V]) Prune() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := c.clock.Now()
	removed := 0
	c.entries.Range(func(key string, e *Entry[V]) bool {
		if !e.Valid(now) {
			c.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of stored entries, including expired ones not
// yet pruned.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

// Stats returns activity counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Entries:       c.entries.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
