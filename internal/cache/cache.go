// Package cache memoises forecast and advisory responses per model version.
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// TTL is a size-bounded LRU whose entries also expire after a fixed age.
// Concurrent misses on the same key share a single computation.
type TTL[V any] struct {
	cache *lru.Cache[string, entry[V]]
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New returns a cache holding at most size entries. ttl <= 0 disables expiry.
func New[V any](size int, ttl time.Duration) (*TTL[V], error) {
	c := &TTL[V]{ttl: ttl, now: time.Now}
	cache, err := lru.NewWithEvict[string, entry[V]](size, func(string, entry[V]) {
		c.evicted.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.cache = cache
	return c, nil
}

// Get returns a live entry and counts the hit or miss.
func (c *TTL[V]) Get(key string) (V, bool) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// lookup returns a live entry without touching the counters.
func (c *TTL[V]) lookup(key string) (V, bool) {
	e, ok := c.cache.Get(key)
	if ok && (c.ttl <= 0 || c.now().Before(e.expiresAt)) {
		return e.value, true
	}
	if ok {
		c.cache.Remove(key)
	}
	var zero V
	return zero, false
}

// Set stores value under key.
func (c *TTL[V]) Set(key string, value V) {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.cache.Add(key, e)
}

// GetOrCompute returns the cached value or runs fn once per key among
// concurrent callers. Errors are not cached. hit reports a cache hit.
func (c *TTL[V]) GetOrCompute(key string, fn func() (V, error)) (v V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err = c.Compute(key, fn)
	return v, false, err
}

// Compute is the miss path of GetOrCompute for callers that already did
// their own Get: it never counts a hit or miss. A value stored by a
// concurrent caller in the meantime is returned instead of running fn.
func (c *TTL[V]) Compute(key string, fn func() (V, error)) (V, error) {
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Purge drops every entry, e.g. after a new model is trained.
func (c *TTL[V]) Purge() { c.cache.Purge() }

// Len returns the number of stored entries, expired ones included.
func (c *TTL[V]) Len() int { return c.cache.Len() }

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns the current counters.
func (c *TTL[V]) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
		Size:    c.cache.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Key builds a cache key scoped to a model version.
func Key(kind, version string, parts ...any) string {
	k := kind + "|" + version
	for _, p := range parts {
		k += fmt.Sprintf("|%v", p)
	}
	return k
}
