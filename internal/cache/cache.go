// Package cache provides the TTL+size bounded in-memory caches that sit
// in front of the config store. Each cache records hit/miss/eviction
// stats; null results are never cached.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time view of one cache's counters.
type Stats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	lastAccess time.Time
}

// Cache is a string-keyed TTL cache bounded by entry count. Writes past
// the bound evict the entry closest to expiry. An optional idle TTL
// expires entries that have not been read recently.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]

	maxSize int
	ttl     time.Duration
	idleTTL time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache with the given bounds. idleTTL of zero disables
// idle expiry.
func New[V any](maxSize int, ttl, idleTTL time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		idleTTL: idleTTL,
	}
}

// Get returns the cached value if present and fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.expired(e, now) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
			c.evictions.Add(1)
		}
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	if c.idleTTL > 0 {
		c.mu.Lock()
		if cur, still := c.entries[key]; still {
			cur.lastAccess = now
			c.entries[key] = cur
		}
		c.mu.Unlock()
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores a value, evicting the entry closest to expiry when full.
func (c *Cache[V]) Put(key string, value V) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl), lastAccess: now}
}

// Delete removes a single key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear evicts everything.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
	c.evictions.Add(int64(n))
}

// Len returns the live entry count.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache[V]) expired(e entry[V], now time.Time) bool {
	if now.After(e.expiresAt) {
		return true
	}
	if c.idleTTL > 0 && now.Sub(e.lastAccess) > c.idleTTL {
		return true
	}
	return false
}

// evictOldestLocked drops the entry with the earliest expiry. Expired
// entries found along the way are dropped too.
func (c *Cache[V]) evictOldestLocked(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			c.evictions.Add(1)
			return
		}
		if first || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.expiresAt, false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
	}
}
