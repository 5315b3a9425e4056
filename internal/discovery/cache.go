package discovery

import (
	"sync"
	"time"
)

// ttlCache is a small concurrency-safe map whose entries expire after a
// fixed TTL. Each cache instance guards its own map; callers across
// concurrent cycles share one instance per concern.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry[V]
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value   V
	storedAt time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key with a fresh timestamp.
func (c *ttlCache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, storedAt: c.now()}
	c.mu.Unlock()
}

// Delete removes key from the cache.
func (c *ttlCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Prune drops every expired entry. Entries never read again would
// otherwise stay resident forever.
func (c *ttlCache[V]) Prune() {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	for key, entry := range c.entries {
		if entry.storedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Snapshot returns all live entries. Used by the last-known-good backfill
// which needs to iterate rather than look up.
func (c *ttlCache[V]) Snapshot() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]V, len(c.entries))
	cutoff := c.now().Add(-c.ttl)
	for key, entry := range c.entries {
		if !entry.storedAt.Before(cutoff) {
			out[key] = entry.value
		}
	}
	return out
}
