package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Unix(1704067200, 0)
	cache := newTTLCache[string](5 * time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set("endpoint", "cluster-a")

	now = now.Add(299 * time.Second)
	value, ok := cache.Get("endpoint")
	assert.True(t, ok, "entry must still be valid at 299s")
	assert.Equal(t, "cluster-a", value)

	now = now.Add(2 * time.Second) // t=301s
	_, ok = cache.Get("endpoint")
	assert.False(t, ok, "entry must be expired at 301s")
}

func TestTTLCacheSetRefreshes(t *testing.T) {
	now := time.Unix(1704067200, 0)
	cache := newTTLCache[int](time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set("k", 1)
	now = now.Add(50 * time.Second)
	cache.Set("k", 2)
	now = now.Add(50 * time.Second)

	value, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 2, value)
}

func TestTTLCachePrune(t *testing.T) {
	now := time.Unix(1704067200, 0)
	cache := newTTLCache[int](time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set("old", 1)
	now = now.Add(2 * time.Minute)
	cache.Set("fresh", 2)
	cache.Prune()

	snapshot := cache.Snapshot()
	assert.NotContains(t, snapshot, "old")
	assert.Contains(t, snapshot, "fresh")
}

func TestTTLCacheDelete(t *testing.T) {
	cache := newTTLCache[int](time.Minute)
	cache.Set("k", 1)
	cache.Delete("k")

	_, ok := cache.Get("k")
	assert.False(t, ok)
}
