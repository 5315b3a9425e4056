package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-collector/internal/models"
)

func TestMergeNodesOnlineWins(t *testing.T) {
	merged := mergeNodes([]models.Node{
		{Name: "pve1", Status: "offline"},
		{Name: "pve1", Status: "online", Uptime: 100},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, "online", merged[0].Status)
	assert.Equal(t, int64(100), merged[0].Uptime)
}

func TestMergeNodesUptimeBreaksTies(t *testing.T) {
	merged := mergeNodes([]models.Node{
		{Name: "pve1", Status: "online", Uptime: 100},
		{Name: "pve1", Status: "online", Uptime: 200},
		{Name: "pve1", Status: "online", Uptime: 50},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, int64(200), merged[0].Uptime)
}

func TestMergeNodesCPUDataWins(t *testing.T) {
	merged := mergeNodes([]models.Node{
		{Name: "pve1", Status: "online", CPU: 0},
		{Name: "pve1", Status: "online", CPU: 0.25},
	})

	require.Len(t, merged, 1)
	assert.InDelta(t, 0.25, merged[0].CPU, 0.001)
}

func TestMergeNodesFlagsPossibleTransition(t *testing.T) {
	merged := mergeNodes([]models.Node{
		{Name: "pve1", Status: "online", Uptime: 100, CPU: 0.1},
		{Name: "pve1", Status: "offline"},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, "online", merged[0].Status, "known-good metrics must be kept")
	assert.True(t, merged[0].PossibleTransition)
}

func TestMergeNodesDistinctNamesUntouched(t *testing.T) {
	merged := mergeNodes([]models.Node{
		{Name: "pve1", Status: "online"},
		{Name: "pve2", Status: "offline"},
		{Name: "pve3", Status: "online"},
	})
	assert.Len(t, merged, 3)
}

func TestBackfillNodesFromCache(t *testing.T) {
	cache := newTTLCache[models.Node](lastKnownGoodTTL)
	cache.Set("pve1", models.Node{Name: "pve1", Status: "online", Uptime: 500, CPU: 0.3})

	merged := backfillNodes(nil, cache)

	require.Len(t, merged, 1)
	assert.Equal(t, "pve1", merged[0].Name)
	assert.Equal(t, "offline", merged[0].Status)
	assert.True(t, merged[0].FromCache)
	assert.Equal(t, int64(500), merged[0].Uptime, "cached metrics survive the bridge")
}

func TestBackfillSkippedWhenAnyNodeOnline(t *testing.T) {
	cache := newTTLCache[models.Node](lastKnownGoodTTL)
	cache.Set("pve2", models.Node{Name: "pve2", Status: "online"})

	merged := backfillNodes([]models.Node{{Name: "pve1", Status: "online"}}, cache)

	require.Len(t, merged, 1)
	assert.Equal(t, "pve1", merged[0].Name)

	// The live node must have refreshed the cache.
	_, ok := cache.Get("pve1")
	assert.True(t, ok)
}

func TestBackfillExpiredEntriesDropped(t *testing.T) {
	now := time.Unix(1704067200, 0)
	cache := newTTLCache[models.Node](lastKnownGoodTTL)
	cache.now = func() time.Time { return now }
	cache.Set("pve1", models.Node{Name: "pve1", Status: "online"})

	now = now.Add(90 * time.Second)
	merged := backfillNodes(nil, cache)
	assert.Empty(t, merged, "entries older than a minute must not be served")
}

func TestMergeVMsRunningWins(t *testing.T) {
	stopped := models.VM{ID: "a-pve1-100", VMID: 100, Node: "pve1", Status: "stopped"}
	running := models.VM{ID: "b-pve1-100", VMID: 100, Node: "pve1", Status: "running"}

	merged := mergeVMs([]models.VM{stopped, running})
	require.Len(t, merged, 1)
	assert.Equal(t, running, merged[0])

	// Order must not matter.
	merged = mergeVMs([]models.VM{running, stopped})
	require.Len(t, merged, 1)
	assert.Equal(t, running, merged[0])
}

func TestMergeVMsFirstSeenWinsWithoutRunning(t *testing.T) {
	first := models.VM{ID: "a", VMID: 100, Node: "pve1", Status: "stopped", Name: "first"}
	second := models.VM{ID: "b", VMID: 100, Node: "pve1", Status: "paused", Name: "second"}

	merged := mergeVMs([]models.VM{first, second})
	require.Len(t, merged, 1)
	assert.Equal(t, "first", merged[0].Name)
}

func TestMergeVMsIdempotent(t *testing.T) {
	input := []models.VM{
		{ID: "a", VMID: 100, Node: "pve1", Status: "running"},
		{ID: "b", VMID: 100, Node: "pve1", Status: "stopped"},
		{ID: "c", VMID: 101, Node: "pve1", Status: "stopped"},
		{ID: "d", VMID: 100, Node: "pve2", Status: "running"},
	}

	once := mergeVMs(input)
	twice := mergeVMs(once)
	assert.Equal(t, once, twice, "merge must be a fixed point on its own output")
}

func TestMergeVMsSameVMIDDifferentNodes(t *testing.T) {
	merged := mergeVMs([]models.VM{
		{ID: "a", VMID: 100, Node: "pve1", Status: "running"},
		{ID: "b", VMID: 100, Node: "pve2", Status: "running"},
	})
	assert.Len(t, merged, 2, "same vmid on different nodes are distinct guests")
}

func TestMergeContainersRunningWins(t *testing.T) {
	merged := mergeContainers([]models.Container{
		{ID: "a", VMID: 200, Node: "pve1", Status: "stopped"},
		{ID: "b", VMID: 200, Node: "pve1", Status: "running"},
	})
	require.Len(t, merged, 1)
	assert.Equal(t, "running", merged[0].Status)
}
