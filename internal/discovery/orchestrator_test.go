package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/pbs"
	"github.com/rcourtman/pulse-collector/pkg/proxmox"
)

// prodCluster builds the healthy endpoint of a three node cluster with
// node3 offline, a VM and a template on node1 and a container on node2.
func prodCluster() *fakePVEClient {
	status := []proxmox.ClusterStatus{
		{Type: "cluster", Name: "prod", Nodes: 3, Quorate: 1},
		{Type: "node", Name: "node1", IP: "10.0.0.1", Online: 1},
		{Type: "node", Name: "node2", IP: "10.0.0.2", Online: 1},
		{Type: "node", Name: "node3", IP: "10.0.0.3", Online: 0},
	}
	return &fakePVEClient{
		clusterStatus: status,
		nodes: []proxmox.Node{
			{Node: "node1", Status: "online", Uptime: 86400, MaxMem: 64 << 30, Mem: 20 << 30},
			{Node: "node2", Status: "online", Uptime: 86400, MaxMem: 64 << 30, Mem: 30 << 30},
			{Node: "node3", Status: "offline"},
		},
		vms: map[string][]proxmox.VM{
			"node1": {
				{VMID: 100, Name: "web", Status: "running", CPUs: 4, MaxMem: 8 << 30, Mem: 2 << 30},
				{VMID: 900, Name: "template", Status: "stopped", Template: 1},
			},
		},
		containers: map[string][]proxmox.Container{
			"node2": {
				{VMID: json.Number("200"), Name: "db", Status: "running", CPUs: 2, MaxMem: 4 << 30},
			},
		},
		guestStatus: map[string]*proxmox.GuestStatus{
			"node1/100": {Status: "running", CPU: 0.25, Mem: 2 << 30, MaxMem: 8 << 30, Uptime: 3600},
		},
	}
}

func TestFetchDiscoveryDataFailoverAndDedup(t *testing.T) {
	e := newTestEngine()
	e.cfg.PVEInstances = []config.PVEInstance{
		{Name: "pve-a", Host: "https://pve-a:8006", MonitorBackups: true},
		{Name: "pve-b", Host: "https://pve-b:8006", MonitorBackups: true},
	}

	// pve-a classifies into the cluster but fails the node listing, so the
	// group falls over to pve-b. The cluster must still appear exactly once.
	e.pveClients["pve-a"] = &fakePVEClient{
		host:          "https://pve-a:8006",
		clusterStatus: prodCluster().clusterStatus,
		nodesErr:      fmt.Errorf("API error 595: connection refused"),
	}
	e.pveClients["pve-b"] = prodCluster()

	snapshot := e.FetchDiscoveryData(context.Background())
	require.NotNil(t, snapshot)

	require.Len(t, snapshot.Nodes, 3)
	names := make(map[string]int)
	for _, node := range snapshot.Nodes {
		names[node.Name]++
		assert.True(t, node.IsClusterMember)
		assert.Equal(t, "prod", node.ClusterName)
	}
	for name, n := range names {
		assert.Equal(t, 1, n, "node %s appears %d times", name, n)
	}

	var offline *string
	for i := range snapshot.Nodes {
		if snapshot.Nodes[i].Status == "offline" {
			offline = &snapshot.Nodes[i].Name
			assert.Equal(t, "prod - node3", snapshot.Nodes[i].DisplayName)
		}
	}
	require.NotNil(t, offline)
	assert.Equal(t, "node3", *offline)

	// Template filtered, guests carry composite IDs.
	require.Len(t, snapshot.VMs, 1)
	assert.Equal(t, "pve-b-node1-100", snapshot.VMs[0].ID)
	require.Len(t, snapshot.Containers, 1)
	assert.Equal(t, "pve-b-node2-200", snapshot.Containers[0].ID)

	assert.True(t, snapshot.ConnectionHealth["pve:pve-a"], "group is healthy through its backup endpoint")
	assert.Equal(t, 1, snapshot.Stats.EndpointsTotal)
	assert.Equal(t, 1, snapshot.Stats.EndpointsUp)
	assert.NotEmpty(t, snapshot.CycleID)

	assert.Same(t, snapshot, e.LastSnapshot())
}

func TestFetchDiscoveryDataAllEndpointsDown(t *testing.T) {
	e := newTestEngine()
	e.cfg.PVEInstances = []config.PVEInstance{{Name: "pve-a", Host: "https://pve-a:8006", MonitorBackups: true}}
	e.pveClients["pve-a"] = &fakePVEClient{
		nodesErr: fmt.Errorf("API error 595: no route to host"),
	}

	snapshot := e.FetchDiscoveryData(context.Background())
	require.NotNil(t, snapshot)
	assert.Empty(t, snapshot.Nodes)
	assert.False(t, snapshot.ConnectionHealth["pve:pve-a"])
	assert.Equal(t, 0, snapshot.Stats.EndpointsUp)
}

func TestFetchDiscoveryDataIncludesPBS(t *testing.T) {
	e := newTestEngine()
	day := epochOnDay("2026-08-20", 2)
	e.cfg.PBSInstances = []config.PBSInstance{
		{Name: "pbs-main", Host: "https://pbs:8007"},
		{Name: "pbs-down", Host: "https://pbs2:8007"},
	}
	e.pbsClients["pbs-main"] = &fakePBSClient{
		usage: []pbs.DatastoreUsage{{Store: "main", Total: 1 << 40, Used: 1 << 39, Avail: 1 << 39}},
		snapshots: map[string]map[string][]pbs.Snapshot{
			"main": {"": {
				{BackupType: "vm", BackupID: "100", BackupTime: day, Size: 1 << 30},
				{BackupType: "vm", BackupID: "100", BackupTime: day - 86400, Size: 1 << 30},
			}},
		},
		tasks: []pbs.Task{{
			UPID:       "UPID:pbs01:00001234:00005678:00000000:68a56c40:backup:main\\x3avm\\x2f100:root@pam:",
			Node:       "pbs01",
			WorkerType: "backup",
			WorkerID:   "main:vm/100",
			User:       "root@pam",
			Status:     "OK",
			StartTime:  day,
			EndTime:    day + 120,
		}},
	}
	e.pbsClients["pbs-down"] = &fakePBSClient{
		versionErr: fmt.Errorf("API error 595: connection refused"),
	}

	snapshot := e.FetchDiscoveryData(context.Background())
	require.Len(t, snapshot.PBSInstances, 2)

	byName := make(map[string]int)
	for i, instance := range snapshot.PBSInstances {
		byName[instance.Name] = i
	}

	main := snapshot.PBSInstances[byName["pbs-main"]]
	assert.Equal(t, "online", main.Status)
	assert.Equal(t, "healthy", main.ConnectionHealth)
	require.Len(t, main.Datastores, 1)
	assert.Equal(t, "main", main.Datastores[0].Name)
	require.Len(t, main.BackupRuns, 2)
	require.Len(t, main.Backups, 2)
	assert.Equal(t, "root", main.Backups[0].Namespace)

	var enhanced int
	for _, run := range main.BackupRuns {
		if run.Enhanced {
			enhanced++
			assert.Equal(t, "2026-08-20", run.Day)
		}
	}
	assert.Equal(t, 1, enhanced)

	down := snapshot.PBSInstances[byName["pbs-down"]]
	assert.Equal(t, "offline", down.Status)
	assert.Contains(t, down.ConnectionError, "connection refused")

	assert.True(t, snapshot.ConnectionHealth["pbs:pbs-main"])
	assert.False(t, snapshot.ConnectionHealth["pbs:pbs-down"])

	assert.Equal(t, 1, snapshot.PBSTaskSummary.Total)
	assert.Equal(t, 1, snapshot.PBSTaskSummary.OK)
}

func TestFetchMetricsDataPollsRunningGuests(t *testing.T) {
	e := newTestEngine()
	e.cfg.PVEInstances = []config.PVEInstance{{Name: "pve-b", Host: "https://pve-b:8006", MonitorBackups: true}}
	e.pveClients["pve-b"] = prodCluster()

	// No snapshot yet: nothing to poll.
	assert.Nil(t, e.FetchMetricsData(context.Background()))

	e.FetchDiscoveryData(context.Background())

	// The container's status endpoint answers 400 (stopped since
	// discovery); it is omitted without failing the cycle.
	metrics := e.FetchMetricsData(context.Background())
	require.Len(t, metrics, 1)

	m := metrics[0]
	assert.Equal(t, "qemu", m.Type)
	assert.Equal(t, "pve-b-node1-100", m.ID)
	assert.Equal(t, 0.25, m.Values["cpu"])
	assert.Equal(t, int64(2<<30), m.Values["mem"])
	assert.WithinDuration(t, time.Now(), m.Timestamp, 5*time.Second)
}

func TestAnnotateLastBackups(t *testing.T) {
	pbsTime := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)
	storageTime := time.Date(2026, 8, 21, 3, 0, 0, 0, time.UTC)

	snapshot := &models.Snapshot{
		VMs:        []models.VM{{VMID: 100}, {VMID: 101}},
		Containers: []models.Container{{VMID: 200}},
		PBSInstances: []models.PBSInstance{{
			Backups: []models.PBSBackup{
				{BackupType: "vm", VMID: "100", BackupTime: pbsTime},
				{BackupType: "ct", VMID: "200", BackupTime: pbsTime},
			},
		}},
		PVEBackups: models.PVEBackups{
			StorageBackups: []models.StorageBackup{
				{Type: "qemu", VMID: 100, Time: storageTime},
			},
		},
	}

	annotateLastBackups(snapshot)
	assert.Equal(t, storageTime, snapshot.VMs[0].LastBackup, "newer storage backup wins")
	assert.True(t, snapshot.VMs[1].LastBackup.IsZero(), "guest with no backups stays unset")
	assert.Equal(t, pbsTime, snapshot.Containers[0].LastBackup)
}

func TestIsGuestGone(t *testing.T) {
	assert.True(t, isGuestGone(fmt.Errorf("API error 400: Parameter verification failed")))
	assert.True(t, isGuestGone(fmt.Errorf("API error 404: not found")))
	assert.False(t, isGuestGone(fmt.Errorf("API error 500: internal error")))
	assert.False(t, isGuestGone(nil))
}
