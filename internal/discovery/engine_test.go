package discovery

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/pbs"
	"github.com/rcourtman/pulse-collector/pkg/proxmox"
)

// newTestEngine builds an engine with empty client registries and fresh
// caches, bypassing real client construction.
func newTestEngine() *Engine {
	e := &Engine{
		cfg:             &config.Config{BackupHistoryDays: 365},
		version:         "test",
		pveClients:      make(map[string]PVEClient),
		pbsClients:      make(map[string]PBSClient),
		membershipCache: newTTLCache[Membership](membershipCacheTTL),
		namespaceCache:  newTTLCache[[]string](namespaceCacheTTL),
		directConnCache: newTTLCache[PVEClient](directConnCacheTTL),
		nodeCache:       newTTLCache[models.Node](lastKnownGoodTTL),
		nodeSem:         semaphore.NewWeighted(maxConcurrentNodeFetches),
	}
	e.newPVEClient = func(c proxmox.ClientConfig) (PVEClient, error) {
		return nil, fmt.Errorf("direct connections disabled in tests")
	}
	return e
}

func testInstance(name string) config.PVEInstance {
	return config.PVEInstance{Name: name, Host: "https://" + name + ":8006", MonitorBackups: true}
}

// fakePVEClient implements PVEClient from fixed data. Unset fields answer
// empty; error fields override.
type fakePVEClient struct {
	host          string
	clusterStatus []proxmox.ClusterStatus
	clusterErr    error
	nodes         []proxmox.Node
	nodesErr      error
	nodeStatus    map[string]*proxmox.NodeStatus
	storage       map[string][]proxmox.Storage
	vms           map[string][]proxmox.VM
	containers    map[string][]proxmox.Container
	guestStatus   map[string]*proxmox.GuestStatus
	guestErr      error
	tasks         []proxmox.Task
	snapshots     map[string][]proxmox.GuestSnapshot
	content       map[string][]proxmox.StorageContent
	storageConfig []proxmox.StorageConfig
}

func (f *fakePVEClient) Host() string { return f.host }

func (f *fakePVEClient) GetVersion(ctx context.Context) (*proxmox.Version, error) {
	return &proxmox.Version{Version: "8.2.4"}, nil
}

func (f *fakePVEClient) GetClusterStatus(ctx context.Context) ([]proxmox.ClusterStatus, error) {
	return f.clusterStatus, f.clusterErr
}

func (f *fakePVEClient) GetNodes(ctx context.Context) ([]proxmox.Node, error) {
	return f.nodes, f.nodesErr
}

func (f *fakePVEClient) GetNodeStatus(ctx context.Context, node string) (*proxmox.NodeStatus, error) {
	if status, ok := f.nodeStatus[node]; ok {
		return status, nil
	}
	return nil, fmt.Errorf("API error 500: no status for %s", node)
}

func (f *fakePVEClient) GetNodeStorage(ctx context.Context, node string) ([]proxmox.Storage, error) {
	return f.storage[node], nil
}

func (f *fakePVEClient) GetVMs(ctx context.Context, node string) ([]proxmox.VM, error) {
	return f.vms[node], nil
}

func (f *fakePVEClient) GetContainers(ctx context.Context, node string) ([]proxmox.Container, error) {
	return f.containers[node], nil
}

func (f *fakePVEClient) GetGuestStatus(ctx context.Context, node, guestType string, vmid int) (*proxmox.GuestStatus, error) {
	if f.guestErr != nil {
		return nil, f.guestErr
	}
	key := fmt.Sprintf("%s/%d", node, vmid)
	if status, ok := f.guestStatus[key]; ok {
		return status, nil
	}
	return nil, fmt.Errorf("API error 400: guest %d not running", vmid)
}

func (f *fakePVEClient) GetGuestRRDData(ctx context.Context, node, guestType string, vmid int, timeframe string) ([]proxmox.RRDPoint, error) {
	return nil, nil
}

func (f *fakePVEClient) GetGuestSnapshots(ctx context.Context, node, guestType string, vmid int) ([]proxmox.GuestSnapshot, error) {
	key := fmt.Sprintf("%s/%d", node, vmid)
	return f.snapshots[key], nil
}

func (f *fakePVEClient) GetNodeTasks(ctx context.Context, node, typeFilter string, since int64) ([]proxmox.Task, error) {
	return f.tasks, nil
}

func (f *fakePVEClient) GetStorageContent(ctx context.Context, node, storage string) ([]proxmox.StorageContent, error) {
	return f.content[storage], nil
}

func (f *fakePVEClient) GetStorageConfig(ctx context.Context) ([]proxmox.StorageConfig, error) {
	if f.storageConfig == nil {
		return nil, fmt.Errorf("API error 403: Permission check failed")
	}
	return f.storageConfig, nil
}

// fakePBSClient implements PBSClient with empty answers; embed and
// override what a test needs.
type fakePBSClient struct {
	host       string
	version    *pbs.Version
	versionErr error
	nodeName   string
	usage      []pbs.DatastoreUsage
	snapshots  map[string]map[string][]pbs.Snapshot // datastore -> namespace -> snapshots
	tasks      []pbs.Task
	verifyJobs []pbs.VerifyJob
	// unlistedVerifyJobs exist on /config/verify/{id} but are absent from
	// the /config/verify listing.
	unlistedVerifyJobs map[string]pbs.VerifyJob
	subscription       *pbs.Subscription
}

func (f *fakePBSClient) Host() string { return f.host }

func (f *fakePBSClient) GetVersion(ctx context.Context) (*pbs.Version, error) {
	if f.versionErr != nil {
		return nil, f.versionErr
	}
	if f.version != nil {
		return f.version, nil
	}
	return &pbs.Version{Version: "3.2.1"}, nil
}

func (f *fakePBSClient) GetNodeName(ctx context.Context) (string, error) {
	if f.nodeName == "" {
		return "pbs01", nil
	}
	return f.nodeName, nil
}

func (f *fakePBSClient) GetDatastoreUsage(ctx context.Context) ([]pbs.DatastoreUsage, error) {
	return f.usage, nil
}

func (f *fakePBSClient) GetDatastoreConfigs(ctx context.Context) ([]pbs.DatastoreConfig, error) {
	return nil, nil
}

func (f *fakePBSClient) GetGCStatus(ctx context.Context, datastore string) (*pbs.GCStatus, error) {
	return nil, fmt.Errorf("API error 404: no gc status")
}

func (f *fakePBSClient) ListNamespaces(ctx context.Context, datastore, parent string, maxDepth int) ([]pbs.Namespace, error) {
	return nil, nil
}

func (f *fakePBSClient) ListBackupGroups(ctx context.Context, datastore, namespace string) ([]pbs.BackupGroup, error) {
	groups := make([]pbs.BackupGroup, 0)
	for ns, snaps := range f.snapshots[datastore] {
		if ns != namespace {
			continue
		}
		seen := make(map[string]bool)
		for _, snap := range snaps {
			key := snap.BackupType + "/" + snap.BackupID
			if !seen[key] {
				seen[key] = true
				groups = append(groups, pbs.BackupGroup{
					BackupType: snap.BackupType,
					BackupID:   snap.BackupID,
					Namespace:  ns,
				})
			}
		}
	}
	return groups, nil
}

func (f *fakePBSClient) ListSnapshots(ctx context.Context, datastore, namespace string) ([]pbs.Snapshot, error) {
	return f.snapshots[datastore][namespace], nil
}

func (f *fakePBSClient) GetNodeTasks(ctx context.Context, node, typeFilter string, since int64) ([]pbs.Task, error) {
	return f.tasks, nil
}

func (f *fakePBSClient) ListVerifyJobs(ctx context.Context) ([]pbs.VerifyJob, error) {
	return f.verifyJobs, nil
}

func (f *fakePBSClient) GetVerifyJob(ctx context.Context, id string) (*pbs.VerifyJob, error) {
	for _, job := range f.verifyJobs {
		if job.ID == id {
			job := job
			return &job, nil
		}
	}
	if job, ok := f.unlistedVerifyJobs[id]; ok {
		return &job, nil
	}
	return nil, fmt.Errorf("API error 404: verification job '%s' does not exist", id)
}

func (f *fakePBSClient) GetSubscription(ctx context.Context, node string) (*pbs.Subscription, error) {
	if f.subscription == nil {
		return nil, fmt.Errorf("API error 403: Permission check failed")
	}
	return f.subscription, nil
}

// epochOnDay returns an epoch on the given UTC date at the given hour.
func epochOnDay(day string, hour int) int64 {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return t.Add(time.Duration(hour) * time.Hour).Unix()
}
