// Package discovery implements the inventory and backup-health collection
// engine: cluster membership detection, failover fetch across redundant
// endpoints, node/guest deduplication, PBS namespace discovery, backup-run
// synthesis and verification diagnostics.
package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/pbs"
	"github.com/rcourtman/pulse-collector/pkg/proxmox"
)

// maxConcurrentNodeFetches caps simultaneous per-node fetches process-wide
// so one large cluster cannot starve the others.
const maxConcurrentNodeFetches = 5

const (
	membershipCacheTTL = 5 * time.Minute
	namespaceCacheTTL  = 5 * time.Minute
	directConnCacheTTL = 30 * time.Minute
)

// PVEClient is the read-only slice of the Proxmox VE API the engine uses.
type PVEClient interface {
	Host() string
	GetVersion(ctx context.Context) (*proxmox.Version, error)
	GetClusterStatus(ctx context.Context) ([]proxmox.ClusterStatus, error)
	GetNodes(ctx context.Context) ([]proxmox.Node, error)
	GetNodeStatus(ctx context.Context, node string) (*proxmox.NodeStatus, error)
	GetNodeStorage(ctx context.Context, node string) ([]proxmox.Storage, error)
	GetVMs(ctx context.Context, node string) ([]proxmox.VM, error)
	GetContainers(ctx context.Context, node string) ([]proxmox.Container, error)
	GetGuestStatus(ctx context.Context, node, guestType string, vmid int) (*proxmox.GuestStatus, error)
	GetGuestRRDData(ctx context.Context, node, guestType string, vmid int, timeframe string) ([]proxmox.RRDPoint, error)
	GetGuestSnapshots(ctx context.Context, node, guestType string, vmid int) ([]proxmox.GuestSnapshot, error)
	GetNodeTasks(ctx context.Context, node, typeFilter string, since int64) ([]proxmox.Task, error)
	GetStorageContent(ctx context.Context, node, storage string) ([]proxmox.StorageContent, error)
	GetStorageConfig(ctx context.Context) ([]proxmox.StorageConfig, error)
}

// PBSClient is the read-only slice of the Proxmox Backup Server API the
// engine uses.
type PBSClient interface {
	Host() string
	GetVersion(ctx context.Context) (*pbs.Version, error)
	GetNodeName(ctx context.Context) (string, error)
	GetDatastoreUsage(ctx context.Context) ([]pbs.DatastoreUsage, error)
	GetDatastoreConfigs(ctx context.Context) ([]pbs.DatastoreConfig, error)
	GetGCStatus(ctx context.Context, datastore string) (*pbs.GCStatus, error)
	ListNamespaces(ctx context.Context, datastore, parent string, maxDepth int) ([]pbs.Namespace, error)
	ListBackupGroups(ctx context.Context, datastore, namespace string) ([]pbs.BackupGroup, error)
	ListSnapshots(ctx context.Context, datastore, namespace string) ([]pbs.Snapshot, error)
	GetNodeTasks(ctx context.Context, node, typeFilter string, since int64) ([]pbs.Task, error)
	ListVerifyJobs(ctx context.Context) ([]pbs.VerifyJob, error)
	GetVerifyJob(ctx context.Context, id string) (*pbs.VerifyJob, error)
	GetSubscription(ctx context.Context, node string) (*pbs.Subscription, error)
}

// Engine owns the per-process caches and client registry and produces one
// aggregate snapshot per discovery cycle. Methods are safe for concurrent
// use; each cache guards its own map.
type Engine struct {
	cfg        *config.Config
	version    string
	pveClients map[string]PVEClient
	pbsClients map[string]PBSClient

	// newPVEClient builds direct node connections; injectable for tests.
	newPVEClient func(proxmox.ClientConfig) (PVEClient, error)

	membershipCache *ttlCache[Membership]
	namespaceCache  *ttlCache[[]string]
	directConnCache *ttlCache[PVEClient]
	nodeCache       *ttlCache[models.Node]
	nodeSem         *semaphore.Weighted

	mu           sync.RWMutex
	lastSnapshot *models.Snapshot
}

// NewEngine builds an engine from configuration. Instances whose client
// cannot be constructed are skipped with a logged error; they report as
// unreachable rather than aborting startup.
func NewEngine(cfg *config.Config, version string) *Engine {
	e := &Engine{
		cfg:             cfg,
		version:         version,
		pveClients:      make(map[string]PVEClient),
		pbsClients:      make(map[string]PBSClient),
		membershipCache: newTTLCache[Membership](membershipCacheTTL),
		namespaceCache:  newTTLCache[[]string](namespaceCacheTTL),
		directConnCache: newTTLCache[PVEClient](directConnCacheTTL),
		nodeCache:       newTTLCache[models.Node](lastKnownGoodTTL),
		nodeSem:         semaphore.NewWeighted(maxConcurrentNodeFetches),
	}
	e.newPVEClient = func(c proxmox.ClientConfig) (PVEClient, error) {
		return proxmox.NewClient(c)
	}

	for _, instance := range cfg.PVEInstances {
		client, err := proxmox.NewClient(proxmox.ClientConfig{
			Host:        instance.Host,
			User:        instance.User,
			Password:    instance.Password,
			TokenName:   instance.TokenName,
			TokenValue:  instance.TokenValue,
			Fingerprint: instance.Fingerprint,
			VerifySSL:   instance.VerifySSL,
			Timeout:     cfg.ConnectionTimeout,
		})
		if err != nil {
			log.Error().Err(err).Str("instance", instance.Name).Msg("PVE client setup failed, instance will be skipped")
			continue
		}
		e.pveClients[instance.Name] = client
	}

	for _, instance := range cfg.PBSInstances {
		client, err := pbs.NewClient(pbs.ClientConfig{
			Host:        instance.Host,
			User:        instance.User,
			Password:    instance.Password,
			TokenName:   instance.TokenName,
			TokenValue:  instance.TokenValue,
			Fingerprint: instance.Fingerprint,
			VerifySSL:   instance.VerifySSL,
			Timeout:     cfg.ConnectionTimeout,
		})
		if err != nil {
			log.Error().Err(err).Str("instance", instance.Name).Msg("PBS client setup failed, instance will be skipped")
			continue
		}
		e.pbsClients[instance.Name] = client
	}

	return e
}

// LastSnapshot returns the most recent aggregate, or nil before the first
// completed cycle.
func (e *Engine) LastSnapshot() *models.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSnapshot
}

// FetchDiscoveryData runs one full discovery cycle: PVE inventory first,
// then PBS discovery and PVE backup discovery concurrently, merged into
// one aggregate. Cycles are independent; a failed cycle yields a partial
// aggregate and the next cycle starts clean.
func (e *Engine) FetchDiscoveryData(ctx context.Context) *models.Snapshot {
	start := time.Now()
	cutoff := start.Add(-time.Duration(e.cfg.BackupHistoryDays) * 24 * time.Hour).Unix()

	snapshot := &models.Snapshot{
		CycleID:          uuid.NewString(),
		ConnectionHealth: make(map[string]bool),
		LastUpdate:       start,
	}

	instancesByName := make(map[string]config.PVEInstance, len(e.cfg.PVEInstances))
	for _, instance := range e.cfg.PVEInstances {
		instancesByName[instance.Name] = instance
	}

	groups := e.buildEndpointGroups(ctx, e.cfg.PVEInstances)

	var (
		allNodes      []models.Node
		allVMs        []models.VM
		allContainers []models.Container
		allStorage    []models.Storage
		results       = make(map[string]*endpointResult)
		mu            sync.Mutex
		groupWG       sync.WaitGroup
	)

	for _, group := range groups {
		group := group
		groupWG.Add(1)
		go func() {
			defer groupWG.Done()
			result := e.fetchGroup(ctx, group, instancesByName)

			mu.Lock()
			defer mu.Unlock()
			snapshot.ConnectionHealth["pve:"+group.Primary] = result != nil
			if result == nil {
				return
			}
			results[group.Primary] = result
			allNodes = append(allNodes, result.Nodes...)
			allVMs = append(allVMs, result.VMs...)
			allContainers = append(allContainers, result.Containers...)
			allStorage = append(allStorage, result.Storage...)
		}()
	}
	groupWG.Wait()

	snapshot.Nodes = backfillNodes(mergeNodes(allNodes), e.nodeCache)
	snapshot.VMs = mergeVMs(allVMs)
	snapshot.Containers = mergeContainers(allContainers)
	snapshot.Storage = allStorage

	// PBS discovery and PVE backup discovery have no ordering dependency
	// on each other; both need the completed inventory above.
	var phaseWG sync.WaitGroup

	pbsResults := make([]models.PBSInstance, len(e.cfg.PBSInstances))
	for i, instance := range e.cfg.PBSInstances {
		i, instance := i, instance
		phaseWG.Add(1)
		go func() {
			defer phaseWG.Done()
			pbsResults[i] = e.fetchPBSInstance(ctx, instance, cutoff)
		}()
	}

	phaseWG.Add(1)
	go func() {
		defer phaseWG.Done()
		snapshot.PVEBackups = e.fetchPVEBackups(ctx, results, cutoff)
	}()

	phaseWG.Wait()

	snapshot.PBSInstances = pbsResults
	for _, instance := range pbsResults {
		snapshot.ConnectionHealth["pbs:"+instance.Name] = instance.Status == "online"
		snapshot.AllPBSTasks = append(snapshot.AllPBSTasks, instance.Tasks...)
	}
	snapshot.PBSTaskSummary = summarizeTasks(snapshot.AllPBSTasks)
	annotateLastBackups(snapshot)

	endpointsUp := 0
	for _, up := range snapshot.ConnectionHealth {
		if up {
			endpointsUp++
		}
	}
	snapshot.Stats = models.Stats{
		StartTime:      start,
		Duration:       time.Since(start),
		EndpointsTotal: len(snapshot.ConnectionHealth),
		EndpointsUp:    endpointsUp,
		Version:        e.version,
	}

	e.mu.Lock()
	e.lastSnapshot = snapshot
	e.mu.Unlock()

	recordDiscoveryCycle(snapshot)

	log.Info().
		Str("cycle", snapshot.CycleID).
		Int("nodes", len(snapshot.Nodes)).
		Int("vms", len(snapshot.VMs)).
		Int("containers", len(snapshot.Containers)).
		Int("pbsInstances", len(snapshot.PBSInstances)).
		Dur("took", snapshot.Stats.Duration).
		Msg("Discovery cycle complete")

	return snapshot
}

// FetchMetricsData polls live metrics for every guest the last discovery
// cycle saw running. A 400 response means the guest stopped since
// discovery; it is logged and omitted, never fatal.
func (e *Engine) FetchMetricsData(ctx context.Context) []models.Metric {
	last := e.LastSnapshot()
	if last == nil {
		return nil
	}

	var (
		metrics []models.Metric
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	poll := func(instance, node, guestType, id string, vmid int) {
		defer wg.Done()
		if err := e.nodeSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.nodeSem.Release(1)

		client, ok := e.pveClients[instance]
		if !ok {
			return
		}

		statusCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
		status, err := client.GetGuestStatus(statusCtx, node, guestType, vmid)
		cancel()
		if err != nil {
			if isGuestGone(err) {
				log.Warn().
					Str("node", node).
					Int("vmid", vmid).
					Msg("Guest stopped since discovery, skipping metrics")
			} else {
				log.Debug().Err(err).Str("node", node).Int("vmid", vmid).Msg("Guest status unavailable")
			}
			return
		}
		if status.Status != "running" {
			return
		}

		values := map[string]interface{}{
			"cpu":    status.CPU,
			"mem":    status.Mem,
			"maxmem": status.MaxMem,
			"disk":   status.Disk,
			"uptime": status.Uptime,
		}

		rrdCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
		points, err := client.GetGuestRRDData(rrdCtx, node, guestType, vmid, "hour")
		cancel()
		if err == nil && len(points) > 0 {
			latest := points[len(points)-1]
			values["netin"] = latest.NetIn
			values["netout"] = latest.NetOut
			values["diskread"] = latest.DiskRead
			values["diskwrite"] = latest.DiskWrite
		}

		mu.Lock()
		metrics = append(metrics, models.Metric{
			Timestamp: time.Now(),
			Type:      guestType,
			ID:        id,
			Values:    values,
		})
		mu.Unlock()
	}

	for _, vm := range last.VMs {
		if vm.Status != "running" {
			continue
		}
		wg.Add(1)
		go poll(vm.Instance, vm.Node, "qemu", vm.ID, vm.VMID)
	}
	for _, ct := range last.Containers {
		if ct.Status != "running" {
			continue
		}
		wg.Add(1)
		go poll(ct.Instance, ct.Node, "lxc", ct.ID, ct.VMID)
	}
	wg.Wait()

	recordMetricsCycle(len(metrics))
	return metrics
}

// annotateLastBackups stamps each guest with its most recent backup time,
// taken from PBS snapshot listings and PVE storage backup volumes.
func annotateLastBackups(snapshot *models.Snapshot) {
	latest := make(map[string]time.Time)
	mark := func(key string, when time.Time) {
		if when.After(latest[key]) {
			latest[key] = when
		}
	}

	for _, instance := range snapshot.PBSInstances {
		for _, backup := range instance.Backups {
			mark(backup.BackupType+"/"+backup.VMID, backup.BackupTime)
		}
	}
	for _, backup := range snapshot.PVEBackups.StorageBackups {
		key := "vm"
		if backup.Type == "lxc" {
			key = "ct"
		}
		mark(key+"/"+strconv.Itoa(backup.VMID), backup.Time)
	}

	for i := range snapshot.VMs {
		if when, ok := latest["vm/"+strconv.Itoa(snapshot.VMs[i].VMID)]; ok {
			snapshot.VMs[i].LastBackup = when
		}
	}
	for i := range snapshot.Containers {
		if when, ok := latest["ct/"+strconv.Itoa(snapshot.Containers[i].VMID)]; ok {
			snapshot.Containers[i].LastBackup = when
		}
	}
}

// isGuestGone reports whether an error is PVE's answer for a guest that no
// longer exists or just stopped.
func isGuestGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "API error 400") || strings.Contains(msg, "API error 404")
}
