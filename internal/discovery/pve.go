package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/proxmox"
)

const (
	discoveryProbeTimeout = 5 * time.Second
	resourceFetchTimeout  = 8 * time.Second
)

// endpointResult is everything one PVE endpoint yielded this cycle.
type endpointResult struct {
	Nodes      []models.Node
	VMs        []models.VM
	Containers []models.Container
	Storage    []models.Storage
}

func (r *endpointResult) empty() bool {
	return r == nil || (len(r.Nodes) == 0 && len(r.VMs) == 0 && len(r.Containers) == 0)
}

// fetchGroup tries a group's endpoints in priority order until one yields
// usable data. Failover is sequential: backups are only consulted after
// the primary definitively failed, so a degraded cluster is not hammered
// with parallel redundant load.
func (e *Engine) fetchGroup(ctx context.Context, group EndpointGroup, instances map[string]config.PVEInstance) *endpointResult {
	candidates := append([]string{group.Primary}, group.Backups...)

	for _, name := range candidates {
		instance, ok := instances[name]
		if !ok {
			continue
		}
		client, ok := e.pveClients[name]
		if !ok {
			continue
		}

		result, err := e.fetchEndpoint(ctx, instance, client, group)
		if err != nil {
			log.Warn().Err(err).
				Str("endpoint", name).
				Str("cluster", group.ClusterID).
				Msg("Endpoint fetch failed, trying next candidate")
			continue
		}
		if result.empty() {
			log.Warn().
				Str("endpoint", name).
				Str("cluster", group.ClusterID).
				Msg("Endpoint returned no data, trying next candidate")
			continue
		}
		return result
	}

	log.Error().
		Str("primary", group.Primary).
		Str("cluster", group.ClusterID).
		Msg("Every endpoint in group failed, group contributes nothing this cycle")
	return nil
}

// fetchEndpoint lists an endpoint's nodes and fans out per-node resource
// fetches through the shared concurrency limiter. A failing resource
// leaves that field empty without sinking the node, and a failing node
// never sinks the endpoint.
func (e *Engine) fetchEndpoint(ctx context.Context, instance config.PVEInstance, client PVEClient, group EndpointGroup) (*endpointResult, error) {
	var (
		wg            sync.WaitGroup
		clusterStatus []proxmox.ClusterStatus
		clusterErr    error
		nodeList      []proxmox.Node
		nodesErr      error
	)

	// Discovery probes run concurrently; each result is inspected on its
	// own so one failing does not abort the other.
	wg.Add(2)
	go func() {
		defer wg.Done()
		probeCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
		defer cancel()
		clusterStatus, clusterErr = client.GetClusterStatus(probeCtx)
	}()
	go func() {
		defer wg.Done()
		probeCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
		defer cancel()
		nodeList, nodesErr = client.GetNodes(probeCtx)
	}()
	wg.Wait()

	if nodesErr != nil {
		return nil, fmt.Errorf("listing nodes on %s: %w", instance.Name, nodesErr)
	}
	if clusterErr != nil {
		log.Debug().Err(clusterErr).Str("endpoint", instance.Name).Msg("Cluster status unavailable, node IP/online maps will be empty")
	}

	nodeIPs := make(map[string]string)
	nodeOnline := make(map[string]bool)
	for _, entry := range clusterStatus {
		if entry.Type != "node" {
			continue
		}
		nodeIPs[entry.Name] = entry.IP
		nodeOnline[entry.Name] = entry.Online == 1
	}

	result := &endpointResult{}
	var mu sync.Mutex
	var nodeWG sync.WaitGroup

	for _, node := range nodeList {
		online := node.Status == "online"
		if known, ok := nodeOnline[node.Node]; ok {
			online = online && known
		}

		if !online {
			// Load shedding: skip live queries for nodes already known
			// offline and emit a stub instead.
			mu.Lock()
			result.Nodes = append(result.Nodes, models.Node{
				ID:              fmt.Sprintf("%s-%s", instance.Name, node.Node),
				Name:            node.Node,
				Instance:        instance.Name,
				Host:            instance.Host,
				Status:          "offline",
				Type:            "node",
				DisplayName:     nodeDisplayName(instance.Name, group, node.Node),
				IsClusterMember: group.Type == "cluster",
				ClusterName:     group.ClusterID,
				LastSeen:        time.Now(),
			})
			mu.Unlock()
			continue
		}

		node := node
		nodeWG.Add(1)
		go func() {
			defer nodeWG.Done()

			// The limiter is process-wide so one large cluster cannot
			// starve the others.
			if err := e.nodeSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer e.nodeSem.Release(1)

			fetched := e.fetchNode(ctx, instance, client, group, node, nodeIPs[node.Node])

			mu.Lock()
			result.Nodes = append(result.Nodes, fetched.node)
			result.VMs = append(result.VMs, fetched.vms...)
			result.Containers = append(result.Containers, fetched.containers...)
			result.Storage = append(result.Storage, fetched.storage...)
			mu.Unlock()
		}()
	}
	nodeWG.Wait()

	return result, nil
}

type nodeFetchResult struct {
	node       models.Node
	vms        []models.VM
	containers []models.Container
	storage    []models.Storage
}

// fetchNode gathers one node's status, storage and guest lists
// concurrently. Each resource has its own timeout and failure mode.
func (e *Engine) fetchNode(ctx context.Context, instance config.PVEInstance, client PVEClient, group EndpointGroup, node proxmox.Node, nodeIP string) nodeFetchResult {
	var (
		wg         sync.WaitGroup
		status     *proxmox.NodeStatus
		storage    []proxmox.Storage
		vms        []proxmox.VM
		containers []proxmox.Container
	)

	fetch := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
			defer cancel()
			run(fetchCtx)
		}()
	}

	fetch(func(c context.Context) {
		var err error
		if status, err = client.GetNodeStatus(c, node.Node); err != nil {
			log.Debug().Err(err).Str("node", node.Node).Msg("Node status unavailable this cycle")
		}
	})
	fetch(func(c context.Context) {
		var err error
		if storage, err = client.GetNodeStorage(c, node.Node); err != nil {
			log.Debug().Err(err).Str("node", node.Node).Msg("Node storage unavailable this cycle")
		}
	})
	fetch(func(c context.Context) {
		var err error
		if vms, err = client.GetVMs(c, node.Node); err != nil {
			log.Debug().Err(err).Str("node", node.Node).Msg("VM list unavailable this cycle")
		}
	})
	fetch(func(c context.Context) {
		var err error
		if containers, err = client.GetContainers(c, node.Node); err != nil {
			log.Debug().Err(err).Str("node", node.Node).Msg("Container list unavailable this cycle")
		}
	})
	wg.Wait()

	// Node-local storage is invisible through cluster-wide routing; read
	// it over a direct connection when one can be established.
	if hasLocalStorage(storage) && nodeIP != "" {
		if direct := e.directConnection(ctx, instance, node.Node, nodeIP); direct != nil {
			directCtx, cancel := context.WithTimeout(ctx, directRequestTimeout)
			if localStorage, err := direct.GetNodeStorage(directCtx, node.Node); err == nil {
				storage = overlayLocalStorage(storage, localStorage)
			} else {
				log.Debug().Err(err).Str("node", node.Node).Msg("Direct storage read failed, keeping cluster-routed view")
			}
			cancel()
		}
	}

	out := nodeFetchResult{
		node: buildNode(instance, group, node, status),
	}
	for _, s := range storage {
		out.storage = append(out.storage, models.Storage{
			ID:       fmt.Sprintf("%s-%s-%s", instance.Name, node.Node, s.Storage),
			Name:     s.Storage,
			Node:     node.Node,
			Instance: instance.Name,
			Type:     s.Type,
			Status:   storageStatus(s),
			Total:    s.Total,
			Used:     s.Used,
			Free:     s.Avail,
			Usage:    ratio(s.Used, s.Total),
			Content:  s.Content,
			Shared:   s.Shared == 1,
			Enabled:  s.Enabled == 1,
			Active:   s.Active == 1,
		})
	}
	for _, vm := range vms {
		if vm.Template == 1 {
			continue
		}
		out.vms = append(out.vms, buildVM(instance.Name, node.Node, vm))
	}
	for _, ct := range containers {
		if ct.Template == 1 {
			continue
		}
		out.containers = append(out.containers, buildContainer(instance.Name, node.Node, ct))
	}
	return out
}

func buildNode(instance config.PVEInstance, group EndpointGroup, node proxmox.Node, status *proxmox.NodeStatus) models.Node {
	m := models.Node{
		ID:              fmt.Sprintf("%s-%s", instance.Name, node.Node),
		Name:            node.Node,
		DisplayName:     nodeDisplayName(instance.Name, group, node.Node),
		Instance:        instance.Name,
		Host:            instance.Host,
		Status:          node.Status,
		Type:            "node",
		CPU:             node.CPU,
		Uptime:          node.Uptime,
		IsClusterMember: group.Type == "cluster",
		ClusterName:     group.ClusterID,
		LastSeen:        time.Now(),
		Memory: models.Memory{
			Total: node.MaxMem,
			Used:  node.Mem,
			Free:  node.MaxMem - node.Mem,
			Usage: ratio(node.Mem, node.MaxMem),
		},
		Disk: models.Disk{
			Total: node.MaxDisk,
			Used:  node.Disk,
			Free:  node.MaxDisk - node.Disk,
			Usage: ratio(node.Disk, node.MaxDisk),
		},
	}

	if status != nil {
		m.KernelVersion = status.KVersion
		m.PVEVersion = status.PVEVersion
		m.CPUInfo = models.CPUInfo{
			Model:   status.CPUInfo.Model,
			Cores:   status.CPUInfo.Cores,
			Sockets: status.CPUInfo.Sockets,
			MHz:     status.CPUInfo.MHz,
		}
		for _, load := range status.LoadAverage {
			if v, err := parseFloat(load); err == nil {
				m.LoadAverage = append(m.LoadAverage, v)
			}
		}
		if status.Memory.Total > 0 {
			m.Memory = models.Memory{
				Total:     status.Memory.Total,
				Used:      status.Memory.Used,
				Free:      status.Memory.Free,
				Usage:     ratio(status.Memory.Used, status.Memory.Total),
				SwapUsed:  status.Swap.Used,
				SwapTotal: status.Swap.Total,
			}
		}
		if status.RootFS.Total > 0 {
			m.Disk = models.Disk{
				Total: status.RootFS.Total,
				Used:  status.RootFS.Used,
				Free:  status.RootFS.Free,
				Usage: ratio(status.RootFS.Used, status.RootFS.Total),
			}
		}
		if status.Uptime > 0 {
			m.Uptime = status.Uptime
		}
	}
	return m
}

func buildVM(instance, node string, vm proxmox.VM) models.VM {
	return models.VM{
		ID:       fmt.Sprintf("%s-%s-%d", instance, node, vm.VMID),
		VMID:     vm.VMID,
		Name:     vm.Name,
		Node:     node,
		Instance: instance,
		Status:   vm.Status,
		Type:     "qemu",
		CPU:      vm.CPU,
		CPUs:     vm.CPUs,
		Memory: models.Memory{
			Total: vm.MaxMem,
			Used:  vm.Mem,
			Free:  vm.MaxMem - vm.Mem,
			Usage: ratio(vm.Mem, vm.MaxMem),
		},
		Disk: models.Disk{
			Total: vm.MaxDisk,
			Used:  vm.Disk,
			Free:  vm.MaxDisk - vm.Disk,
			Usage: ratio(vm.Disk, vm.MaxDisk),
		},
		NetworkIn:  vm.NetIn,
		NetworkOut: vm.NetOut,
		DiskRead:   vm.DiskRead,
		DiskWrite:  vm.DiskWrite,
		Uptime:     vm.Uptime,
		Tags:       splitTags(vm.Tags),
		Lock:       vm.Lock,
		LastSeen:   time.Now(),
	}
}

func buildContainer(instance, node string, ct proxmox.Container) models.Container {
	vmid := ct.VMIDInt()
	return models.Container{
		ID:       fmt.Sprintf("%s-%s-%d", instance, node, vmid),
		VMID:     vmid,
		Name:     ct.Name,
		Node:     node,
		Instance: instance,
		Status:   ct.Status,
		Type:     "lxc",
		CPU:      ct.CPU,
		CPUs:     ct.CPUs,
		Memory: models.Memory{
			Total: ct.MaxMem,
			Used:  ct.Mem,
			Free:  ct.MaxMem - ct.Mem,
			Usage: ratio(ct.Mem, ct.MaxMem),
		},
		Disk: models.Disk{
			Total: ct.MaxDisk,
			Used:  ct.Disk,
			Free:  ct.MaxDisk - ct.Disk,
			Usage: ratio(ct.Disk, ct.MaxDisk),
		},
		NetworkIn:  ct.NetIn,
		NetworkOut: ct.NetOut,
		DiskRead:   ct.DiskRead,
		DiskWrite:  ct.DiskWrite,
		Uptime:     ct.Uptime,
		Tags:       splitTags(ct.Tags),
		Lock:       ct.Lock,
		LastSeen:   time.Now(),
	}
}

// nodeDisplayName labels a node for display: the configured endpoint name
// for standalone hosts, "{cluster} - {node}" for cluster members.
func nodeDisplayName(instanceName string, group EndpointGroup, nodeName string) string {
	if group.Type == "cluster" && group.ClusterID != "" {
		return fmt.Sprintf("%s - %s", group.ClusterID, nodeName)
	}
	return instanceName
}

func hasLocalStorage(storage []proxmox.Storage) bool {
	for _, s := range storage {
		if s.Shared == 0 {
			return true
		}
	}
	return false
}

// overlayLocalStorage replaces non-shared entries with the values read
// over the direct connection, which sees the node's real local state.
func overlayLocalStorage(clusterView, directView []proxmox.Storage) []proxmox.Storage {
	direct := make(map[string]proxmox.Storage, len(directView))
	for _, s := range directView {
		direct[s.Storage] = s
	}

	out := make([]proxmox.Storage, 0, len(clusterView))
	for _, s := range clusterView {
		if s.Shared == 0 {
			if local, ok := direct[s.Storage]; ok {
				out = append(out, local)
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func storageStatus(s proxmox.Storage) string {
	if s.Active == 1 {
		return "available"
	}
	if s.Enabled == 0 {
		return "disabled"
	}
	return "unknown"
}

func ratio(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(used) / float64(total)
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	return strings.Split(tags, ";")
}

func parseFloat(s string) (float64, error) {
	var v float64
	_, err := fmt.Sscanf(s, "%g", &v)
	return v, err
}
