package discovery

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/models"
)

// lastKnownGoodTTL bounds how long vanished nodes are backfilled from
// cache before they drop out of the aggregate entirely.
const lastKnownGoodTTL = time.Minute

// mergeNodes deduplicates nodes observed through multiple routes. Unique
// key is the node name; on collision the incumbent is replaced when the
// incoming node is online and the incumbent is not, shares the incumbent's
// status with greater uptime, or carries CPU data the incumbent lacks.
func mergeNodes(nodes []models.Node) []models.Node {
	merged := make(map[string]models.Node)
	var order []string

	for _, incoming := range nodes {
		kept, seen := merged[incoming.Name]
		if !seen {
			merged[incoming.Name] = incoming
			order = append(order, incoming.Name)
			continue
		}

		switch {
		case incoming.Status == "online" && kept.Status != "online":
			merged[incoming.Name] = incoming
		case incoming.Status == kept.Status && incoming.Uptime > kept.Uptime:
			merged[incoming.Name] = incoming
		case incoming.CPU > 0 && kept.CPU == 0 && incoming.Status == kept.Status:
			merged[incoming.Name] = incoming
		case incoming.Status != "online" && kept.Status == "online":
			// A node one route still sees online while another reports
			// offline is usually an endpoint failing over, not a real
			// shutdown. Keep the good data but flag the disagreement.
			kept.PossibleTransition = true
			merged[incoming.Name] = kept
		}
	}

	out := make([]models.Node, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	return out
}

// backfillNodes serves nodes from the last-known-good cache when no live
// source reported them and nothing in the merged set is online. Cached
// nodes come back with offline status and a cache marker so downstream
// consumers can tell live data from bridged data.
func backfillNodes(merged []models.Node, cache *ttlCache[models.Node]) []models.Node {
	anyOnline := false
	for _, node := range merged {
		if node.Status == "online" {
			anyOnline = true
			cache.Set(node.Name, node)
		}
	}
	if anyOnline {
		// A live view exists; the cache was refreshed, nothing to bridge.
		cache.Prune()
		return merged
	}

	present := make(map[string]bool, len(merged))
	for _, node := range merged {
		present[node.Name] = true
	}

	cached := cache.Snapshot()
	var names []string
	for name := range cached {
		if !present[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		node := cached[name]
		node.Status = "offline"
		node.FromCache = true
		merged = append(merged, node)
	}
	if len(names) > 0 {
		log.Warn().
			Int("cachedNodes", len(names)).
			Msg("No live node data this cycle, backfilling from last-known-good cache")
	}
	cache.Prune()
	return merged
}

// guestKey identifies a guest for deduplication.
func guestKey(node string, vmid int) string {
	return fmt.Sprintf("%s/%d", node, vmid)
}

// mergeVMs deduplicates VMs by (node, vmid). A running entry always beats
// a non-running one; otherwise first-seen wins.
func mergeVMs(vms []models.VM) []models.VM {
	merged := make(map[string]models.VM)
	var order []string

	for _, incoming := range vms {
		key := guestKey(incoming.Node, incoming.VMID)
		kept, seen := merged[key]
		if !seen {
			merged[key] = incoming
			order = append(order, key)
			continue
		}
		if incoming.Status == "running" && kept.Status != "running" {
			merged[key] = incoming
		}
	}

	out := make([]models.VM, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out
}

// mergeContainers deduplicates containers by (node, vmid) with the same
// preference rules as mergeVMs.
func mergeContainers(cts []models.Container) []models.Container {
	merged := make(map[string]models.Container)
	var order []string

	for _, incoming := range cts {
		key := guestKey(incoming.Node, incoming.VMID)
		kept, seen := merged[key]
		if !seen {
			merged[key] = incoming
			order = append(order, key)
			continue
		}
		if incoming.Status == "running" && kept.Status != "running" {
			merged[key] = incoming
		}
	}

	out := make([]models.Container, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out
}
