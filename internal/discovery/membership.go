package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/config"
)

// membershipProbeTimeout bounds each cluster-status probe.
const membershipProbeTimeout = 5 * time.Second

// Membership classifies one PVE endpoint.
type Membership struct {
	Type      string // "standalone" or "cluster"
	ClusterID string
	NodeCount int
	Quorate   bool
	Err       error
}

// EndpointGroup is a set of configured endpoints reaching the same
// physical cluster. Standalone endpoints form singleton groups.
type EndpointGroup struct {
	Type      string // "standalone" or "cluster"
	ClusterID string
	Primary   string   // endpoint name
	Backups   []string // ordered failover candidates
}

// detectMembership probes an endpoint's cluster status, serving cached
// classifications within the TTL. Failures classify the endpoint as
// standalone with the error recorded; membership detection never blocks
// the rest of discovery.
func (e *Engine) detectMembership(ctx context.Context, name string, client PVEClient) Membership {
	if cached, ok := e.membershipCache.Get(name); ok {
		return cached
	}

	probeCtx, cancel := context.WithTimeout(ctx, membershipProbeTimeout)
	defer cancel()

	status, err := client.GetClusterStatus(probeCtx)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", name).Msg("Cluster status probe failed, treating endpoint as standalone")
		membership := Membership{Type: "standalone", Err: err}
		e.membershipCache.Set(name, membership)
		return membership
	}

	membership := Membership{Type: "standalone"}
	for _, entry := range status {
		if entry.Type == "cluster" && entry.Nodes > 1 {
			membership = Membership{
				Type:      "cluster",
				ClusterID: entry.Name,
				NodeCount: entry.Nodes,
				Quorate:   entry.Quorate == 1,
			}
			break
		}
	}

	e.membershipCache.Set(name, membership)
	return membership
}

// buildEndpointGroups groups configured endpoints by detected cluster.
// Within a group endpoints that probed cleanly sort before errored ones,
// then by name, so the primary choice is deterministic.
func (e *Engine) buildEndpointGroups(ctx context.Context, instances []config.PVEInstance) []EndpointGroup {
	type member struct {
		name       string
		membership Membership
	}
	byCluster := make(map[string][]member)
	var groups []EndpointGroup
	var clusterIDs []string

	for _, instance := range instances {
		client, ok := e.pveClients[instance.Name]
		if !ok {
			continue
		}
		membership := e.detectMembership(ctx, instance.Name, client)

		if membership.Type != "cluster" {
			groups = append(groups, EndpointGroup{
				Type:    "standalone",
				Primary: instance.Name,
			})
			continue
		}

		if _, seen := byCluster[membership.ClusterID]; !seen {
			clusterIDs = append(clusterIDs, membership.ClusterID)
		}
		byCluster[membership.ClusterID] = append(byCluster[membership.ClusterID], member{
			name:       instance.Name,
			membership: membership,
		})
	}

	for _, clusterID := range clusterIDs {
		members := byCluster[clusterID]
		sort.Slice(members, func(i, j int) bool {
			iErr := members[i].membership.Err != nil
			jErr := members[j].membership.Err != nil
			if iErr != jErr {
				return !iErr
			}
			return members[i].name < members[j].name
		})

		group := EndpointGroup{
			Type:      "cluster",
			ClusterID: clusterID,
			Primary:   members[0].name,
		}
		for _, m := range members[1:] {
			group.Backups = append(group.Backups, m.name)
		}
		groups = append(groups, group)

		if len(members) > 1 {
			log.Debug().
				Str("cluster", clusterID).
				Str("primary", group.Primary).
				Strs("backups", group.Backups).
				Msg("Multiple endpoints reach the same cluster, deduplicating")
		}
	}

	return groups
}
