package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/config"
)

// maxDiscoveredNamespaces bounds the breadth-first walk on pathological
// datastores.
const maxDiscoveredNamespaces = 1000

// speculativeNamespaces are probed from the root because PBS has no
// "list all namespaces" endpoint and group listings only reveal
// namespaces that already contain backups reachable from the walk. Best
// effort only; namespaces outside this list that no group references
// will be missed.
var speculativeNamespaces = []string{
	"archive", "backup", "daily", "weekly", "monthly", "prod", "dev", "test",
}

// namespacesToQuery resolves the namespace set for one datastore,
// honouring explicit configuration, the discovery cache and the
// include/exclude filters.
func (e *Engine) namespacesToQuery(ctx context.Context, client PBSClient, instance config.PBSInstance, datastore string) []string {
	if !instance.NamespaceAuto {
		if len(instance.Namespaces) > 0 {
			return instance.Namespaces
		}
		return []string{""}
	}

	cacheKey := fmt.Sprintf("%s|%s", instance.Name, datastore)
	if cached, ok := e.namespaceCache.Get(cacheKey); ok {
		return filterNamespaces(cached, instance.NamespaceInclude, instance.NamespaceExclude)
	}

	discovered := discoverNamespaces(ctx, client, datastore)
	e.namespaceCache.Set(cacheKey, discovered)

	return filterNamespaces(discovered, instance.NamespaceInclude, instance.NamespaceExclude)
}

// discoverNamespaces walks the namespace tree breadth-first starting at
// the root. Every namespace value seen on a backup group becomes new
// frontier; common namespace names are additionally probed from the root.
func discoverNamespaces(ctx context.Context, client PBSClient, datastore string) []string {
	seen := map[string]bool{"": true}
	frontier := []string{""}

	start := time.Now()
	for len(frontier) > 0 && len(seen) < maxDiscoveredNamespaces {
		namespace := frontier[0]
		frontier = frontier[1:]

		groups, err := client.ListBackupGroups(ctx, datastore, namespace)
		if err != nil {
			if isNamespaceAbsent(err) {
				continue
			}
			log.Debug().Err(err).
				Str("datastore", datastore).
				Str("namespace", namespace).
				Msg("Namespace walk: group listing failed, skipping branch")
			continue
		}

		for _, group := range groups {
			child := group.Namespace
			if child == "" || seen[child] {
				continue
			}
			seen[child] = true
			frontier = append(frontier, child)
			if len(seen) >= maxDiscoveredNamespaces {
				break
			}
		}

		// The namespace endpoint exists on current PBS releases and makes
		// child discovery exact where permitted.
		if children, err := client.ListNamespaces(ctx, datastore, namespace, 1); err == nil {
			for _, child := range children {
				if child.NS == "" || seen[child.NS] {
					continue
				}
				seen[child.NS] = true
				frontier = append(frontier, child.NS)
				if len(seen) >= maxDiscoveredNamespaces {
					break
				}
			}
		}

		if namespace == "" {
			for _, guess := range speculativeNamespaces {
				if seen[guess] || len(seen) >= maxDiscoveredNamespaces {
					continue
				}
				// Probe by listing groups: a nonexistent namespace answers
				// 404 (or 403 without permission), an existing one answers
				// normally even when empty.
				if _, err := client.ListBackupGroups(ctx, datastore, guess); err == nil {
					seen[guess] = true
					frontier = append(frontier, guess)
				} else if !isNamespaceAbsent(err) {
					log.Debug().Err(err).
						Str("datastore", datastore).
						Str("namespace", guess).
						Msg("Namespace probe failed")
				}
			}
		}
	}

	namespaces := make([]string, 0, len(seen))
	for namespace := range seen {
		namespaces = append(namespaces, namespace)
	}
	sort.Strings(namespaces)

	log.Debug().
		Str("datastore", datastore).
		Int("count", len(namespaces)).
		Dur("took", time.Since(start)).
		Msg("Namespace discovery complete")
	return namespaces
}

// isNamespaceAbsent reports whether err is the PBS answer for a namespace
// that simply does not exist (403/404), which the walker treats as "not
// there" rather than a failure.
func isNamespaceAbsent(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "API error 404") || strings.Contains(msg, "API error 403")
}

// filterNamespaces applies include/exclude glob patterns to namespace
// paths. Exclude wins over include; an empty include list admits
// everything not excluded. The root namespace is matched as "root".
func filterNamespaces(namespaces, include, exclude []string) []string {
	var out []string
	for _, namespace := range namespaces {
		display := namespace
		if display == "" {
			display = "root"
		}

		if matchesAny(display, exclude) {
			continue
		}
		if len(include) > 0 && !matchesAny(display, include) {
			continue
		}
		out = append(out, namespace)
	}
	return out
}

func matchesAny(value string, patterns []string) bool {
	for _, pattern := range patterns {
		if wildcard.Match(pattern, value) {
			return true
		}
	}
	return false
}
