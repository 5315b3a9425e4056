package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/pbs"
)

// fetchPBSInstance discovers one PBS instance: datastores, namespaces,
// snapshots, task history, verify jobs, synthesized backup runs and
// verification diagnostics. An unreachable instance is reported offline
// with the error attached rather than omitted, so downstream consumers
// can tell "configured but down" from "never configured".
func (e *Engine) fetchPBSInstance(ctx context.Context, instance config.PBSInstance, cutoff int64) models.PBSInstance {
	client, ok := e.pbsClients[instance.Name]
	if !ok {
		return models.PBSInstance{
			ID:               instance.Name,
			Name:             instance.Name,
			Host:             instance.Host,
			Status:           "offline",
			ConnectionHealth: "error",
			ConnectionError:  "no client configured",
		}
	}

	out := models.PBSInstance{
		ID:       instance.Name,
		Name:     instance.Name,
		Host:     instance.Host,
		Status:   "online",
		LastSeen: time.Now(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
	version, err := client.GetVersion(probeCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("instance", instance.Name).Msg("PBS instance unreachable")
		out.Status = "offline"
		out.ConnectionHealth = "error"
		out.ConnectionError = err.Error()
		return out
	}
	out.Version = version.Version
	out.ConnectionHealth = "healthy"

	nodeCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
	nodeName, err := client.GetNodeName(nodeCtx)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("instance", instance.Name).Msg("PBS node name unavailable, task history will be skipped")
	}
	out.NodeName = nodeName

	if nodeName != "" {
		subCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
		sub, err := client.GetSubscription(subCtx, nodeName)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("instance", instance.Name).Msg("Subscription status unavailable, token may lack Sys.Audit")
		} else if sub != nil {
			out.Subscription = sub.Status
		}
	}

	usageCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
	usage, err := client.GetDatastoreUsage(usageCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("instance", instance.Name).Msg("Datastore usage unavailable, falling back to datastore config")
		usage = e.datastoresFromConfig(ctx, client)
	}

	var sets []snapshotSet
	for _, store := range usage {
		datastore := models.PBSDatastore{
			Name:   store.Store,
			Total:  store.Total,
			Used:   store.Used,
			Free:   store.Avail,
			Usage:  ratio(store.Used, store.Total),
			Status: "available",
		}
		if store.Error != "" {
			datastore.Status = "error"
			datastore.Error = store.Error
			out.Datastores = append(out.Datastores, datastore)
			continue
		}

		gcCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
		if gc, err := client.GetGCStatus(gcCtx, store.Store); err == nil && gc.DiskBytes > 0 {
			datastore.DeduplicationFactor = float64(gc.IndexDataBytes) / float64(gc.DiskBytes)
		}
		cancel()

		namespaces := e.namespacesToQuery(ctx, client, instance, store.Store)
		set := snapshotSet{
			Datastore: store.Store,
			Snapshots: make(map[string][]pbs.Snapshot, len(namespaces)),
		}
		for _, namespace := range namespaces {
			nsCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
			snapshots, err := client.ListSnapshots(nsCtx, store.Store, namespace)
			cancel()
			if err != nil {
				if !isNamespaceAbsent(err) {
					log.Debug().Err(err).
						Str("instance", instance.Name).
						Str("datastore", store.Store).
						Str("namespace", namespace).
						Msg("Snapshot listing unavailable this cycle")
				}
				continue
			}
			set.Snapshots[namespace] = snapshots

			display := namespace
			if display == "" {
				display = "root"
			}
			datastore.Namespaces = append(datastore.Namespaces, models.PBSNamespace{
				Path:   display,
				Parent: namespaceParent(namespace),
				Depth:  namespaceDepth(namespace),
			})
		}
		if len(datastore.Namespaces) >= maxDiscoveredNamespaces {
			datastore.NamespacesCapped = true
		}

		sets = append(sets, set)
		out.Datastores = append(out.Datastores, datastore)
	}

	var tasks []pbs.Task
	if nodeName != "" {
		taskCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
		tasks, err = client.GetNodeTasks(taskCtx, nodeName, "", cutoff)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("instance", instance.Name).Msg("PBS task history unavailable this cycle")
		}
	}

	jobsCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
	jobs, err := client.ListVerifyJobs(jobsCtx)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("instance", instance.Name).Msg("Verify job configuration unavailable this cycle")
	}

	out.Backups = convertPBSBackups(instance.Name, sets)
	out.BackupRuns = synthesizeBackupRuns(instance.Name, sets, tasks, cutoff)

	diag := analyzeVerification(sets, jobs, time.Now())
	if len(diag.OrphanedVerifyJobs) > 0 {
		// The verify-job listing can omit entries for restricted tokens;
		// confirm each stale reference individually before reporting it
		// as orphaned.
		if resolved := resolveVerifyJobs(ctx, client, instance.Name, jobs, diag.OrphanedVerifyJobs); len(resolved) > len(jobs) {
			diag = analyzeVerification(sets, resolved, time.Now())
		}
	}
	out.Diagnostics = diag
	out.Tasks = convertPBSTasks(instance.Name, tasks)

	return out
}

// resolveVerifyJobs looks up each stale job reference on /config/verify/{id}
// and folds the ones that still exist back into the job set. A lookup error
// means the job really is gone.
func resolveVerifyJobs(ctx context.Context, client PBSClient, instance string, jobs []pbs.VerifyJob, staleIDs []string) []pbs.VerifyJob {
	resolved := jobs
	for _, id := range staleIDs {
		jobCtx, cancel := context.WithTimeout(ctx, discoveryProbeTimeout)
		job, err := client.GetVerifyJob(jobCtx, id)
		cancel()
		if err != nil || job == nil {
			continue
		}
		log.Debug().Str("instance", instance).Str("job", id).Msg("Verify job missing from listing but still configured")
		resolved = append(resolved, *job)
	}
	return resolved
}

// datastoresFromConfig builds a capacity-less usage listing from the
// datastore configuration, for tokens lacking Datastore.Audit on the
// usage endpoint.
func (e *Engine) datastoresFromConfig(ctx context.Context, client PBSClient) []pbs.DatastoreUsage {
	cfgCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
	defer cancel()

	configs, err := client.GetDatastoreConfigs(cfgCtx)
	if err != nil {
		log.Debug().Err(err).Msg("Datastore config unavailable")
		return nil
	}

	out := make([]pbs.DatastoreUsage, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, pbs.DatastoreUsage{Store: cfg.Name})
	}
	return out
}

// convertPBSBackups flattens the per-namespace snapshot listings into the
// aggregate's backup records.
func convertPBSBackups(instance string, sets []snapshotSet) []models.PBSBackup {
	var out []models.PBSBackup
	for _, set := range sets {
		for namespace, snapshots := range set.Snapshots {
			display := namespace
			if display == "" {
				display = "root"
			}
			for _, snap := range snapshots {
				out = append(out, models.PBSBackup{
					ID:         fmt.Sprintf("%s-%s-%s-%s-%s-%d", instance, set.Datastore, display, snap.BackupType, snap.BackupID, snap.BackupTime),
					Instance:   instance,
					Datastore:  set.Datastore,
					Namespace:  display,
					BackupType: snap.BackupType,
					VMID:       snap.BackupID,
					BackupTime: time.Unix(snap.BackupTime, 0).UTC(),
					Size:       snap.Size,
					Protected:  snap.Protected,
					Verified:   snap.Verification != nil && snap.Verification.State == "ok",
					Comment:    snap.Comment,
					Owner:      snap.Owner,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func convertPBSTasks(instance string, tasks []pbs.Task) []models.Task {
	out := make([]models.Task, 0, len(tasks))
	for _, task := range tasks {
		t := models.Task{
			UPID:      task.UPID,
			Instance:  instance,
			Node:      task.Node,
			Type:      task.WorkerType,
			ID:        task.WorkerID,
			User:      task.User,
			Status:    task.Status,
			StartTime: time.Unix(task.StartTime, 0).UTC(),
		}
		if task.EndTime > 0 {
			t.EndTime = time.Unix(task.EndTime, 0).UTC()
		}
		out = append(out, t)
	}
	return out
}

// namespaceParent returns the enclosing namespace path, with the root
// displayed as "root" for any first-level namespace.
func namespaceParent(namespace string) string {
	if namespace == "" {
		return ""
	}
	if idx := strings.LastIndex(namespace, "/"); idx >= 0 {
		return namespace[:idx]
	}
	return "root"
}

func namespaceDepth(namespace string) int {
	if namespace == "" {
		return 0
	}
	depth := 1
	for _, r := range namespace {
		if r == '/' {
			depth++
		}
	}
	return depth
}

// summarizeTasks folds per-instance task lists into one aggregate summary.
func summarizeTasks(tasks []models.Task) models.TaskSummary {
	summary := models.TaskSummary{Total: len(tasks)}
	for _, task := range tasks {
		switch {
		case task.Status == "OK":
			summary.OK++
		case task.Status == "":
			summary.Running++
		default:
			summary.Failed++
		}
		if task.StartTime.After(summary.LastRun) {
			summary.LastRun = task.StartTime
		}
	}
	return summary
}
