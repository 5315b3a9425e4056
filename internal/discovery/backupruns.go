package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/pbs"
)

// snapshotSet is the snapshot listing of one datastore keyed by namespace.
type snapshotSet struct {
	Datastore string
	Snapshots map[string][]pbs.Snapshot
}

// runKey builds the identity of one synthetic backup run: one run per
// guest per UTC calendar day.
func runKey(day, datastore, namespace, backupType, backupID string) string {
	if namespace == "" {
		namespace = "root"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", day, datastore, namespace, backupType, backupID)
}

// utcDay formats an epoch as its UTC calendar date. Day bucketing is
// deliberately UTC even in non-UTC deployments; backups near local
// midnight land on the UTC date of their timestamp.
func utcDay(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006-01-02")
}

// synthesizeBackupRuns reconstructs per-day backup-run records for one PBS
// instance. Snapshots are ground truth for "a backup exists"; admin tasks
// are ground truth for exact timing and outcome. Snapshot-derived runs are
// enhanced with matching task data, and failed tasks that produced no
// snapshot become explicit failure runs.
func synthesizeBackupRuns(instance string, sets []snapshotSet, tasks []pbs.Task, cutoff int64) []models.BackupRun {
	runs := make(map[string]*models.BackupRun)
	var order []string

	for _, set := range sets {
		for namespace, snapshots := range set.Snapshots {
			// Latest snapshot of each day represents that day's run.
			byDay := make(map[string]pbs.Snapshot)
			counts := make(map[string]int)
			sizes := make(map[string]int64)

			for _, snap := range snapshots {
				if snap.BackupTime < cutoff {
					continue
				}
				key := runKey(utcDay(snap.BackupTime), set.Datastore, namespace, snap.BackupType, snap.BackupID)
				counts[key]++
				sizes[key] += snap.Size
				if best, ok := byDay[key]; !ok || snap.BackupTime > best.BackupTime {
					byDay[key] = snap
				}
			}

			for key, snap := range byDay {
				if _, exists := runs[key]; exists {
					continue
				}
				ns := namespace
				if ns == "" {
					ns = "root"
				}
				runs[key] = &models.BackupRun{
					ID:            key,
					Instance:      instance,
					Datastore:     set.Datastore,
					Namespace:     ns,
					BackupType:    snap.BackupType,
					BackupID:      snap.BackupID,
					Day:           utcDay(snap.BackupTime),
					Status:        "completed",
					SnapshotCount: counts[key],
					TotalSize:     sizes[key],
					LastTime:      time.Unix(snap.BackupTime, 0).UTC(),
				}
				order = append(order, key)
			}
		}
	}

	// Enhancement pass: match real backup tasks to synthetic runs by key.
	// Each task UPID may enhance at most one run.
	usedUPIDs := make(map[string]bool)
	tasksByKey := make(map[string][]pbs.Task)
	for _, task := range tasks {
		if task.WorkerType != "backup" || task.StartTime < cutoff {
			continue
		}
		datastore, namespace, backupType, backupID, ok := parseBackupWorkerID(task.WorkerID)
		if !ok {
			continue
		}
		key := runKey(utcDay(task.StartTime), datastore, namespace, backupType, backupID)
		tasksByKey[key] = append(tasksByKey[key], task)
	}

	for key, run := range runs {
		for _, task := range tasksByKey[key] {
			if usedUPIDs[task.UPID] {
				continue
			}
			usedUPIDs[task.UPID] = true
			run.Enhanced = true
			run.UPID = task.UPID
			run.User = task.User
			run.StartTime = time.Unix(task.StartTime, 0).UTC()
			run.ExitStatus = task.Status
			if task.EndTime > 0 {
				run.EndTime = time.Unix(task.EndTime, 0).UTC()
				run.Duration = run.EndTime.Sub(run.StartTime)
			}
			if task.Status != "" && task.Status != "OK" {
				run.Status = "failed"
				run.Error = task.Status
			}
			break
		}
	}

	// Residual pass: failed tasks that never enhanced a run become their
	// own failure records. Failed attempts leave no snapshot behind, so
	// the snapshot pass cannot see them.
	for _, task := range tasks {
		if task.WorkerType != "backup" || task.StartTime < cutoff {
			continue
		}
		if usedUPIDs[task.UPID] {
			continue
		}
		if task.Status == "" || task.Status == "OK" {
			continue
		}
		datastore, namespace, backupType, backupID, ok := parseBackupWorkerID(task.WorkerID)
		if !ok {
			continue
		}
		key := runKey(utcDay(task.StartTime), datastore, namespace, backupType, backupID)
		if _, exists := runs[key]; exists {
			continue
		}
		usedUPIDs[task.UPID] = true

		ns := namespace
		if ns == "" {
			ns = "root"
		}
		run := &models.BackupRun{
			ID:         key,
			Instance:   instance,
			Datastore:  datastore,
			Namespace:  ns,
			BackupType: backupType,
			BackupID:   backupID,
			Day:        utcDay(task.StartTime),
			Status:     "failed",
			Error:      task.Status,
			ExitStatus: task.Status,
			UPID:       task.UPID,
			StartTime:  time.Unix(task.StartTime, 0).UTC(),
		}
		if task.EndTime > 0 {
			run.EndTime = time.Unix(task.EndTime, 0).UTC()
			run.Duration = run.EndTime.Sub(run.StartTime)
		}
		runs[key] = run
		order = append(order, key)
	}

	// Final dedup by UPID guards against the two passes overlapping.
	seenUPIDs := make(map[string]bool)
	out := make([]models.BackupRun, 0, len(order))
	for _, key := range order {
		run := runs[key]
		if run.UPID != "" {
			if seenUPIDs[run.UPID] {
				continue
			}
			seenUPIDs[run.UPID] = true
		}
		out = append(out, *run)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	log.Debug().
		Str("instance", instance).
		Int("runs", len(out)).
		Int("tasks", len(tasks)).
		Msg("Backup run synthesis complete")
	return out
}

// parseBackupWorkerID splits a backup task's worker id. The wire format is
// "datastore:type/id" with an optional namespace segment on newer PBS
// releases ("datastore:ns/namespace:type/id").
func parseBackupWorkerID(workerID string) (datastore, namespace, backupType, backupID string, ok bool) {
	parts := strings.Split(workerID, ":")
	if len(parts) < 2 {
		return "", "", "", "", false
	}

	datastore = parts[0]
	group := parts[len(parts)-1]
	if len(parts) == 3 && strings.HasPrefix(parts[1], "ns/") {
		namespace = strings.TrimPrefix(parts[1], "ns/")
	}

	groupParts := strings.SplitN(group, "/", 2)
	if len(groupParts) != 2 || groupParts[0] == "" || groupParts[1] == "" {
		return "", "", "", "", false
	}
	return datastore, namespace, groupParts[0], groupParts[1], true
}
