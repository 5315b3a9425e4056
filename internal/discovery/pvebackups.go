package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-collector/internal/models"
)

// fetchPVEBackups gathers backup-related data from the PVE side: vzdump
// task history per node, backup volumes on storage that advertises backup
// content, and guest snapshots. Requires the completed inventory as input
// so it only touches nodes and guests that exist this cycle.
func (e *Engine) fetchPVEBackups(ctx context.Context, results map[string]*endpointResult, cutoff int64) models.PVEBackups {
	backups := models.PVEBackups{
		BackupTasks:    []models.BackupTask{},
		StorageBackups: []models.StorageBackup{},
		GuestSnapshots: []models.GuestSnapshot{},
	}
	var mu sync.Mutex
	var wg sync.WaitGroup

	monitored := make(map[string]bool, len(e.cfg.PVEInstances))
	for _, instance := range e.cfg.PVEInstances {
		monitored[instance.Name] = instance.MonitorBackups
	}

	for endpointName, result := range results {
		if result == nil || !monitored[endpointName] {
			continue
		}
		client, ok := e.pveClients[endpointName]
		if !ok {
			continue
		}

		// Shared storage is visible from every node but holds a single
		// set of volumes; each shared storage is listed from exactly one
		// online node so its backups appear once in the aggregate.
		sharedOwner := sharedStorageOwners(ctx, client, result)

		for _, node := range result.Nodes {
			if node.Status != "online" {
				continue
			}

			node := node
			endpointName := endpointName
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.nodeSem.Acquire(ctx, 1); err != nil {
					return
				}
				defer e.nodeSem.Release(1)

				tasks := fetchBackupTasks(ctx, client, node.Name, cutoff)
				stored := fetchStorageBackups(ctx, client, endpointName, node.Name, result.Storage, sharedOwner, cutoff)

				mu.Lock()
				backups.BackupTasks = append(backups.BackupTasks, tasks...)
				backups.StorageBackups = append(backups.StorageBackups, stored...)
				mu.Unlock()
			}()
		}

		for _, vm := range result.VMs {
			vm := vm
			endpointName := endpointName
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.nodeSem.Acquire(ctx, 1); err != nil {
					return
				}
				defer e.nodeSem.Release(1)

				snaps := fetchGuestSnapshots(ctx, client, endpointName, vm.Node, "qemu", vm.VMID)
				mu.Lock()
				backups.GuestSnapshots = append(backups.GuestSnapshots, snaps...)
				mu.Unlock()
			}()
		}
		for _, ct := range result.Containers {
			ct := ct
			endpointName := endpointName
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.nodeSem.Acquire(ctx, 1); err != nil {
					return
				}
				defer e.nodeSem.Release(1)

				snaps := fetchGuestSnapshots(ctx, client, endpointName, ct.Node, "lxc", ct.VMID)
				mu.Lock()
				backups.GuestSnapshots = append(backups.GuestSnapshots, snaps...)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	return backups
}

func fetchBackupTasks(ctx context.Context, client PVEClient, node string, cutoff int64) []models.BackupTask {
	fetchCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
	defer cancel()

	tasks, err := client.GetNodeTasks(fetchCtx, node, "vzdump", cutoff)
	if err != nil {
		log.Debug().Err(err).Str("node", node).Msg("Backup task history unavailable this cycle")
		return nil
	}

	out := make([]models.BackupTask, 0, len(tasks))
	for _, task := range tasks {
		vmid, _ := strconv.Atoi(task.ID)
		t := models.BackupTask{
			ID:        task.UPID,
			Node:      task.Node,
			Type:      task.Type,
			VMID:      vmid,
			Status:    task.Status,
			StartTime: time.Unix(task.StartTime, 0).UTC(),
		}
		if task.EndTime > 0 {
			t.EndTime = time.Unix(task.EndTime, 0).UTC()
		}
		if task.Status != "" && task.Status != "OK" {
			t.Error = task.Status
		}
		out = append(out, t)
	}
	return out
}

// sharedStorageOwners assigns every shared storage to one online node, the
// lexicographically first that reports it. The cluster storage config is
// authoritative for shared-ness; the per-node shared flag is the fallback
// for tokens that cannot read /storage.
func sharedStorageOwners(ctx context.Context, client PVEClient, result *endpointResult) map[string]string {
	shared := make(map[string]bool)

	cfgCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
	configs, err := client.GetStorageConfig(cfgCtx)
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("Cluster storage config unavailable, using per-node shared flags")
		for _, s := range result.Storage {
			if s.Shared {
				shared[s.Name] = true
			}
		}
	} else {
		for _, cfg := range configs {
			if cfg.Shared == 1 {
				shared[cfg.Storage] = true
			}
		}
	}

	online := make(map[string]bool, len(result.Nodes))
	for _, node := range result.Nodes {
		if node.Status == "online" {
			online[node.Name] = true
		}
	}

	owners := make(map[string]string, len(shared))
	for _, s := range result.Storage {
		if !shared[s.Name] || !online[s.Node] {
			continue
		}
		if owner, ok := owners[s.Name]; !ok || s.Node < owner {
			owners[s.Name] = s.Node
		}
	}
	return owners
}

func fetchStorageBackups(ctx context.Context, client PVEClient, instance, node string, storage []models.Storage, sharedOwner map[string]string, cutoff int64) []models.StorageBackup {
	var out []models.StorageBackup

	for _, s := range storage {
		if s.Node != node || !strings.Contains(s.Content, "backup") {
			continue
		}
		if owner, ok := sharedOwner[s.Name]; ok && owner != node {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
		content, err := client.GetStorageContent(fetchCtx, node, s.Name)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("node", node).Str("storage", s.Name).Msg("Storage content unavailable this cycle")
			continue
		}

		for _, item := range content {
			if item.Content != "backup" || item.CTime < cutoff {
				continue
			}
			vmid, _ := strconv.Atoi(item.VMID.String())
			out = append(out, models.StorageBackup{
				ID:        fmt.Sprintf("%s-%s", instance, item.VolID),
				Storage:   s.Name,
				Node:      node,
				Instance:  instance,
				Type:      guestTypeFromVolid(item.VolID),
				VMID:      vmid,
				Time:      time.Unix(item.CTime, 0).UTC(),
				CTime:     item.CTime,
				Size:      item.Size,
				Format:    item.Format,
				Notes:     item.Notes,
				Protected: item.Protected == 1,
				Volid:     item.VolID,
				IsPBS:     s.Type == "pbs",
				Verified:  item.Verification != nil && item.Verification.State == "ok",
			})
		}
	}
	return out
}

func fetchGuestSnapshots(ctx context.Context, client PVEClient, instance, node, guestType string, vmid int) []models.GuestSnapshot {
	fetchCtx, cancel := context.WithTimeout(ctx, resourceFetchTimeout)
	defer cancel()

	snaps, err := client.GetGuestSnapshots(fetchCtx, node, guestType, vmid)
	if err != nil {
		log.Debug().Err(err).
			Str("node", node).
			Str("guestType", guestType).
			Int("vmid", vmid).
			Msg("Guest snapshots unavailable this cycle")
		return nil
	}

	out := make([]models.GuestSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, models.GuestSnapshot{
			ID:          fmt.Sprintf("%s-%s-%d-%s", instance, node, vmid, snap.Name),
			Name:        snap.Name,
			Node:        node,
			Instance:    instance,
			Type:        guestType,
			VMID:        vmid,
			Time:        time.Unix(snap.SnapTime, 0).UTC(),
			Description: snap.Description,
			Parent:      snap.Parent,
			VMState:     snap.VMState == 1,
		})
	}
	return out
}

// guestTypeFromVolid infers vm/ct from a backup volume id like
// "local:backup/vzdump-qemu-100-....vma.zst".
func guestTypeFromVolid(volid string) string {
	switch {
	case strings.Contains(volid, "vzdump-qemu"):
		return "qemu"
	case strings.Contains(volid, "vzdump-lxc"):
		return "lxc"
	default:
		return "unknown"
	}
}
