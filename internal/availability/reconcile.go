package availability

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// reconcileDisks implements spec.md §4.3's disk reconciliation: the cloud
// is the single source of truth for volume existence, the store caches
// it. Each volume is reconciled on its own so one volume's failure never
// blocks the rest; a volume's store writes are separate statements, not
// one transaction.
func (t *Tracker) reconcileDisks(ctx context.Context) error {
	volumes, err := t.listVolumesWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("listing cloud volumes: %w", err)
	}

	byVolumeID := make(map[string]clusteradapter.Volume, len(volumes))
	for _, v := range volumes {
		byVolumeID[v.VolumeID] = v
	}

	storeDisks, err := t.store.ListReconcilable(ctx, t.store.Pool())
	if err != nil {
		return fmt.Errorf("listing reconcilable disks: %w", err)
	}
	byID := make(map[string]*store.Disk, len(storeDisks))
	seen := make(map[string]bool, len(storeDisks))
	for _, d := range storeDisks {
		if prior, ok := byID[d.VolumeID]; ok {
			// Duplicate store rows for the same volume: keep the more
			// recently reconciled one, per spec.md §4.3.
			t.logger.Warn("duplicate disk rows for volume", "volume_id", d.VolumeID)
			if newer(d, prior) {
				byID[d.VolumeID] = d
			}
			continue
		}
		byID[d.VolumeID] = d
	}

	for volumeID, vol := range byVolumeID {
		seen[volumeID] = true
		if err := t.reconcileOneVolume(ctx, volumeID, vol, byID[volumeID]); err != nil {
			t.logger.Error("reconciling volume", "volume_id", volumeID, "error", err)
		}
	}

	for volumeID, d := range byID {
		if seen[volumeID] {
			continue
		}
		// Volume absent in cloud, present in store and not soft-deleted.
		if err := t.store.SoftDelete(ctx, t.store.Pool(), d.ID); err != nil {
			t.logger.Error("soft-deleting orphaned disk row", "disk_id", d.ID, "error", err)
			continue
		}
		telemetry.DiskReconcileActionsTotal.WithLabelValues("soft-delete-missing").Inc()
	}

	return nil
}

func newer(a, b *store.Disk) bool {
	if a.LastReconciledAt == nil {
		return false
	}
	if b.LastReconciledAt == nil {
		return true
	}
	return a.LastReconciledAt.After(*b.LastReconciledAt)
}

func (t *Tracker) reconcileOneVolume(ctx context.Context, volumeID string, vol clusteradapter.Volume, existing *store.Disk) error {
	if vol.Tags[t.cfg.EBSVolumeTag] == "" {
		// Not a gpu-dev-tagged volume: not ours, ignore (spec.md §8
		// boundary behavior).
		return nil
	}

	snapshots, err := t.listSnapshotsWithRetry(ctx, volumeID)
	if err != nil {
		return fmt.Errorf("listing snapshots for volume %s: %w", volumeID, err)
	}
	pending, completed := 0, 0
	var lastSnapshotID string
	for _, s := range snapshots {
		if s.State == "completed" {
			completed++
			lastSnapshotID = s.SnapshotID
		} else {
			pending++
		}
	}

	if existing == nil {
		// Volume present in cloud, absent in store: import as an orphan,
		// owned by the inferred user tag.
		owner := vol.Tags["owner"]
		if owner == "" {
			owner = "unknown"
		}
		d, err := t.store.CreateDisk(ctx, t.store.Pool(), store.CreateDiskParams{
			ID: uuid.New(), User: owner, Name: volumeID, VolumeID: volumeID, AZ: vol.AZ, SizeGB: vol.SizeGB,
		})
		if err != nil {
			return fmt.Errorf("importing orphan volume %s: %w", volumeID, err)
		}
		if err := t.store.MarkCreated(ctx, t.store.Pool(), d.ID); err != nil {
			return fmt.Errorf("marking imported volume %s available: %w", volumeID, err)
		}
		telemetry.DiskReconcileActionsTotal.WithLabelValues("import-orphan").Inc()
		return t.store.RecordSnapshot(ctx, t.store.Pool(), d.ID, lastSnapshotID, pending, completed)
	}

	// Volume present in both stores: sync snapshot bookkeeping from the
	// cloud. Size, AZ and attachment are not updated here.
	if err := t.store.RecordSnapshot(ctx, t.store.Pool(), existing.ID, lastSnapshotID, pending, completed); err != nil {
		return fmt.Errorf("syncing volume %s attributes: %w", volumeID, err)
	}
	telemetry.DiskReconcileActionsTotal.WithLabelValues("sync").Inc()
	return nil
}

func (t *Tracker) listVolumesWithRetry(ctx context.Context) ([]clusteradapter.Volume, error) {
	return backoff.Retry(ctx, func() ([]clusteradapter.Volume, error) {
		return t.storage.ListVolumes(ctx, t.cfg.EBSVolumeTag, "true")
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}

func (t *Tracker) listSnapshotsWithRetry(ctx context.Context, volumeID string) ([]clusteradapter.Snapshot, error) {
	return backoff.Retry(ctx, func() ([]clusteradapter.Snapshot, error) {
		return t.storage.ListSnapshots(ctx, volumeID)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}
