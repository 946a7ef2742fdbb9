package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// errDiskInUse signals an in-use disk without confirmation (spec.md §8
// scenario 3): the caller must fail the reservation with reason "disk in
// use" rather than treat this as a retryable error.
var errDiskInUse = errors.New("disk in use")

// applyDiskPolicy implements spec.md §4.4 step 4. It returns the volume
// id to carry forward on the reservation, or nil for an ephemeral
// scratch volume.
func (p *Processor) applyDiskPolicy(ctx context.Context, tx pgx.Tx, r *store.Reservation, targetNode, az string) (*string, error) {
	if r.NoPersistentDisk || r.RequestedDiskName == nil {
		return nil, nil
	}

	disk, err := p.store.GetDiskByName(ctx, tx, r.User, *r.RequestedDiskName)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("looking up disk %q: %w", *r.RequestedDiskName, err)
	}

	if err == store.ErrNotFound {
		// No existing disk: create a new volume in the target node's AZ.
		id := uuid.New()
		created, err := p.createVolumeWithFallback(ctx, az, 100, r)
		if err != nil {
			// On any disk-related failure, skip disk logic entirely and
			// continue with an ephemeral sandbox volume (spec.md §4.4
			// step 4, final sentence).
			return nil, nil
		}
		if _, err := p.store.CreateDisk(ctx, tx, store.CreateDiskParams{
			ID: id, User: r.User, Name: *r.RequestedDiskName, VolumeID: created.VolumeID, AZ: az, SizeGB: created.SizeGB,
		}); err != nil {
			return nil, fmt.Errorf("recording new disk: %w", err)
		}
		if err := p.store.MarkInUse(ctx, tx, id, r.ID); err != nil {
			return nil, fmt.Errorf("marking new disk in-use: %w", err)
		}
		return &created.VolumeID, nil
	}

	if disk.Status == store.DiskInUse && !r.ConfirmDiskOverride {
		return nil, errDiskInUse
	}

	// Confirm the volume still actually exists in the cloud before reusing
	// it; the store row can drift from reality (manual deletion, a failed
	// prior teardown). Any disk-related failure falls back to ephemeral.
	if _, err := p.storage.DescribeVolume(ctx, disk.VolumeID); err != nil {
		return nil, nil
	}

	if disk.Status == store.DiskInUse {
		// The API-level confirmation flag travels on the reservation row
		// itself (my resolution of the spec's disk-in-use confirmation
		// open question); proceed and steal the disk.
		if err := p.store.MarkAvailable(ctx, tx, disk.ID); err != nil {
			return nil, fmt.Errorf("releasing disk %q for confirmed steal: %w", disk.Name, err)
		}
		telemetry.DiskReconcileActionsTotal.WithLabelValues("confirmed-steal").Inc()
	}

	// Snapshot for safety, then carry the volume id forward. No detach
	// call is made: the storage adapter has no detach operation.
	if _, err := p.storage.CreateSnapshot(ctx, disk.VolumeID, map[string]string{"reason": "pre-attach-safety"}); err != nil {
		// A failed safety snapshot does not fail the reservation; the
		// disk is not reused and the sandbox falls back to ephemeral
		// storage per the "any disk-related failure" clause.
		return nil, nil
	}
	if err := p.store.MarkInUse(ctx, tx, disk.ID, r.ID); err != nil {
		return nil, fmt.Errorf("marking disk %q in-use: %w", disk.Name, err)
	}
	return &disk.VolumeID, nil
}

type createdVolume struct {
	VolumeID string
	SizeGB   int
}

func (p *Processor) createVolumeWithFallback(ctx context.Context, az string, sizeGB int, r *store.Reservation) (*createdVolume, error) {
	vol, err := p.storage.CreateVolume(ctx, az, sizeGB, map[string]string{"gpu-dev": "true", "owner": r.User})
	if err != nil {
		return nil, fmt.Errorf("creating volume: %w", err)
	}
	return &createdVolume{VolumeID: vol.VolumeID, SizeGB: vol.SizeGB}, nil
}
