package processor

import (
	"context"
	"fmt"

	"github.com/wisbric/nightowl/internal/store"
)

// handleCancel implements spec.md §4.4's cancel handler: valid from any
// non-terminal state, idempotent.
func (p *Processor) handleCancel(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("cancel message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status.Terminal() {
		return nil
	}

	if r.SandboxName != nil {
		if err := p.compute.DeletePod(ctx, p.cfg.KubeNamespace, *r.SandboxName); err != nil {
			p.logger.Warn("best-effort pod deletion on cancel", "reservation_id", id, "error", err)
		}
		if err := p.compute.DeleteService(ctx, p.cfg.KubeNamespace, *r.SandboxName+"-ssh"); err != nil {
			p.logger.Warn("best-effort service deletion on cancel", "reservation_id", id, "error", err)
		}
	}

	if r.Status == store.StatusActive && r.RequestedDiskName != nil && !r.NoPersistentDisk {
		if disk, err := p.store.GetDiskByName(ctx, p.store.Pool(), r.User, *r.RequestedDiskName); err == nil {
			if _, err := p.storage.CreateSnapshot(ctx, disk.VolumeID, map[string]string{"reason": "shutdown-cancel"}); err != nil {
				p.logger.Warn("best-effort shutdown snapshot on cancel", "reservation_id", id, "error", err)
			}
			if err := p.store.MarkAvailable(ctx, p.store.Pool(), disk.ID); err != nil {
				p.logger.Warn("clearing disk in-use on cancel", "reservation_id", id, "error", err)
			}
		}
	}

	return p.store.Cancel(ctx, p.store.Pool(), id)
}
