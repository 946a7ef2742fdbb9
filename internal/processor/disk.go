package processor

import (
	"context"
	"fmt"

	"github.com/wisbric/nightowl/internal/store"
)

// DiskCreatePayload carries the standalone create-disk request (spec.md
// §3 disk-create: creating a disk outside the context of a reservation
// create).
type DiskCreatePayload struct {
	User   string `json:"user"`
	Name   string `json:"name"`
	AZ     string `json:"az"`
	SizeGB int    `json:"size_gb"`
}

func (p *Processor) handleDiskCreate(ctx context.Context, msg *store.QueueMessage) error {
	if msg.DiskID == nil {
		return fmt.Errorf("disk-create message %d missing disk_id", msg.ID)
	}
	id := *msg.DiskID

	existing, err := p.store.GetDisk(ctx, p.store.Pool(), id)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("reading disk %s: %w", id, err)
	}
	if existing != nil {
		// Already created by a prior delivery.
		return nil
	}

	var payload DiskCreatePayload
	if err := unmarshalPayload(msg.Payload, &payload); err != nil {
		return err
	}
	if payload.Name == "" || payload.User == "" {
		return fmt.Errorf("disk-create message %d missing user or name", msg.ID)
	}

	az := payload.AZ
	if az == "" {
		az = "us-east-1a"
	}
	sizeGB := payload.SizeGB
	if sizeGB == 0 {
		sizeGB = 100
	}

	vol, err := p.storage.CreateVolume(ctx, az, sizeGB, map[string]string{"gpu-dev": "true", "owner": payload.User})
	if err != nil {
		return fmt.Errorf("creating cloud volume for disk %s: %w", payload.Name, err)
	}

	if _, err := p.store.CreateDisk(ctx, p.store.Pool(), store.CreateDiskParams{
		ID: id, User: payload.User, Name: payload.Name, VolumeID: vol.VolumeID, AZ: az, SizeGB: vol.SizeGB,
	}); err != nil {
		return fmt.Errorf("recording disk %s: %w", payload.Name, err)
	}
	return p.store.MarkCreated(ctx, p.store.Pool(), id)
}

// handleDiskDelete implements spec.md §4.4's disk-delete handler:
// soft-delete now, hard-delete after the retention window (handled by the
// sweeper).
func (p *Processor) handleDiskDelete(ctx context.Context, msg *store.QueueMessage) error {
	if msg.DiskID == nil {
		return fmt.Errorf("disk-delete message %d missing disk_id", msg.ID)
	}
	id := *msg.DiskID

	d, err := p.store.GetDisk(ctx, p.store.Pool(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("reading disk %s: %w", id, err)
	}
	if d.Status == store.DiskSoftDeleted {
		return nil
	}
	if d.Status == store.DiskInUse {
		return fmt.Errorf("disk %s is in use, cannot delete", d.Name)
	}

	return p.store.SoftDelete(ctx, p.store.Pool(), id)
}
