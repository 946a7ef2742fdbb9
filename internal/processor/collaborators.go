package processor

import (
	"context"
	"fmt"

	"github.com/wisbric/nightowl/internal/store"
)

// AddUserPayload carries the username to append (spec.md §3 add-user).
type AddUserPayload struct {
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// handleAddUser implements spec.md §4.4's add-user handler: modifies the
// live sandbox in place, idempotent, no-op if not active.
func (p *Processor) handleAddUser(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("add-user message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status != store.StatusActive || r.SandboxName == nil {
		return nil
	}

	var payload AddUserPayload
	if err := unmarshalPayload(msg.Payload, &payload); err != nil {
		return err
	}
	if payload.Username == "" {
		return fmt.Errorf("add-user message %d missing username", msg.ID)
	}

	if payload.PublicKey != "" {
		if err := p.compute.WriteFileInPod(ctx, p.cfg.KubeNamespace, *r.SandboxName, "sandbox",
			"/home/user/.ssh/authorized_keys", []byte("\n# collaborator: "+payload.Username+"\n"+payload.PublicKey)); err != nil {
			return fmt.Errorf("writing collaborator key for %s: %w", payload.Username, err)
		}
	}

	return p.store.AppendCollaborator(ctx, p.store.Pool(), id, payload.Username)
}

// handleEnableInteractive patches the service to expose an additional
// port (spec.md §4.4), no-op if not active.
func (p *Processor) handleEnableInteractive(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("enable-interactive message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status != store.StatusActive || r.SandboxName == nil {
		return nil
	}

	if _, err := p.compute.CreateService(ctx, p.cfg.KubeNamespace, *r.SandboxName+"-notebook", 8888); err != nil {
		return fmt.Errorf("exposing interactive notebook port for %s: %w", id, err)
	}
	return p.store.RecordEvent(ctx, p.store.Pool(), id, "enable-interactive", "notebook port exposed")
}

// handleDisableInteractive tears down the interactive notebook service,
// idempotent (deleting an absent service is a no-op per the adapter).
func (p *Processor) handleDisableInteractive(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("disable-interactive message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status != store.StatusActive || r.SandboxName == nil {
		return nil
	}

	if err := p.compute.DeleteService(ctx, p.cfg.KubeNamespace, *r.SandboxName+"-notebook-ssh"); err != nil {
		return fmt.Errorf("tearing down interactive notebook service for %s: %w", id, err)
	}
	return p.store.RecordEvent(ctx, p.store.Pool(), id, "disable-interactive", "notebook port removed")
}

// RebuildImagePayload carries the new image reference (spec.md §4.4
// rebuild-image: "enqueue an image-build job and on success swap the
// container with a restart" — the build job itself is the out-of-scope
// "Docker image builds" collaborator per spec.md §1; this handler assumes
// the image reference it receives already passed that build).
type RebuildImagePayload struct {
	Image string `json:"image"`
}

// handleRebuildImage recreates the sandbox pod with a new image from the
// reservation's recorded spec (see clusteradapterSandboxSpec). No-op if
// not active.
func (p *Processor) handleRebuildImage(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("rebuild-image message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status != store.StatusActive || r.SandboxName == nil {
		return nil
	}

	var payload RebuildImagePayload
	if err := unmarshalPayload(msg.Payload, &payload); err != nil {
		return err
	}
	if payload.Image == "" {
		return fmt.Errorf("rebuild-image message %d missing image", msg.ID)
	}

	if err := p.compute.DeletePod(ctx, p.cfg.KubeNamespace, *r.SandboxName); err != nil {
		p.logger.Warn("deleting pod before rebuild", "reservation_id", id, "error", err)
	}

	_, err = p.compute.CreatePod(ctx, p.cfg.KubeNamespace, clusteradapterSandboxSpec(r, payload.Image, p.cfg))
	if err != nil {
		return fmt.Errorf("recreating sandbox pod with new image for %s: %w", id, err)
	}
	return p.store.RecordEvent(ctx, p.store.Pool(), id, "rebuild-image", payload.Image)
}
