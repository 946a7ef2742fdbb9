package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/nightowl/internal/availability"
	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// handleCreate implements spec.md §4.4's create handler, the most complex
// path: validate, admit (or queue), allocate, handle the disk policy,
// provision the sandbox, and transition preparing → active.
func (p *Processor) handleCreate(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("create message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status != store.StatusPending && r.Status != store.StatusQueued {
		// Already advanced past admission by a prior delivery; nothing to
		// do (spec.md §4.4 exactly-once discipline).
		return nil
	}

	if r.Status == store.StatusPending {
		if err := p.validateCreate(ctx, r); err != nil {
			if failErr := p.store.Fail(ctx, p.store.Pool(), id, err.Error()); failErr != nil {
				return fmt.Errorf("failing reservation %s after validation error: %w", id, failErr)
			}
			telemetry.ReservationsFailedTotal.WithLabelValues("validation").Inc()
			return nil
		}
	}

	gt, err := p.store.GetGPUType(ctx, p.store.Pool(), r.GPUType)
	if err != nil {
		return fmt.Errorf("reading gpu type %s: %w", r.GPUType, err)
	}

	nodes, freeByNode, err := p.liveNodeState(ctx, gt)
	if err != nil {
		return fmt.Errorf("reading live node state for gpu type %s: %w", r.GPUType, err)
	}

	if r.GPUCount > gt.MaxReservable {
		if r.Status == store.StatusQueued {
			// Still over capacity: leave queued, queue accounting will
			// have already refreshed position/ETA on this tick.
			return nil
		}
		position, eta, err := p.queuePositionAndETA(ctx, r)
		if err != nil {
			return fmt.Errorf("computing queue position for %s: %w", id, err)
		}
		return p.store.SetQueued(ctx, p.store.Pool(), id, position, eta)
	}

	selected := availability.SelectNodes(nodes, freeByNode, r.GPUCount, gt.GPUsPerNode, p.cfg.MultiNodeCapNodes)
	if selected == nil {
		if r.Status == store.StatusQueued {
			return nil
		}
		position, eta, err := p.queuePositionAndETA(ctx, r)
		if err != nil {
			return fmt.Errorf("computing queue position for %s: %w", id, err)
		}
		return p.store.SetQueued(ctx, p.store.Pool(), id, position, eta)
	}

	return p.allocateAndProvision(ctx, r, gt, selected)
}

// allocateAndProvision runs the allocate/disk-policy/provision tail of
// spec.md §4.4 steps 3-6 for a reservation that has already cleared
// admission, whether it arrived via a fresh create message or was picked
// up off the queue by promoteQueued. A disk-in-use conflict without
// confirmation fails the reservation outright rather than leaving it to
// redeliver forever (spec.md §8 scenario 3).
func (p *Processor) allocateAndProvision(ctx context.Context, r *store.Reservation, gt *store.GPUType, selected []string) error {
	id := r.ID
	sandboxName := fmt.Sprintf("gpuctl-%s", id.String())
	var volumeID *string
	unwound := false
	err := p.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		fresh, err := p.store.GetReservationForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("re-reading reservation %s for allocation: %w", id, err)
		}
		if fresh.Status != store.StatusPending && fresh.Status != store.StatusQueued {
			// A concurrent cancel/etc. beat us to it (spec.md §5
			// cancellation semantics); unwind cleanly.
			unwound = true
			return nil
		}

		vid, err := p.applyDiskPolicy(ctx, tx, fresh, selected[0], gt.InstanceFamily)
		if err != nil {
			return err
		}
		volumeID = vid

		return p.store.Allocate(ctx, tx, store.AllocateParams{
			ID: id, SandboxName: sandboxName, SandboxNamespace: p.cfg.KubeNamespace, Nodes: selected, VolumeID: volumeID,
		})
	})
	if err != nil {
		if errors.Is(err, errDiskInUse) {
			if failErr := p.store.Fail(ctx, p.store.Pool(), id, "disk in use"); failErr != nil {
				return fmt.Errorf("failing reservation %s after disk conflict: %w", id, failErr)
			}
			telemetry.ReservationsFailedTotal.WithLabelValues("disk-conflict").Inc()
			return nil
		}
		return fmt.Errorf("allocating reservation %s: %w", id, err)
	}
	if unwound {
		return nil
	}

	return p.provisionSandbox(ctx, id, sandboxName, selected, r, volumeID)
}

func (p *Processor) validateCreate(ctx context.Context, r *store.Reservation) error {
	if !store.ValidGPUCounts[r.GPUCount] {
		return fmt.Errorf("invalid gpu count %d", r.GPUCount)
	}

	gt, err := p.store.GetGPUType(ctx, p.store.Pool(), r.GPUType)
	if err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("unknown gpu type %q", r.GPUType)
		}
		return fmt.Errorf("looking up gpu type %q: %w", r.GPUType, err)
	}
	if !gt.Active {
		return fmt.Errorf("gpu type %q is not active", r.GPUType)
	}
	if !gt.MultiNodeCapable && gt.GPUsPerNode > 0 && r.GPUCount > gt.GPUsPerNode {
		return fmt.Errorf("requested count %d exceeds single-node max %d for %q", r.GPUCount, gt.GPUsPerNode, r.GPUType)
	}
	if r.DurationHours <= 0 || r.DurationHours > p.cfg.MaxReservationHours {
		return fmt.Errorf("duration %.1fh out of bounds (max %.0fh)", r.DurationHours, p.cfg.MaxReservationHours)
	}

	count, err := p.store.CountActiveForUser(ctx, p.store.Pool(), r.User)
	if err != nil {
		return fmt.Errorf("counting active reservations for %s: %w", r.User, err)
	}
	if count > p.cfg.PerUserActiveCap {
		return fmt.Errorf("user %s exceeds active reservation cap of %d", r.User, p.cfg.PerUserActiveCap)
	}
	return nil
}

func (p *Processor) liveNodeState(ctx context.Context, gt *store.GPUType) ([]clusteradapter.Node, map[string]int, error) {
	nodes, err := p.compute.ListNodes(ctx, gt.Tag)
	if err != nil {
		return nil, nil, fmt.Errorf("listing nodes: %w", err)
	}
	var ready []clusteradapter.Node
	for _, n := range nodes {
		if n.Ready && !n.Unschedulable {
			ready = append(ready, n)
		}
	}
	pods, err := p.compute.ListPods(ctx, p.cfg.KubeNamespace)
	if err != nil {
		return nil, nil, fmt.Errorf("listing sandbox pods: %w", err)
	}
	requestedByNode := make(map[string]int)
	for _, pod := range pods {
		if pod.Node != "" {
			requestedByNode[pod.Node] += pod.RequestedGPUs
		}
	}
	freeByNode := make(map[string]int, len(ready))
	for _, n := range ready {
		free := n.GPUAllocatable - requestedByNode[n.Name]
		if free < 0 {
			free = 0
		}
		freeByNode[n.Name] = free
	}
	return ready, freeByNode, nil
}

// queuePositionAndETA implements spec.md §4.4's queue accounting: rank by
// creation timestamp ascending; ETA from the earliest expiry among
// currently active reservations of the type sufficient to free the
// requested capacity.
func (p *Processor) queuePositionAndETA(ctx context.Context, r *store.Reservation) (int, int, error) {
	waiters, err := p.store.ListQueuedByGPUType(ctx, p.store.Pool(), r.GPUType)
	if err != nil {
		return 0, 0, fmt.Errorf("listing queued waiters: %w", err)
	}
	position := 1
	for _, w := range waiters {
		if w.ID == r.ID {
			break
		}
		position++
	}

	active, err := p.store.ListActiveByGPUType(ctx, p.store.Pool(), r.GPUType)
	if err != nil {
		return 0, 0, fmt.Errorf("listing active reservations: %w", err)
	}
	freed := 0
	eta := 0
	for _, a := range active {
		if a.ExpiresAt == nil {
			continue
		}
		freed += a.GPUCount
		minutesToExpiry := int(time.Until(*a.ExpiresAt).Minutes())
		if minutesToExpiry > eta {
			eta = minutesToExpiry
		}
		if freed >= r.GPUCount {
			break
		}
	}
	if eta < 0 {
		eta = 0
	}
	return position, eta, nil
}
