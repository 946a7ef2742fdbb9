package processor

import (
	"context"
	"fmt"

	"github.com/wisbric/nightowl/internal/availability"
	"github.com/wisbric/nightowl/internal/store"
)

// promoteQueued implements spec.md §4.4's "run queue accounting after
// every terminal transition that frees capacity, plus on every periodic
// tick": refreshes queue_position/eta_minutes for every still-queued
// reservation and admits as many, FIFO, as current capacity allows. A
// queued reservation has no pending queue message to redeliver it, so
// without this pass admission never re-runs after the initial enqueue
// (spec.md §8 scenario 2's auto-promotion would otherwise never fire).
func (p *Processor) promoteQueued(ctx context.Context) {
	gpuTypes, err := p.store.ListActiveGPUTypes(ctx, p.store.Pool())
	if err != nil {
		p.logger.Error("listing gpu types for queue promotion", "error", err)
		return
	}
	for _, gt := range gpuTypes {
		if err := p.promoteQueuedForType(ctx, gt); err != nil {
			p.logger.Error("promoting queued reservations", "gpu_type", gt.Tag, "error", err)
		}
	}
}

func (p *Processor) promoteQueuedForType(ctx context.Context, gt *store.GPUType) error {
	waiters, err := p.store.ListQueuedByGPUType(ctx, p.store.Pool(), gt.Tag)
	if err != nil {
		return fmt.Errorf("listing queued reservations for %s: %w", gt.Tag, err)
	}
	if len(waiters) == 0 {
		return nil
	}

	nodes, freeByNode, err := p.liveNodeState(ctx, gt)
	if err != nil {
		return fmt.Errorf("reading live node state for %s: %w", gt.Tag, err)
	}

	position := 0
	for _, r := range waiters {
		var selected []string
		if r.GPUCount <= gt.MaxReservable {
			selected = availability.SelectNodes(nodes, freeByNode, r.GPUCount, gt.GPUsPerNode, p.cfg.MultiNodeCapNodes)
		}

		if selected == nil {
			position++
			p.refreshQueuePosition(ctx, r, position)
			continue
		}

		// Reserve the picked capacity in this tick's in-memory view so a
		// later waiter in the same pass doesn't get double-booked onto
		// the same GPUs before either has committed.
		for _, name := range selected {
			freeByNode[name] -= gt.GPUsPerNode
			if freeByNode[name] < 0 {
				freeByNode[name] = 0
			}
		}

		if err := p.allocateAndProvision(ctx, r, gt, selected); err != nil {
			p.logger.Error("admitting queued reservation on promotion", "reservation_id", r.ID, "error", err)
		}
	}
	return nil
}

func (p *Processor) refreshQueuePosition(ctx context.Context, r *store.Reservation, position int) {
	_, eta, err := p.queuePositionAndETA(ctx, r)
	if err != nil {
		p.logger.Error("computing queue eta during promotion", "reservation_id", r.ID, "error", err)
		return
	}
	if err := p.store.UpdateQueuePosition(ctx, p.store.Pool(), r.ID, position, eta); err != nil {
		p.logger.Error("refreshing queue position", "reservation_id", r.ID, "error", err)
	}
}
