// Package availability implements the tracker described in spec.md §4.3:
// a periodic job that recomputes GPU capacity per catalog row and
// reconciles the disk table against cloud storage. It is grounded on the
// teacher's periodic-job pattern (pkg/roster/worker.go's
// RunScheduleTopUpLoop: ticker loop, per-item error
// isolation, structured logging) generalized with the "forbid concurrent
// runs" lock spec.md requires and the teacher lacks a precedent for
// (internal/locking).
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/locking"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// Config is the tracker's slice of process configuration (spec.md §6).
type Config struct {
	TickInterval      time.Duration
	TickHardTimeout   time.Duration
	MultiNodeCapNodes int
	CPUSlotsPerNode   int
	KubeNamespace     string
	EBSVolumeTag      string
}

// Tracker recomputes per-GPU-type availability and reconciles the disk
// table against cloud storage, once per tick.
type Tracker struct {
	store   *store.Store
	compute clusteradapter.Compute
	storage clusteradapter.Storage
	lock    *locking.TickLock
	logger  *slog.Logger
	cfg     Config
}

// New creates a Tracker. lock guards against overlapping ticks; pool and
// the cluster adapters are the data sources the tick reads from.
func New(pool *pgxpool.Pool, compute clusteradapter.Compute, storage clusteradapter.Storage, lock *locking.TickLock, logger *slog.Logger, cfg Config) *Tracker {
	return &Tracker{
		store:   store.New(pool),
		compute: compute,
		storage: storage,
		lock:    lock,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run blocks, ticking at cfg.TickInterval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("availability tracker started", "interval", t.cfg.TickInterval)
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("availability tracker stopped")
			return nil
		case <-ticker.C:
			t.runTick(ctx)
		}
	}
}

func (t *Tracker) runTick(ctx context.Context) {
	held, err := t.lock.TryAcquire(ctx, t.cfg.TickHardTimeout)
	if err != nil {
		t.logger.Error("acquiring availability tick lock", "error", err)
		return
	}
	if !held {
		t.logger.Debug("skipping tick, another replica holds the lock")
		return
	}
	defer func() {
		if err := t.lock.Release(ctx); err != nil {
			t.logger.Warn("releasing availability tick lock", "error", err)
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, t.cfg.TickHardTimeout)
	defer cancel()

	start := time.Now()
	err = t.tick(tickCtx)
	telemetry.AvailabilityTickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		t.logger.Error("availability tick failed", "error", err)
		return
	}
	telemetry.AvailabilityTickLastSuccess.Set(float64(time.Now().Unix()))
}

func (t *Tracker) tick(ctx context.Context) error {
	gpuTypes, err := t.store.ListActiveGPUTypes(ctx, t.store.Pool())
	if err != nil {
		return fmt.Errorf("listing active gpu types: %w", err)
	}

	for _, gt := range gpuTypes {
		if err := t.computeGPUType(ctx, gt); err != nil {
			t.logger.Error("computing gpu type availability", "gpu_type", gt.Tag, "error", err)
		}
	}

	if err := t.reconcileDisks(ctx); err != nil {
		t.logger.Error("reconciling disks", "error", err)
	}
	return nil
}

// computeGPUType implements spec.md §4.3 steps 1-5 for one catalog row.
func (t *Tracker) computeGPUType(ctx context.Context, gt *store.GPUType) error {
	nodes, err := t.compute.ListNodes(ctx, gt.Tag)
	if err != nil {
		return fmt.Errorf("listing nodes for gpu type %s: %w", gt.Tag, err)
	}
	pods, err := t.compute.ListPods(ctx, t.cfg.KubeNamespace)
	if err != nil {
		return fmt.Errorf("listing sandbox pods: %w", err)
	}

	snapshot := aggregateGPUState(gt, nodes, pods, t.cfg.MultiNodeCapNodes, t.cfg.CPUSlotsPerNode)

	return t.store.UpdateAvailability(ctx, t.store.Pool(), store.AvailabilityUpdate{
		Tag:                gt.Tag,
		TotalClusterGPUs:   snapshot.total,
		AvailableGPUs:      snapshot.available,
		MaxReservable:      snapshot.maxReservable,
		FullNodesAvailable: snapshot.fullNodes,
		RunningInstances:   snapshot.runningInstances,
		UpdatedBy:          "availability-tracker",
	})
}

type gpuTypeSnapshot struct {
	total, available, maxReservable, fullNodes, runningInstances int
}

// aggregateGPUState implements spec.md §4.3 steps 1-4 as a pure function of
// the nodes/pods the cluster adapter reports: subtract each node's actually
// requested GPUs (not a per-pod count) from its allocatable count, sum into
// a catalog-wide total/available, and derive max_reservable. Pulled out of
// computeGPUType so it is exercisable without a live store.
func aggregateGPUState(gt *store.GPUType, nodes []clusteradapter.Node, pods []clusteradapter.Pod, multiNodeCap, cpuSlotsPerNode int) gpuTypeSnapshot {
	var ready []clusteradapter.Node
	for _, n := range nodes {
		if n.Ready && !n.Unschedulable {
			ready = append(ready, n)
		}
	}

	requestedByNode := make(map[string]int)
	for _, p := range pods {
		if p.Node != "" {
			requestedByNode[p.Node] += p.RequestedGPUs
		}
	}

	var snap gpuTypeSnapshot
	freeByNode := make(map[string]int, len(ready))
	for _, n := range ready {
		free := n.GPUAllocatable - requestedByNode[n.Name]
		if free < 0 {
			free = 0
		}
		freeByNode[n.Name] = free
		snap.total += n.GPUCapacity
		snap.available += free
		if free == n.GPUAllocatable {
			snap.fullNodes++
		}
	}

	snap.maxReservable = maxReservableFor(gt, ready, freeByNode, multiNodeCap, cpuSlotsPerNode, snap.fullNodes)
	snap.runningInstances = len(pods)
	return snap
}

// maxReservableFor implements spec.md §4.3 step 4.
func maxReservableFor(gt *store.GPUType, ready []clusteradapter.Node, freeByNode map[string]int, multiNodeCap, cpuSlotsPerNode, fullNodes int) int {
	if gt.GPUsPerNode == 0 {
		// CPU-only type: max reservable is 1 (a single user slot) when any
		// node is ready, else 0. Occupied slots per node (cpuSlotsPerNode)
		// are not counted.
		_ = cpuSlotsPerNode
		if len(ready) == 0 {
			return 0
		}
		return 1
	}

	if gt.MultiNodeCapable {
		capped := multiNodeCap
		if fullNodes < capped {
			capped = fullNodes
		}
		return capped * gt.GPUsPerNode
	}

	max := 0
	for _, free := range freeByNode {
		if free > max {
			max = free
		}
	}
	return max
}

// SelectNodes implements the allocate-step tie-break of spec.md §4.4 step
// 3: prefer nodes with the most free GPUs, then lowest name
// lexicographically. For single-node requests it returns one node; for
// multi-node requests (when needed is a multiple of gpusPerNode and
// exceeds a single node's capacity) it returns up to multiNodeCap nodes.
func SelectNodes(ready []clusteradapter.Node, freeByNode map[string]int, needed, gpusPerNode, multiNodeCap int) []string {
	type candidate struct {
		name string
		free int
	}
	candidates := make([]candidate, 0, len(ready))
	for _, n := range ready {
		candidates = append(candidates, candidate{name: n.Name, free: freeByNode[n.Name]})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].free != candidates[j].free {
			return candidates[i].free > candidates[j].free
		}
		return candidates[i].name < candidates[j].name
	})

	if gpusPerNode > 0 && needed <= gpusPerNode {
		for _, c := range candidates {
			if c.free >= needed {
				return []string{c.name}
			}
		}
		return nil
	}

	var selected []string
	remaining := needed
	for _, c := range candidates {
		if len(selected) >= multiNodeCap {
			break
		}
		if c.free == gpusPerNode {
			selected = append(selected, c.name)
			remaining -= c.free
		}
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return nil
	}
	return selected
}
