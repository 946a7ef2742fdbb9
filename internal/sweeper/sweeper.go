// Package sweeper implements the expiry sweeper of spec.md §4.5: a
// periodic job that warns, reclaims expired sandboxes, sweeps stuck
// states, and performs snapshot housekeeping. Grounded on the same
// teacher tick-loop pattern as internal/availability
// (pkg/roster/worker.go), with per-candidate error isolation mirroring
// pkg/escalation/engine.go's processAlert loop — one reservation's
// failure never blocks the rest of the tick (spec.md §7).
package sweeper

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

// Config is the sweeper's slice of process configuration (spec.md §6).
type Config struct {
	TickInterval           time.Duration
	TickHardTimeout        time.Duration
	GracePeriod            time.Duration
	WarningMinutes         int
	StuckPreparing         time.Duration
	StuckQueued            time.Duration
	SnapshotRetentionCount int
	SoftDeleteRetention    time.Duration
	KubeNamespace          string
}

// warningThresholds are the fixed minute levels spec.md §4.5 names,
// largest first. Every threshold already reached and not yet flagged is
// written and flagged in the same tick, so the last message written is
// the most urgent one.
var warningThresholds = []int{30, 15, 5}

// Sweeper is the periodic reclaim/warning/housekeeping job.
type Sweeper struct {
	store   *store.Store
	compute clusteradapter.Compute
	storage clusteradapter.Storage
	lock    *locking.TickLock
	logger  *slog.Logger
	cfg     Config
}

// New creates a Sweeper.
func New(pool *pgxpool.Pool, compute clusteradapter.Compute, storage clusteradapter.Storage, lock *locking.TickLock, logger *slog.Logger, cfg Config) *Sweeper {
	return &Sweeper{store: store.New(pool), compute: compute, storage: storage, lock: lock, logger: logger, cfg: cfg}
}

// Run blocks, ticking at cfg.TickInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("expiry sweeper started", "interval", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Sweeper) runTick(ctx context.Context) {
	held, err := s.lock.TryAcquire(ctx, s.cfg.TickHardTimeout)
	if err != nil {
		s.logger.Error("acquiring sweeper tick lock", "error", err)
		return
	}
	if !held {
		s.logger.Debug("skipping tick, another replica holds the lock")
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logger.Warn("releasing sweeper tick lock", "error", err)
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickHardTimeout)
	defer cancel()

	s.warnActive(tickCtx)
	s.expireActive(tickCtx)
	s.sweepStuck(tickCtx)
	s.houseKeepSnapshots(tickCtx)
	s.detectOOM(tickCtx)
}

func (s *Sweeper) warnActive(ctx context.Context) {
	reservations, err := s.store.ListByStatus(ctx, s.store.Pool(), store.StatusActive)
	if err != nil {
		s.logger.Error("listing active reservations for warnings", "error", err)
		return
	}

	for _, r := range reservations {
		if err := s.warnOne(ctx, r); err != nil {
			s.logger.Error("sending expiry warning", "reservation_id", r.ID, "error", err)
		}
	}
}

func (s *Sweeper) warnOne(ctx context.Context, r *store.Reservation) error {
	if r.ExpiresAt == nil || r.SandboxName == nil {
		return nil
	}
	minutesToExpiry := int(time.Until(*r.ExpiresAt).Minutes())

	for _, threshold := range warningThresholds {
		if minutesToExpiry > threshold {
			continue
		}
		if alreadySent(r.Warnings, threshold) {
			continue
		}
		msg := fmt.Sprintf("Reservation expires in %d minutes.\n", threshold)
		if err := s.compute.WriteFileInPod(ctx, s.cfg.KubeNamespace, *r.SandboxName, "sandbox", "/etc/gpuctl/expiry-warning", []byte(msg)); err != nil {
			// Writing is best-effort; failure does not block other
			// reservations (spec.md §4.5).
			s.logger.Warn("writing expiry warning into sandbox", "reservation_id", r.ID, "error", err)
			return nil
		}
		if err := s.store.SetWarningSent(ctx, s.store.Pool(), r.ID, threshold); err != nil {
			return fmt.Errorf("recording warning sent: %w", err)
		}
		telemetry.SweeperWarningsSentTotal.WithLabelValues(fmt.Sprintf("%d", threshold)).Inc()
	}
	return nil
}

func alreadySent(w store.WarningFlags, threshold int) bool {
	switch threshold {
	case 30:
		return w.Sent30
	case 15:
		return w.Sent15
	case 5:
		return w.Sent5
	default:
		return true
	}
}

func (s *Sweeper) expireActive(ctx context.Context) {
	reservations, err := s.store.ListByStatus(ctx, s.store.Pool(), store.StatusActive)
	if err != nil {
		s.logger.Error("listing active reservations for expiry", "error", err)
		return
	}

	now := time.Now()
	for _, r := range reservations {
		if r.ExpiresAt == nil {
			continue
		}
		overdueBy := now.Sub(*r.ExpiresAt)
		if overdueBy < s.cfg.GracePeriod {
			continue
		}
		if err := s.expireOne(ctx, r); err != nil {
			s.logger.Error("expiring reservation", "reservation_id", r.ID, "error", err)
		}
	}
}

func (s *Sweeper) expireOne(ctx context.Context, r *store.Reservation) error {
	if r.RequestedDiskName != nil && !r.NoPersistentDisk {
		if disk, err := s.store.GetDiskByName(ctx, s.store.Pool(), r.User, *r.RequestedDiskName); err == nil {
			if _, err := s.storage.CreateSnapshot(ctx, disk.VolumeID, map[string]string{"reason": "expiry-shutdown"}); err != nil {
				s.logger.Warn("shutdown snapshot on expiry", "reservation_id", r.ID, "error", err)
			}
			if err := s.store.MarkAvailable(ctx, s.store.Pool(), disk.ID); err != nil {
				s.logger.Warn("clearing disk in-use on expiry", "reservation_id", r.ID, "error", err)
			}
		}
	}

	if r.SandboxName != nil {
		if err := s.compute.DeletePod(ctx, s.cfg.KubeNamespace, *r.SandboxName); err != nil {
			s.logger.Warn("deleting pod on expiry", "reservation_id", r.ID, "error", err)
		}
		if err := s.compute.DeleteService(ctx, s.cfg.KubeNamespace, *r.SandboxName+"-ssh"); err != nil {
			s.logger.Warn("deleting service on expiry", "reservation_id", r.ID, "error", err)
		}
	}

	if err := s.store.Expire(ctx, s.store.Pool(), r.ID); err != nil {
		return fmt.Errorf("marking expired: %w", err)
	}
	telemetry.ReservationsExpiredTotal.Inc()
	return nil
}

func (s *Sweeper) sweepStuck(ctx context.Context) {
	now := time.Now()

	preparing, err := s.store.ListByStatus(ctx, s.store.Pool(), store.StatusPreparing)
	if err != nil {
		s.logger.Error("listing preparing reservations", "error", err)
	}
	for _, r := range preparing {
		// UpdatedAt is stamped by Allocate's pending/queued -> preparing
		// transition and by nothing else while a reservation sits in
		// preparing, so it is the time of entry into this state, not
		// CreatedAt which can be much earlier for a reservation that
		// queued for a long time before being allocated.
		if now.Sub(r.UpdatedAt) < s.cfg.StuckPreparing {
			continue
		}
		if r.SandboxName != nil {
			if err := s.compute.DeletePod(ctx, s.cfg.KubeNamespace, *r.SandboxName); err != nil {
				s.logger.Warn("best-effort cleanup of stuck preparing reservation", "reservation_id", r.ID, "error", err)
			}
		}
		if err := s.store.Fail(ctx, s.store.Pool(), r.ID, "stuck in preparing state"); err != nil {
			s.logger.Error("failing stuck preparing reservation", "reservation_id", r.ID, "error", err)
			continue
		}
		telemetry.SweeperStuckReclaimedTotal.WithLabelValues("preparing").Inc()
	}

	for _, status := range []store.ReservationStatus{store.StatusQueued, store.StatusPending} {
		rows, err := s.store.ListByStatus(ctx, s.store.Pool(), status)
		if err != nil {
			s.logger.Error("listing reservations for stuck sweep", "status", status, "error", err)
			continue
		}
		for _, r := range rows {
			if now.Sub(r.CreatedAt) < s.cfg.StuckQueued {
				continue
			}
			if s.admissionStillValid(ctx, r) {
				continue
			}
			if err := s.store.Cancel(ctx, s.store.Pool(), r.ID); err != nil {
				s.logger.Error("cancelling stuck reservation", "reservation_id", r.ID, "error", err)
				continue
			}
			telemetry.SweeperStuckReclaimedTotal.WithLabelValues(string(status)).Inc()
		}
	}
}

// admissionStillValid reports whether a waiting reservation's GPU type is
// still an admittable target (spec.md §4.5 "no longer valid admission,
// GPU type removed, etc."). A lookup failure is treated as invalid so the
// stuck reservation still gets reclaimed rather than waiting forever.
func (s *Sweeper) admissionStillValid(ctx context.Context, r *store.Reservation) bool {
	gt, err := s.store.GetGPUType(ctx, s.store.Pool(), r.GPUType)
	if err != nil {
		return false
	}
	return gt.Active
}

func (s *Sweeper) houseKeepSnapshots(ctx context.Context) {
	disks, err := s.store.ListReconcilable(ctx, s.store.Pool())
	if err != nil {
		s.logger.Error("listing disks for snapshot housekeeping", "error", err)
		return
	}

	for _, d := range disks {
		if err := s.houseKeepOne(ctx, d); err != nil {
			s.logger.Error("snapshot housekeeping", "disk_id", d.ID, "error", err)
		}
	}

	cutoff := time.Now().Add(-s.cfg.SoftDeleteRetention)
	expired, err := s.store.ListSoftDeletedOlderThan(ctx, s.store.Pool(), cutoff)
	if err != nil {
		s.logger.Error("listing soft-deleted disks past retention", "error", err)
		return
	}
	for _, d := range expired {
		if err := s.storage.DeleteVolume(ctx, d.VolumeID); err != nil {
			s.logger.Error("hard-deleting cloud volume", "disk_id", d.ID, "error", err)
			continue
		}
		if err := s.store.HardDelete(ctx, s.store.Pool(), d.ID); err != nil {
			s.logger.Error("hard-deleting disk row", "disk_id", d.ID, "error", err)
		}
	}
}

func (s *Sweeper) houseKeepOne(ctx context.Context, d *store.Disk) error {
	snapshots, err := s.storage.ListSnapshots(ctx, d.VolumeID)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	var completed []clusteradapter.Snapshot
	pending := 0
	for _, snap := range snapshots {
		if snap.State == "completed" {
			completed = append(completed, snap)
		} else {
			pending++
		}
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].StartedAt.Before(completed[j].StartedAt) })
	if len(completed) > s.cfg.SnapshotRetentionCount {
		toDelete := completed[:len(completed)-s.cfg.SnapshotRetentionCount]
		for _, snap := range toDelete {
			if err := s.storage.DeleteSnapshot(ctx, snap.SnapshotID); err != nil {
				s.logger.Warn("deleting old snapshot", "disk_id", d.ID, "snapshot_id", snap.SnapshotID, "error", err)
				continue
			}
		}
		completed = completed[len(completed)-s.cfg.SnapshotRetentionCount:]
	}

	var lastID string
	if len(completed) > 0 {
		lastID = completed[len(completed)-1].SnapshotID
	}
	return s.store.RecordSnapshot(ctx, s.store.Pool(), d.ID, lastID, pending, len(completed))
}

func (s *Sweeper) detectOOM(ctx context.Context) {
	pods, err := s.compute.ListPods(ctx, s.cfg.KubeNamespace)
	if err != nil {
		s.logger.Error("listing pods for oom detection", "error", err)
		return
	}

	oomByName := make(map[string]bool, len(pods))
	for _, p := range pods {
		if p.OOMKilled {
			oomByName[p.Name] = true
		}
	}
	if len(oomByName) == 0 {
		return
	}

	reservations, err := s.store.ListByStatus(ctx, s.store.Pool(), store.StatusActive)
	if err != nil {
		s.logger.Error("listing active reservations for oom detection", "error", err)
		return
	}
	for _, r := range reservations {
		if r.SandboxName == nil || !oomByName[*r.SandboxName] {
			continue
		}
		if err := s.store.RecordEvent(ctx, s.store.Pool(), r.ID, "oom-killed", "sandbox container was OOM-killed"); err != nil {
			s.logger.Error("recording oom event", "reservation_id", r.ID, "error", err)
		}
	}
}
