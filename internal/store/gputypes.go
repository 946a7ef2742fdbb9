package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const gpuTypeColumns = `
  tag, instance_family, gpus_per_node, cpu_per_node, memory_gb_per_node,
  active, multi_node_capable, total_cluster_gpus, available_gpus,
  max_reservable, full_nodes_available, running_instances, last_update_at, updated_by`

// GetGPUType fetches a catalog row by tag.
func (s *Store) GetGPUType(ctx context.Context, db DBTX, tag string) (*GPUType, error) {
	row := db.QueryRow(ctx, `SELECT `+gpuTypeColumns+` FROM gpu_types WHERE tag = $1`, tag)
	return scanGPUType(row)
}

// ListActiveGPUTypes lists catalog rows with active = true, the universe
// the availability tracker recomputes each tick (spec.md §4.3).
func (s *Store) ListActiveGPUTypes(ctx context.Context, db DBTX) ([]*GPUType, error) {
	rows, err := db.Query(ctx, `SELECT `+gpuTypeColumns+` FROM gpu_types WHERE active = true ORDER BY tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active gpu types: %w", err)
	}
	defer rows.Close()
	return scanGPUTypes(rows)
}

// ListAllGPUTypes lists every catalog row, active or not, ordered by tag.
func (s *Store) ListAllGPUTypes(ctx context.Context, db DBTX) ([]*GPUType, error) {
	rows, err := db.Query(ctx, `SELECT `+gpuTypeColumns+` FROM gpu_types ORDER BY tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing gpu types: %w", err)
	}
	defer rows.Close()
	return scanGPUTypes(rows)
}

// AvailabilityUpdate is what the availability tracker writes each tick per
// GPU type (spec.md §4.3 algorithm output).
type AvailabilityUpdate struct {
	Tag                string
	TotalClusterGPUs   int
	AvailableGPUs      int
	MaxReservable      int
	FullNodesAvailable int
	RunningInstances   int
	UpdatedBy          string
}

// UpdateAvailability writes the tracker's computed snapshot for one GPU
// type. last_update_at is stamped with the write time, so a stale value
// shows a tracker that has stopped ticking (see StaleTrackerCutoff).
func (s *Store) UpdateAvailability(ctx context.Context, db DBTX, u AvailabilityUpdate) error {
	const q = `
UPDATE gpu_types
SET total_cluster_gpus = $1, available_gpus = $2, max_reservable = $3,
    full_nodes_available = $4, running_instances = $5, last_update_at = now(), updated_by = $6
WHERE tag = $7`
	tag, err := db.Exec(ctx, q, u.TotalClusterGPUs, u.AvailableGPUs, u.MaxReservable,
		u.FullNodesAvailable, u.RunningInstances, u.UpdatedBy, u.Tag)
	if err != nil {
		return fmt.Errorf("updating gpu type availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertGPUType creates or updates the static half of a catalog row
// (everything but the tracker-owned availability columns), keyed by tag.
func (s *Store) UpsertGPUType(ctx context.Context, db DBTX, g *GPUType) error {
	const q = `
INSERT INTO gpu_types (tag, instance_family, gpus_per_node, cpu_per_node, memory_gb_per_node, active, multi_node_capable)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (tag) DO UPDATE SET
  instance_family = EXCLUDED.instance_family,
  gpus_per_node = EXCLUDED.gpus_per_node,
  cpu_per_node = EXCLUDED.cpu_per_node,
  memory_gb_per_node = EXCLUDED.memory_gb_per_node,
  active = EXCLUDED.active,
  multi_node_capable = EXCLUDED.multi_node_capable`
	_, err := db.Exec(ctx, q, g.Tag, g.InstanceFamily, g.GPUsPerNode, g.CPUPerNode, g.MemoryGBPerNode, g.Active, g.MultiNodeCapable)
	if err != nil {
		return fmt.Errorf("upserting gpu type: %w", err)
	}
	return nil
}

// StaleTrackerCutoff reports whether a GPU type's availability snapshot is
// older than maxAge (or was never written), meaning the tracker may be
// down.
func StaleTrackerCutoff(g *GPUType, maxAge time.Duration, now time.Time) bool {
	if g.LastUpdateAt == nil {
		return true
	}
	return now.Sub(*g.LastUpdateAt) > maxAge
}

func scanGPUType(row pgx.Row) (*GPUType, error) {
	var g GPUType
	var lastUpdateAt pgtype.Timestamptz
	var updatedBy pgtype.Text

	err := row.Scan(
		&g.Tag, &g.InstanceFamily, &g.GPUsPerNode, &g.CPUPerNode, &g.MemoryGBPerNode,
		&g.Active, &g.MultiNodeCapable, &g.TotalClusterGPUs, &g.AvailableGPUs,
		&g.MaxReservable, &g.FullNodesAvailable, &g.RunningInstances, &lastUpdateAt, &updatedBy,
	)
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning gpu type: %w", err)
	}
	if lastUpdateAt.Valid {
		t := lastUpdateAt.Time
		g.LastUpdateAt = &t
	}
	if updatedBy.Valid {
		g.UpdatedBy = updatedBy.String
	}
	return &g, nil
}

func scanGPUTypes(rows pgx.Rows) ([]*GPUType, error) {
	var out []*GPUType
	for rows.Next() {
		g, err := scanGPUType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
