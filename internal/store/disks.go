package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const diskColumns = `
  id, owner_user, name, volume_id, az, size_gb, status, in_use_by,
  last_snapshot_id, pending_snapshot_count, completed_snapshot_count,
  soft_deleted_at, last_reconciled_at, created_at, updated_at`

// CreateDiskParams is the input to CreateDisk.
type CreateDiskParams struct {
	ID       uuid.UUID
	User     string
	Name     string
	VolumeID string
	AZ       string
	SizeGB   int
}

// CreateDisk inserts a new disk row in status creating (spec.md §4.4
// disk-create handler, §4.2 Cluster Adapter storage facade).
func (s *Store) CreateDisk(ctx context.Context, db DBTX, p CreateDiskParams) (*Disk, error) {
	const q = `
INSERT INTO disks (id, owner_user, name, volume_id, az, size_gb, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'creating',now(),now())
RETURNING created_at, updated_at`
	var createdAt, updatedAt time.Time
	err := db.QueryRow(ctx, q, p.ID, p.User, p.Name, p.VolumeID, p.AZ, p.SizeGB).Scan(&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating disk: %w", err)
	}
	return &Disk{
		ID: p.ID, User: p.User, Name: p.Name, VolumeID: p.VolumeID, AZ: p.AZ, SizeGB: p.SizeGB,
		Status: DiskCreating, CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

// GetDisk fetches a disk by id.
func (s *Store) GetDisk(ctx context.Context, db DBTX, id uuid.UUID) (*Disk, error) {
	row := db.QueryRow(ctx, `SELECT `+diskColumns+` FROM disks WHERE id = $1`, id)
	return scanDisk(row)
}

// GetDiskByName fetches a user's disk by its name (disk names are unique
// per user, spec.md §3).
func (s *Store) GetDiskByName(ctx context.Context, db DBTX, user, name string) (*Disk, error) {
	row := db.QueryRow(ctx, `SELECT `+diskColumns+` FROM disks WHERE owner_user = $1 AND name = $2 AND status != 'soft-deleted'`, user, name)
	return scanDisk(row)
}

// ListReconcilable lists disks not in a terminal soft-deleted state, for
// the availability tracker's cloud-inventory reconciliation pass (spec.md
// §4.3).
func (s *Store) ListReconcilable(ctx context.Context, db DBTX) ([]*Disk, error) {
	rows, err := db.Query(ctx, `SELECT `+diskColumns+` FROM disks WHERE status != 'soft-deleted' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing reconcilable disks: %w", err)
	}
	defer rows.Close()
	return scanDisks(rows)
}

// ListSoftDeletedOlderThan lists disks soft-deleted before the cutoff, for
// the sweeper's hard-delete-after-retention housekeeping (spec.md §4.5,
// soft-delete retention).
func (s *Store) ListSoftDeletedOlderThan(ctx context.Context, db DBTX, cutoff time.Time) ([]*Disk, error) {
	const q = `SELECT ` + diskColumns + ` FROM disks WHERE status = 'soft-deleted' AND soft_deleted_at < $1`
	rows, err := db.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing expired soft-deleted disks: %w", err)
	}
	defer rows.Close()
	return scanDisks(rows)
}

// MarkInUse attaches a disk to a reservation (available → in-use).
func (s *Store) MarkInUse(ctx context.Context, db DBTX, id uuid.UUID, reservationID uuid.UUID) error {
	const q = `UPDATE disks SET status = 'in-use', in_use_by = $1, updated_at = now() WHERE id = $2 AND status = 'available'`
	tag, err := db.Exec(ctx, q, reservationID, id)
	if err != nil {
		return fmt.Errorf("marking disk in-use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// MarkAvailable releases a disk back to available (in-use → available),
// done when its reservation ends (spec.md §4.5).
func (s *Store) MarkAvailable(ctx context.Context, db DBTX, id uuid.UUID) error {
	const q = `UPDATE disks SET status = 'available', in_use_by = NULL, updated_at = now() WHERE id = $1 AND status = 'in-use'`
	_, err := db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("marking disk available: %w", err)
	}
	return nil
}

// MarkCreated transitions creating → available once the cloud volume is
// confirmed ready.
func (s *Store) MarkCreated(ctx context.Context, db DBTX, id uuid.UUID) error {
	const q = `UPDATE disks SET status = 'available', updated_at = now() WHERE id = $1 AND status = 'creating'`
	_, err := db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("marking disk created: %w", err)
	}
	return nil
}

// SoftDelete marks a disk soft-deleted (spec.md §4.4 disk-delete handler);
// the sweeper hard-deletes it from cloud storage after the retention
// window.
func (s *Store) SoftDelete(ctx context.Context, db DBTX, id uuid.UUID) error {
	const q = `
UPDATE disks SET status = 'soft-deleted', soft_deleted_at = now(), updated_at = now()
WHERE id = $1 AND status = 'available'`
	tag, err := db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("soft-deleting disk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// HardDelete removes a disk row entirely after its cloud volume has been
// destroyed.
func (s *Store) HardDelete(ctx context.Context, db DBTX, id uuid.UUID) error {
	_, err := db.Exec(ctx, `DELETE FROM disks WHERE id = $1 AND status = 'soft-deleted'`, id)
	if err != nil {
		return fmt.Errorf("hard-deleting disk: %w", err)
	}
	return nil
}

// RecordSnapshot updates snapshot bookkeeping after the cluster adapter
// takes or completes a snapshot (spec.md §4.5 snapshot retention).
func (s *Store) RecordSnapshot(ctx context.Context, db DBTX, id uuid.UUID, snapshotID string, pending, completed int) error {
	const q = `
UPDATE disks
SET last_snapshot_id = $1, pending_snapshot_count = $2, completed_snapshot_count = $3, last_reconciled_at = now(), updated_at = now()
WHERE id = $4`
	_, err := db.Exec(ctx, q, snapshotID, pending, completed, id)
	if err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	return nil
}

// TouchReconciled stamps last_reconciled_at without changing other fields,
// used when a reconciliation pass confirms a disk still matches cloud
// state.
func (s *Store) TouchReconciled(ctx context.Context, db DBTX, id uuid.UUID) error {
	_, err := db.Exec(ctx, `UPDATE disks SET last_reconciled_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching disk reconciled timestamp: %w", err)
	}
	return nil
}

func scanDisk(row pgx.Row) (*Disk, error) {
	var d Disk
	var inUseBy pgtype.UUID
	var lastSnapshotID pgtype.Text
	var softDeletedAt, lastReconciledAt pgtype.Timestamptz

	err := row.Scan(
		&d.ID, &d.User, &d.Name, &d.VolumeID, &d.AZ, &d.SizeGB, &d.Status, &inUseBy,
		&lastSnapshotID, &d.PendingSnapshotCount, &d.CompletedSnapshotCount,
		&softDeletedAt, &lastReconciledAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning disk: %w", err)
	}

	if inUseBy.Valid {
		id := uuid.UUID(inUseBy.Bytes)
		d.InUseBy = &id
	}
	if lastSnapshotID.Valid {
		d.LastSnapshotID = &lastSnapshotID.String
	}
	if softDeletedAt.Valid {
		t := softDeletedAt.Time
		d.SoftDeletedAt = &t
	}
	if lastReconciledAt.Valid {
		t := lastReconciledAt.Time
		d.LastReconciledAt = &t
	}

	return &d, nil
}

func scanDisks(rows pgx.Rows) ([]*Disk, error) {
	var out []*Disk
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
