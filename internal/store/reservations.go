package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// CreateReservationParams is the input to CreateReservation.
type CreateReservationParams struct {
	ID                   uuid.UUID
	User                 string
	GPUType              string
	GPUCount             int
	DurationHours        float64
	RequestedDiskName    *string
	NoPersistentDisk     bool
	ConfirmDiskOverride  bool
	RequestedDockerImage *string
	Environment          map[string]string
	Collaborators        []string
}

// CreateReservation inserts a new reservation row in status pending.
// Callers that also need to enqueue a create message MUST do so in the
// same transaction (spec.md §4.1 "Queue embedded in the store" — a
// message never exists without its subject row and vice versa); pass tx
// as the DBTX here and to Enqueue.
func (s *Store) CreateReservation(ctx context.Context, db DBTX, p CreateReservationParams) (*Reservation, error) {
	env, err := json.Marshal(p.Environment)
	if err != nil {
		return nil, fmt.Errorf("marshaling environment: %w", err)
	}

	const q = `
INSERT INTO reservations (
  id, owner_user, gpu_type, gpu_count, duration_hours,
  requested_disk_name, no_persistent_disk, confirm_disk_override,
  requested_docker_image, environment, collaborators, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'pending',now(),now())
RETURNING created_at, updated_at`

	var createdAt, updatedAt time.Time
	err = db.QueryRow(ctx, q,
		p.ID, p.User, p.GPUType, p.GPUCount, p.DurationHours,
		p.RequestedDiskName, p.NoPersistentDisk, p.ConfirmDiskOverride,
		p.RequestedDockerImage, env, p.Collaborators,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating reservation: %w", err)
	}

	return &Reservation{
		ID:                   p.ID,
		User:                 p.User,
		GPUType:              p.GPUType,
		GPUCount:             p.GPUCount,
		DurationHours:        p.DurationHours,
		RequestedDiskName:    p.RequestedDiskName,
		NoPersistentDisk:     p.NoPersistentDisk,
		ConfirmDiskOverride:  p.ConfirmDiskOverride,
		RequestedDockerImage: p.RequestedDockerImage,
		Environment:          p.Environment,
		Collaborators:        p.Collaborators,
		Status:               StatusPending,
		CreatedAt:            createdAt,
		UpdatedAt:            updatedAt,
	}, nil
}

const reservationColumns = `
  id, owner_user, gpu_type, gpu_count, duration_hours,
  requested_disk_name, no_persistent_disk, confirm_disk_override,
  requested_docker_image, environment, collaborators, status,
  created_at, launched_at, ended_at, expires_at,
  sandbox_name, sandbox_namespace, nodes, ssh_host, ssh_port,
  volume_id, queue_position, eta_minutes, failure_reason,
  warning_30_sent, warning_15_sent, warning_5_sent, extension_count, updated_at`

// GetReservation fetches a reservation by id.
func (s *Store) GetReservation(ctx context.Context, db DBTX, id uuid.UUID) (*Reservation, error) {
	row := db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	return scanReservation(row)
}

// GetReservationForUpdate fetches a reservation with a row lock, for use
// inside WithTx immediately before a compare-and-set transition.
func (s *Store) GetReservationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Reservation, error) {
	row := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id)
	return scanReservation(row)
}

// CountActiveForUser counts reservations of user that occupy (or are
// about to occupy) capacity, for the per-user active cap (spec.md §4.4
// step 1).
func (s *Store) CountActiveForUser(ctx context.Context, db DBTX, user string) (int, error) {
	const q = `SELECT count(*) FROM reservations WHERE owner_user = $1 AND status IN ('pending','queued','preparing','active')`
	var n int
	if err := db.QueryRow(ctx, q, user).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active reservations for user: %w", err)
	}
	return n, nil
}

// ListByStatus lists reservations in the given status, oldest first (used
// for the sweeper's stuck-state sweep).
func (s *Store) ListByStatus(ctx context.Context, db DBTX, status ReservationStatus) ([]*Reservation, error) {
	rows, err := db.Query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing reservations by status: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// ListActiveByGPUType lists active reservations of a GPU type, used by
// queue accounting to find the earliest expiry that frees capacity.
func (s *Store) ListActiveByGPUType(ctx context.Context, db DBTX, gpuType string) ([]*Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM reservations WHERE status = 'active' AND gpu_type = $1 ORDER BY expires_at ASC NULLS LAST`
	rows, err := db.Query(ctx, q, gpuType)
	if err != nil {
		return nil, fmt.Errorf("listing active reservations by gpu type: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// ListQueuedByGPUType lists queued (waiting) reservations of a GPU type,
// FIFO by creation time, for queue position/ETA accounting.
func (s *Store) ListQueuedByGPUType(ctx context.Context, db DBTX, gpuType string) ([]*Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM reservations WHERE status = 'queued' AND gpu_type = $1 ORDER BY created_at ASC`
	rows, err := db.Query(ctx, q, gpuType)
	if err != nil {
		return nil, fmt.Errorf("listing queued reservations by gpu type: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// CompareAndSetStatus advances a reservation's status only if its current
// status matches fromAnyOf, returning ErrCompareAndSetFailed otherwise.
// This is the single chokepoint enforcing spec.md §4.4/§5's "concurrent
// attempts to advance the same reservation collapse to one winner."
func (s *Store) CompareAndSetStatus(ctx context.Context, db DBTX, id uuid.UUID, fromAnyOf []ReservationStatus, to ReservationStatus) error {
	const q = `UPDATE reservations SET status = $1, updated_at = now() WHERE id = $2 AND status = ANY($3)`
	froms := make([]string, len(fromAnyOf))
	for i, f := range fromAnyOf {
		froms[i] = string(f)
	}
	tag, err := db.Exec(ctx, q, string(to), id, froms)
	if err != nil {
		return fmt.Errorf("compare-and-set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// SetQueued records queue position/ETA (spec.md §4.4 step 2, "admission denied
// for capacity").
func (s *Store) SetQueued(ctx context.Context, db DBTX, id uuid.UUID, position, etaMinutes int) error {
	const q = `UPDATE reservations SET status = 'queued', queue_position = $1, eta_minutes = $2, updated_at = now() WHERE id = $3 AND status IN ('pending','queued')`
	_, err := db.Exec(ctx, q, position, etaMinutes, id)
	if err != nil {
		return fmt.Errorf("setting reservation queued: %w", err)
	}
	return nil
}

// UpdateQueuePosition updates just position/ETA for a still-queued
// reservation (periodic queue accounting refresh).
func (s *Store) UpdateQueuePosition(ctx context.Context, db DBTX, id uuid.UUID, position, etaMinutes int) error {
	const q = `UPDATE reservations SET queue_position = $1, eta_minutes = $2, updated_at = now() WHERE id = $3 AND status = 'queued'`
	_, err := db.Exec(ctx, q, position, etaMinutes, id)
	if err != nil {
		return fmt.Errorf("updating queue position: %w", err)
	}
	return nil
}

// AllocateParams carries the fields the allocate step (spec.md §4.4 step 3)
// writes when it picks target node(s) and transitions to preparing.
type AllocateParams struct {
	ID               uuid.UUID
	SandboxName      string
	SandboxNamespace string
	Nodes            []string
	VolumeID         *string
}

// Allocate performs the pending/queued → preparing transition and records
// the selected node(s), sandbox identity, and any carried-forward volume.
// It uses compare-and-set so a racing cancel (§5 "Cancellation semantics")
// is detected.
func (s *Store) Allocate(ctx context.Context, db DBTX, p AllocateParams) error {
	const q = `
UPDATE reservations
SET status = 'preparing', sandbox_name = $1, sandbox_namespace = $2, nodes = $3,
    volume_id = $4, queue_position = NULL, eta_minutes = NULL, updated_at = now()
WHERE id = $5 AND status IN ('pending','queued')`
	tag, err := db.Exec(ctx, q, p.SandboxName, p.SandboxNamespace, p.Nodes, p.VolumeID, p.ID)
	if err != nil {
		return fmt.Errorf("allocating reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// Activate performs the preparing → active transition (spec.md §4.4 step
// 5), recording the SSH endpoint, launch time, and expiry.
func (s *Store) Activate(ctx context.Context, db DBTX, id uuid.UUID, sshHost string, sshPort int32, launchedAt time.Time, expiresAt time.Time) error {
	const q = `
UPDATE reservations
SET status = 'active', ssh_host = $1, ssh_port = $2, launched_at = $3, expires_at = $4, updated_at = now()
WHERE id = $5 AND status = 'preparing'`
	tag, err := db.Exec(ctx, q, sshHost, sshPort, launchedAt, expiresAt, id)
	if err != nil {
		return fmt.Errorf("activating reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// Fail transitions a reservation to failed with a human-readable reason
// (spec.md §7 "User-visible failure"), from any non-terminal state.
func (s *Store) Fail(ctx context.Context, db DBTX, id uuid.UUID, reason string) error {
	const q = `
UPDATE reservations
SET status = 'failed', failure_reason = $1, ended_at = now(), updated_at = now()
WHERE id = $2 AND status NOT IN ('expired','cancelled','failed')`
	_, err := db.Exec(ctx, q, reason, id)
	if err != nil {
		return fmt.Errorf("failing reservation: %w", err)
	}
	return nil
}

// Cancel transitions a reservation to cancelled from any non-terminal
// state (spec.md §4.4 Cancel handler). Idempotent: cancelling an already
// terminal reservation affects zero rows and returns no error.
func (s *Store) Cancel(ctx context.Context, db DBTX, id uuid.UUID) error {
	const q = `
UPDATE reservations
SET status = 'cancelled', ended_at = now(), updated_at = now()
WHERE id = $1 AND status NOT IN ('expired','cancelled','failed')`
	_, err := db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("cancelling reservation: %w", err)
	}
	return nil
}

// Expire transitions an active reservation to expired (spec.md §4.5).
func (s *Store) Expire(ctx context.Context, db DBTX, id uuid.UUID) error {
	const q = `
UPDATE reservations SET status = 'expired', ended_at = now(), updated_at = now()
WHERE id = $1 AND status = 'active'`
	tag, err := db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("expiring reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// Extend updates expiry/duration and clears warning flags (spec.md §4.4
// Extend handler).
func (s *Store) Extend(ctx context.Context, db DBTX, id uuid.UUID, newDurationHours float64, newExpiresAt time.Time) error {
	const q = `
UPDATE reservations
SET duration_hours = $1, expires_at = $2, extension_count = extension_count + 1,
    warning_30_sent = false, warning_15_sent = false, warning_5_sent = false,
    updated_at = now()
WHERE id = $3 AND status = 'active'`
	tag, err := db.Exec(ctx, q, newDurationHours, newExpiresAt, id)
	if err != nil {
		return fmt.Errorf("extending reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompareAndSetFailed
	}
	return nil
}

// SetWarningSent records that the given minute-threshold warning was
// delivered (spec.md §4.5).
func (s *Store) SetWarningSent(ctx context.Context, db DBTX, id uuid.UUID, minutes int) error {
	var col string
	switch minutes {
	case 30:
		col = "warning_30_sent"
	case 15:
		col = "warning_15_sent"
	case 5:
		col = "warning_5_sent"
	default:
		return fmt.Errorf("unsupported warning threshold: %d", minutes)
	}
	q := fmt.Sprintf(`UPDATE reservations SET %s = true, updated_at = now() WHERE id = $1`, col)
	_, err := db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("recording warning sent: %w", err)
	}
	return nil
}

// AppendCollaborator adds a username to the collaborators list if absent
// (spec.md §4.4 add-user handler, idempotent).
func (s *Store) AppendCollaborator(ctx context.Context, db DBTX, id uuid.UUID, username string) error {
	const q = `
UPDATE reservations
SET collaborators = CASE WHEN $2 = ANY(collaborators) THEN collaborators ELSE array_append(collaborators, $2) END,
    updated_at = now()
WHERE id = $1`
	_, err := db.Exec(ctx, q, id, username)
	if err != nil {
		return fmt.Errorf("appending collaborator: %w", err)
	}
	return nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var envRaw []byte
	var launchedAt, endedAt, expiresAt pgtype.Timestamptz
	var sandboxName, sandboxNamespace, sshHost, failureReason, volumeID, requestedDiskName, requestedDockerImage pgtype.Text
	var sshPort pgtype.Int4
	var queuePosition, etaMinutes pgtype.Int4
	var nodes, collaborators []string

	err := row.Scan(
		&r.ID, &r.User, &r.GPUType, &r.GPUCount, &r.DurationHours,
		&requestedDiskName, &r.NoPersistentDisk, &r.ConfirmDiskOverride,
		&requestedDockerImage, &envRaw, &collaborators, &r.Status,
		&r.CreatedAt, &launchedAt, &endedAt, &expiresAt,
		&sandboxName, &sandboxNamespace, &nodes, &sshHost, &sshPort,
		&volumeID, &queuePosition, &etaMinutes, &failureReason,
		&r.Warnings.Sent30, &r.Warnings.Sent15, &r.Warnings.Sent5, &r.ExtensionCount, &r.UpdatedAt,
	)
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning reservation: %w", err)
	}

	if len(envRaw) > 0 {
		if err := json.Unmarshal(envRaw, &r.Environment); err != nil {
			return nil, fmt.Errorf("unmarshaling environment: %w", err)
		}
	}
	r.Collaborators = collaborators
	r.Nodes = nodes
	if requestedDiskName.Valid {
		r.RequestedDiskName = &requestedDiskName.String
	}
	if requestedDockerImage.Valid {
		r.RequestedDockerImage = &requestedDockerImage.String
	}
	if launchedAt.Valid {
		t := launchedAt.Time
		r.LaunchedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	if sandboxName.Valid {
		r.SandboxName = &sandboxName.String
	}
	if sandboxNamespace.Valid {
		r.SandboxNamespace = &sandboxNamespace.String
	}
	if sshHost.Valid {
		r.SSHHost = &sshHost.String
	}
	if sshPort.Valid {
		v := sshPort.Int32
		r.SSHPort = &v
	}
	if volumeID.Valid {
		r.VolumeID = &volumeID.String
	}
	if queuePosition.Valid {
		v := int(queuePosition.Int32)
		r.QueuePosition = &v
	}
	if etaMinutes.Valid {
		v := int(etaMinutes.Int32)
		r.ETAMinutes = &v
	}
	if failureReason.Valid {
		r.FailureReason = &failureReason.String
	}

	return &r, nil
}

func scanReservations(rows pgx.Rows) ([]*Reservation, error) {
	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
