package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const queueColumns = `id, kind, reservation_id, disk_id, payload, enqueued_at, visible_at, delivery_count`

// Enqueue inserts a queue message. Callers that also mutate a subject row
// (reservation/disk) in the same request MUST pass a tx as db so the
// message and its subject commit atomically — spec.md §4.1's "the queue
// is embedded in the store, not a separate broker" invariant.
func (s *Store) Enqueue(ctx context.Context, db DBTX, kind QueueMessageKind, reservationID, diskID *uuid.UUID, payload []byte) (int64, error) {
	const q = `
INSERT INTO reservation_queue (kind, reservation_id, disk_id, payload, enqueued_at, visible_at, delivery_count)
VALUES ($1,$2,$3,$4,now(),now(),0)
RETURNING id`
	var id int64
	err := db.QueryRow(ctx, q, kind, reservationID, diskID, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueuing message: %w", err)
	}
	return id, nil
}

// Dequeue claims up to limit messages that are currently visible, bumping
// delivery_count and setting visible_at to now+visibilityTimeout so no
// other worker claims the same message until it times out (spec.md §4.1
// "at-least-once delivery via a visibility timeout", mirroring a
// SELECT ... FOR UPDATE SKIP LOCKED claim pattern rather than a separate
// leasing table).
func (s *Store) Dequeue(ctx context.Context, tx pgx.Tx, limit int, visibilityTimeout time.Duration) ([]*QueueMessage, error) {
	const selectQ = `
SELECT id FROM reservation_queue
WHERE visible_at <= now()
ORDER BY enqueued_at ASC
FOR UPDATE SKIP LOCKED
LIMIT $1`
	rows, err := tx.Query(ctx, selectQ, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable messages: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning claimable message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimable messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	const claimQ = `
UPDATE reservation_queue
SET visible_at = now() + $2::interval, delivery_count = delivery_count + 1
WHERE id = ANY($1)
RETURNING ` + queueColumns
	claimed, err := tx.Query(ctx, claimQ, ids, visibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("claiming messages: %w", err)
	}
	defer claimed.Close()
	return scanQueueMessages(claimed)
}

// Ack deletes a message after its handler completes successfully,
// completing the at-least-once delivery cycle.
func (s *Store) Ack(ctx context.Context, db DBTX, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM reservation_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("acking message %d: %w", id, err)
	}
	return nil
}

// Nack makes a message immediately visible again for redelivery, used
// when a handler detects a transient failure it wants retried sooner than
// the visibility timeout would otherwise allow.
func (s *Store) Nack(ctx context.Context, db DBTX, id int64) error {
	_, err := db.Exec(ctx, `UPDATE reservation_queue SET visible_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("nacking message %d: %w", id, err)
	}
	return nil
}

// DeadLetter deletes a message from the queue (spec.md §7 "poison
// messages"). It records nothing itself and does not check
// delivery_count; the schema has no retry limit beyond that column.
func (s *Store) DeadLetter(ctx context.Context, db DBTX, id int64) error {
	_, err := db.Exec(ctx, `DELETE FROM reservation_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dead-lettering message %d: %w", id, err)
	}
	return nil
}

// QueueDepth returns the number of currently-visible (claimable) messages.
func (s *Store) QueueDepth(ctx context.Context, db DBTX) (int, error) {
	var n int
	err := db.QueryRow(ctx, `SELECT count(*) FROM reservation_queue WHERE visible_at <= now()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return n, nil
}

// RecordEvent appends to the audit trail (reservation_events) added beyond
// spec.md's literal schema to support the user-visible status/history
// surface its external API collaborator will read.
func (s *Store) RecordEvent(ctx context.Context, db DBTX, reservationID uuid.UUID, kind, detail string) error {
	const q = `INSERT INTO reservation_events (reservation_id, kind, detail, occurred_at) VALUES ($1,$2,$3,now())`
	_, err := db.Exec(ctx, q, reservationID, kind, detail)
	if err != nil {
		return fmt.Errorf("recording reservation event: %w", err)
	}
	return nil
}

func scanQueueMessages(rows pgx.Rows) ([]*QueueMessage, error) {
	var out []*QueueMessage
	for rows.Next() {
		var m QueueMessage
		var reservationID, diskID pgtype.UUID
		var visibleAt pgtype.Timestamptz

		if err := rows.Scan(&m.ID, &m.Kind, &reservationID, &diskID, &m.Payload, &m.EnqueuedAt, &visibleAt, &m.DeliveryCount); err != nil {
			return nil, fmt.Errorf("scanning queue message: %w", err)
		}
		if reservationID.Valid {
			id := uuid.UUID(reservationID.Bytes)
			m.ReservationID = &id
		}
		if diskID.Valid {
			id := uuid.UUID(diskID.Bytes)
			m.DiskID = &id
		}
		if visibleAt.Valid {
			m.VisibleAt = visibleAt.Time
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
