// Package store is the relational persistence layer for the reservation
// control plane: reservations, persistent disks, the GPU type catalog, and
// the embedded transactional message queue described in spec.md §3/§4.1.
// Every exported method takes a DBTX so it runs identically against the
// pool, a single connection, or an in-flight transaction — mirroring the
// teacher's db.DBTX-shaped Store pattern (pkg/roster/store.go,
// pkg/alert/store.go), except here there is one store, not one per
// domain package, because every table in §3 is part of the same
// transactional unit (reservation row + queue message inserted together).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx, so store
// methods are agnostic to whether they run standalone or inside WithTx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the single relational store for reservations, disks, the GPU
// catalog, and the queue.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool. Use WithTx for atomic
// multi-step operations; everything else can call Store methods directly
// against the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool, e.g. for passing to components that
// need a DBTX directly (such as acquiring a dedicated connection).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrCompareAndSetFailed is returned when a status transition's WHERE
// clause matches no row, meaning another writer already advanced (or
// reverted) the row first. Callers treat this as "stop processing, don't
// retry" per spec.md's compare-and-set discipline (§4.4, §5).
var ErrCompareAndSetFailed = errors.New("store: compare-and-set failed (status already advanced)")

// WithTx runs fn against a serializable transaction, committing on success
// and rolling back on any error. Nested transactions are forbidden per
// spec.md §9 — multi-step atomic work must be expressed as a single
// function passed here, with the cursor threaded down explicitly to
// helpers rather than each helper opening its own transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
