// Package repo implements the persistence contracts on PostgreSQL via pgx.
package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// DBTX is the querying contract shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// Store bundles the Postgres-backed repositories over one connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Jobs returns the job repository.
func (s *Store) Jobs() domain.JobRepository { return &JobRepositoryPG{db: s.pool} }

// Workflows returns the workflow state and image pair repository.
func (s *Store) Workflows() domain.WorkflowRepository { return &WorkflowRepositoryPG{db: s.pool} }

// Ledger returns the credit ledger repository.
func (s *Store) Ledger() domain.LedgerRepository { return &LedgerRepositoryPG{pool: s.pool} }

const maxTxAttempts = 3

// withTx runs fn inside a transaction, retrying serialization and deadlock
// aborts so contention never surfaces to callers.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) {
				lastErr = domain.ErrConflict
				continue
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				lastErr = domain.ErrConflict
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return errors.Is(err, domain.ErrConflict)
}

func notFoundOnNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
