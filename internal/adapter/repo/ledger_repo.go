package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
	"server/internal/ledger"
)

// LedgerRepositoryPG implements domain.LedgerRepository. Draw-down and refund
// run inside transactions with row locks on the touched grants; the grant
// rows are the one hot shared resource, so lost updates are not an option.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new ledger repository backed by PostgreSQL.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

const entryColumns = `id, owner_id, amount, remaining_credits, status, expires_at, scene, description, consumed_detail, created_at, updated_at`

// Grant appends a credit grant entry.
func (r *LedgerRepositoryPG) Grant(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerEntryActive
	}
	if entry.RemainingCredits == nil {
		remaining := entry.Amount
		entry.RemainingCredits = &remaining
	}
	query := `
INSERT INTO ledger_entries (id, owner_id, amount, remaining_credits, status, expires_at, scene, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.OwnerID,
		entry.Amount,
		entry.RemainingCredits,
		entry.Status,
		entry.ExpiresAt,
		entry.Scene,
		entry.Description,
	)
	return err
}

// Consume draws amount from the owner's active grants, soonest expiry first,
// within one transaction. Short-fall aborts with ErrInsufficientCredits and
// commits nothing.
func (r *LedgerRepositoryPG) Consume(ctx context.Context, ownerID string, amount int64, scene, description string) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var txErr error
		entry, txErr = consumeInTx(ctx, tx, ownerID, amount, scene, description)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// consumeInTx is shared with Store.CreateFundedJob so a job insert and its
// debit can ride the same transaction.
func consumeInTx(ctx context.Context, tx pgx.Tx, ownerID string, amount int64, scene, description string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	query := `
SELECT ` + entryColumns + `
FROM ledger_entries
WHERE owner_id = $1
  AND status = 'active'
  AND amount > 0
  AND remaining_credits > 0
ORDER BY expires_at ASC NULLS LAST, created_at ASC
FOR UPDATE;
`
	rows, err := tx.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	grants, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	draws, err := ledger.PlanDrawDown(grants, amount)
	if err != nil {
		return nil, err
	}
	for _, draw := range draws {
		tag, err := tx.Exec(ctx,
			`UPDATE ledger_entries SET remaining_credits = $1, updated_at = NOW() WHERE id = $2;`,
			draw.Remaining, draw.GrantID,
		)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() != 1 {
			return nil, domain.ErrConflict
		}
	}

	detail, err := json.Marshal(ledger.ConsumedDetail(draws))
	if err != nil {
		return nil, fmt.Errorf("encode consumed detail: %w", err)
	}
	insert := `
INSERT INTO ledger_entries (id, owner_id, amount, status, scene, description, consumed_detail)
VALUES ($1, $2, $3, 'active', $4, $5, $6)
RETURNING ` + entryColumns + `;
`
	return scanEntry(tx.QueryRow(ctx, insert, uuid.NewString(), ownerID, -amount, scene, description, detail))
}

// Refund reverses a consume entry and reports whether it acted. Only consume
// rows are refundable; grant ids and entries already marked deleted are
// no-ops, so re-running the failure path after a crash is safe.
func (r *LedgerRepositoryPG) Refund(ctx context.Context, ownerID, entryID string) (bool, error) {
	refunded := false
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		refunded = false
		query := `
SELECT ` + entryColumns + `
FROM ledger_entries
WHERE id = $1 AND owner_id = $2
FOR UPDATE;
`
		entry, err := scanEntry(tx.QueryRow(ctx, query, entryID, ownerID))
		if err != nil {
			return err
		}
		if entry.Status != domain.LedgerEntryActive {
			return nil
		}
		if entry.Amount >= 0 {
			// Not a consume row; there is nothing to reverse.
			return nil
		}
		for _, taken := range entry.ConsumedDetail {
			// Grants revoked since the consume are skipped, not re-created.
			if _, err := tx.Exec(ctx, `
UPDATE ledger_entries
SET remaining_credits = remaining_credits + $1, updated_at = NOW()
WHERE id = $2 AND status = 'active' AND amount > 0;
`, taken.Amount, taken.GrantID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE ledger_entries SET status = 'deleted', updated_at = NOW() WHERE id = $1;`,
			entry.ID,
		); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	return refunded, err
}

// Get fetches one entry scoped by owner.
func (r *LedgerRepositoryPG) Get(ctx context.Context, id, ownerID string) (*domain.LedgerEntry, error) {
	query := `
SELECT ` + entryColumns + `
FROM ledger_entries
WHERE id = $1 AND owner_id = $2;
`
	return scanEntry(r.pool.QueryRow(ctx, query, id, ownerID))
}

// ListByOwner returns the owner's entries, newest first.
func (r *LedgerRepositoryPG) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.LedgerEntry, error) {
	query := `
SELECT ` + entryColumns + `
FROM ledger_entries
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Balance derives the owner's spendable credits from active grants.
func (r *LedgerRepositoryPG) Balance(ctx context.Context, ownerID string) (int64, error) {
	query := `
SELECT COALESCE(SUM(remaining_credits), 0)
FROM ledger_entries
WHERE owner_id = $1 AND status = 'active' AND amount > 0;
`
	var balance int64
	if err := r.pool.QueryRow(ctx, query, ownerID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var status string
	var detail []byte
	if err := row.Scan(
		&entry.ID,
		&entry.OwnerID,
		&entry.Amount,
		&entry.RemainingCredits,
		&status,
		&entry.ExpiresAt,
		&entry.Scene,
		&entry.Description,
		&detail,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, notFoundOnNoRows(err)
	}
	parsed, err := domain.ParseLedgerEntryStatus(status)
	if err != nil {
		return nil, err
	}
	entry.Status = parsed
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &entry.ConsumedDetail); err != nil {
			return nil, fmt.Errorf("decode consumed detail: %w", err)
		}
	}
	return &entry, nil
}
