package repo

import (
	"context"

	"github.com/jackc/pgx/v5"

	"server/internal/domain"
)

// CreateFundedJob debits the job's cost and inserts the job record in one
// transaction. A submission can never debit without a job row or leave a job
// row without its debit.
func (s *Store) CreateFundedJob(ctx context.Context, job *domain.Job, scene, description string) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		entry = nil
		job.LedgerEntryID = nil
		if job.Cost > 0 {
			consumed, err := consumeInTx(ctx, tx, job.OwnerID, job.Cost, scene, description)
			if err != nil {
				return err
			}
			entry = consumed
			id := consumed.ID
			job.LedgerEntryID = &id
		}
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

var _ domain.SubmissionStore = (*Store)(nil)
