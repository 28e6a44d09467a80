package repo

import (
	"context"

	"server/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db DBTX
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db DBTX) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

const jobColumns = `id, owner_id, kind, status, config, source_refs, result_refs, remote_id, error_message, progress, cost, ledger_entry_id, created_at, started_at, completed_at, updated_at`

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, r.db, job)
}

func insertJob(ctx context.Context, db DBTX, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, owner_id, kind, status, config, source_refs, result_refs, remote_id, error_message, progress, cost, ledger_entry_id)
VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb), $6, $7, $8, $9, $10, $11, $12);
`
	_, err := db.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.Kind,
		job.Status,
		nullableBytes(job.Config),
		job.SourceRefs,
		job.ResultRefs,
		job.RemoteID,
		job.ErrorMessage,
		job.Progress,
		job.Cost,
		job.LedgerEntryID,
	)
	return err
}

// Get fetches a job scoped by owner. A cross-owner id is ErrNotFound.
func (r *JobRepositoryPG) Get(ctx context.Context, id, ownerID string) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1 AND owner_id = $2;
`
	return scanJob(r.db.QueryRow(ctx, query, id, ownerID))
}

// Update applies a partial patch and returns the updated record. The store
// stays dumb about status transitions; the reconciliation engine enforces
// terminal absorption above it.
func (r *JobRepositoryPG) Update(ctx context.Context, id, ownerID string, patch domain.JobPatch) (*domain.Job, error) {
	query := `
UPDATE jobs
SET status = COALESCE($3, status),
    error_message = COALESCE($4, error_message),
    result_refs = COALESCE($5, result_refs),
    remote_id = COALESCE($6, remote_id),
    progress = COALESCE($7, progress),
    started_at = COALESCE($8, started_at),
    completed_at = COALESCE($9, completed_at),
    updated_at = NOW()
WHERE id = $1 AND owner_id = $2
RETURNING ` + jobColumns + `;
`
	return scanJob(r.db.QueryRow(ctx, query,
		id,
		ownerID,
		patch.Status,
		patch.ErrorMessage,
		patch.ResultRefs,
		patch.RemoteID,
		patch.Progress,
		patch.StartedAt,
		patch.CompletedAt,
	))
}

// ListByOwner returns the owner's jobs, newest first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerID string, filter domain.JobFilter) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE owner_id = $1
  AND ($2::text IS NULL OR status = $2)
  AND ($3::text IS NULL OR kind = $3)
ORDER BY created_at DESC
LIMIT $4;
`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, query, ownerID, nullableString(string(filter.Status)), nullableString(string(filter.Kind)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListUnfinished returns non-terminal jobs across owners for the sweep,
// oldest first.
func (r *JobRepositoryPG) ListUnfinished(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status IN ('pending', 'processing')
ORDER BY created_at ASC
LIMIT $1;
`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var status string
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Kind,
		&status,
		&job.Config,
		&job.SourceRefs,
		&job.ResultRefs,
		&job.RemoteID,
		&job.ErrorMessage,
		&job.Progress,
		&job.Cost,
		&job.LedgerEntryID,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, notFoundOnNoRows(err)
	}
	parsed, err := domain.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	job.Status = parsed
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
