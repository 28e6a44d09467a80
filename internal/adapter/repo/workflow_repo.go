package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"server/internal/domain"
)

// WorkflowRepositoryPG implements domain.WorkflowRepository.
type WorkflowRepositoryPG struct {
	db DBTX
}

// NewWorkflowRepository creates a new workflow repository backed by PostgreSQL.
func NewWorkflowRepository(db DBTX) *WorkflowRepositoryPG {
	return &WorkflowRepositoryPG{db: db}
}

const workflowColumns = `id, owner_id, group_name, status, config, created_at, updated_at`

// GetOrCreate resolves the state for (owner, groupName), creating it lazily.
// The unique constraint plus DO UPDATE makes concurrent callers converge on
// one record. The conflict arm rewrites group_name to itself so RETURNING
// yields the existing row without touching updated_at; resolving is a read.
func (r *WorkflowRepositoryPG) GetOrCreate(ctx context.Context, ownerID, groupName string) (*domain.WorkflowState, error) {
	query := `
INSERT INTO workflow_states (id, owner_id, group_name, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (owner_id, group_name) DO UPDATE SET group_name = EXCLUDED.group_name
RETURNING ` + workflowColumns + `;
`
	return scanWorkflow(r.db.QueryRow(ctx, query, uuid.NewString(), ownerID, groupName))
}

// Get fetches a workflow state scoped by owner.
func (r *WorkflowRepositoryPG) Get(ctx context.Context, id, ownerID string) (*domain.WorkflowState, error) {
	query := `
SELECT ` + workflowColumns + `
FROM workflow_states
WHERE id = $1 AND owner_id = $2;
`
	return scanWorkflow(r.db.QueryRow(ctx, query, id, ownerID))
}

// Update applies review/archive actions.
func (r *WorkflowRepositoryPG) Update(ctx context.Context, id, ownerID string, patch domain.WorkflowStatePatch) (*domain.WorkflowState, error) {
	query := `
UPDATE workflow_states
SET status = COALESCE($3, status),
    config = COALESCE($4, config),
    updated_at = NOW()
WHERE id = $1 AND owner_id = $2
RETURNING ` + workflowColumns + `;
`
	return scanWorkflow(r.db.QueryRow(ctx, query, id, ownerID, patch.Status, nullableBytes(patch.Config)))
}

// ListByOwner returns the owner's workflow states, newest first.
func (r *WorkflowRepositoryPG) ListByOwner(ctx context.Context, ownerID string) ([]domain.WorkflowState, error) {
	query := `
SELECT ` + workflowColumns + `
FROM workflow_states
WHERE owner_id = $1
ORDER BY created_at DESC;
`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.WorkflowState
	for rows.Next() {
		state, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

const pairColumns = `id, job_id, workflow_state_id, owner_id, source_ref, result_ref, approved, archived, metadata, created_at, updated_at`

// UpsertPair merges into the pair keyed by (workflowStateID, sourceRef). A
// non-null result reference wins and metadata merges shallowly, which makes
// repeated reconciliation passes safe to re-apply.
func (r *WorkflowRepositoryPG) UpsertPair(ctx context.Context, ownerID, workflowStateID, sourceRef string, patch domain.PairPatch) (*domain.ImagePair, error) {
	// Owner check up front so a foreign workflow id reads as missing.
	var exists string
	if err := r.db.QueryRow(ctx,
		`SELECT id FROM workflow_states WHERE id = $1 AND owner_id = $2;`,
		workflowStateID, ownerID,
	).Scan(&exists); err != nil {
		return nil, notFoundOnNoRows(err)
	}

	metadata, err := encodeMetadata(patch.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
INSERT INTO image_pairs (id, job_id, workflow_state_id, owner_id, source_ref, result_ref, approved, archived, metadata)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, FALSE), COALESCE($8, FALSE), COALESCE($9, '{}'::jsonb))
ON CONFLICT (workflow_state_id, source_ref) DO UPDATE SET
    job_id = COALESCE(EXCLUDED.job_id, image_pairs.job_id),
    result_ref = COALESCE(EXCLUDED.result_ref, image_pairs.result_ref),
    approved = COALESCE($7, image_pairs.approved),
    archived = COALESCE($8, image_pairs.archived),
    metadata = image_pairs.metadata || COALESCE($9, '{}'::jsonb),
    updated_at = NOW()
RETURNING ` + pairColumns + `;
`
	return scanPair(r.db.QueryRow(ctx, query,
		uuid.NewString(),
		patch.JobID,
		workflowStateID,
		ownerID,
		sourceRef,
		patch.ResultRef,
		patch.Approved,
		patch.Archived,
		metadata,
	))
}

// ListPairs returns all pairs of one workflow state.
func (r *WorkflowRepositoryPG) ListPairs(ctx context.Context, ownerID, workflowStateID string) ([]domain.ImagePair, error) {
	query := `
SELECT ` + pairColumns + `
FROM image_pairs
WHERE workflow_state_id = $1 AND owner_id = $2
ORDER BY created_at ASC;
`
	rows, err := r.db.Query(ctx, query, workflowStateID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []domain.ImagePair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, *pair)
	}
	return pairs, rows.Err()
}

func scanWorkflow(row rowScanner) (*domain.WorkflowState, error) {
	var state domain.WorkflowState
	var status string
	if err := row.Scan(
		&state.ID,
		&state.OwnerID,
		&state.GroupName,
		&status,
		&state.Config,
		&state.CreatedAt,
		&state.UpdatedAt,
	); err != nil {
		return nil, notFoundOnNoRows(err)
	}
	parsed, err := domain.ParseWorkflowStateStatus(status)
	if err != nil {
		return nil, err
	}
	state.Status = parsed
	return &state, nil
}

func scanPair(row rowScanner) (*domain.ImagePair, error) {
	var pair domain.ImagePair
	var metadata []byte
	if err := row.Scan(
		&pair.ID,
		&pair.JobID,
		&pair.WorkflowStateID,
		&pair.OwnerID,
		&pair.SourceRef,
		&pair.ResultRef,
		&pair.Approved,
		&pair.Archived,
		&metadata,
		&pair.CreatedAt,
		&pair.UpdatedAt,
	); err != nil {
		return nil, notFoundOnNoRows(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pair.Metadata); err != nil {
			return nil, fmt.Errorf("decode pair metadata: %w", err)
		}
	}
	return &pair, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode pair metadata: %w", err)
	}
	return encoded, nil
}
