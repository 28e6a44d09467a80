package domain

import "context"

// JobRepository defines persistence for job records. All reads and mutations
// are scoped by owner id; a cross-owner id resolves to ErrNotFound.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id, ownerID string) (*Job, error)
	Update(ctx context.Context, id, ownerID string, patch JobPatch) (*Job, error)
	ListByOwner(ctx context.Context, ownerID string, filter JobFilter) ([]Job, error)
	// ListUnfinished returns non-terminal jobs across owners for the sweep.
	ListUnfinished(ctx context.Context, limit int) ([]Job, error)
}

// WorkflowRepository defines persistence for workflow states and their
// image pair index.
type WorkflowRepository interface {
	// GetOrCreate is idempotent: concurrent callers for the same
	// (owner, groupName) converge on a single record.
	GetOrCreate(ctx context.Context, ownerID, groupName string) (*WorkflowState, error)
	Get(ctx context.Context, id, ownerID string) (*WorkflowState, error)
	Update(ctx context.Context, id, ownerID string, patch WorkflowStatePatch) (*WorkflowState, error)
	ListByOwner(ctx context.Context, ownerID string) ([]WorkflowState, error)
	// UpsertPair merges into the pair keyed by (workflowStateID, sourceRef),
	// inserting when absent. A non-nil ResultRef in the patch wins; metadata
	// merges shallowly.
	UpsertPair(ctx context.Context, ownerID, workflowStateID, sourceRef string, patch PairPatch) (*ImagePair, error)
	ListPairs(ctx context.Context, ownerID, workflowStateID string) ([]ImagePair, error)
}

// LedgerRepository owns debit/credit/refund semantics for prepaid credits.
type LedgerRepository interface {
	// Grant appends a credit grant. Created by payment collaborators and seeds.
	Grant(ctx context.Context, entry *LedgerEntry) error
	// Consume draws amount from the owner's active grants, soonest expiry
	// first, atomically. Returns ErrInsufficientCredits without partial
	// draw-down when the owner cannot cover the amount.
	Consume(ctx context.Context, ownerID string, amount int64, scene, description string) (*LedgerEntry, error)
	// Refund reverses a consume entry and reports whether it acted. Only
	// consume rows are refundable; a grant id or an already-deleted entry is
	// a no-op, never an error.
	Refund(ctx context.Context, ownerID, entryID string) (bool, error)
	Get(ctx context.Context, id, ownerID string) (*LedgerEntry, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]LedgerEntry, error)
	Balance(ctx context.Context, ownerID string) (int64, error)
}

// SubmissionStore creates a job record and debits its cost in one local
// transaction, so a submission can never debit without a job row.
type SubmissionStore interface {
	CreateFundedJob(ctx context.Context, job *Job, scene, description string) (*LedgerEntry, error)
}
