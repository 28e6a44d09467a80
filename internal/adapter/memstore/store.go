// Package memstore provides in-memory implementations of the persistence
// contracts. It backs the service and handler tests and local development
// without Postgres; the credit draw-down shares internal/ledger with the
// Postgres store so both spend grants identically.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/ledger"
)

// Store holds all four tables behind one mutex.
type Store struct {
	mu sync.Mutex

	jobs      map[string]*domain.Job
	workflows map[string]*domain.WorkflowState
	pairs     map[string]*domain.ImagePair // keyed by workflowStateID + "\x00" + sourceRef
	entries   map[string]*domain.LedgerEntry

	jobOrder   []string
	entryOrder []string
	wfOrder    []string
	pairOrder  []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*domain.Job),
		workflows: make(map[string]*domain.WorkflowState),
		pairs:     make(map[string]*domain.ImagePair),
		entries:   make(map[string]*domain.LedgerEntry),
	}
}

func pairKey(workflowStateID, sourceRef string) string {
	return workflowStateID + "\x00" + sourceRef
}

// --- JobRepository ---

func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createJobLocked(job)
}

func (s *Store) createJobLocked(job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	cp := cloneJob(job)
	s.jobs[job.ID] = cp
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *Store) Get(ctx context.Context, id, ownerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) Update(ctx context.Context, id, ownerID string, patch domain.JobPatch) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	applyJobPatch(job, patch)
	job.UpdatedAt = time.Now()
	return cloneJob(job), nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string, filter domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		job := s.jobs[s.jobOrder[i]]
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		out = append(out, *cloneJob(job))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListUnfinished(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.Status.Terminal() {
			continue
		}
		out = append(out, *cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func applyJobPatch(job *domain.Job, patch domain.JobPatch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ResultRefs != nil {
		job.ResultRefs = append([]string(nil), patch.ResultRefs...)
	}
	if patch.RemoteID != nil {
		job.RemoteID = *patch.RemoteID
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
}

// --- WorkflowRepository ---

func (s *Store) GetOrCreate(ctx context.Context, ownerID, groupName string) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.wfOrder {
		wf := s.workflows[id]
		if wf.OwnerID == ownerID && wf.GroupName == groupName {
			return cloneWorkflow(wf), nil
		}
	}
	now := time.Now()
	wf := &domain.WorkflowState{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		GroupName: groupName,
		Status:    domain.WorkflowStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.workflows[wf.ID] = wf
	s.wfOrder = append(s.wfOrder, wf.ID)
	return cloneWorkflow(wf), nil
}

func (s *Store) GetWorkflow(ctx context.Context, id, ownerID string) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, id, ownerID string, patch domain.WorkflowStatePatch) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	if patch.Status != nil {
		wf.Status = *patch.Status
	}
	if patch.Config != nil {
		wf.Config = append([]byte(nil), patch.Config...)
	}
	wf.UpdatedAt = time.Now()
	return cloneWorkflow(wf), nil
}

func (s *Store) ListWorkflowsByOwner(ctx context.Context, ownerID string) ([]domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkflowState
	for _, id := range s.wfOrder {
		wf := s.workflows[id]
		if wf.OwnerID == ownerID {
			out = append(out, *cloneWorkflow(wf))
		}
	}
	return out, nil
}

func (s *Store) UpsertPair(ctx context.Context, ownerID, workflowStateID, sourceRef string, patch domain.PairPatch) (*domain.ImagePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowStateID]
	if !ok || wf.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	key := pairKey(workflowStateID, sourceRef)
	pair, ok := s.pairs[key]
	if !ok {
		now := time.Now()
		pair = &domain.ImagePair{
			ID:              uuid.NewString(),
			WorkflowStateID: workflowStateID,
			OwnerID:         ownerID,
			SourceRef:       sourceRef,
			CreatedAt:       now,
		}
		s.pairs[key] = pair
		s.pairOrder = append(s.pairOrder, key)
	}
	applyPairPatch(pair, patch)
	pair.UpdatedAt = time.Now()
	return clonePair(pair), nil
}

func (s *Store) ListPairs(ctx context.Context, ownerID, workflowStateID string) ([]domain.ImagePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowStateID]
	if !ok || wf.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	var out []domain.ImagePair
	for _, key := range s.pairOrder {
		pair := s.pairs[key]
		if pair.WorkflowStateID == workflowStateID {
			out = append(out, *clonePair(pair))
		}
	}
	return out, nil
}

func applyPairPatch(pair *domain.ImagePair, patch domain.PairPatch) {
	if patch.JobID != nil {
		id := *patch.JobID
		pair.JobID = &id
	}
	if patch.ResultRef != nil {
		ref := *patch.ResultRef
		pair.ResultRef = &ref
	}
	if patch.Approved != nil {
		pair.Approved = *patch.Approved
	}
	if patch.Archived != nil {
		pair.Archived = *patch.Archived
	}
	if len(patch.Metadata) > 0 {
		if pair.Metadata == nil {
			pair.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			pair.Metadata[k] = v
		}
	}
}

// --- LedgerRepository ---

func (s *Store) Grant(ctx context.Context, entry *domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerEntryActive
	}
	if entry.RemainingCredits == nil {
		r := entry.Amount
		entry.RemainingCredits = &r
	}
	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[entry.ID] = cloneEntry(entry)
	s.entryOrder = append(s.entryOrder, entry.ID)
	return nil
}

func (s *Store) Consume(ctx context.Context, ownerID string, amount int64, scene, description string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(ownerID, amount, scene, description)
}

func (s *Store) consumeLocked(ownerID string, amount int64, scene, description string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	grants := s.ownerEntriesLocked(ownerID)
	draws, err := ledger.PlanDrawDown(grants, amount)
	if err != nil {
		return nil, err
	}
	for _, d := range draws {
		remaining := d.Remaining
		s.entries[d.GrantID].RemainingCredits = &remaining
		s.entries[d.GrantID].UpdatedAt = time.Now()
	}
	now := time.Now()
	entry := &domain.LedgerEntry{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Amount:         -amount,
		Status:         domain.LedgerEntryActive,
		Scene:          scene,
		Description:    description,
		ConsumedDetail: ledger.ConsumedDetail(draws),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.entries[entry.ID] = cloneEntry(entry)
	s.entryOrder = append(s.entryOrder, entry.ID)
	return entry, nil
}

func (s *Store) Refund(ctx context.Context, ownerID, entryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.OwnerID != ownerID {
		return false, domain.ErrNotFound
	}
	if entry.Status != domain.LedgerEntryActive {
		return false, nil // already refunded
	}
	if entry.Amount >= 0 {
		// Not a consume row; there is nothing to reverse.
		return false, nil
	}
	for _, taken := range entry.ConsumedDetail {
		grant, ok := s.entries[taken.GrantID]
		if !ok || grant.Status != domain.LedgerEntryActive {
			continue
		}
		var remaining int64
		if grant.RemainingCredits != nil {
			remaining = *grant.RemainingCredits
		}
		remaining += taken.Amount
		grant.RemainingCredits = &remaining
		grant.UpdatedAt = time.Now()
	}
	entry.Status = domain.LedgerEntryDeleted
	entry.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) GetEntry(ctx context.Context, id, ownerID string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || entry.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) ListEntriesByOwner(ctx context.Context, ownerID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.entryOrder) - 1; i >= 0; i-- {
		entry := s.entries[s.entryOrder[i]]
		if entry.OwnerID != ownerID {
			continue
		}
		out = append(out, *cloneEntry(entry))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Balance(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, entry := range s.entries {
		if entry.OwnerID != ownerID || entry.Status != domain.LedgerEntryActive || !entry.Grant() {
			continue
		}
		if entry.RemainingCredits != nil {
			total += *entry.RemainingCredits
		}
	}
	return total, nil
}

func (s *Store) ownerEntriesLocked(ownerID string) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, id := range s.entryOrder {
		if e := s.entries[id]; e.OwnerID == ownerID {
			out = append(out, *cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- SubmissionStore ---

// CreateFundedJob debits the job's cost and inserts the job under one lock,
// mirroring the single-transaction guarantee of the Postgres store.
func (s *Store) CreateFundedJob(ctx context.Context, job *domain.Job, scene, description string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entry *domain.LedgerEntry
	if job.Cost > 0 {
		var err error
		entry, err = s.consumeLocked(job.OwnerID, job.Cost, scene, description)
		if err != nil {
			return nil, err
		}
		id := entry.ID
		job.LedgerEntryID = &id
	}
	if err := s.createJobLocked(job); err != nil {
		return nil, err
	}
	return entry, nil
}

// --- clone helpers ---

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Config = append([]byte(nil), j.Config...)
	cp.SourceRefs = append([]string(nil), j.SourceRefs...)
	cp.ResultRefs = append([]string(nil), j.ResultRefs...)
	if j.LedgerEntryID != nil {
		id := *j.LedgerEntryID
		cp.LedgerEntryID = &id
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneWorkflow(w *domain.WorkflowState) *domain.WorkflowState {
	cp := *w
	cp.Config = append([]byte(nil), w.Config...)
	return &cp
}

func clonePair(p *domain.ImagePair) *domain.ImagePair {
	cp := *p
	if p.JobID != nil {
		id := *p.JobID
		cp.JobID = &id
	}
	if p.ResultRef != nil {
		ref := *p.ResultRef
		cp.ResultRef = &ref
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	cp := *e
	if e.RemainingCredits != nil {
		r := *e.RemainingCredits
		cp.RemainingCredits = &r
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.ConsumedDetail = append([]domain.ConsumedGrant(nil), e.ConsumedDetail...)
	return &cp
}

// --- contract views ---

// Jobs returns the store's domain.JobRepository view.
func (s *Store) Jobs() domain.JobRepository { return (*jobsView)(s) }

// Workflows returns the store's domain.WorkflowRepository view.
func (s *Store) Workflows() domain.WorkflowRepository { return (*workflowView)(s) }

// Ledger returns the store's domain.LedgerRepository view.
func (s *Store) Ledger() domain.LedgerRepository { return (*ledgerView)(s) }

type jobsView Store

func (v *jobsView) Create(ctx context.Context, job *domain.Job) error {
	return (*Store)(v).Create(ctx, job)
}

func (v *jobsView) Get(ctx context.Context, id, ownerID string) (*domain.Job, error) {
	return (*Store)(v).Get(ctx, id, ownerID)
}

func (v *jobsView) Update(ctx context.Context, id, ownerID string, patch domain.JobPatch) (*domain.Job, error) {
	return (*Store)(v).Update(ctx, id, ownerID, patch)
}

func (v *jobsView) ListByOwner(ctx context.Context, ownerID string, filter domain.JobFilter) ([]domain.Job, error) {
	return (*Store)(v).ListByOwner(ctx, ownerID, filter)
}

func (v *jobsView) ListUnfinished(ctx context.Context, limit int) ([]domain.Job, error) {
	return (*Store)(v).ListUnfinished(ctx, limit)
}

type workflowView Store

func (v *workflowView) GetOrCreate(ctx context.Context, ownerID, groupName string) (*domain.WorkflowState, error) {
	return (*Store)(v).GetOrCreate(ctx, ownerID, groupName)
}

func (v *workflowView) Get(ctx context.Context, id, ownerID string) (*domain.WorkflowState, error) {
	return (*Store)(v).GetWorkflow(ctx, id, ownerID)
}

func (v *workflowView) Update(ctx context.Context, id, ownerID string, patch domain.WorkflowStatePatch) (*domain.WorkflowState, error) {
	return (*Store)(v).UpdateWorkflow(ctx, id, ownerID, patch)
}

func (v *workflowView) ListByOwner(ctx context.Context, ownerID string) ([]domain.WorkflowState, error) {
	return (*Store)(v).ListWorkflowsByOwner(ctx, ownerID)
}

func (v *workflowView) UpsertPair(ctx context.Context, ownerID, workflowStateID, sourceRef string, patch domain.PairPatch) (*domain.ImagePair, error) {
	return (*Store)(v).UpsertPair(ctx, ownerID, workflowStateID, sourceRef, patch)
}

func (v *workflowView) ListPairs(ctx context.Context, ownerID, workflowStateID string) ([]domain.ImagePair, error) {
	return (*Store)(v).ListPairs(ctx, ownerID, workflowStateID)
}

type ledgerView Store

func (v *ledgerView) Grant(ctx context.Context, entry *domain.LedgerEntry) error {
	return (*Store)(v).Grant(ctx, entry)
}

func (v *ledgerView) Consume(ctx context.Context, ownerID string, amount int64, scene, description string) (*domain.LedgerEntry, error) {
	return (*Store)(v).Consume(ctx, ownerID, amount, scene, description)
}

func (v *ledgerView) Refund(ctx context.Context, ownerID, entryID string) (bool, error) {
	return (*Store)(v).Refund(ctx, ownerID, entryID)
}

func (v *ledgerView) Get(ctx context.Context, id, ownerID string) (*domain.LedgerEntry, error) {
	return (*Store)(v).GetEntry(ctx, id, ownerID)
}

func (v *ledgerView) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.LedgerEntry, error) {
	return (*Store)(v).ListEntriesByOwner(ctx, ownerID, limit)
}

func (v *ledgerView) Balance(ctx context.Context, ownerID string) (int64, error) {
	return (*Store)(v).Balance(ctx, ownerID)
}

var (
	_ domain.JobRepository      = (*jobsView)(nil)
	_ domain.WorkflowRepository = (*workflowView)(nil)
	_ domain.LedgerRepository   = (*ledgerView)(nil)
	_ domain.SubmissionStore    = (*Store)(nil)
)
