package reconcile

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/adapter/memstore"
	"server/internal/domain"
	"server/internal/metrics"
	"server/internal/remote"
	"server/internal/workflow"
)

type stubWorker struct {
	SubmitFunc func(ctx context.Context, req remote.SubmitRequest) (*remote.SubmitResponse, error)
	StatusFunc func(ctx context.Context, remoteID string) (*remote.StatusResponse, error)
	CancelFunc func(ctx context.Context, remoteID string) (bool, error)

	statusCalls int
	cancelCalls int
}

func (w *stubWorker) Submit(ctx context.Context, req remote.SubmitRequest) (*remote.SubmitResponse, error) {
	if w.SubmitFunc == nil {
		return &remote.SubmitResponse{RemoteID: "task-1"}, nil
	}
	return w.SubmitFunc(ctx, req)
}

func (w *stubWorker) Status(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
	w.statusCalls++
	if w.StatusFunc == nil {
		return &remote.StatusResponse{Status: "queued"}, nil
	}
	return w.StatusFunc(ctx, remoteID)
}

func (w *stubWorker) Cancel(ctx context.Context, remoteID string) (bool, error) {
	w.cancelCalls++
	if w.CancelFunc == nil {
		return true, nil
	}
	return w.CancelFunc(ctx, remoteID)
}

type fixture struct {
	store   *memstore.Store
	worker  *stubWorker
	engine  *Engine
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	worker := &stubWorker{}
	m := metrics.New(prometheus.NewRegistry())
	engine := New(store.Jobs(), store.Workflows(), store.Ledger(), worker, workflow.DefaultStemPolicy(), zerolog.Nop(), m)
	return &fixture{store: store, worker: worker, engine: engine, metrics: m}
}

const owner = "owner-1"

// fundedJob grants credits and creates a dispatched job debiting cost.
func (f *fixture) fundedJob(t *testing.T, grantAmount, cost int64) *domain.Job {
	t.Helper()
	ctx := context.Background()
	remaining := grantAmount
	require.NoError(t, f.store.Grant(ctx, &domain.LedgerEntry{
		OwnerID:          owner,
		Amount:           grantAmount,
		RemainingCredits: &remaining,
	}))
	job := &domain.Job{
		OwnerID:    owner,
		Kind:       domain.JobKindImageGenerate,
		Cost:       cost,
		SourceRefs: []string{"chair_1.jpg", "chair_2.jpg"},
	}
	_, err := f.store.CreateFundedJob(ctx, job, "job_submit", "test job")
	require.NoError(t, err)
	remoteID := "task-1"
	processing := domain.JobStatusProcessing
	updated, err := f.store.Update(ctx, job.ID, owner, domain.JobPatch{Status: &processing, RemoteID: &remoteID})
	require.NoError(t, err)
	return updated
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := f.store.Balance(context.Background(), owner)
	require.NoError(t, err)
	return balance
}

func TestSyncHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 20, 5)
	assert.Equal(t, int64(15), f.balance(t))

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{
			Status:   "success",
			Progress: 100,
			Results:  []remote.ResultItem{{SourceRef: "chair_1.jpg", ResultRef: "out/chair_1.png"}},
		}, nil
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, synced.Status)
	assert.Equal(t, 100, synced.Progress)
	assert.Equal(t, []string{"out/chair_1.png"}, synced.ResultRefs)
	require.NotNil(t, synced.CompletedAt)
	assert.Equal(t, int64(15), f.balance(t), "success keeps the debit")

	wf, err := f.store.GetOrCreate(ctx, owner, "chair")
	require.NoError(t, err)
	pairs, err := f.store.ListPairs(ctx, owner, wf.ID)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "chair_1.jpg", pairs[0].SourceRef)
	assert.Equal(t, "out/chair_1.png", *pairs[0].ResultRef)
	require.NotNil(t, pairs[0].JobID)
	assert.Equal(t, job.ID, *pairs[0].JobID)
}

func TestSyncFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 15, 5)
	assert.Equal(t, int64(10), f.balance(t))

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{Status: "failed", Error: "GPU pool exhausted"}, nil
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, synced.Status)
	assert.Equal(t, "GPU pool exhausted", synced.ErrorMessage)
	assert.Equal(t, int64(15), f.balance(t), "failure returns the debit")
}

func TestSyncTerminalIsAbsorbing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 15, 5)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{Status: "failed", Error: "boom"}, nil
	}
	_, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(15), f.balance(t))

	calls := f.worker.statusCalls
	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, synced.Status)
	assert.Equal(t, calls, f.worker.statusCalls, "terminal jobs are never re-queried")
	assert.Equal(t, int64(15), f.balance(t), "no double refund")
}

func TestSyncRepeatedSuccessMergesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 20, 5)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{
			Status:  "success",
			Results: []remote.ResultItem{{SourceRef: "chair_1.jpg", ResultRef: "out/chair_1.png"}},
		}, nil
	}

	// Two passes racing on the same terminal transition must converge.
	first := &domain.Job{}
	*first = *job
	_, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	_, err = f.engine.syncJob(ctx, first) // stale in-memory copy, still non-terminal
	require.NoError(t, err)

	wf, err := f.store.GetOrCreate(ctx, owner, "chair")
	require.NoError(t, err)
	pairs, err := f.store.ListPairs(ctx, owner, wf.ID)
	require.NoError(t, err)
	assert.Len(t, pairs, 1, "upsert merges, never duplicates")
	assert.Equal(t, int64(15), f.balance(t))
}

func TestSyncUnknownStatusLeavesJobUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 15, 5)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{Status: "warming_up"}, nil
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, synced.Status)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSyncRemoteUnavailableLeavesJobUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 15, 5)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return nil, domain.ErrRemoteUnavailable
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, synced.Status)
}

func TestSyncProcessingSetsStartedAtOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 15, 5)
	// Reset to pending with no startedAt, as after a fire-and-forget dispatch.
	pending := domain.JobStatusPending
	_, err := f.store.Update(ctx, job.ID, owner, domain.JobPatch{Status: &pending})
	require.NoError(t, err)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{Status: "running", Progress: 40}, nil
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, synced.Status)
	require.NotNil(t, synced.StartedAt)
	assert.Equal(t, 40, synced.Progress)

	started := *synced.StartedAt
	synced, err = f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, started, *synced.StartedAt, "startedAt is written once")
}

func TestCancelRefundsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 15, 5)
	assert.Equal(t, int64(10), f.balance(t))

	cancelled, err := f.engine.Cancel(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(15), f.balance(t))
	assert.Equal(t, 1, f.worker.cancelCalls)

	again, err := f.engine.Cancel(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, again.Status)
	assert.Equal(t, int64(15), f.balance(t), "cancel on terminal job is a no-op")
	assert.Equal(t, 1, f.worker.cancelCalls)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.Refunds))
}

func TestFinishAfterEarlierRefundDoesNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 20, 5)
	require.NotNil(t, job.LedgerEntryID)

	// An earlier pass refunded the debit but never wrote the terminal status.
	acted, err := f.store.Refund(ctx, owner, *job.LedgerEntryID)
	require.NoError(t, err)
	require.True(t, acted)
	assert.Equal(t, int64(20), f.balance(t))

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{Status: "failed", Error: "worker crashed"}, nil
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, synced.Status)
	assert.Equal(t, int64(20), f.balance(t), "the debit comes back exactly once")
	assert.Equal(t, float64(0), promtestutil.ToFloat64(f.metrics.Refunds), "a no-op refund must not count")
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Cancel(context.Background(), "missing", owner)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncBatchSkipsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	active := f.fundedJob(t, 30, 5)
	done := f.fundedJob(t, 0, 0)
	completed := domain.JobStatusCompleted
	_, err := f.store.Update(ctx, done.ID, owner, domain.JobPatch{Status: &completed})
	require.NoError(t, err)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{Status: "running"}, nil
	}

	jobs, err := f.store.ListByOwner(ctx, owner, domain.JobFilter{})
	require.NoError(t, err)
	synced := f.engine.SyncBatch(ctx, jobs)

	assert.Equal(t, 1, synced)
	assert.Equal(t, 1, f.worker.statusCalls)

	refreshed, err := f.store.Get(ctx, active.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, refreshed.Status)
}

func TestSyncGroupsFromRemotePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 20, 5)

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{
			Status: "success",
			Results: []remote.ResultItem{
				{SourceRef: "chair_1.jpg", ResultRef: "out/chair_1.png", Group: "oak_chair"},
				{SourceRef: "chair_2.jpg", ResultRef: "out/chair_2.png", Group: "oak_chair"},
				{SourceRef: "table_1.jpg", ResultRef: "out/table_1.png"},
			},
		}, nil
	}

	synced, err := f.engine.Sync(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Len(t, synced.ResultRefs, 3)

	chairs, err := f.store.GetOrCreate(ctx, owner, "oak_chair")
	require.NoError(t, err)
	chairPairs, err := f.store.ListPairs(ctx, owner, chairs.ID)
	require.NoError(t, err)
	assert.Len(t, chairPairs, 2)

	tables, err := f.store.GetOrCreate(ctx, owner, "table")
	require.NoError(t, err)
	tablePairs, err := f.store.ListPairs(ctx, owner, tables.ID)
	require.NoError(t, err)
	assert.Len(t, tablePairs, 1)
}

func TestSyncConflictingTerminalOutcomeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fundedJob(t, 20, 5)

	stale := &domain.Job{}
	*stale = *job

	_, err := f.engine.Cancel(ctx, job.ID, owner)
	require.NoError(t, err)
	require.Equal(t, int64(20), f.balance(t))

	f.worker.StatusFunc = func(ctx context.Context, remoteID string) (*remote.StatusResponse, error) {
		return &remote.StatusResponse{
			Status:  "success",
			Results: []remote.ResultItem{{SourceRef: "chair_1.jpg", ResultRef: "out/chair_1.png"}},
		}, nil
	}

	_, err = f.engine.syncJob(ctx, stale)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	current, err := f.store.Get(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, current.Status)
	assert.Equal(t, int64(20), f.balance(t), "no double refund, no debit re-applied")
}

func TestMapRemoteStatus(t *testing.T) {
	for remoteStatus, want := range map[string]domain.JobStatus{
		"queued":    domain.JobStatusPending,
		"running":   domain.JobStatusProcessing,
		"success":   domain.JobStatusCompleted,
		"failed":    domain.JobStatusFailed,
		"cancelled": domain.JobStatusCancelled,
	} {
		got, ok := MapRemoteStatus(remoteStatus)
		assert.True(t, ok, remoteStatus)
		assert.Equal(t, want, got, remoteStatus)
	}
	_, ok := MapRemoteStatus("exploded")
	assert.False(t, ok)
}
