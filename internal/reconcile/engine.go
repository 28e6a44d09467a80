// Package reconcile pulls job status from the remote worker and applies the
// corresponding local side effects: result merge, credit refund, terminal
// status writes. Every side effect is idempotent so passes for the same job
// may run concurrently without double charges or duplicate pairs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/metrics"
	"server/internal/remote"
	"server/internal/workflow"
)

// remoteStatusMap translates the worker's vocabulary into the local one.
// Unknown remote statuses leave the local status unchanged.
var remoteStatusMap = map[string]domain.JobStatus{
	"queued":    domain.JobStatusPending,
	"running":   domain.JobStatusProcessing,
	"success":   domain.JobStatusCompleted,
	"failed":    domain.JobStatusFailed,
	"cancelled": domain.JobStatusCancelled,
}

// MapRemoteStatus resolves a remote status string to the local enumeration.
func MapRemoteStatus(s string) (domain.JobStatus, bool) {
	mapped, ok := remoteStatusMap[s]
	return mapped, ok
}

// Engine reconciles job records against the remote worker.
type Engine struct {
	jobs      domain.JobRepository
	workflows domain.WorkflowRepository
	credits   domain.LedgerRepository
	worker    remote.WorkerClient
	policy    workflow.StemPolicy
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New constructs an engine.
func New(
	jobs domain.JobRepository,
	workflows domain.WorkflowRepository,
	credits domain.LedgerRepository,
	worker remote.WorkerClient,
	policy workflow.StemPolicy,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		jobs:      jobs,
		workflows: workflows,
		credits:   credits,
		worker:    worker,
		policy:    policy,
		logger:    logger,
		metrics:   m,
	}
}

// Sync fetches the remote status for one job and applies the mapped
// transition. Terminal jobs are never re-queried. A remote outage leaves the
// job unchanged; the next pass retries.
func (e *Engine) Sync(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := e.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	return e.syncJob(ctx, job)
}

// SyncBatch reconciles many jobs independently, skipping ones already
// terminal. Per-job failures are logged and do not stop the batch.
func (e *Engine) SyncBatch(ctx context.Context, jobs []domain.Job) int {
	synced := 0
	for i := range jobs {
		job := jobs[i]
		if job.Status.Terminal() {
			continue
		}
		if _, err := e.syncJob(ctx, &job); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: sync failed")
			continue
		}
		synced++
	}
	return synced
}

// Cancel stops a job on the user's request: best-effort remote cancel,
// refund, terminal write. Cancelling an already-terminal job is a no-op.
func (e *Engine) Cancel(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := e.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if job.RemoteID != "" {
		if _, err := e.worker.Cancel(ctx, job.RemoteID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: remote cancel failed")
		}
	}
	return e.finish(ctx, job, domain.JobStatusCancelled, "cancelled by user")
}

func (e *Engine) syncJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.Status.Terminal() {
		return job, nil
	}
	if job.RemoteID == "" {
		return job, nil
	}

	start := time.Now()
	status, err := e.worker.Status(ctx, job.RemoteID)
	if e.metrics != nil {
		e.metrics.RemoteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// An unreachable or confused worker is "no change", never a failure.
		e.observe("remote_unavailable")
		if !errors.Is(err, domain.ErrRemoteUnavailable) {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: status fetch failed")
		}
		return job, nil
	}

	mapped, ok := MapRemoteStatus(status.Status)
	if !ok {
		e.observe("unknown_status")
		e.logger.Warn().Str("job_id", job.ID).Str("remote_status", status.Status).Msg("reconcile: unknown remote status")
		return job, nil
	}

	switch mapped {
	case domain.JobStatusCompleted:
		return e.complete(ctx, job, status)
	case domain.JobStatusFailed:
		msg := status.Error
		if msg == "" {
			msg = "remote worker reported failure"
		}
		return e.finish(ctx, job, domain.JobStatusFailed, msg)
	case domain.JobStatusCancelled:
		return e.finish(ctx, job, domain.JobStatusCancelled, status.Error)
	case domain.JobStatusProcessing:
		return e.markProcessing(ctx, job, status.Progress)
	default: // still pending remotely
		e.observe("pending")
		return job, nil
	}
}

// guardTerminal re-reads the record before a terminal write. A pass racing an
// already-finished job converges on the stored state when the outcome matches
// and fails with ErrInvalidTransition when it does not.
func (e *Engine) guardTerminal(ctx context.Context, job *domain.Job, desired domain.JobStatus) (*domain.Job, bool, error) {
	current, err := e.jobs.Get(ctx, job.ID, job.OwnerID)
	if err != nil {
		return nil, false, err
	}
	if !current.Status.Terminal() {
		return current, false, nil
	}
	if current.Status == desired {
		return current, true, nil
	}
	return nil, false, fmt.Errorf("%w: job %s already %s", domain.ErrInvalidTransition, job.ID, current.Status)
}

// complete merges the result payload into the image pair index before the
// terminal write, so a crash mid-merge leaves the job non-terminal and the
// next pass re-applies the merge idempotently.
func (e *Engine) complete(ctx context.Context, job *domain.Job, status *remote.StatusResponse) (*domain.Job, error) {
	current, done, err := e.guardTerminal(ctx, job, domain.JobStatusCompleted)
	if err != nil {
		return nil, err
	}
	if done {
		return current, nil
	}
	job = current

	states := make(map[string]string) // group name -> workflow state id
	resultRefs := make([]string, 0, len(status.Results))
	for _, item := range status.Results {
		group := item.Group
		if group == "" {
			group = e.policy.GroupName(item.SourceRef)
		}
		stateID, ok := states[group]
		if !ok {
			wf, err := e.workflows.GetOrCreate(ctx, job.OwnerID, group)
			if err != nil {
				return nil, fmt.Errorf("resolve workflow state %q: %w", group, err)
			}
			stateID = wf.ID
			states[group] = stateID
		}
		resultRef := item.ResultRef
		if _, err := e.workflows.UpsertPair(ctx, job.OwnerID, stateID, item.SourceRef, domain.PairPatch{
			JobID:     &job.ID,
			ResultRef: &resultRef,
			Metadata:  map[string]string{"job_kind": string(job.Kind)},
		}); err != nil {
			return nil, fmt.Errorf("merge pair %q: %w", item.SourceRef, err)
		}
		if resultRef != "" {
			resultRefs = append(resultRefs, resultRef)
		}
	}

	now := time.Now()
	completed := domain.JobStatusCompleted
	progress := 100
	updated, err := e.jobs.Update(ctx, job.ID, job.OwnerID, domain.JobPatch{
		Status:      &completed,
		ResultRefs:  resultRefs,
		Progress:    &progress,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	e.observe("completed")
	e.logger.Info().Str("job_id", job.ID).Int("results", len(resultRefs)).Msg("reconcile: job completed")
	return updated, nil
}

// finish applies a failure or cancellation: refund first, then the terminal
// write. Refund is idempotent, so a crash between the two steps is safe to
// retry while the job is still non-terminal.
func (e *Engine) finish(ctx context.Context, job *domain.Job, status domain.JobStatus, errText string) (*domain.Job, error) {
	current, done, err := e.guardTerminal(ctx, job, status)
	if err != nil {
		return nil, err
	}
	if done {
		return current, nil
	}
	job = current

	if job.Funded() {
		refunded, err := e.credits.Refund(ctx, job.OwnerID, *job.LedgerEntryID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("refund entry %s: %w", *job.LedgerEntryID, err)
		}
		if refunded && e.metrics != nil {
			e.metrics.Refunds.Inc()
		}
	}

	now := time.Now()
	patch := domain.JobPatch{Status: &status, CompletedAt: &now}
	if errText != "" {
		patch.ErrorMessage = &errText
	}
	updated, err := e.jobs.Update(ctx, job.ID, job.OwnerID, patch)
	if err != nil {
		return nil, err
	}
	e.observe(string(status))
	e.logger.Info().Str("job_id", job.ID).Str("status", string(status)).Msg("reconcile: job finished")
	return updated, nil
}

func (e *Engine) markProcessing(ctx context.Context, job *domain.Job, progress int) (*domain.Job, error) {
	patch := domain.JobPatch{}
	changed := false
	if job.StartedAt == nil {
		now := time.Now()
		patch.StartedAt = &now
		changed = true
	}
	if job.Status != domain.JobStatusProcessing {
		processing := domain.JobStatusProcessing
		patch.Status = &processing
		changed = true
	}
	if progress > 0 && progress != job.Progress {
		patch.Progress = &progress
		changed = true
	}
	if !changed {
		e.observe("processing")
		return job, nil
	}
	updated, err := e.jobs.Update(ctx, job.ID, job.OwnerID, patch)
	if err != nil {
		return nil, err
	}
	e.observe("processing")
	return updated, nil
}

func (e *Engine) observe(outcome string) {
	if e.metrics != nil {
		e.metrics.ReconcilePasses.WithLabelValues(outcome).Inc()
	}
}
