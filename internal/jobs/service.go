// Package jobs owns job submission: cost calculation, the funded create
// (debit and insert in one transaction) and dispatch to the remote worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/metrics"
	"server/internal/remote"
)

const sceneJobSubmit = "job_submit"

// Service submits jobs on behalf of an owner.
type Service struct {
	store        domain.SubmissionStore
	jobs         domain.JobRepository
	credits      domain.LedgerRepository
	worker       remote.WorkerClient
	costPerImage int64
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// Config wires the service's collaborators.
type Config struct {
	Store        domain.SubmissionStore
	Jobs         domain.JobRepository
	Credits      domain.LedgerRepository
	Worker       remote.WorkerClient
	CostPerImage int64
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// NewService constructs a submission service.
func NewService(cfg Config) *Service {
	cost := cfg.CostPerImage
	if cost <= 0 {
		cost = 1
	}
	return &Service{
		store:        cfg.Store,
		jobs:         cfg.Jobs,
		credits:      cfg.Credits,
		worker:       cfg.Worker,
		costPerImage: cost,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// SubmitRequest describes one unit of work to hand to the remote worker.
type SubmitRequest struct {
	Kind       domain.JobKind
	Config     json.RawMessage
	SourceRefs []string
}

// Cost returns the credits a request will debit.
func (s *Service) Cost(req SubmitRequest) int64 {
	return int64(len(req.SourceRefs)) * s.costPerImage
}

// Submit debits the owner's balance and creates the job record in one local
// transaction, then dispatches to the remote worker. A dispatch failure
// refunds the debit and marks the job failed, so a job never costs credits
// without reaching the worker.
func (s *Service) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*domain.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrUnauthenticated
	}
	if len(req.SourceRefs) == 0 {
		return nil, fmt.Errorf("at least one source reference is required")
	}
	if req.Kind == "" {
		req.Kind = domain.JobKindImageGenerate
	}

	job := &domain.Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Kind:       req.Kind,
		Status:     domain.JobStatusPending,
		Config:     req.Config,
		SourceRefs: req.SourceRefs,
		Cost:       s.Cost(req),
	}

	description := fmt.Sprintf("%s (%d sources)", job.Kind, len(job.SourceRefs))
	entry, err := s.store.CreateFundedJob(ctx, job, sceneJobSubmit, description)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) && s.metrics != nil {
			s.metrics.InsufficientCredits.Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.JobsSubmitted.WithLabelValues(string(job.Kind)).Inc()
		s.metrics.CreditsConsumed.Add(float64(job.Cost))
	}

	resp, err := s.worker.Submit(ctx, remote.SubmitRequest{
		JobID:      job.ID,
		OwnerID:    ownerID,
		Kind:       string(job.Kind),
		Config:     req.Config,
		SourceRefs: req.SourceRefs,
	})
	if err != nil {
		return s.abortDispatch(ctx, job, entry, err)
	}

	processing := domain.JobStatusProcessing
	now := time.Now()
	updated, err := s.jobs.Update(ctx, job.ID, ownerID, domain.JobPatch{
		Status:    &processing,
		RemoteID:  &resp.RemoteID,
		StartedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("remote_id", resp.RemoteID).
		Int64("cost", job.Cost).
		Msg("jobs: submitted")
	return updated, nil
}

// abortDispatch compensates a funded create whose dispatch never reached the
// worker: refund the debit, then record the failure. The refund's idempotency
// keeps a retried abort safe.
func (s *Service) abortDispatch(ctx context.Context, job *domain.Job, entry *domain.LedgerEntry, dispatchErr error) (*domain.Job, error) {
	s.logger.Error().Err(dispatchErr).Str("job_id", job.ID).Msg("jobs: dispatch failed")
	if entry != nil {
		refunded, err := s.credits.Refund(ctx, job.OwnerID, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("refund after dispatch failure: %w", err)
		}
		if refunded && s.metrics != nil {
			s.metrics.Refunds.Inc()
		}
	}
	failed := domain.JobStatusFailed
	msg := fmt.Sprintf("dispatch failed: %v", dispatchErr)
	now := time.Now()
	updated, err := s.jobs.Update(ctx, job.ID, job.OwnerID, domain.JobPatch{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
