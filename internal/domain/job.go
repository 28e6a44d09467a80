package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind enumerates supported processing job categories.
type JobKind string

const (
	JobKindImageGenerate JobKind = "image_generate"
	JobKindImageEnhance  JobKind = "image_enhance"
	JobKindBatchRetouch  JobKind = "batch_retouch"
)

// ParseJobKind validates a kind read from the wire.
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobKindImageGenerate, JobKindImageEnhance, JobKindBatchRetouch:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ParseJobStatus validates a status read from storage or the wire.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one submitted unit of asynchronous work executed by the remote worker.
type Job struct {
	ID            string
	OwnerID       string
	Kind          JobKind
	Status        JobStatus
	Config        json.RawMessage
	SourceRefs    []string
	ResultRefs    []string
	RemoteID      string
	ErrorMessage  string
	Progress      int
	Cost          int64
	LedgerEntryID *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Funded reports whether the job still references a funding ledger entry.
func (j *Job) Funded() bool {
	return j.Cost > 0 && j.LedgerEntryID != nil
}

// JobPatch is a partial update applied by JobRepository.Update. Nil fields are
// left untouched.
type JobPatch struct {
	Status       *JobStatus
	ErrorMessage *string
	ResultRefs   []string
	RemoteID     *string
	Progress     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobFilter narrows owner-scoped job listings.
type JobFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
}
