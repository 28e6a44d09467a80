package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStateStatus is the coarse review state of an item group.
type WorkflowStateStatus string

const (
	WorkflowStatePending  WorkflowStateStatus = "pending"
	WorkflowStateApproved WorkflowStateStatus = "approved"
	WorkflowStateArchived WorkflowStateStatus = "archived"
)

// ParseWorkflowStateStatus validates a state read from storage or the wire.
func ParseWorkflowStateStatus(s string) (WorkflowStateStatus, error) {
	switch WorkflowStateStatus(s) {
	case WorkflowStatePending, WorkflowStateApproved, WorkflowStateArchived:
		return WorkflowStateStatus(s), nil
	}
	return "", fmt.Errorf("unknown workflow state %q", s)
}

// WorkflowState is a named grouping of related items (e.g. one product SKU)
// carrying its own review state, independent of any job's status.
type WorkflowState struct {
	ID        string
	OwnerID   string
	GroupName string
	Status    WorkflowStateStatus
	Config    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowStatePatch is a partial update for review/archive actions.
type WorkflowStatePatch struct {
	Status *WorkflowStateStatus
	Config json.RawMessage
}

// ImagePair pairs a source reference with an optional result reference,
// unique per (workflow state, source ref).
type ImagePair struct {
	ID              string
	JobID           *string
	WorkflowStateID string
	OwnerID         string
	SourceRef       string
	ResultRef       *string
	Approved        bool
	Archived        bool
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PairPatch merges into an existing pair: a non-nil ResultRef wins, metadata
// merges shallowly.
type PairPatch struct {
	JobID     *string
	ResultRef *string
	Approved  *bool
	Archived  *bool
	Metadata  map[string]string
}
