package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/workflow"
)

type workflowView struct {
	ID           string          `json:"id"`
	GroupName    string          `json:"group_name"`
	DisplayTitle string          `json:"display_title"`
	Status       string          `json:"status"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newWorkflowView(state *domain.WorkflowState) workflowView {
	return workflowView{
		ID:           state.ID,
		GroupName:    state.GroupName,
		DisplayTitle: workflow.DisplayTitle(state.GroupName),
		Status:       string(state.Status),
		Config:       state.Config,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
	}
}

type pairView struct {
	ID        string            `json:"id"`
	JobID     *string           `json:"job_id,omitempty"`
	SourceRef string            `json:"source_ref"`
	ResultRef *string           `json:"result_ref,omitempty"`
	IsMain    bool              `json:"is_main"`
	Approved  bool              `json:"approved"`
	Archived  bool              `json:"archived"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (a *App) newPairView(pair *domain.ImagePair) pairView {
	return pairView{
		ID:        pair.ID,
		JobID:     pair.JobID,
		SourceRef: pair.SourceRef,
		ResultRef: pair.ResultRef,
		IsMain:    a.Policy.IsMain(pair.SourceRef),
		Approved:  pair.Approved,
		Archived:  pair.Archived,
		Metadata:  pair.Metadata,
		CreatedAt: pair.CreatedAt,
		UpdatedAt: pair.UpdatedAt,
	}
}

type workflowResolveRequest struct {
	GroupName string `json:"group_name"`
	SourceRef string `json:"source_ref"`
}

// WorkflowsResolve returns the workflow state for an item group, creating it
// lazily on first touch. The group may be named directly or derived from a
// source reference.
func (a *App) WorkflowsResolve(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req workflowResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	group := strings.TrimSpace(req.GroupName)
	if group == "" && req.SourceRef != "" {
		group = a.Policy.GroupName(req.SourceRef)
	}
	if group == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "group_name or source_ref required")
		return
	}
	state, err := a.Workflows.GetOrCreate(r.Context(), userID, group)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, newWorkflowView(state))
}

func (a *App) WorkflowsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	states, err := a.Workflows.ListByOwner(r.Context(), userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	items := make([]workflowView, 0, len(states))
	for i := range states {
		items = append(items, newWorkflowView(&states[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// WorkflowsGet returns the state, its pairs and the generation status derived
// from them. The derived status is computed on every read, never stored.
func (a *App) WorkflowsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	stateID := chi.URLParam(r, "id")
	state, err := a.Workflows.Get(r.Context(), stateID, userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	pairs, err := a.Workflows.ListPairs(r.Context(), userID, stateID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	views := make([]pairView, 0, len(pairs))
	for i := range pairs {
		views = append(views, a.newPairView(&pairs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{
		"workflow":     newWorkflowView(state),
		"group_status": string(workflow.DeriveGroupStatus(pairs, a.Policy)),
		"pairs":        views,
	})
}

type workflowPatchRequest struct {
	Status string          `json:"status"`
	Config json.RawMessage `json:"config"`
}

func (a *App) WorkflowsUpdate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	stateID := chi.URLParam(r, "id")
	var req workflowPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	var patch domain.WorkflowStatePatch
	if req.Status != "" {
		status, err := domain.ParseWorkflowStateStatus(req.Status)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown workflow status")
			return
		}
		patch.Status = &status
	}
	patch.Config = req.Config
	if patch.Status == nil && len(patch.Config) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "nothing to update")
		return
	}
	state, err := a.Workflows.Update(r.Context(), stateID, userID, patch)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, newWorkflowView(state))
}

type pairUpsertRequest struct {
	SourceRef string            `json:"source_ref"`
	ResultRef *string           `json:"result_ref"`
	Approved  *bool             `json:"approved"`
	Archived  *bool             `json:"archived"`
	Metadata  map[string]string `json:"metadata"`
}

// WorkflowsUpsertPair merges a pair by (workflow, source_ref): review flags
// and manual result references from the dashboard land here.
func (a *App) WorkflowsUpsertPair(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	stateID := chi.URLParam(r, "id")
	var req pairUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "source_ref required")
		return
	}
	pair, err := a.Workflows.UpsertPair(r.Context(), userID, stateID, req.SourceRef, domain.PairPatch{
		ResultRef: req.ResultRef,
		Approved:  req.Approved,
		Archived:  req.Archived,
		Metadata:  req.Metadata,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, a.newPairView(pair))
}
