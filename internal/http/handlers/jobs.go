package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/jobs"
)

type jobCreateRequest struct {
	Kind       string          `json:"kind"`
	Config     json.RawMessage `json:"config"`
	SourceRefs []string        `json:"source_refs"`
}

type jobView struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Config       json.RawMessage `json:"config,omitempty"`
	SourceRefs   []string        `json:"source_refs"`
	ResultRefs   []string        `json:"result_refs,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     int             `json:"progress"`
	Cost         int64           `json:"cost"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newJobView(job *domain.Job) jobView {
	return jobView{
		ID:           job.ID,
		Kind:         string(job.Kind),
		Status:       string(job.Status),
		Config:       job.Config,
		SourceRefs:   job.SourceRefs,
		ResultRefs:   job.ResultRefs,
		ErrorMessage: job.ErrorMessage,
		Progress:     job.Progress,
		Cost:         job.Cost,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if len(req.SourceRefs) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "source_refs required")
		return
	}
	kind := domain.JobKindImageGenerate
	if req.Kind != "" {
		parsed, err := domain.ParseJobKind(req.Kind)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "unsupported job kind")
			return
		}
		kind = parsed
	}

	job, err := a.Submitter.Submit(r.Context(), userID, jobs.SubmitRequest{
		Kind:       kind,
		Config:     req.Config,
		SourceRefs: req.SourceRefs,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, newJobView(job))
}

// JobsGet reconciles against the worker before answering, so the dashboard
// always reads fresh status without a push channel from the worker.
func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Engine.Sync(r.Context(), jobID, userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, newJobView(job))
}

func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var filter domain.JobFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := domain.ParseJobStatus(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown status filter")
			return
		}
		filter.Status = status
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		kind, err := domain.ParseJobKind(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown kind filter")
			return
		}
		filter.Kind = kind
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	list, err := a.Jobs.ListByOwner(r.Context(), userID, filter)
	if err != nil {
		a.domainError(w, err)
		return
	}
	items := make([]jobView, 0, len(list))
	for i := range list {
		items = append(items, newJobView(&list[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Engine.Cancel(r.Context(), jobID, userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, newJobView(job))
}
