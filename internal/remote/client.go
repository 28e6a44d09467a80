// Package remote talks to the external image processing worker.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"server/internal/domain"
	"server/internal/infra"
)

// ErrMissingBaseURL indicates that the client was configured without an endpoint.
var ErrMissingBaseURL = errors.New("remote: base url is required")

// WorkerClient is the contract the reconciliation engine and the submission
// service need from the worker transport.
type WorkerClient interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	Status(ctx context.Context, remoteID string) (*StatusResponse, error)
	Cancel(ctx context.Context, remoteID string) (bool, error)
}

// Options configures the worker client.
type Options struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the worker API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
}

// SubmitRequest dispatches one job to the worker.
type SubmitRequest struct {
	JobID      string          `json:"job_id"`
	OwnerID    string          `json:"owner_id"`
	Kind       string          `json:"kind"`
	Config     json.RawMessage `json:"config,omitempty"`
	SourceRefs []string        `json:"source_refs"`
}

// SubmitResponse carries the worker-side identifier for a dispatched job.
type SubmitResponse struct {
	RemoteID string `json:"id"`
}

// ResultItem is one generated output reported by the worker.
type ResultItem struct {
	SourceRef string `json:"source_ref"`
	ResultRef string `json:"result_ref"`
	Group     string `json:"group,omitempty"`
}

// StatusResponse is the worker's view of a job. Status uses the worker's own
// vocabulary (queued, running, success, failed, cancelled).
type StatusResponse struct {
	Status   string       `json:"status"`
	Progress int          `json:"progress"`
	Error    string       `json:"error,omitempty"`
	Results  []ResultItem `json:"results,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// Submit dispatches a job to the worker and returns its remote identifier.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("remote: encode submit request: %w", err)
	}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", bytes.NewReader(payload), &resp); err != nil {
		return nil, err
	}
	if resp.RemoteID == "" {
		return nil, fmt.Errorf("remote: submit response missing task id")
	}
	return &resp, nil
}

// Status fetches the worker's status for a dispatched job. Transport faults
// and worker-side outages surface as domain.ErrRemoteUnavailable so callers
// treat them as "no change".
func (c *Client) Status(ctx context.Context, remoteID string) (*StatusResponse, error) {
	if strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("remote: task id is required")
	}
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+remoteID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel asks the worker to stop a dispatched job. It reports whether the
// worker acknowledged the cancellation.
func (c *Client) Cancel(ctx context.Context, remoteID string) (bool, error) {
	if strings.TrimSpace(remoteID) == "" {
		return false, fmt.Errorf("remote: task id is required")
	}
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+remoteID+"/cancel", nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("remote: request failed")
		}
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrRemoteUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", domain.ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 400:
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("remote: %s (%s)", apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("remote: unexpected status %d", resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

var _ WorkerClient = (*Client)(nil)
