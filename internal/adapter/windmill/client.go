// Package windmill provides an HTTP client for the Windmill job execution
// API, implementing the executor port.
package windmill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
	"github.com/devgodzilla/devgodzilla/internal/resilience"
)

// Client talks to the Windmill REST API for one workspace.
type Client struct {
	baseURL    string
	token      string
	workspace  string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a Windmill client from the executor configuration.
func NewClient(cfg config.Windmill) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.URL, "/"),
		token:     cfg.Token,
		workspace: cfg.Workspace,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// wmJob is Windmill's unified job representation, covering both queued and
// completed jobs.
type wmJob struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Success     *bool          `json:"success,omitempty"`
	Running     bool           `json:"running,omitempty"`
	Canceled    bool           `json:"canceled,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// toJob converts a Windmill job into the port representation. Windmill
// encodes status in flags rather than one field, so the mapping is:
// completed+success -> completed, canceled -> cancelled, completed without
// success -> failed, running -> running, otherwise queued.
func (j wmJob) toJob() executor.Job {
	out := executor.Job{
		ID:         j.ID,
		Result:     j.Result,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.CompletedAt,
	}
	switch {
	case j.Canceled:
		out.Status = executor.JobCancelled
	case j.Type == "CompletedJob" && j.Success != nil && *j.Success:
		out.Status = executor.JobCompleted
	case j.Type == "CompletedJob":
		out.Status = executor.JobFailed
		if msg, ok := j.Result["error"]; ok {
			out.Error = fmt.Sprintf("%v", msg)
		}
	case j.Running:
		out.Status = executor.JobRunning
	default:
		out.Status = executor.JobQueued
	}
	return out
}

// ListFlows returns the workspace's flows.
func (c *Client) ListFlows(ctx context.Context) ([]executor.Flow, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/w/%s/flows/list", c.workspace), nil)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}

	var flows []executor.Flow
	if err := json.Unmarshal(resp, &flows); err != nil {
		return nil, fmt.Errorf("unmarshal flows: %w", err)
	}
	return flows, nil
}

// GetFlow returns one flow by path.
func (c *Client) GetFlow(ctx context.Context, path string) (*executor.Flow, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/w/%s/flows/get/%s", c.workspace, url.PathEscape(path)), nil)
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", path, err)
	}

	var flow executor.Flow
	if err := json.Unmarshal(resp, &flow); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &flow, nil
}

// RunScript submits a script job with the given payload and returns the
// Windmill job id. Windmill answers run requests with the bare uuid as text.
func (c *Client) RunScript(ctx context.Context, path string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal run payload: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/w/%s/jobs/run/p/%s", c.workspace, path), body)
	if err != nil {
		return "", fmt.Errorf("run script %s: %w", path, err)
	}

	jobID := strings.TrimSpace(string(resp))
	if jobID == "" {
		return "", fmt.Errorf("run script %s: empty job id: %w", path, domain.ErrExternalExecutor)
	}
	return jobID, nil
}

// ListJobs returns the most recent jobs in the workspace.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]executor.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/w/%s/jobs/list?per_page=%d", c.workspace, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var raw []wmJob
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}

	jobs := make([]executor.Job, 0, len(raw))
	for _, j := range raw {
		jobs = append(jobs, j.toJob())
	}
	return jobs, nil
}

// GetJob fetches one job's current state by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*executor.Job, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/w/%s/jobs_u/get/%s", c.workspace, url.PathEscape(jobID)), nil)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var raw wmJob
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	j := raw.toJob()
	return &j, nil
}

// GetJobLogs returns the job's log text.
func (c *Client) GetJobLogs(ctx context.Context, jobID string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/w/%s/jobs_u/get_logs/%s", c.workspace, url.PathEscape(jobID)), nil)
	if err != nil {
		return "", fmt.Errorf("get job logs %s: %w", jobID, err)
	}
	return string(resp), nil
}

// HealthCheck verifies the Windmill instance responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/api/version", nil); err != nil {
		return fmt.Errorf("windmill health: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w: %w", err, domain.ErrExternalExecutor)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("windmill API %s: %w", path, domain.ErrNotFound)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("windmill API error %d: %s: %w", resp.StatusCode, string(data), domain.ErrTransient)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("windmill API error %d: %s: %w", resp.StatusCode, string(data), domain.ErrExternalExecutor)
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
