// Package executor defines the external job executor port (interface).
package executor

import (
	"context"
	"time"
)

// Job statuses reported by the external executor.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Flow describes one runnable flow on the executor.
type Flow struct {
	Path        string `json:"path"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
}

// Job is the executor's view of one submitted job.
type Job struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Executor is the port interface for the external job-execution service.
// It is the only external dependency exercised in production workflows.
type Executor interface {
	ListFlows(ctx context.Context) ([]Flow, error)
	GetFlow(ctx context.Context, path string) (*Flow, error)

	// RunScript submits a script job and returns the executor's job id.
	RunScript(ctx context.Context, path string, payload map[string]any) (string, error)

	ListJobs(ctx context.Context, limit int) ([]Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobLogs(ctx context.Context, jobID string) (string, error)

	HealthCheck(ctx context.Context) error
}
