// Package job defines the JobRun domain entity: a durable record of a
// dispatch to the external executor or to a local engine subprocess.
package job

import (
	"time"
)

// Status represents the lifecycle state of a job run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the job is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job type names. step_execution jobs carry a step_run_id; planning jobs
// operate on the whole protocol.
const (
	TypeStepExecution = "step_execution"
	TypePlanning      = "planning"
	TypeQA            = "qa"
	TypeReconcile     = "reconcile"
)

// Dispatch modes for a job.
const (
	ModeLocal    = "local"
	ModeExternal = "external"
)

// JobRun records one dispatch. Multiple job runs may correspond to a single
// step run (retries). run_id is assigned by this system; windmill_job_id by
// the external executor.
type JobRun struct {
	RunID         string         `json:"run_id"`
	JobType       string         `json:"job_type"`
	Status        Status         `json:"status"`
	Mode          string         `json:"mode"`
	ProjectID     *int64         `json:"project_id,omitempty"`
	ProtocolRunID *int64         `json:"protocol_run_id,omitempty"`
	StepRunID     *int64         `json:"step_run_id,omitempty"`
	WindmillJobID string         `json:"windmill_job_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	LogPath       string         `json:"log_path,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// webhookStatusMap normalizes the status names external executors put in
// webhook payloads.
var webhookStatusMap = map[string]Status{
	"queued":    StatusQueued,
	"running":   StatusRunning,
	"success":   StatusSucceeded,
	"completed": StatusSucceeded,
	"failure":   StatusFailed,
	"failed":    StatusFailed,
	"cancelled": StatusCancelled,
	"canceled":  StatusCancelled,
}

// NormalizeWebhookStatus maps an external webhook status string onto a job
// status. The second return is false for unrecognized values.
func NormalizeWebhookStatus(external string) (Status, bool) {
	s, ok := webhookStatusMap[external]
	return s, ok
}

// ListFilter narrows job run queries.
type ListFilter struct {
	JobType       string
	Status        Status
	ProtocolRunID *int64
	StepRunID     *int64
	Limit         int
}
