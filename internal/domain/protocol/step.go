package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// StepStatus represents the lifecycle state of an individual step run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusNeedsQA   StepStatus = "needs_qa"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusTimeout   StepStatus = "timeout"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusBlocked   StepStatus = "blocked"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusCancelled, StepStatusSkipped, StepStatusTimeout:
		return true
	}
	return false
}

// runnableFrom lists the statuses RunStep accepts.
var runnableFrom = map[StepStatus]bool{
	StepStatusPending: true,
	StepStatusFailed:  true,
	StepStatusBlocked: true,
}

// retryableFrom lists the statuses RetryStep accepts.
var retryableFrom = map[StepStatus]bool{
	StepStatusFailed:  true,
	StepStatusTimeout: true,
	StepStatusBlocked: true,
}

// CanRun reports whether a step in status s may be dispatched.
func CanRun(s StepStatus) error {
	if !runnableFrom[s] {
		return fmt.Errorf("cannot run step in status %q: %w", s, domain.ErrInvalidTransition)
	}
	return nil
}

// CanRetry reports whether a step in status s may be retried.
func CanRetry(s StepStatus) error {
	if !retryableFrom[s] {
		return fmt.Errorf("cannot retry step in status %q: %w", s, domain.ErrInvalidTransition)
	}
	return nil
}

// CanEnterQA reports whether a step in status s may move to needs_qa.
func CanEnterQA(s StepStatus) error {
	if s != StepStatusRunning {
		return fmt.Errorf("cannot qa step in status %q: %w", s, domain.ErrInvalidTransition)
	}
	return nil
}

// Step type names used across the pipeline. The set is open: protocols may
// carry custom step types, these are the ones the planner emits.
const (
	StepTypePlan    = "plan"
	StepTypeExecute = "execute"
	StepTypeQA      = "qa"
	StepTypePR      = "pr"
)

// Keys stored in a step's runtime state.
const (
	RuntimeKeyRetryCount      = "retry_count"
	RuntimeKeyAutoFixAttempts = "auto_fix_attempts"
	RuntimeKeyLastError       = "last_error"
	RuntimeKeyEngineID        = "engine_id"
)

// StepRun is one unit of work within a protocol run, ordered by
// (step_index, id).
type StepRun struct {
	ID            int64          `json:"id"`
	ProtocolRunID int64          `json:"protocol_run_id"`
	StepIndex     int            `json:"step_index"`
	StepName      string         `json:"step_name"`
	StepType      string         `json:"step_type"`
	Status        StepStatus     `json:"status"`
	Priority      int            `json:"priority"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Model         string         `json:"model,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	RuntimeState  map[string]any `json:"runtime_state,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RetryCount reads the retry counter from the step's runtime state.
func (s *StepRun) RetryCount() int {
	return intFromRuntime(s.RuntimeState, RuntimeKeyRetryCount)
}

// AutoFixAttempts reads the auto-fix counter from the step's runtime state.
func (s *StepRun) AutoFixAttempts() int {
	return intFromRuntime(s.RuntimeState, RuntimeKeyAutoFixAttempts)
}

func intFromRuntime(state map[string]any, key string) int {
	if state == nil {
		return 0
	}
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON round-trips integers as float64.
		return int(v)
	}
	return 0
}

// Slug derives the filesystem-safe slug used in step prompt file names.
func (s *StepRun) Slug() string {
	slug := strings.ToLower(strings.TrimSpace(s.StepName))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '_', r == '-', r == '/':
			return '-'
		}
		return -1
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	return strings.Trim(slug, "-")
}

// PromptFileName is the canonical on-disk name of the step's prompt file
// under the protocol root.
func (s *StepRun) PromptFileName() string {
	return fmt.Sprintf("step-%d-%s.md", s.StepIndex, s.Slug())
}

// CreateStepRequest holds the fields for seeding a step within a protocol run.
type CreateStepRequest struct {
	StepIndex     int    `json:"step_index"`
	StepName      string `json:"step_name"`
	StepType      string `json:"step_type"`
	Priority      int    `json:"priority,omitempty"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	Model         string `json:"model,omitempty"`
}

// Validate checks the request against creation constraints.
func (r *CreateStepRequest) Validate() error {
	if strings.TrimSpace(r.StepName) == "" {
		return fmt.Errorf("step_name is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.StepType) == "" {
		return fmt.Errorf("step_type is required: %w", domain.ErrValidation)
	}
	if r.StepIndex < 0 {
		return fmt.Errorf("step_index must be >= 0: %w", domain.ErrValidation)
	}
	return nil
}
