// Package protocol defines the ProtocolRun and StepRun domain entities and
// the legal transition tables for both state machines.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// Status represents the lifecycle state of a protocol run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusNeedsQA   Status = "needs_qa"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the protocol run is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Op is a caller-facing operation on the protocol state machine.
type Op string

const (
	OpStart  Op = "start"
	OpPause  Op = "pause"
	OpResume Op = "resume"
	OpCancel Op = "cancel"
)

// Transition is the outcome of applying an Op to a status. Noop marks
// operations that succeed without changing state (cancel of a run that is
// already completed or cancelled).
type Transition struct {
	To   Status
	Noop bool
}

// opTable maps (status, op) to the resulting status. Absent entries are
// illegal and must not mutate the store.
var opTable = map[Status]map[Op]Transition{
	StatusPending: {
		OpStart:  {To: StatusPlanning},
		OpCancel: {To: StatusCancelled},
	},
	StatusPlanning: {
		OpCancel: {To: StatusCancelled},
	},
	StatusPlanned: {
		OpStart:  {To: StatusRunning},
		OpCancel: {To: StatusCancelled},
	},
	StatusRunning: {
		OpPause:  {To: StatusPaused},
		OpCancel: {To: StatusCancelled},
	},
	StatusPaused: {
		OpResume: {To: StatusRunning},
		OpCancel: {To: StatusCancelled},
	},
	StatusBlocked: {
		OpResume: {To: StatusRunning},
		OpCancel: {To: StatusCancelled},
	},
	StatusNeedsQA: {
		OpCancel: {To: StatusCancelled},
	},
	StatusCompleted: {
		OpCancel: {To: StatusCompleted, Noop: true},
	},
	StatusFailed: {
		OpCancel: {To: StatusCancelled},
	},
	StatusCancelled: {
		OpCancel: {To: StatusCancelled, Noop: true},
	},
}

// Apply resolves the transition for op from status s. Illegal operations
// return domain.ErrInvalidTransition.
func Apply(s Status, op Op) (Transition, error) {
	if ops, ok := opTable[s]; ok {
		if tr, ok := ops[op]; ok {
			return tr, nil
		}
	}
	return Transition{}, fmt.Errorf("cannot %s protocol in status %q: %w", op, s, domain.ErrInvalidTransition)
}

// ProtocolRun is one end-to-end attempt to drive a repository through the
// pipeline for a named protocol.
type ProtocolRun struct {
	ID             int64          `json:"id"`
	ProjectID      int64          `json:"project_id"`
	SpecRunID      *int64         `json:"spec_run_id,omitempty"`
	ProtocolName   string         `json:"protocol_name"`
	Status         Status         `json:"status"`
	BaseBranch     string         `json:"base_branch"`
	WorktreePath   string         `json:"worktree_path,omitempty"`
	ProtocolRoot   string         `json:"protocol_root,omitempty"`
	Description    string         `json:"description,omitempty"`
	WindmillFlowID string         `json:"windmill_flow_id,omitempty"`
	TemplateConfig map[string]any `json:"template_config,omitempty"`
	Steps          []StepRun      `json:"steps,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CreateRequest holds the fields for creating a protocol run.
type CreateRequest struct {
	ProjectID      int64               `json:"project_id"`
	SpecRunID      *int64              `json:"spec_run_id,omitempty"`
	ProtocolName   string              `json:"protocol_name"`
	Description    string              `json:"description,omitempty"`
	BaseBranch     string              `json:"base_branch,omitempty"`
	WindmillFlowID string              `json:"windmill_flow_id,omitempty"`
	TemplateConfig map[string]any      `json:"template_config,omitempty"`
	Steps          []CreateStepRequest `json:"steps,omitempty"`
}

// Validate checks the request against creation constraints.
func (r *CreateRequest) Validate() error {
	if r.ProjectID == 0 {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.ProtocolName) == "" {
		return fmt.Errorf("protocol_name is required: %w", domain.ErrValidation)
	}
	seen := make(map[int]bool, len(r.Steps))
	for i := range r.Steps {
		if err := r.Steps[i].Validate(); err != nil {
			return err
		}
		if seen[r.Steps[i].StepIndex] {
			return fmt.Errorf("duplicate step_index %d: %w", r.Steps[i].StepIndex, domain.ErrValidation)
		}
		seen[r.Steps[i].StepIndex] = true
	}
	return nil
}

// CompletionStatus derives the terminal protocol status from its steps once
// every step is terminal: any failed or timed-out step fails the protocol,
// otherwise it completes. The second return is false while any step is still
// non-terminal (a running step prevents completion) or the protocol has no
// steps at all.
func CompletionStatus(steps []StepRun) (Status, bool) {
	if len(steps) == 0 {
		return "", false
	}
	anyFailed := false
	for i := range steps {
		if !steps[i].Status.IsTerminal() {
			return "", false
		}
		if steps[i].Status == StepStatusFailed || steps[i].Status == StepStatusTimeout {
			anyFailed = true
		}
	}
	if anyFailed {
		return StatusFailed, true
	}
	return StatusCompleted, true
}
