// Package specrun defines the SpecRun domain entity tracking a
// specification's lifecycle. Protocol runs derived from a spec reference it.
package specrun

import (
	"fmt"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// Status represents the lifecycle state of a spec run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// SpecRun tracks one specification lifecycle for a project.
type SpecRun struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	SpecName     string    `json:"spec_name"`
	Status       Status    `json:"status"`
	SpecRoot     string    `json:"spec_root,omitempty"`
	SpecPath     string    `json:"spec_path,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	BranchName   string    `json:"branch_name,omitempty"`
	BaseBranch   string    `json:"base_branch,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateRequest holds the fields for creating a spec run.
type CreateRequest struct {
	ProjectID  int64  `json:"project_id"`
	SpecName   string `json:"spec_name"`
	SpecRoot   string `json:"spec_root,omitempty"`
	SpecPath   string `json:"spec_path,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// Validate checks the request against creation constraints.
func (r *CreateRequest) Validate() error {
	if r.ProjectID == 0 {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.SpecName) == "" {
		return fmt.Errorf("spec_name is required: %w", domain.ErrValidation)
	}
	return nil
}
