// Package clarif defines the Clarification domain entity: a durable
// question/answer attached to a project, protocol, or step.
package clarif

import (
	"fmt"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// Status represents the lifecycle state of a clarification.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAnswered  Status = "answered"
	StatusDismissed Status = "dismissed"
)

// AppliesTo values describe which phase the clarification gates.
const (
	AppliesToPlanning  = "planning"
	AppliesToExecution = "execution"
	AppliesToQA        = "qa"
)

// Clarification is unique by (scope, key); upserts refresh the question,
// options, and recommendation while preserving the answer state.
type Clarification struct {
	ID            int64      `json:"id"`
	Scope         string     `json:"scope"`
	Key           string     `json:"key"`
	ProjectID     int64      `json:"project_id"`
	ProtocolRunID *int64     `json:"protocol_run_id,omitempty"`
	StepRunID     *int64     `json:"step_run_id,omitempty"`
	Question      string     `json:"question"`
	Recommended   string     `json:"recommended,omitempty"`
	Options       []string   `json:"options,omitempty"`
	AppliesTo     string     `json:"applies_to"`
	Blocking      bool       `json:"blocking"`
	Status        Status     `json:"status"`
	Answer        string     `json:"answer,omitempty"`
	AnsweredBy    string     `json:"answered_by,omitempty"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// UpsertRequest carries the fields for creating or refreshing a
// clarification keyed by (scope, key).
type UpsertRequest struct {
	Scope         string   `json:"scope"`
	Key           string   `json:"key"`
	ProjectID     int64    `json:"project_id"`
	ProtocolRunID *int64   `json:"protocol_run_id,omitempty"`
	StepRunID     *int64   `json:"step_run_id,omitempty"`
	Question      string   `json:"question"`
	Recommended   string   `json:"recommended,omitempty"`
	Options       []string `json:"options,omitempty"`
	AppliesTo     string   `json:"applies_to"`
	Blocking      bool     `json:"blocking"`
}

// Validate checks the request against upsert constraints.
func (r *UpsertRequest) Validate() error {
	if strings.TrimSpace(r.Scope) == "" {
		return fmt.Errorf("clarification scope is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("clarification key is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("clarification question is required: %w", domain.ErrValidation)
	}
	if r.ProjectID == 0 {
		return fmt.Errorf("clarification project_id is required: %w", domain.ErrValidation)
	}
	return nil
}

// AnswerRequest carries an answer for an open clarification.
type AnswerRequest struct {
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answered_by"`
}

// Validate enforces that answered implies a non-empty answer and author.
func (r *AnswerRequest) Validate() error {
	if strings.TrimSpace(r.Answer) == "" {
		return fmt.Errorf("answer is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.AnsweredBy) == "" {
		return fmt.Errorf("answered_by is required: %w", domain.ErrValidation)
	}
	return nil
}

// ListFilter narrows clarification queries.
type ListFilter struct {
	ProjectID     *int64
	ProtocolRunID *int64
	Status        Status
	Blocking      *bool
}
