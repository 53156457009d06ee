// Package event defines the Event domain entity for the durable event log.
package event

import (
	"strings"
	"time"
)

// Type identifies the kind of event. The set below is what the core emits;
// the log accepts any non-empty type string.
type Type string

const (
	TypeProtocolCreated   Type = "protocol_created"
	TypeProtocolStarted   Type = "protocol_started"
	TypeProtocolPaused    Type = "protocol_paused"
	TypeProtocolResumed   Type = "protocol_resumed"
	TypeProtocolCancelled Type = "protocol_cancelled"
	TypeProtocolCompleted Type = "protocol_completed"
	TypeProtocolFailed    Type = "protocol_failed"
	TypeProtocolBlocked   Type = "protocol_blocked"
	TypeProtocolPlanned   Type = "protocol_planned"

	TypeStepStarted   Type = "step_started"
	TypeStepCompleted Type = "step_completed"
	TypeStepFailed    Type = "step_failed"
	TypeStepTimeout   Type = "step_timeout"
	TypeStepBlocked   Type = "step_blocked"
	TypeStepSkipped   Type = "step_skipped"
	TypeStepRetried   Type = "step_retried"
	TypeStepNeedsQA   Type = "step_needs_qa"

	TypeJobDispatched Type = "job_dispatched"
	TypeJobUpdated    Type = "job_updated"

	TypeQAEvaluated      Type = "qa_evaluated"
	TypeAutoFixRequested Type = "feedback_auto_fix_requested"

	TypeClarificationUpserted  Type = "clarification_upserted"
	TypeClarificationAnswered  Type = "clarification_answered"
	TypeClarificationDismissed Type = "clarification_dismissed"

	TypeReconciliationStarted        Type = "reconciliation_started"
	TypeReconciliationNoChange       Type = "reconciliation_no_change"
	TypeReconciliationAutoFix        Type = "reconciliation_auto_fix"
	TypeReconciliationManualRequired Type = "reconciliation_manual_required"
	TypeReconciliationError          Type = "reconciliation_error"
	TypeReconciliationCompleted      Type = "reconciliation_completed"

	TypeRecoveryAction Type = "recovery_action"

	TypeWebhookReceived  Type = "webhook_received"
	TypeWebhookOrphanJob Type = "webhook_orphan_job"
	TypeCIEvent          Type = "ci_event"
)

// Category groups event types for coarse filtering.
type Category string

const (
	CategoryProtocol       Category = "protocol"
	CategoryStep           Category = "step"
	CategoryJob            Category = "job"
	CategoryQA             Category = "qa"
	CategoryClarification  Category = "clarification"
	CategoryReconciliation Category = "reconciliation"
	CategoryRecovery       Category = "recovery"
	CategoryWebhook        Category = "webhook"
	CategorySystem         Category = "system"
)

// CategoryOf derives the category for one of the core's event types from its
// name prefix. Unknown types fall into the system category.
func CategoryOf(t Type) Category {
	s := string(t)
	switch {
	case strings.HasPrefix(s, "protocol_"):
		return CategoryProtocol
	case strings.HasPrefix(s, "step_"):
		return CategoryStep
	case strings.HasPrefix(s, "job_"):
		return CategoryJob
	case strings.HasPrefix(s, "qa_"), t == TypeAutoFixRequested:
		return CategoryQA
	case strings.HasPrefix(s, "clarification_"):
		return CategoryClarification
	case strings.HasPrefix(s, "reconciliation_"):
		return CategoryReconciliation
	case strings.HasPrefix(s, "recovery_"):
		return CategoryRecovery
	case strings.HasPrefix(s, "webhook_"), t == TypeCIEvent:
		return CategoryWebhook
	default:
		return CategorySystem
	}
}

// Event is one immutable entry in the durable log. IDs are assigned by the
// store in commit order and are strictly monotonic.
type Event struct {
	ID            int64          `json:"id"`
	Type          Type           `json:"event_type"`
	Category      Category       `json:"event_category,omitempty"`
	Message       string         `json:"message"`
	ProjectID     *int64         `json:"project_id,omitempty"`
	ProtocolRunID *int64         `json:"protocol_run_id,omitempty"`
	StepRunID     *int64         `json:"step_run_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Filter narrows event log reads. AfterID is the exclusive watermark used by
// streaming consumers. Descending pages the tail of the log newest-first;
// callers that need chronological order reverse the page themselves.
type Filter struct {
	AfterID       int64
	ProjectID     *int64
	ProtocolRunID *int64
	Types         []Type
	Category      Category
	Limit         int
	Descending    bool
}
