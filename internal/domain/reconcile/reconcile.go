// Package reconcile defines the outcome model for converging persisted step
// state with the external executor's view of the same jobs.
package reconcile

import (
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
)

// Action is the per-step reconciliation outcome.
type Action string

const (
	ActionNoChange       Action = "NO_CHANGE"
	ActionAutoFixed      Action = "AUTO_FIXED"
	ActionManualRequired Action = "MANUAL_REQUIRED"
	ActionError          Action = "ERROR"
)

// externalStatusMap converts the external executor's job status to the step
// status it implies. Unknown external statuses map to pending.
var externalStatusMap = map[string]protocol.StepStatus{
	"queued":    protocol.StepStatusPending,
	"running":   protocol.StepStatusRunning,
	"completed": protocol.StepStatusCompleted,
	"failed":    protocol.StepStatusFailed,
	"cancelled": protocol.StepStatusCancelled,
}

// MapExternalStatus maps an external job status onto a step status.
func MapExternalStatus(external string) protocol.StepStatus {
	if s, ok := externalStatusMap[external]; ok {
		return s
	}
	return protocol.StepStatusPending
}

// CanAutoFix decides whether a mismatch between the persisted step status
// and the status implied by the external executor may be healed without an
// operator. Terminal persisted statuses are never overwritten; terminal
// external truth always wins; a pending step observed running externally is
// safe to advance.
func CanAutoFix(db, mapped protocol.StepStatus) bool {
	if db.IsTerminal() {
		return false
	}
	if mapped.IsTerminal() {
		return true
	}
	return db == protocol.StepStatusPending && mapped == protocol.StepStatusRunning
}

// Detail records the reconciliation decision for one step.
type Detail struct {
	ProtocolRunID  int64               `json:"protocol_run_id"`
	StepRunID      int64               `json:"step_run_id"`
	WindmillJobID  string              `json:"windmill_job_id,omitempty"`
	DBStatus       protocol.StepStatus `json:"db_status"`
	ExternalStatus string              `json:"external_status,omitempty"`
	MappedStatus   protocol.StepStatus `json:"mapped_status,omitempty"`
	Action         Action              `json:"action"`
	Applied        bool                `json:"applied"`
	Error          string              `json:"error,omitempty"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	TotalChecked     int           `json:"total_checked"`
	MismatchesFound  int           `json:"mismatches_found"`
	AutoFixed        int           `json:"auto_fixed"`
	RequiresManual   int           `json:"requires_manual"`
	ProtocolsChecked int           `json:"protocols_checked"`
	DryRun           bool          `json:"dry_run"`
	Duration         time.Duration `json:"duration"`
	StartedAt        time.Time     `json:"started_at"`
	Details          []Detail      `json:"details,omitempty"`
}
