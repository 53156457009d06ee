package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dgotel "github.com/devgodzilla/devgodzilla/internal/adapter/otel"
	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/reconcile"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
)

// ReconcileRequest scopes one reconciliation pass. With DryRun set the
// report describes what would change without touching the store.
type ReconcileRequest struct {
	ProtocolRunID *int64 `json:"protocol_run_id,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

// ReconcilerService converges persisted step state with the external
// executor's view of the same jobs. Passes are serialized; the most recent
// report is retained for inspection.
type ReconcilerService struct {
	store    database.Store
	bus      *bus.Bus
	external executor.Executor
	logger   *slog.Logger
	metrics  *dgotel.Metrics

	mu   sync.Mutex
	last *reconcile.Report
}

// NewReconcilerService creates a ReconcilerService.
func NewReconcilerService(store database.Store, b *bus.Bus, external executor.Executor, logger *slog.Logger) *ReconcilerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcilerService{store: store, bus: b, external: external, logger: logger}
}

// SetMetrics attaches the pipeline metric instruments.
func (s *ReconcilerService) SetMetrics(m *dgotel.Metrics) {
	s.metrics = m
}

// ReconcileRuns checks every active step with an external job against the
// executor and heals safe mismatches: terminal external truth always wins,
// a terminal persisted status is never overwritten, and anything else is
// flagged for an operator.
func (s *ReconcilerService) ReconcileRuns(ctx context.Context, req ReconcileRequest) (*reconcile.Report, error) {
	if s.external == nil {
		return nil, fmt.Errorf("no external executor configured: %w", domain.ErrConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var scopeID int64
	if req.ProtocolRunID != nil {
		scopeID = *req.ProtocolRunID
	}
	ctx, span := dgotel.StartReconcileSpan(ctx, scopeID)
	defer span.End()

	started := time.Now().UTC()
	report := &reconcile.Report{DryRun: req.DryRun, StartedAt: started}

	meta := map[string]any{"dry_run": req.DryRun}
	if req.ProtocolRunID != nil {
		meta["protocol_run_id"] = *req.ProtocolRunID
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeReconciliationStarted,
		Message:       "reconciliation started",
		ProtocolRunID: req.ProtocolRunID,
		Metadata:      meta,
	})

	protocolIDs, err := s.scope(ctx, req)
	if err != nil {
		return nil, err
	}
	report.ProtocolsChecked = len(protocolIDs)

	for _, prID := range protocolIDs {
		id := prID
		steps, err := s.store.ListActiveStepRuns(ctx, &id)
		if err != nil {
			s.logger.Error("reconcile: list active steps", "protocol_run_id", id, "error", err)
			continue
		}
		for i := range steps {
			s.reconcileStep(ctx, req, &steps[i], report)
		}
	}

	report.Duration = time.Since(started)
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeReconciliationCompleted,
		Message:       fmt.Sprintf("reconciliation completed: %d checked, %d mismatches", report.TotalChecked, report.MismatchesFound),
		ProtocolRunID: req.ProtocolRunID,
		Metadata: map[string]any{
			"total_checked":    report.TotalChecked,
			"mismatches_found": report.MismatchesFound,
			"auto_fixed":       report.AutoFixed,
			"requires_manual":  report.RequiresManual,
			"dry_run":          req.DryRun,
		},
	})
	s.logger.Info("reconciliation completed",
		"total_checked", report.TotalChecked, "mismatches", report.MismatchesFound,
		"auto_fixed", report.AutoFixed, "requires_manual", report.RequiresManual,
		"dry_run", req.DryRun, "duration", report.Duration)
	if s.metrics != nil {
		outcome := "clean"
		if report.MismatchesFound > 0 {
			outcome = "mismatched"
		}
		s.metrics.ReconcilePasses.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("dry_run", req.DryRun),
			attribute.String("outcome", outcome),
		))
	}

	s.last = report
	return report, nil
}

// scope resolves the protocol runs a pass covers.
func (s *ReconcilerService) scope(ctx context.Context, req ReconcileRequest) ([]int64, error) {
	if req.ProtocolRunID != nil {
		if _, err := s.store.GetProtocolRun(ctx, *req.ProtocolRunID); err != nil {
			return nil, err
		}
		return []int64{*req.ProtocolRunID}, nil
	}
	runs, err := s.store.ListActiveProtocolRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active protocol runs: %w", err)
	}
	ids := make([]int64, len(runs))
	for i := range runs {
		ids[i] = runs[i].ID
	}
	return ids, nil
}

// reconcileStep checks one active step against the executor. Steps that
// never dispatched externally are skipped and not counted.
func (s *ReconcilerService) reconcileStep(ctx context.Context, req ReconcileRequest, step *protocol.StepRun, report *reconcile.Report) {
	jr, err := s.store.LatestExternalJobRunForStep(ctx, step.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("reconcile: latest external job", "step_run_id", step.ID, "error", err)
		}
		return
	}
	report.TotalChecked++

	detail := reconcile.Detail{
		ProtocolRunID: step.ProtocolRunID,
		StepRunID:     step.ID,
		WindmillJobID: jr.WindmillJobID,
		DBStatus:      step.Status,
	}

	ext, err := s.external.GetJob(ctx, jr.WindmillJobID)
	if err != nil {
		detail.Action = reconcile.ActionError
		detail.Error = err.Error()
		report.Details = append(report.Details, detail)
		if !req.DryRun {
			s.publishOutcome(ctx, &detail, "reconciliation error: "+err.Error())
		}
		return
	}
	detail.ExternalStatus = ext.Status
	detail.MappedStatus = reconcile.MapExternalStatus(ext.Status)

	switch {
	case detail.MappedStatus == step.Status:
		detail.Action = reconcile.ActionNoChange
	case reconcile.CanAutoFix(step.Status, detail.MappedStatus):
		report.MismatchesFound++
		detail.Action = reconcile.ActionAutoFixed
		if req.DryRun {
			report.AutoFixed++
		} else if err := s.applyFix(ctx, step, jr, ext, detail.MappedStatus); err != nil {
			detail.Action = reconcile.ActionError
			detail.Error = err.Error()
		} else {
			detail.Applied = true
			report.AutoFixed++
		}
	default:
		report.MismatchesFound++
		report.RequiresManual++
		detail.Action = reconcile.ActionManualRequired
	}
	report.Details = append(report.Details, detail)

	if req.DryRun {
		return
	}
	switch detail.Action {
	case reconcile.ActionAutoFixed:
		s.publishOutcome(ctx, &detail, fmt.Sprintf("step %d reconciled %s -> %s", step.ID, detail.DBStatus, detail.MappedStatus))
	case reconcile.ActionManualRequired:
		s.publishOutcome(ctx, &detail, fmt.Sprintf("step %d needs manual reconciliation (%s vs %s)", step.ID, detail.DBStatus, detail.MappedStatus))
	case reconcile.ActionError:
		s.publishOutcome(ctx, &detail, "reconciliation error: "+detail.Error)
	case reconcile.ActionNoChange:
		// Only a scoped pass reports clean steps on the feed.
		if req.ProtocolRunID != nil {
			s.publishOutcome(ctx, &detail, fmt.Sprintf("step %d matches external state", step.ID))
		}
	}
}

// applyFix writes the externally observed status onto the step and syncs the
// job run record.
func (s *ReconcilerService) applyFix(ctx context.Context, step *protocol.StepRun, jr *job.JobRun, ext *executor.Job, mapped protocol.StepStatus) error {
	summary := fmt.Sprintf("reconciled from external job %s", jr.WindmillJobID)
	if err := s.store.UpdateStepStatus(ctx, step.ID, []protocol.StepStatus{step.Status}, mapped, summary); err != nil {
		return fmt.Errorf("update step %d: %w", step.ID, err)
	}
	if status, ok := job.NormalizeWebhookStatus(ext.Status); ok && status != jr.Status {
		jr.Status = status
		jr.Error = ext.Error
		if ext.StartedAt != nil {
			jr.StartedAt = ext.StartedAt
		}
		if ext.FinishedAt != nil {
			jr.FinishedAt = ext.FinishedAt
		}
		if err := s.store.UpdateJobRun(ctx, jr); err != nil {
			s.logger.Warn("sync job run", "run_id", jr.RunID, "error", err)
		}
	}
	return nil
}

// publishOutcome logs one per-step reconciliation event.
func (s *ReconcilerService) publishOutcome(ctx context.Context, d *reconcile.Detail, msg string) {
	var evType event.Type
	switch d.Action {
	case reconcile.ActionAutoFixed:
		evType = event.TypeReconciliationAutoFix
	case reconcile.ActionManualRequired:
		evType = event.TypeReconciliationManualRequired
	case reconcile.ActionError:
		evType = event.TypeReconciliationError
	default:
		evType = event.TypeReconciliationNoChange
	}
	meta := map[string]any{
		"previous":        string(d.DBStatus),
		"new":             string(d.MappedStatus),
		"windmill_job_id": d.WindmillJobID,
		"applied":         d.Applied,
	}
	if d.Error != "" {
		meta["error"] = d.Error
	}
	publish(ctx, s.bus, &event.Event{
		Type:          evType,
		Message:       msg,
		ProtocolRunID: &d.ProtocolRunID,
		StepRunID:     &d.StepRunID,
		Metadata:      meta,
	})
}

// LastReconciliation returns the most recent pass's report. ErrNotFound
// before the first pass.
func (s *ReconcilerService) LastReconciliation(ctx context.Context) (*reconcile.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, fmt.Errorf("no reconciliation has run: %w", domain.ErrNotFound)
	}
	return s.last, nil
}
