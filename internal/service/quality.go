package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dgotel "github.com/devgodzilla/devgodzilla/internal/adapter/otel"
	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/feedback"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
)

// blockableProtocolStatuses is the expected set when a qa failure blocks the
// protocol: every active status except blocked itself.
var blockableProtocolStatuses = []protocol.Status{
	protocol.StatusPending, protocol.StatusPlanning, protocol.StatusPlanned,
	protocol.StatusRunning, protocol.StatusPaused, protocol.StatusNeedsQA,
}

// QualityService evaluates the gate pipeline against a step's workspace and
// settles the step from the verdict: advance, route to auto-fix, or fail the
// step and block the protocol.
type QualityService struct {
	store   database.Store
	bus     *bus.Bus
	cfg     config.QA
	logger  *slog.Logger
	metrics *dgotel.Metrics

	onStepCompleted func(ctx context.Context, protocolRunID int64)
}

// NewQualityService creates a QualityService.
func NewQualityService(store database.Store, b *bus.Bus, cfg config.QA, logger *slog.Logger) *QualityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityService{store: store, bus: b, cfg: cfg, logger: logger}
}

// SetOnStepCompleted registers the callback invoked after a step passes qa.
// The orchestrator wires it to CheckAndCompleteProtocol.
func (s *QualityService) SetOnStepCompleted(fn func(ctx context.Context, protocolRunID int64)) {
	s.onStepCompleted = fn
}

// SetMetrics attaches the pipeline metric instruments.
func (s *QualityService) SetMetrics(m *dgotel.Metrics) {
	s.metrics = m
}

// EvaluateStep runs every registered gate against the step's workspace and
// records exactly one QAResult. A passing or warning verdict completes the
// step; a failing one either routes the step back to execution for auto-fix
// or fails it and blocks the protocol.
func (s *QualityService) EvaluateStep(ctx context.Context, stepRunID int64) (*qa.QAResult, error) {
	step, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return nil, err
	}
	if step.Status != protocol.StepStatusNeedsQA && step.Status != protocol.StepStatusRunning {
		return nil, fmt.Errorf("step %d is %q, not awaiting qa: %w", step.ID, step.Status, domain.ErrInvalidTransition)
	}
	pr, err := s.store.GetProtocolRun(ctx, step.ProtocolRunID)
	if err != nil {
		return nil, err
	}
	proj, err := s.store.GetProject(ctx, pr.ProjectID)
	if err != nil {
		return nil, err
	}

	qaCtx, span := dgotel.StartQASpan(ctx, step.ID)
	results, duration := s.evaluate(qaCtx, pr, proj)
	verdict := qa.Aggregate(results)
	findings := qa.CollectFindings(results)
	span.SetAttributes(attribute.String("verdict", string(verdict)))
	span.End()
	if s.metrics != nil {
		s.metrics.QAEvaluations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("verdict", string(verdict)),
		))
		for i := range results {
			s.metrics.GateDuration.Record(ctx, results[i].Duration.Seconds(), metric.WithAttributes(
				attribute.String("gate", results[i].GateID),
			))
		}
	}

	qaRes := &qa.QAResult{
		ProtocolRunID: pr.ID,
		ProjectID:     pr.ProjectID,
		StepRunID:     &step.ID,
		Verdict:       verdict,
		GateResults:   results,
		Findings:      findings,
	}
	if err := s.store.CreateQAResult(ctx, qaRes); err != nil {
		return nil, fmt.Errorf("create qa result: %w", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeQAEvaluated,
		Message:       fmt.Sprintf("qa verdict %s for step %q (%d findings)", verdict, step.StepName, len(findings)),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata: map[string]any{
			"verdict":        string(verdict),
			"findings_count": len(findings),
			"duration_ms":    duration.Milliseconds(),
		},
	})
	s.logger.Info("qa evaluated",
		"step_run_id", step.ID, "verdict", verdict, "findings", len(findings), "duration", duration)

	if qa.StepPassed(verdict) {
		s.completeStep(ctx, pr, step, verdict, len(findings))
		return qaRes, nil
	}

	if s.routeToAutoFix(ctx, pr, proj, step, verdict, findings) {
		return qaRes, nil
	}

	s.failStepAndBlockProtocol(ctx, pr, step, verdict, findings)
	return qaRes, nil
}

// evaluate runs the gate pipeline under the configured timeout. With direct
// completion enabled no gates run and the empty result set skips the step
// straight to completed.
func (s *QualityService) evaluate(ctx context.Context, pr *protocol.ProtocolRun, proj *project.Project) ([]qa.GateResult, time.Duration) {
	if s.cfg.DirectCompletion {
		return nil, 0
	}
	if s.cfg.GateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GateTimeout)
		defer cancel()
	}
	root := pr.WorktreePath
	if root == "" {
		root = proj.LocalPath
	}
	ws := &gate.Workspace{Root: root, ProtocolRoot: pr.ProtocolRoot}
	start := time.Now()
	results := gate.EvaluateAll(ctx, ws)
	return results, time.Since(start)
}

// completeStep advances a passed step and nudges protocol completion.
func (s *QualityService) completeStep(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, verdict qa.Verdict, findings int) {
	summary := fmt.Sprintf("qa %s: %d findings", verdict, findings)
	expected := []protocol.StepStatus{protocol.StepStatusNeedsQA, protocol.StepStatusRunning}
	if err := s.store.UpdateStepStatus(ctx, step.ID, expected, protocol.StepStatusCompleted, summary); err != nil {
		s.logger.Error("complete step", "step_run_id", step.ID, "error", err)
		return
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepCompleted,
		Message:       fmt.Sprintf("step %q completed", step.StepName),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata:      map[string]any{"verdict": string(verdict), "findings_count": findings},
	})
	s.logger.Info("step completed", "step_run_id", step.ID, "verdict", verdict)
	if s.onStepCompleted != nil {
		s.onStepCompleted(ctx, pr.ID)
	}
}

// routeToAutoFix sends a failed step back to execution when the project has
// auto-fix budget left and every blocking finding is mechanical. Returns
// false when the failure needs a human.
func (s *QualityService) routeToAutoFix(ctx context.Context, pr *protocol.ProtocolRun, proj *project.Project, step *protocol.StepRun, verdict qa.Verdict, findings []qa.Finding) bool {
	if verdict != qa.VerdictFail {
		return false
	}
	maxAttempts := s.maxAutoFixAttempts(proj)
	attempts := step.AutoFixAttempts()
	if maxAttempts <= 0 || attempts >= maxAttempts {
		return false
	}
	if !feedback.AllBlockingAutoFixable(findings) {
		return false
	}

	attempts++
	if err := s.store.UpdateStepRuntimeState(ctx, step.ID, map[string]any{protocol.RuntimeKeyAutoFixAttempts: attempts}); err != nil {
		s.logger.Error("record auto-fix attempt", "step_run_id", step.ID, "error", err)
		return false
	}
	expected := []protocol.StepStatus{protocol.StepStatusNeedsQA}
	summary := fmt.Sprintf("auto-fix attempt %d of %d", attempts, maxAttempts)
	if err := s.store.UpdateStepStatus(ctx, step.ID, expected, protocol.StepStatusRunning, summary); err != nil {
		s.logger.Error("return step to execution", "step_run_id", step.ID, "error", err)
		return false
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeAutoFixRequested,
		Message:       fmt.Sprintf("auto-fix requested for step %q (attempt %d/%d)", step.StepName, attempts, maxAttempts),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata: map[string]any{
			"attempt":        attempts,
			"max_attempts":   maxAttempts,
			"findings_count": len(findings),
		},
	})
	s.logger.Info("auto-fix requested", "step_run_id", step.ID, "attempt", attempts, "max", maxAttempts)
	return true
}

// failStepAndBlockProtocol settles a qa failure that cannot be auto-fixed:
// the step fails and the protocol blocks awaiting a human decision.
func (s *QualityService) failStepAndBlockProtocol(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, verdict qa.Verdict, findings []qa.Finding) {
	blocking := 0
	for i := range findings {
		if findings[i].Blocking() {
			blocking++
		}
	}
	summary := fmt.Sprintf("qa %s: %d findings (%d blocking)", verdict, len(findings), blocking)
	expected := []protocol.StepStatus{protocol.StepStatusNeedsQA, protocol.StepStatusRunning}
	if err := s.store.UpdateStepStatus(ctx, step.ID, expected, protocol.StepStatusFailed, summary); err != nil {
		s.logger.Error("fail step", "step_run_id", step.ID, "error", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepFailed,
		Message:       fmt.Sprintf("step %q failed qa", step.StepName),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata: map[string]any{
			"verdict":        string(verdict),
			"findings_count": len(findings),
			"blocking_count": blocking,
		},
	})

	if err := s.store.UpdateProtocolStatus(ctx, pr.ID, blockableProtocolStatuses, protocol.StatusBlocked); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			s.logger.Error("block protocol", "protocol_run_id", pr.ID, "error", err)
		}
		return
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeProtocolBlocked,
		Message:       fmt.Sprintf("protocol run %q blocked by qa failure on step %q", pr.ProtocolName, step.StepName),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
	})
	s.logger.Warn("protocol blocked by qa failure", "protocol_run_id", pr.ID, "step_run_id", step.ID)
}

// maxAutoFixAttempts reads the project's auto-fix budget, falling back to
// the configured default.
func (s *QualityService) maxAutoFixAttempts(proj *project.Project) int {
	if m, ok := proj.PolicyOverrides["qa"].(map[string]any); ok {
		switch v := m["max_auto_fix_attempts"].(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return s.cfg.MaxAutoFixAttempts
}

// ListQAResults lists the evaluations recorded for one protocol run.
func (s *QualityService) ListQAResults(ctx context.Context, protocolRunID int64) ([]qa.QAResult, error) {
	return s.store.ListQAResults(ctx, protocolRunID)
}

// LatestQAResultForStep loads the most recent evaluation of one step.
func (s *QualityService) LatestQAResultForStep(ctx context.Context, stepRunID int64) (*qa.QAResult, error) {
	return s.store.LatestQAResultForStep(ctx, stepRunID)
}
