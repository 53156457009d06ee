// Package service implements the pipeline business logic on top of the
// store, bus, engine, gate, and executor ports.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dgotel "github.com/devgodzilla/devgodzilla/internal/adapter/otel"
	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/git"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
)

// defaultStepScript is the executor script used for external step dispatch
// when the protocol run does not name its own flow.
const defaultStepScript = "f/devgodzilla/run_step"

// activeProtocolStatuses lists every non-terminal protocol status, the
// expected set for guarded updates that drive a run to a terminal state.
var activeProtocolStatuses = []protocol.Status{
	protocol.StatusPending, protocol.StatusPlanning, protocol.StatusPlanned,
	protocol.StatusRunning, protocol.StatusPaused, protocol.StatusBlocked,
	protocol.StatusNeedsQA,
}

// activeStepStatuses lists every non-terminal step status.
var activeStepStatuses = []protocol.StepStatus{
	protocol.StepStatusPending, protocol.StepStatusRunning,
	protocol.StepStatusNeedsQA, protocol.StepStatusBlocked,
}

// StepExecutor abstracts the execution adapter for local dispatch.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// StepEvaluator abstracts the quality service for the qa phase.
type StepEvaluator interface {
	EvaluateStep(ctx context.Context, stepRunID int64) (*qa.QAResult, error)
}

// Recovery action names returned by RecoverStuckProtocols.
const (
	RecoveryCompleted    = "completed"
	RecoveryBlocked      = "blocked"
	RecoveryEnqueuedStep = "enqueued_step"
)

// RecoveryAction describes one fix applied by RecoverStuckProtocols.
type RecoveryAction struct {
	Action        string `json:"action"`
	ProtocolRunID int64  `json:"protocol_run_id"`
	StepRunID     *int64 `json:"step_run_id,omitempty"`
}

// OrchestratorService owns the protocol and step state machines: transition
// legality, dispatch to the local or external executor, and recovery of
// stuck runs.
type OrchestratorService struct {
	store     database.Store
	bus       *bus.Bus
	executor  StepExecutor
	external  executor.Executor // nil unless the external executor is enabled
	evaluator StepEvaluator
	worktrees *git.Manager
	logger    *slog.Logger
	metrics   *dgotel.Metrics

	recoverMu sync.Mutex // recovery passes are single-threaded
}

// NewOrchestratorService creates an OrchestratorService. external may be nil
// when no external executor is configured; every dispatch then runs locally.
func NewOrchestratorService(store database.Store, b *bus.Bus, exec StepExecutor, external executor.Executor, worktrees *git.Manager, logger *slog.Logger) *OrchestratorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrchestratorService{
		store:     store,
		bus:       b,
		executor:  exec,
		external:  external,
		worktrees: worktrees,
		logger:    logger,
	}
}

// SetEvaluator wires the quality service used by RunStepQA. Set after
// construction to break the orchestrator/quality dependency cycle.
func (s *OrchestratorService) SetEvaluator(ev StepEvaluator) {
	s.evaluator = ev
}

// SetMetrics attaches the pipeline metric instruments. A nil receiver field
// disables recording.
func (s *OrchestratorService) SetMetrics(m *dgotel.Metrics) {
	s.metrics = m
}

// CreateProtocolRun validates and persists a new protocol run with its
// seeded steps. When the request names a spec run, base branch and worktree
// are inherited from it.
func (s *OrchestratorService) CreateProtocolRun(ctx context.Context, req *protocol.CreateRequest) (*protocol.ProtocolRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	proj, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if req.BaseBranch == "" {
		req.BaseBranch = proj.BaseBranch
	}

	var inheritedWorktree string
	if req.SpecRunID != nil {
		sr, err := s.store.GetSpecRun(ctx, *req.SpecRunID)
		if err != nil {
			return nil, fmt.Errorf("get spec run: %w", err)
		}
		if sr.ProjectID != req.ProjectID {
			return nil, fmt.Errorf("spec run %d belongs to project %d: %w", sr.ID, sr.ProjectID, domain.ErrValidation)
		}
		if sr.BaseBranch != "" {
			req.BaseBranch = sr.BaseBranch
		}
		inheritedWorktree = sr.WorktreePath
	}

	pr, err := s.store.CreateProtocolRun(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create protocol run: %w", err)
	}

	if inheritedWorktree != "" {
		if err := s.store.UpdateProtocolPaths(ctx, pr.ID, inheritedWorktree, pr.ProtocolRoot); err != nil {
			s.logger.Warn("inherit spec run worktree", "protocol_run_id", pr.ID, "error", err)
		} else {
			pr.WorktreePath = inheritedWorktree
		}
	}

	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeProtocolCreated,
		Message:       fmt.Sprintf("protocol run %q created with %d steps", pr.ProtocolName, len(pr.Steps)),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Metadata:      map[string]any{"protocol_name": pr.ProtocolName, "steps": len(pr.Steps)},
	})

	s.logger.Info("protocol run created",
		"protocol_run_id", pr.ID, "project_id", pr.ProjectID,
		"protocol_name", pr.ProtocolName, "steps", len(pr.Steps))
	return pr, nil
}

// StartProtocol advances a run along the start edge of the state machine.
// From pending it enters planning: the workspace is provisioned, prompt
// files are seeded, and a run with steps lands in planned; a stepless run
// stays planning until a planner seeds it. From planned it enters running.
func (s *OrchestratorService) StartProtocol(ctx context.Context, id int64) (*protocol.ProtocolRun, error) {
	pr, err := s.store.GetProtocolRun(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, span := dgotel.StartProtocolSpan(ctx, "protocol.start", pr.ID, pr.ProjectID)
	defer span.End()

	tr, err := protocol.Apply(pr.Status, protocol.OpStart)
	if err != nil {
		return nil, err
	}

	from := pr.Status
	if err := s.store.UpdateProtocolStatus(ctx, id, []protocol.Status{from}, tr.To); err != nil {
		return nil, err
	}
	pr.Status = tr.To
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeProtocolStarted,
		Message:       fmt.Sprintf("protocol run %q started", pr.ProtocolName),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Metadata:      map[string]any{"from": string(from), "to": string(tr.To)},
	})
	s.logger.Info("protocol started", "protocol_run_id", id, "from", from, "to", tr.To)
	if s.metrics != nil && from == protocol.StatusPending {
		s.metrics.ProtocolsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("protocol", pr.ProtocolName),
		))
	}

	if tr.To != protocol.StatusPlanning {
		return s.store.GetProtocolRun(ctx, id)
	}

	// Planning phase: provision the workspace, then either mark the run
	// planned (steps already seeded) or hand it to the external planner.
	s.provisionWorkspace(ctx, pr)

	if len(pr.Steps) == 0 {
		if s.external != nil && pr.WindmillFlowID != "" {
			s.dispatchPlanningJob(ctx, pr)
		}
		return s.store.GetProtocolRun(ctx, id)
	}

	if err := s.store.UpdateProtocolStatus(ctx, id, []protocol.Status{protocol.StatusPlanning}, protocol.StatusPlanned); err != nil {
		return nil, err
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeProtocolPlanned,
		Message:       fmt.Sprintf("protocol run %q planned with %d steps", pr.ProtocolName, len(pr.Steps)),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Metadata:      map[string]any{"steps": len(pr.Steps)},
	})
	return s.store.GetProtocolRun(ctx, id)
}

// PauseProtocol moves a running protocol to paused.
func (s *OrchestratorService) PauseProtocol(ctx context.Context, id int64) (*protocol.ProtocolRun, error) {
	return s.applyOp(ctx, id, protocol.OpPause, event.TypeProtocolPaused, "paused")
}

// ResumeProtocol moves a paused or blocked protocol back to running.
func (s *OrchestratorService) ResumeProtocol(ctx context.Context, id int64) (*protocol.ProtocolRun, error) {
	return s.applyOp(ctx, id, protocol.OpResume, event.TypeProtocolResumed, "resumed")
}

// CancelProtocol cancels a run and sweeps its non-terminal steps to
// cancelled. Cancelling a completed or already-cancelled run is a no-op.
// In-flight external jobs are not killed; the next reconciliation converges.
func (s *OrchestratorService) CancelProtocol(ctx context.Context, id int64) (*protocol.ProtocolRun, error) {
	pr, err := s.store.GetProtocolRun(ctx, id)
	if err != nil {
		return nil, err
	}
	tr, err := protocol.Apply(pr.Status, protocol.OpCancel)
	if err != nil {
		return nil, err
	}
	if tr.Noop {
		return pr, nil
	}

	from := pr.Status
	if err := s.store.UpdateProtocolStatus(ctx, id, []protocol.Status{from}, protocol.StatusCancelled); err != nil {
		return nil, err
	}
	for i := range pr.Steps {
		st := &pr.Steps[i]
		if st.Status.IsTerminal() {
			continue
		}
		if err := s.store.UpdateStepStatus(ctx, st.ID, []protocol.StepStatus{st.Status}, protocol.StepStatusCancelled, "protocol cancelled"); err != nil {
			s.logger.Warn("cancel step", "step_run_id", st.ID, "error", err)
		}
	}

	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeProtocolCancelled,
		Message:       fmt.Sprintf("protocol run %q cancelled", pr.ProtocolName),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Metadata:      map[string]any{"from": string(from)},
	})
	s.logger.Info("protocol cancelled", "protocol_run_id", id, "from", from)
	return s.store.GetProtocolRun(ctx, id)
}

// applyOp resolves and applies one single-edge protocol operation.
func (s *OrchestratorService) applyOp(ctx context.Context, id int64, op protocol.Op, evType event.Type, verb string) (*protocol.ProtocolRun, error) {
	pr, err := s.store.GetProtocolRun(ctx, id)
	if err != nil {
		return nil, err
	}
	tr, err := protocol.Apply(pr.Status, op)
	if err != nil {
		return nil, err
	}
	if tr.Noop {
		return pr, nil
	}

	from := pr.Status
	if err := s.store.UpdateProtocolStatus(ctx, id, []protocol.Status{from}, tr.To); err != nil {
		return nil, err
	}
	pr.Status = tr.To
	publish(ctx, s.bus, &event.Event{
		Type:          evType,
		Message:       fmt.Sprintf("protocol run %q %s", pr.ProtocolName, verb),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Metadata:      map[string]any{"from": string(from), "to": string(tr.To)},
	})
	s.logger.Info("protocol "+verb, "protocol_run_id", id, "from", from, "to", tr.To)
	return pr, nil
}

// RunStep dispatches a step. Valid from pending, failed, and blocked; the
// step transitions to running. A planned or blocked protocol is promoted to
// running first.
func (s *OrchestratorService) RunStep(ctx context.Context, stepID int64, engineID, model string) (*protocol.StepRun, error) {
	step, err := s.store.GetStepRun(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := protocol.CanRun(step.Status); err != nil {
		return nil, err
	}
	pr, err := s.store.GetProtocolRun(ctx, step.ProtocolRunID)
	if err != nil {
		return nil, err
	}
	expected := []protocol.StepStatus{protocol.StepStatusPending, protocol.StepStatusFailed, protocol.StepStatusBlocked}
	return s.dispatchStep(ctx, pr, step, expected, engineID, model)
}

// RetryStep re-dispatches a failed, timed-out, or blocked step, incrementing
// the retry counter kept in the step's runtime state.
func (s *OrchestratorService) RetryStep(ctx context.Context, stepID int64) (*protocol.StepRun, error) {
	step, err := s.store.GetStepRun(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := protocol.CanRetry(step.Status); err != nil {
		return nil, err
	}
	pr, err := s.store.GetProtocolRun(ctx, step.ProtocolRunID)
	if err != nil {
		return nil, err
	}

	retries := step.RetryCount() + 1
	if err := s.store.UpdateStepRuntimeState(ctx, stepID, map[string]any{protocol.RuntimeKeyRetryCount: retries}); err != nil {
		return nil, fmt.Errorf("update retry count: %w", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepRetried,
		Message:       fmt.Sprintf("step %q retry %d", step.StepName, retries),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &stepID,
		Metadata:      map[string]any{"retry_count": retries},
	})

	expected := []protocol.StepStatus{protocol.StepStatusFailed, protocol.StepStatusTimeout, protocol.StepStatusBlocked}
	return s.dispatchStep(ctx, pr, step, expected, "", "")
}

// RunStepQA moves a running step to needs_qa and evaluates the gate
// pipeline against the run's workspace.
func (s *OrchestratorService) RunStepQA(ctx context.Context, stepID int64) (*qa.QAResult, error) {
	step, err := s.store.GetStepRun(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := protocol.CanEnterQA(step.Status); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStepStatus(ctx, stepID, []protocol.StepStatus{protocol.StepStatusRunning}, protocol.StepStatusNeedsQA, ""); err != nil {
		return nil, err
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepNeedsQA,
		Message:       fmt.Sprintf("step %q awaiting qa", step.StepName),
		ProtocolRunID: &step.ProtocolRunID,
		StepRunID:     &stepID,
	})

	if s.evaluator == nil {
		return nil, fmt.Errorf("no step evaluator configured: %w", domain.ErrConfiguration)
	}
	return s.evaluator.EvaluateStep(ctx, stepID)
}

// CheckAndCompleteProtocol drives the run to its terminal status once every
// step is terminal: any failed or timed-out step fails the protocol,
// otherwise it completes. Returns false while any step is still in flight.
func (s *OrchestratorService) CheckAndCompleteProtocol(ctx context.Context, id int64) (bool, error) {
	steps, err := s.store.ListStepRuns(ctx, id)
	if err != nil {
		return false, err
	}
	status, done := protocol.CompletionStatus(steps)
	if !done {
		return false, nil
	}

	if err := s.store.UpdateProtocolStatus(ctx, id, activeProtocolStatuses, status); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another worker already drove the run terminal.
			pr, gerr := s.store.GetProtocolRun(ctx, id)
			if gerr == nil && pr.Status == status {
				return true, nil
			}
			return false, nil
		}
		return false, err
	}

	evType := event.TypeProtocolCompleted
	msg := "protocol run completed"
	if status == protocol.StatusFailed {
		evType = event.TypeProtocolFailed
		msg = "protocol run failed"
	}
	if s.metrics != nil {
		switch status {
		case protocol.StatusFailed:
			s.metrics.ProtocolsFailed.Add(ctx, 1)
		case protocol.StatusCompleted:
			s.metrics.ProtocolsCompleted.Add(ctx, 1)
		}
	}
	publish(ctx, s.bus, &event.Event{
		Type:          evType,
		Message:       msg,
		ProtocolRunID: &id,
		Metadata:      map[string]any{"status": string(status), "steps": len(steps)},
	})
	s.logger.Info("protocol finished", "protocol_run_id", id, "status", status)
	return true, nil
}

// RecoverStuckProtocols scans non-terminal protocols with no step in flight
// and converges them: protocols whose steps are all terminal are completed,
// protocols stuck on failed or blocked steps are marked blocked, and
// otherwise the earliest pending step is re-enqueued, resuming a blocked
// run on the way. Paused and not-yet-started runs are left alone. Each
// action is logged as an event and returned.
func (s *OrchestratorService) RecoverStuckProtocols(ctx context.Context) ([]RecoveryAction, error) {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	runs, err := s.store.ListActiveProtocolRuns(ctx)
	if err != nil {
		return nil, err
	}

	var actions []RecoveryAction
	for i := range runs {
		pr := &runs[i]
		if pr.Status == protocol.StatusPaused {
			continue
		}
		steps, err := s.store.ListStepRuns(ctx, pr.ID)
		if err != nil {
			s.logger.Error("recovery: list steps", "protocol_run_id", pr.ID, "error", err)
			continue
		}
		// An empty protocol is never auto-completed.
		if len(steps) == 0 {
			continue
		}
		if anyStepIn(steps, protocol.StepStatusRunning, protocol.StepStatusNeedsQA) {
			continue
		}

		if _, done := protocol.CompletionStatus(steps); done {
			if ok, err := s.CheckAndCompleteProtocol(ctx, pr.ID); err != nil || !ok {
				continue
			}
			actions = append(actions, s.recordRecovery(ctx, RecoveryCompleted, pr.ID, nil))
			continue
		}

		anyStuck := anyStepIn(steps, protocol.StepStatusFailed, protocol.StepStatusTimeout, protocol.StepStatusBlocked)
		anyPending := anyStepIn(steps, protocol.StepStatusPending)

		if anyStuck && !anyPending {
			if pr.Status == protocol.StatusBlocked {
				continue
			}
			if err := s.store.UpdateProtocolStatus(ctx, pr.ID, []protocol.Status{pr.Status}, protocol.StatusBlocked); err != nil {
				s.logger.Warn("recovery: block protocol", "protocol_run_id", pr.ID, "error", err)
				continue
			}
			publish(ctx, s.bus, &event.Event{
				Type:          event.TypeProtocolBlocked,
				Message:       "protocol run blocked: no runnable step left",
				ProjectID:     &pr.ProjectID,
				ProtocolRunID: &pr.ID,
			})
			actions = append(actions, s.recordRecovery(ctx, RecoveryBlocked, pr.ID, nil))
			continue
		}

		// A running run gets its next step enqueued. A blocked run with a
		// pending step had that step requeued by an answered clarification;
		// dispatch resumes the run on the way.
		if !anyPending {
			continue
		}
		if pr.Status != protocol.StatusRunning && pr.Status != protocol.StatusBlocked {
			continue
		}
		next := earliestPending(steps)
		pr.Steps = steps
		if _, err := s.dispatchStep(ctx, pr, next, []protocol.StepStatus{protocol.StepStatusPending}, "", ""); err != nil {
			s.logger.Error("recovery: dispatch step", "step_run_id", next.ID, "error", err)
			continue
		}
		actions = append(actions, s.recordRecovery(ctx, RecoveryEnqueuedStep, pr.ID, &next.ID))
	}
	return actions, nil
}

// recordRecovery emits the recovery_action event and builds the returned
// action.
func (s *OrchestratorService) recordRecovery(ctx context.Context, action string, protocolRunID int64, stepRunID *int64) RecoveryAction {
	meta := map[string]any{"action": action}
	if stepRunID != nil {
		meta["step_run_id"] = *stepRunID
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeRecoveryAction,
		Message:       "recovery: " + action,
		ProtocolRunID: &protocolRunID,
		StepRunID:     stepRunID,
		Metadata:      meta,
	})
	s.logger.Info("recovery action", "action", action, "protocol_run_id", protocolRunID)
	return RecoveryAction{Action: action, ProtocolRunID: protocolRunID, StepRunID: stepRunID}
}

// dispatchStep creates the JobRun record and hands the step to the local or
// external executor. The JobRun row always lands before any side effect; a
// dispatch failure leaves the step where it was and records the error on
// the job.
func (s *OrchestratorService) dispatchStep(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, expected []protocol.StepStatus, engineID, model string) (*protocol.StepRun, error) {
	if err := s.ensureDispatchable(ctx, pr); err != nil {
		return nil, err
	}

	mode := job.ModeLocal
	if s.external != nil {
		mode = job.ModeExternal
	}
	jr := &job.JobRun{
		RunID:         uuid.NewString(),
		JobType:       job.TypeStepExecution,
		Status:        job.StatusQueued,
		Mode:          mode,
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Params: map[string]any{
			"step_index": step.StepIndex,
			"engine_id":  engineID,
			"model":      model,
		},
	}
	if err := s.store.CreateJobRun(ctx, jr); err != nil {
		return nil, fmt.Errorf("create job run: %w", err)
	}

	if mode == job.ModeExternal {
		if err := s.dispatchExternal(ctx, pr, step, jr, engineID, model); err != nil {
			return nil, err
		}
	} else if err := s.markLocalRunning(ctx, step, jr, expected); err != nil {
		return nil, err
	}

	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepStarted,
		Message:       fmt.Sprintf("step %q dispatched (%s)", step.StepName, mode),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata:      map[string]any{"mode": mode, "run_id": jr.RunID},
	})
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeJobDispatched,
		Message:       fmt.Sprintf("job %s dispatched for step %q", jr.RunID, step.StepName),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata:      map[string]any{"run_id": jr.RunID, "mode": mode, "windmill_job_id": jr.WindmillJobID},
	})
	s.logger.Info("step dispatched",
		"step_run_id", step.ID, "protocol_run_id", pr.ID, "mode", mode, "run_id", jr.RunID)

	if mode == job.ModeLocal {
		// Execution runs detached from the request so a client disconnect
		// cannot abort the step mid-flight.
		req := ExecuteRequest{StepRunID: step.ID, EngineID: engineID, Model: model, RunID: jr.RunID}
		bg := context.WithoutCancel(ctx)
		go func() {
			if _, err := s.executor.ExecuteStep(bg, req); err != nil {
				s.logger.Warn("step execution finished with error",
					"step_run_id", step.ID, "run_id", jr.RunID, "error", err)
			}
		}()
	}

	return s.store.GetStepRun(ctx, step.ID)
}

// markLocalRunning flips the step to running for local execution; the
// execution adapter owns all further transitions.
func (s *OrchestratorService) markLocalRunning(ctx context.Context, step *protocol.StepRun, jr *job.JobRun, expected []protocol.StepStatus) error {
	if s.executor == nil {
		s.failJob(ctx, jr, "no local executor configured")
		return fmt.Errorf("no local executor configured: %w", domain.ErrConfiguration)
	}
	if err := s.store.UpdateStepStatus(ctx, step.ID, expected, protocol.StepStatusRunning, ""); err != nil {
		s.failJob(ctx, jr, "step no longer dispatchable")
		return err
	}
	now := time.Now().UTC()
	jr.Status = job.StatusRunning
	jr.StartedAt = &now
	if err := s.store.UpdateJobRun(ctx, jr); err != nil {
		s.logger.Warn("mark job running", "run_id", jr.RunID, "error", err)
	}
	return nil
}

// dispatchExternal submits the job to the external executor, then flips the
// step to running. A crash between the two leaves the step pending with a
// live job, which reconciliation heals.
func (s *OrchestratorService) dispatchExternal(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, jr *job.JobRun, engineID, model string) error {
	script := pr.WindmillFlowID
	if script == "" {
		script = defaultStepScript
	}
	payload := map[string]any{
		"run_id":          jr.RunID,
		"step_run_id":     step.ID,
		"protocol_run_id": pr.ID,
		"project_id":      pr.ProjectID,
		"engine_id":       engineID,
		"model":           model,
		"prompt_file":     step.PromptFileName(),
		"protocol_root":   pr.ProtocolRoot,
		"worktree_path":   pr.WorktreePath,
	}

	windmillID, err := s.external.RunScript(ctx, script, payload)
	if err != nil {
		s.failJob(ctx, jr, err.Error())
		if !errors.Is(err, domain.ErrExternalExecutor) {
			err = fmt.Errorf("%s: %w", err, domain.ErrExternalExecutor)
		}
		return fmt.Errorf("dispatch step %d: %w", step.ID, err)
	}

	jr.WindmillJobID = windmillID
	if err := s.store.UpdateJobRun(ctx, jr); err != nil {
		s.logger.Warn("record windmill job id", "run_id", jr.RunID, "error", err)
	}

	expected := []protocol.StepStatus{protocol.StepStatusPending, protocol.StepStatusFailed,
		protocol.StepStatusTimeout, protocol.StepStatusBlocked}
	if err := s.store.UpdateStepStatus(ctx, step.ID, expected, protocol.StepStatusRunning, ""); err != nil {
		return err
	}
	return nil
}

// failJob marks the job run failed and logs the job_updated event carrying
// the dispatch error.
func (s *OrchestratorService) failJob(ctx context.Context, jr *job.JobRun, msg string) {
	now := time.Now().UTC()
	jr.Status = job.StatusFailed
	jr.Error = msg
	jr.FinishedAt = &now
	if err := s.store.UpdateJobRun(ctx, jr); err != nil {
		s.logger.Error("mark job failed", "run_id", jr.RunID, "error", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeJobUpdated,
		Message:       "job dispatch failed: " + msg,
		ProjectID:     jr.ProjectID,
		ProtocolRunID: jr.ProtocolRunID,
		StepRunID:     jr.StepRunID,
		Metadata:      map[string]any{"run_id": jr.RunID, "status": string(job.StatusFailed), "error": msg},
	})
}

// ensureDispatchable promotes the protocol to running where the op table
// allows it and rejects dispatch in any other status.
func (s *OrchestratorService) ensureDispatchable(ctx context.Context, pr *protocol.ProtocolRun) error {
	switch pr.Status {
	case protocol.StatusRunning:
		return nil
	case protocol.StatusPlanned:
		_, err := s.applyOp(ctx, pr.ID, protocol.OpStart, event.TypeProtocolStarted, "started")
		if err == nil {
			pr.Status = protocol.StatusRunning
		}
		return err
	case protocol.StatusBlocked:
		_, err := s.applyOp(ctx, pr.ID, protocol.OpResume, event.TypeProtocolResumed, "resumed")
		if err == nil {
			pr.Status = protocol.StatusRunning
		}
		return err
	default:
		return fmt.Errorf("cannot dispatch step while protocol is %q: %w", pr.Status, domain.ErrInvalidTransition)
	}
}

// dispatchPlanningJob submits the protocol's planning flow to the external
// executor. The run stays in planning until the planner reports back.
func (s *OrchestratorService) dispatchPlanningJob(ctx context.Context, pr *protocol.ProtocolRun) {
	jr := &job.JobRun{
		RunID:         uuid.NewString(),
		JobType:       job.TypePlanning,
		Status:        job.StatusQueued,
		Mode:          job.ModeExternal,
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Params: map[string]any{
			"protocol_name": pr.ProtocolName,
			"protocol_root": pr.ProtocolRoot,
		},
	}
	if err := s.store.CreateJobRun(ctx, jr); err != nil {
		s.logger.Error("create planning job", "protocol_run_id", pr.ID, "error", err)
		return
	}
	windmillID, err := s.external.RunScript(ctx, pr.WindmillFlowID, jr.Params)
	if err != nil {
		s.failJob(ctx, jr, err.Error())
		return
	}
	jr.WindmillJobID = windmillID
	if err := s.store.UpdateJobRun(ctx, jr); err != nil {
		s.logger.Warn("record planning job id", "run_id", jr.RunID, "error", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeJobDispatched,
		Message:       fmt.Sprintf("planning job dispatched for protocol run %d", pr.ID),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		Metadata:      map[string]any{"run_id": jr.RunID, "windmill_job_id": windmillID},
	})
}

// provisionWorkspace creates the run's git worktree when the project has a
// repository, falling back to the project's local path, and lays out the
// protocol root with a prompt scaffold per seeded step.
func (s *OrchestratorService) provisionWorkspace(ctx context.Context, pr *protocol.ProtocolRun) {
	proj, err := s.store.GetProject(ctx, pr.ProjectID)
	if err != nil {
		s.logger.Error("provision workspace: get project", "protocol_run_id", pr.ID, "error", err)
		return
	}

	worktree := ""
	if s.worktrees != nil && proj.GitURL != "" && proj.LocalPath != "" {
		path := git.WorktreePath(proj.LocalPath, pr.ID, pr.ProtocolName)
		branch := git.BranchName(pr.ID, pr.ProtocolName)
		if err := s.worktrees.AddWorktree(ctx, proj.LocalPath, path, branch, pr.BaseBranch); err != nil {
			s.logger.Warn("worktree provisioning failed, running in project path",
				"protocol_run_id", pr.ID, "error", err)
		} else {
			worktree = path
		}
	}

	root := s.protocolRoot(proj, pr, worktree)
	if worktree == "" && root == "" {
		return
	}
	if err := s.store.UpdateProtocolPaths(ctx, pr.ID, worktree, root); err != nil {
		s.logger.Error("update protocol paths", "protocol_run_id", pr.ID, "error", err)
		return
	}
	pr.WorktreePath = worktree
	pr.ProtocolRoot = root
	if root != "" {
		s.seedPromptFiles(pr, root)
	}
}

// protocolRoot resolves and creates the directory holding the run's prompt
// files and artifacts. It lives under the project's local path so every
// worktree of the repository shares it.
func (s *OrchestratorService) protocolRoot(proj *project.Project, pr *protocol.ProtocolRun, worktree string) string {
	base := proj.LocalPath
	if base == "" {
		base = worktree
	}
	if base == "" {
		return ""
	}
	root := filepath.Join(base, ".protocols", pr.ProtocolName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		s.logger.Warn("create protocol root", "path", root, "error", err)
		return ""
	}
	return root
}

// seedPromptFiles writes a scaffold prompt for each step that has none yet.
// Existing files are the planner's (or the operator's) and are kept.
func (s *OrchestratorService) seedPromptFiles(pr *protocol.ProtocolRun, root string) {
	for i := range pr.Steps {
		st := &pr.Steps[i]
		path := filepath.Join(root, st.PromptFileName())
		if _, err := os.Stat(path); err == nil {
			continue
		}
		content := fmt.Sprintf("# %s\n\nStep %d of protocol %q (%s).\n",
			st.StepName, st.StepIndex, pr.ProtocolName, st.StepType)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			s.logger.Warn("seed prompt file", "path", path, "error", err)
		}
	}
}

// GetProtocolRun loads one run with its steps.
func (s *OrchestratorService) GetProtocolRun(ctx context.Context, id int64) (*protocol.ProtocolRun, error) {
	return s.store.GetProtocolRun(ctx, id)
}

// ListProtocolRuns lists runs, optionally scoped to one project.
func (s *OrchestratorService) ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.ProtocolRun, error) {
	return s.store.ListProtocolRuns(ctx, projectID)
}

// GetStepRun loads one step.
func (s *OrchestratorService) GetStepRun(ctx context.Context, id int64) (*protocol.StepRun, error) {
	return s.store.GetStepRun(ctx, id)
}

// ListStepRuns lists the steps of one run ordered by step index.
func (s *OrchestratorService) ListStepRuns(ctx context.Context, protocolRunID int64) ([]protocol.StepRun, error) {
	return s.store.ListStepRuns(ctx, protocolRunID)
}

// GetJobRun loads one dispatch record.
func (s *OrchestratorService) GetJobRun(ctx context.Context, runID string) (*job.JobRun, error) {
	return s.store.GetJobRun(ctx, runID)
}

// ListJobRuns lists dispatch records matching the filter, newest first.
func (s *OrchestratorService) ListJobRuns(ctx context.Context, f job.ListFilter) ([]job.JobRun, error) {
	return s.store.ListJobRuns(ctx, f)
}

// ListProtocolArtifacts lists every artifact attached to a run's steps.
func (s *OrchestratorService) ListProtocolArtifacts(ctx context.Context, protocolRunID int64) ([]artifact.Artifact, error) {
	return s.store.ListArtifactsByProtocol(ctx, protocolRunID)
}

// ListRunArtifacts lists the artifacts of one job run.
func (s *OrchestratorService) ListRunArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	return s.store.ListArtifactsByRun(ctx, runID)
}

// GetRunArtifact loads an artifact of a job run by name.
func (s *OrchestratorService) GetRunArtifact(ctx context.Context, runID, name string) (*artifact.Artifact, error) {
	return s.store.GetArtifactByName(ctx, runID, name)
}

// anyStepIn reports whether any step is in one of the given statuses.
func anyStepIn(steps []protocol.StepRun, statuses ...protocol.StepStatus) bool {
	for i := range steps {
		for _, st := range statuses {
			if steps[i].Status == st {
				return true
			}
		}
	}
	return false
}

// earliestPending returns the pending step with the lowest step index.
func earliestPending(steps []protocol.StepRun) *protocol.StepRun {
	var next *protocol.StepRun
	for i := range steps {
		if steps[i].Status != protocol.StepStatusPending {
			continue
		}
		if next == nil || steps[i].StepIndex < next.StepIndex {
			next = &steps[i]
		}
	}
	return next
}
