package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dgotel "github.com/devgodzilla/devgodzilla/internal/adapter/otel"
	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/resilience"
	"github.com/devgodzilla/devgodzilla/internal/secrets"
)

const (
	defaultEngineID    = "opencode"
	defaultStepTimeout = 15 * time.Minute
)

// blockedMarkers are matched case-insensitively against engine output lines
// to detect an agent that stopped for input rather than failed.
var blockedMarkers = []string{
	"clarification needed",
	"needs clarification",
	"blocked:",
	"cannot proceed without",
	"need more information",
}

// ExecuteRequest identifies one step execution. EngineID and Model override
// the step's own assignment; RunID names the JobRun tracking the dispatch.
type ExecuteRequest struct {
	StepRunID int64
	EngineID  string
	Model     string
	RunID     string
}

// ExecuteResult summarizes one finished execution. Exactly one of Success,
// Blocked, or TimedOut is set unless the engine failed outright.
type ExecuteResult struct {
	Success  bool
	Blocked  bool
	TimedOut bool
	ExitCode int
	EngineID string
	LogPath  string
	Duration time.Duration
}

// ExecutionService runs a step's prompt through a registered agent engine in
// the run's workspace and records outcome, logs, and artifacts.
type ExecutionService struct {
	store   database.Store
	bus     *bus.Bus
	cfg     config.Engines
	storage config.Storage
	logger  *slog.Logger
	vault   *secrets.Vault
	metrics *dgotel.Metrics

	onExecuted func(ctx context.Context, stepRunID int64)
}

// NewExecutionService creates an ExecutionService.
func NewExecutionService(store database.Store, b *bus.Bus, cfg config.Engines, storage config.Storage, logger *slog.Logger) *ExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionService{store: store, bus: b, cfg: cfg, storage: storage, logger: logger}
}

// SetOnExecuted registers the callback invoked after a successful execution,
// while the step is still running. The orchestrator wires it to RunStepQA.
func (s *ExecutionService) SetOnExecuted(fn func(ctx context.Context, stepRunID int64)) {
	s.onExecuted = fn
}

// SetVault attaches the process secret vault. When set, captured engine
// output is redacted before it reaches the job log, and block questions are
// redacted before they become clarifications.
func (s *ExecutionService) SetVault(v *secrets.Vault) {
	s.vault = v
}

// SetMetrics attaches the pipeline metric instruments.
func (s *ExecutionService) SetMetrics(m *dgotel.Metrics) {
	s.metrics = m
}

// ExecuteStep drives one running step through its engine. The step must
// already be in running; on return it is still running (ready for qa),
// blocked, failed, or timed out. Subprocess failures are recorded on the
// step and job, not returned, so a non-zero exit is a nil error.
func (s *ExecutionService) ExecuteStep(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	step, err := s.store.GetStepRun(ctx, req.StepRunID)
	if err != nil {
		return nil, err
	}
	if step.Status != protocol.StepStatusRunning {
		return nil, fmt.Errorf("step %d is %q, not running: %w", step.ID, step.Status, domain.ErrInvalidTransition)
	}
	pr, err := s.store.GetProtocolRun(ctx, step.ProtocolRunID)
	if err != nil {
		return nil, err
	}
	proj, err := s.store.GetProject(ctx, pr.ProjectID)
	if err != nil {
		return nil, err
	}

	var jr *job.JobRun
	if req.RunID != "" {
		if jr, err = s.store.GetJobRun(ctx, req.RunID); err != nil {
			s.logger.Warn("load job run", "run_id", req.RunID, "error", err)
			jr = nil
		}
	}

	engineID := s.resolveEngine(req.EngineID, step, proj)
	eng, ok := engine.Get(engineID)
	if !ok || !eng.CheckAvailability(ctx) {
		return nil, s.blockOnAgent(ctx, pr, step, jr, engineID)
	}
	if err := s.store.UpdateStepRuntimeState(ctx, step.ID, map[string]any{protocol.RuntimeKeyEngineID: engineID}); err != nil {
		s.logger.Warn("record engine id", "step_run_id", step.ID, "error", err)
	}

	prompt, err := s.loadPrompt(pr, step)
	if err != nil {
		s.failStep(ctx, pr, step, jr, 0, engineID, err.Error())
		return nil, err
	}
	workDir := pr.WorktreePath
	if workDir == "" {
		workDir = proj.LocalPath
	}
	if workDir == "" {
		err := fmt.Errorf("project %d has no worktree or local path: %w", proj.ID, domain.ErrValidation)
		s.failStep(ctx, pr, step, jr, 0, engineID, err.Error())
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = step.Model
	}
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	logPath, logFile, err := s.openLog(step.ID, req.RunID)
	if err != nil {
		s.failStep(ctx, pr, step, jr, 0, engineID, err.Error())
		return nil, err
	}
	defer logFile.Close()
	if jr != nil {
		jr.LogPath = logPath
		if err := s.store.UpdateJobRun(ctx, jr); err != nil {
			s.logger.Warn("record log path", "run_id", jr.RunID, "error", err)
		}
	}

	var logSink io.Writer = logFile
	var redactor *secrets.Writer
	if s.vault != nil {
		redactor = secrets.NewWriter(logFile, s.vault)
		logSink = redactor
	}

	execCtx, span := dgotel.StartStepSpan(ctx, step.ID, engineID)
	var res *engine.ExecResult
	attempts := 0
	execErr := resilience.Retry(execCtx, resilience.MaxRetryAttempts, time.Second, func() error {
		attempts++
		var err error
		res, err = eng.Execute(execCtx, engine.ExecRequest{
			Prompt:  prompt,
			WorkDir: workDir,
			Model:   model,
			Timeout: timeout,
			Stdout:  logSink,
			Stderr:  logSink,
		})
		return err
	})
	dgotel.EndSpan(span, execErr)
	if redactor != nil {
		if err := redactor.Flush(); err != nil {
			s.logger.Warn("flush log redactor", "step_run_id", step.ID, "error", err)
		}
	}
	if attempts > 1 {
		if err := s.store.UpdateStepRuntimeState(ctx, step.ID, map[string]any{"transient_retries": attempts - 1}); err != nil {
			s.logger.Warn("record transient retries", "step_run_id", step.ID, "error", err)
		}
	}

	var duration time.Duration
	if res != nil {
		duration = res.Duration
	}

	switch {
	case errors.Is(execErr, domain.ErrTimeout):
		s.timeoutStep(ctx, pr, step, jr, engineID, timeout)
		s.recordStepMetrics(ctx, engineID, "timeout", duration)
		return &ExecuteResult{TimedOut: true, EngineID: engineID, LogPath: logPath, Duration: duration},
			fmt.Errorf("execute step %d: %w", step.ID, execErr)
	case errors.Is(execErr, domain.ErrAgentUnavailable):
		return nil, s.blockOnAgent(ctx, pr, step, jr, engineID)
	case execErr != nil:
		s.failStep(ctx, pr, step, jr, -1, engineID, execErr.Error())
		s.recordStepMetrics(ctx, engineID, "error", duration)
		return nil, fmt.Errorf("execute step %d: %w", step.ID, execErr)
	}

	// The subprocess finished: a block marker takes precedence over the exit
	// code, since an agent asking for input often exits non-zero.
	if question, blocked := detectBlock(res.Stdout, res.Stderr); blocked {
		if s.vault != nil {
			question = s.vault.RedactString(question)
		}
		s.blockOnOutput(ctx, pr, step, jr, engineID, question)
		s.recordStepMetrics(ctx, engineID, "blocked", res.Duration)
		return &ExecuteResult{Blocked: true, ExitCode: res.ExitCode, EngineID: engineID, LogPath: logPath, Duration: res.Duration}, nil
	}
	if res.ExitCode != 0 {
		s.failStep(ctx, pr, step, jr, res.ExitCode, engineID, fmt.Sprintf("engine %s exited with code %d", engineID, res.ExitCode))
		s.recordStepMetrics(ctx, engineID, "failed", res.Duration)
		return &ExecuteResult{ExitCode: res.ExitCode, EngineID: engineID, LogPath: logPath, Duration: res.Duration}, nil
	}

	s.recordArtifacts(ctx, pr, step, req.RunID, logPath)
	s.finishJob(ctx, jr, job.StatusSucceeded, map[string]any{
		"exit_code":   0,
		"engine_id":   engineID,
		"duration_ms": res.Duration.Milliseconds(),
	}, "")
	s.logger.Info("step executed",
		"step_run_id", step.ID, "engine_id", engineID, "duration", res.Duration)
	s.recordStepMetrics(ctx, engineID, "succeeded", res.Duration)

	if s.onExecuted != nil {
		s.onExecuted(ctx, step.ID)
	}
	return &ExecuteResult{Success: true, EngineID: engineID, LogPath: logPath, Duration: res.Duration}, nil
}

// recordStepMetrics counts one finished execution and records its duration.
func (s *ExecutionService) recordStepMetrics(ctx context.Context, engineID, outcome string, d time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.StepsExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("outcome", outcome),
	))
	s.metrics.StepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("engine", engineID),
	))
}

// resolveEngine walks the resolution chain: explicit override, step
// assignment, project stage policy, configured stage default, configured
// global default, built-in default.
func (s *ExecutionService) resolveEngine(explicit string, step *protocol.StepRun, proj *project.Project) string {
	if explicit != "" {
		return explicit
	}
	if step.AssignedAgent != "" {
		return step.AssignedAgent
	}
	stage := stageForStep(step.StepType)
	if id := projectStageEngine(proj, stage); id != "" {
		return id
	}
	if id := s.cfg.StageDefaults[stage]; id != "" {
		return id
	}
	if s.cfg.DefaultID != "" {
		return s.cfg.DefaultID
	}
	return defaultEngineID
}

// stageForStep maps planner step types onto policy stage names. Custom step
// types are their own stage.
func stageForStep(stepType string) string {
	switch stepType {
	case protocol.StepTypePlan:
		return "planning"
	case protocol.StepTypeExecute:
		return "code_gen"
	case protocol.StepTypeQA:
		return "qa"
	case protocol.StepTypePR:
		return "pr"
	}
	return stepType
}

// projectStageEngine reads the project's per-stage engine policy override.
func projectStageEngine(proj *project.Project, stage string) string {
	m, ok := proj.PolicyOverrides["engines"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m[stage].(string)
	return id
}

// loadPrompt reads the step's prompt file from the protocol root, prepending
// the protocol's template for the step type when one is configured.
func (s *ExecutionService) loadPrompt(pr *protocol.ProtocolRun, step *protocol.StepRun) (string, error) {
	if pr.ProtocolRoot == "" {
		return "", fmt.Errorf("protocol run %d has no protocol root: %w", pr.ID, domain.ErrValidation)
	}
	path := filepath.Join(pr.ProtocolRoot, step.PromptFileName())
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, domain.ErrValidation)
	}
	prompt := string(raw)
	if tpl, ok := pr.TemplateConfig[step.StepType].(string); ok && tpl != "" {
		prompt = tpl + "\n\n" + prompt
	}
	return prompt, nil
}

// openLog creates the append-only log file capturing the engine's combined
// output for this run.
func (s *ExecutionService) openLog(stepID int64, runID string) (string, *os.File, error) {
	dir := s.storage.LogDir
	if dir == "" {
		dir = "data/logs"
	}
	dir = filepath.Join(dir, "steps", fmt.Sprintf("%d", stepID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create log dir: %w", err)
	}
	if runID == "" {
		runID = fmt.Sprintf("adhoc-%d", time.Now().UnixNano())
	}
	path := filepath.Join(dir, runID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("open log file: %w", err)
	}
	return path, f, nil
}

// detectBlock scans engine output for block markers and returns the first
// matching line as the clarification question.
func detectBlock(stdout, stderr string) (string, bool) {
	for _, text := range []string{stdout, stderr} {
		for _, line := range strings.Split(text, "\n") {
			l := strings.ToLower(line)
			for _, m := range blockedMarkers {
				if !strings.Contains(l, m) {
					continue
				}
				q := strings.TrimSpace(line)
				if len(q) > 500 {
					q = q[:500]
				}
				return q, true
			}
		}
	}
	return "", false
}

// blockOnAgent blocks the step because no usable engine exists and raises a
// blocking clarification telling the operator what to fix.
func (s *ExecutionService) blockOnAgent(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, jr *job.JobRun, engineID string) error {
	question := fmt.Sprintf("Engine %q is not available. Install it, fix its credentials, or assign a different engine, then retry the step.", engineID)
	s.blockStep(ctx, pr, step, jr, engineID, "agent_unavailable", question, job.StatusFailed, nil, "engine unavailable")
	return fmt.Errorf("engine %q unavailable for step %d: %w", engineID, step.ID, domain.ErrAgentUnavailable)
}

// blockOnOutput blocks the step because the agent asked for input. The job
// itself succeeded; its result carries the blocked flag.
func (s *ExecutionService) blockOnOutput(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, jr *job.JobRun, engineID, question string) {
	s.blockStep(ctx, pr, step, jr, engineID, "execution_blocked", question,
		job.StatusSucceeded, map[string]any{"blocked": true}, "")
}

// blockStep flips the step to blocked, upserts the blocking clarification
// keyed to the step, and settles the job.
func (s *ExecutionService) blockStep(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, jr *job.JobRun, engineID, key, question string, jobStatus job.Status, result map[string]any, jobErr string) {
	if err := s.store.UpdateStepStatus(ctx, step.ID, []protocol.StepStatus{protocol.StepStatusRunning}, protocol.StepStatusBlocked, question); err != nil {
		s.logger.Warn("mark step blocked", "step_run_id", step.ID, "error", err)
	}

	c, created, err := s.store.UpsertClarification(ctx, &clarif.UpsertRequest{
		Scope:         fmt.Sprintf("step_run:%d", step.ID),
		Key:           key,
		ProjectID:     pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Question:      question,
		AppliesTo:     clarif.AppliesToExecution,
		Blocking:      true,
	})
	if err != nil {
		s.logger.Error("upsert clarification", "step_run_id", step.ID, "error", err)
	} else {
		publish(ctx, s.bus, &event.Event{
			Type:          event.TypeClarificationUpserted,
			Message:       question,
			ProjectID:     &pr.ProjectID,
			ProtocolRunID: &pr.ID,
			StepRunID:     &step.ID,
			Metadata:      map[string]any{"clarification_id": c.ID, "key": key, "created": created},
		})
	}

	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepBlocked,
		Message:       fmt.Sprintf("step %q blocked: %s", step.StepName, question),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata:      map[string]any{"engine_id": engineID, "reason": key},
	})
	s.finishJob(ctx, jr, jobStatus, result, jobErr)
	s.logger.Info("step blocked", "step_run_id", step.ID, "engine_id", engineID, "reason", key)
}

// failStep records a failed execution on the step and the job.
func (s *ExecutionService) failStep(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, jr *job.JobRun, exitCode int, engineID, reason string) {
	if err := s.store.UpdateStepStatus(ctx, step.ID, []protocol.StepStatus{protocol.StepStatusRunning}, protocol.StepStatusFailed, reason); err != nil {
		s.logger.Warn("mark step failed", "step_run_id", step.ID, "error", err)
	}
	if err := s.store.UpdateStepRuntimeState(ctx, step.ID, map[string]any{protocol.RuntimeKeyLastError: reason}); err != nil {
		s.logger.Warn("record last error", "step_run_id", step.ID, "error", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepFailed,
		Message:       fmt.Sprintf("step %q failed: %s", step.StepName, reason),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata:      map[string]any{"engine_id": engineID, "exit_code": exitCode, "error": reason},
	})
	s.finishJob(ctx, jr, job.StatusFailed, map[string]any{"exit_code": exitCode}, reason)
	s.logger.Warn("step failed", "step_run_id", step.ID, "engine_id", engineID, "reason", reason)
}

// timeoutStep records a wall-clock expiry on the step and the job.
func (s *ExecutionService) timeoutStep(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, jr *job.JobRun, engineID string, timeout time.Duration) {
	reason := fmt.Sprintf("engine %s exceeded %s", engineID, timeout)
	if err := s.store.UpdateStepStatus(ctx, step.ID, []protocol.StepStatus{protocol.StepStatusRunning}, protocol.StepStatusTimeout, reason); err != nil {
		s.logger.Warn("mark step timeout", "step_run_id", step.ID, "error", err)
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeStepTimeout,
		Message:       fmt.Sprintf("step %q timed out after %s", step.StepName, timeout),
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		Metadata:      map[string]any{"engine_id": engineID, "timeout_seconds": timeout.Seconds()},
	})
	s.finishJob(ctx, jr, job.StatusFailed, nil, reason)
	s.logger.Warn("step timed out", "step_run_id", step.ID, "engine_id", engineID, "timeout", timeout)
}

// finishJob settles the job run and logs the job_updated event. jr may be
// nil for ad hoc executions.
func (s *ExecutionService) finishJob(ctx context.Context, jr *job.JobRun, status job.Status, result map[string]any, errMsg string) {
	if jr == nil {
		return
	}
	now := time.Now().UTC()
	jr.Status = status
	jr.Result = result
	jr.Error = errMsg
	jr.FinishedAt = &now
	if err := s.store.UpdateJobRun(ctx, jr); err != nil {
		s.logger.Error("update job run", "run_id", jr.RunID, "error", err)
	}
	meta := map[string]any{"run_id": jr.RunID, "status": string(status)}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeJobUpdated,
		Message:       fmt.Sprintf("job %s %s", jr.RunID, status),
		ProjectID:     jr.ProjectID,
		ProtocolRunID: jr.ProtocolRunID,
		StepRunID:     jr.StepRunID,
		Metadata:      meta,
	})
}

// recordArtifacts stores the execution log and indexes every extra file the
// agent left in the step's artifact directory.
func (s *ExecutionService) recordArtifacts(ctx context.Context, pr *protocol.ProtocolRun, step *protocol.StepRun, runID, logPath string) {
	if logPath != "" {
		var bytes int64
		if info, err := os.Stat(logPath); err == nil {
			bytes = info.Size()
		}
		a := &artifact.Artifact{
			RunID:     runID,
			StepRunID: &step.ID,
			Name:      "execution.log",
			Kind:      artifact.KindLog,
			Path:      logPath,
			Bytes:     bytes,
		}
		if err := s.store.CreateArtifact(ctx, a); err != nil {
			s.logger.Warn("record log artifact", "step_run_id", step.ID, "error", err)
		}
	}

	if pr.ProtocolRoot == "" {
		return
	}
	dir := filepath.Join(pr.ProtocolRoot, ".devgodzilla", "steps", fmt.Sprintf("%d", step.ID), "artifacts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // no artifact directory is the common case
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		a := &artifact.Artifact{
			RunID:     runID,
			StepRunID: &step.ID,
			Name:      entry.Name(),
			Kind:      artifactKind(entry.Name()),
			Path:      filepath.Join(dir, entry.Name()),
			Bytes:     info.Size(),
		}
		if err := s.store.CreateArtifact(ctx, a); err != nil {
			s.logger.Warn("record artifact", "name", entry.Name(), "step_run_id", step.ID, "error", err)
		}
	}
}

// artifactKind classifies an artifact file by extension.
func artifactKind(name string) artifact.Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".diff", ".patch":
		return artifact.KindDiff
	case ".json":
		return artifact.KindJSON
	case ".md", ".html":
		return artifact.KindReport
	case ".txt", ".log":
		return artifact.KindText
	}
	return artifact.KindFile
}
