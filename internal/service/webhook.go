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
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
)

// WindmillJobEvent is the payload the external executor's flows post back on
// job status changes.
type WindmillJobEvent struct {
	WindmillJobID string         `json:"windmill_job_id"`
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// WebhookService ingests external status callbacks. Webhook processing never
// fails the caller: unusable payloads are recorded and dropped so the sender
// does not retry forever.
type WebhookService struct {
	store    database.Store
	bus      *bus.Bus
	projects *ProjectService
	logger   *slog.Logger
	metrics  *dgotel.Metrics

	onJobSucceeded func(ctx context.Context, stepRunID int64)
}

// NewWebhookService creates a WebhookService.
func NewWebhookService(store database.Store, b *bus.Bus, projects *ProjectService, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{store: store, bus: b, projects: projects, logger: logger}
}

// SetOnJobSucceeded registers the callback invoked when a step-execution job
// reports success. The orchestrator wires it to RunStepQA.
func (s *WebhookService) SetOnJobSucceeded(fn func(ctx context.Context, stepRunID int64)) {
	s.onJobSucceeded = fn
}

// SetMetrics attaches the pipeline metric instruments.
func (s *WebhookService) SetMetrics(m *dgotel.Metrics) {
	s.metrics = m
}

// HandleWindmillJob applies one job status callback. Redeliveries of the
// current status are no-ops without events; callbacks for unknown jobs are
// recorded as orphans and dropped.
func (s *WebhookService) HandleWindmillJob(ctx context.Context, payload WindmillJobEvent) (*job.JobRun, error) {
	if payload.WindmillJobID == "" {
		s.logger.Warn("windmill webhook without job id")
		return nil, nil
	}
	status, ok := job.NormalizeWebhookStatus(payload.Status)
	if !ok {
		s.logger.Warn("windmill webhook with unknown status",
			"windmill_job_id", payload.WindmillJobID, "status", payload.Status)
		return nil, nil
	}

	jr, err := s.store.GetJobRunByWindmillID(ctx, payload.WindmillJobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			publish(ctx, s.bus, &event.Event{
				Type:     event.TypeWebhookOrphanJob,
				Message:  fmt.Sprintf("webhook for unknown windmill job %s", payload.WindmillJobID),
				Metadata: map[string]any{"windmill_job_id": payload.WindmillJobID, "status": payload.Status},
			})
			s.logger.Warn("webhook for unknown job", "windmill_job_id", payload.WindmillJobID)
			return nil, nil
		}
		return nil, err
	}
	if jr.Status == status {
		// Same-status redelivery changes nothing and logs nothing.
		return jr, nil
	}

	previous := jr.Status
	now := time.Now().UTC()
	jr.Status = status
	if payload.Result != nil {
		jr.Result = payload.Result
	}
	if payload.Error != "" {
		jr.Error = payload.Error
	}
	if status == job.StatusRunning && jr.StartedAt == nil {
		jr.StartedAt = &now
	}
	if status.IsTerminal() && jr.FinishedAt == nil {
		jr.FinishedAt = &now
	}
	if err := s.store.UpdateJobRun(ctx, jr); err != nil {
		return nil, fmt.Errorf("update job run: %w", err)
	}

	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeWebhookReceived,
		Message:       fmt.Sprintf("job %s reported %s", jr.RunID, status),
		ProjectID:     jr.ProjectID,
		ProtocolRunID: jr.ProtocolRunID,
		StepRunID:     jr.StepRunID,
		Metadata: map[string]any{
			"previous":        string(previous),
			"new":             string(status),
			"windmill_job_id": jr.WindmillJobID,
		},
	})
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeJobUpdated,
		Message:       fmt.Sprintf("job %s %s", jr.RunID, status),
		ProjectID:     jr.ProjectID,
		ProtocolRunID: jr.ProtocolRunID,
		StepRunID:     jr.StepRunID,
		Metadata:      map[string]any{"run_id": jr.RunID, "status": string(status)},
	})
	s.logger.Info("webhook applied",
		"windmill_job_id", jr.WindmillJobID, "previous", previous, "status", status)
	if s.metrics != nil {
		s.metrics.WebhooksReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", "windmill"),
			attribute.String("status", string(status)),
		))
	}

	switch jr.JobType {
	case job.TypeStepExecution:
		s.propagateToStep(ctx, jr, status)
	case job.TypePlanning:
		s.propagateToPlanning(ctx, jr, status)
	}
	return jr, nil
}

// propagateToStep mirrors the job's new status onto its step.
func (s *WebhookService) propagateToStep(ctx context.Context, jr *job.JobRun, status job.Status) {
	if jr.StepRunID == nil {
		return
	}
	stepID := *jr.StepRunID

	switch status {
	case job.StatusRunning:
		s.promoteStep(ctx, jr, stepID)
	case job.StatusSucceeded:
		// The dispatch may have crashed before flipping the step; promote it
		// so qa can proceed.
		s.promoteStep(ctx, jr, stepID)
		if s.onJobSucceeded != nil {
			s.onJobSucceeded(ctx, stepID)
		}
	case job.StatusFailed:
		expected := []protocol.StepStatus{protocol.StepStatusPending, protocol.StepStatusRunning, protocol.StepStatusNeedsQA}
		reason := jr.Error
		if reason == "" {
			reason = "external job failed"
		}
		if err := s.store.UpdateStepStatus(ctx, stepID, expected, protocol.StepStatusFailed, reason); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				s.logger.Warn("propagate job failure", "step_run_id", stepID, "error", err)
			}
			return
		}
		publish(ctx, s.bus, &event.Event{
			Type:          event.TypeStepFailed,
			Message:       fmt.Sprintf("step %d failed: %s", stepID, reason),
			ProjectID:     jr.ProjectID,
			ProtocolRunID: jr.ProtocolRunID,
			StepRunID:     &stepID,
			Metadata:      map[string]any{"windmill_job_id": jr.WindmillJobID, "error": reason},
		})
	case job.StatusCancelled:
		expected := []protocol.StepStatus{protocol.StepStatusPending, protocol.StepStatusRunning,
			protocol.StepStatusNeedsQA, protocol.StepStatusBlocked}
		if err := s.store.UpdateStepStatus(ctx, stepID, expected, protocol.StepStatusCancelled, "external job cancelled"); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				s.logger.Warn("propagate job cancellation", "step_run_id", stepID, "error", err)
			}
		}
	}
}

// promoteStep advances a pending step to running, logging step_started only
// when the flip happened here.
func (s *WebhookService) promoteStep(ctx context.Context, jr *job.JobRun, stepID int64) {
	err := s.store.UpdateStepStatus(ctx, stepID, []protocol.StepStatus{protocol.StepStatusPending}, protocol.StepStatusRunning, "")
	switch {
	case err == nil:
		publish(ctx, s.bus, &event.Event{
			Type:          event.TypeStepStarted,
			Message:       fmt.Sprintf("step %d running on external executor", stepID),
			ProjectID:     jr.ProjectID,
			ProtocolRunID: jr.ProtocolRunID,
			StepRunID:     &stepID,
			Metadata:      map[string]any{"windmill_job_id": jr.WindmillJobID, "mode": job.ModeExternal},
		})
	case errors.Is(err, domain.ErrConflict):
		// Already past pending.
	default:
		s.logger.Warn("promote step", "step_run_id", stepID, "error", err)
	}
}

// propagateToPlanning settles the protocol when its external planning job
// finishes: success with seeded steps means planned, failure blocks the run.
func (s *WebhookService) propagateToPlanning(ctx context.Context, jr *job.JobRun, status job.Status) {
	if jr.ProtocolRunID == nil {
		return
	}
	prID := *jr.ProtocolRunID

	switch status {
	case job.StatusSucceeded:
		pr, err := s.store.GetProtocolRun(ctx, prID)
		if err != nil {
			s.logger.Warn("load protocol after planning", "protocol_run_id", prID, "error", err)
			return
		}
		if len(pr.Steps) == 0 {
			s.logger.Warn("planning job succeeded without steps", "protocol_run_id", prID)
			return
		}
		if err := s.store.UpdateProtocolStatus(ctx, prID, []protocol.Status{protocol.StatusPlanning}, protocol.StatusPlanned); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				s.logger.Warn("mark protocol planned", "protocol_run_id", prID, "error", err)
			}
			return
		}
		publish(ctx, s.bus, &event.Event{
			Type:          event.TypeProtocolPlanned,
			Message:       fmt.Sprintf("protocol run %q planned with %d steps", pr.ProtocolName, len(pr.Steps)),
			ProjectID:     &pr.ProjectID,
			ProtocolRunID: &prID,
			Metadata:      map[string]any{"steps": len(pr.Steps)},
		})
	case job.StatusFailed:
		if err := s.store.UpdateProtocolStatus(ctx, prID, []protocol.Status{protocol.StatusPlanning}, protocol.StatusBlocked); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				s.logger.Warn("block protocol after planning failure", "protocol_run_id", prID, "error", err)
			}
			return
		}
		publish(ctx, s.bus, &event.Event{
			Type:          event.TypeProtocolBlocked,
			Message:       "protocol run blocked: planning job failed",
			ProjectID:     jr.ProjectID,
			ProtocolRunID: &prID,
			Metadata:      map[string]any{"windmill_job_id": jr.WindmillJobID, "error": jr.Error},
		})
	}
}

// HandleCIEvent records a CI notification from a source forge. Unmatched
// repositories are ignored rather than erroring so forges do not retry.
func (s *WebhookService) HandleCIEvent(ctx context.Context, provider, repoURL string, payload map[string]any) (string, error) {
	if repoURL == "" {
		return "ignored", nil
	}
	proj, err := s.projects.ResolveByRepoURL(ctx, repoURL)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrValidation) {
			s.logger.Warn("resolve ci event project", "provider", provider, "repo_url", repoURL, "error", err)
		}
		return "ignored", nil
	}

	meta := map[string]any{"provider": provider, "repo_url": repoURL}
	for _, k := range []string{"event", "ref", "status", "pipeline_id", "workflow"} {
		if v, ok := payload[k]; ok {
			meta[k] = v
		}
	}
	publish(ctx, s.bus, &event.Event{
		Type:      event.TypeCIEvent,
		Message:   fmt.Sprintf("%s ci event for project %q", provider, proj.Name),
		ProjectID: &proj.ID,
		Metadata:  meta,
	})
	s.logger.Info("ci event recorded", "provider", provider, "project_id", proj.ID)
	if s.metrics != nil {
		s.metrics.WebhooksReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", provider),
		))
	}
	return "ok", nil
}
