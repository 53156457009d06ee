package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
)

// ClarificationService answers and dismisses the durable questions agents
// raise when they cannot proceed.
type ClarificationService struct {
	store  database.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewClarificationService creates a ClarificationService.
func NewClarificationService(store database.Store, b *bus.Bus, logger *slog.Logger) *ClarificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClarificationService{store: store, bus: b, logger: logger}
}

// GetClarification loads one clarification.
func (s *ClarificationService) GetClarification(ctx context.Context, id int64) (*clarif.Clarification, error) {
	return s.store.GetClarification(ctx, id)
}

// ListClarifications lists clarifications matching the filter.
func (s *ClarificationService) ListClarifications(ctx context.Context, f clarif.ListFilter) ([]clarif.Clarification, error) {
	return s.store.ListClarifications(ctx, f)
}

// ListOpenClarifications lists open clarifications, optionally scoped to one
// protocol run.
func (s *ClarificationService) ListOpenClarifications(ctx context.Context, protocolRunID *int64) ([]clarif.Clarification, error) {
	return s.store.ListClarifications(ctx, clarif.ListFilter{
		ProtocolRunID: protocolRunID,
		Status:        clarif.StatusOpen,
	})
}

// AnswerClarification records the answer and, for a blocking clarification
// attached to a step, requeues the blocked step so it can be dispatched
// again with the answer available.
func (s *ClarificationService) AnswerClarification(ctx context.Context, id int64, req clarif.AnswerRequest) (*clarif.Clarification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c, err := s.store.AnswerClarification(ctx, id, req.Answer, req.AnsweredBy)
	if err != nil {
		return nil, err
	}

	requeued := false
	if c.Blocking && c.StepRunID != nil {
		expected := []protocol.StepStatus{protocol.StepStatusBlocked}
		err := s.store.UpdateStepStatus(ctx, *c.StepRunID, expected, protocol.StepStatusPending, "clarification answered")
		switch {
		case err == nil:
			requeued = true
		case errors.Is(err, domain.ErrConflict):
			// The step moved on without the answer; nothing to requeue.
		default:
			s.logger.Warn("requeue step after answer", "step_run_id", *c.StepRunID, "error", err)
		}
	}

	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeClarificationAnswered,
		Message:       fmt.Sprintf("clarification %d answered by %s", c.ID, c.AnsweredBy),
		ProjectID:     &c.ProjectID,
		ProtocolRunID: c.ProtocolRunID,
		StepRunID:     c.StepRunID,
		Metadata:      map[string]any{"clarification_id": c.ID, "answered_by": c.AnsweredBy, "step_requeued": requeued},
	})
	s.logger.Info("clarification answered",
		"clarification_id", c.ID, "answered_by", c.AnsweredBy, "step_requeued", requeued)
	return c, nil
}

// DismissClarification closes a clarification without an answer. A dismissed
// blocking clarification does not requeue its step.
func (s *ClarificationService) DismissClarification(ctx context.Context, id int64) (*clarif.Clarification, error) {
	c, err := s.store.DismissClarification(ctx, id)
	if err != nil {
		return nil, err
	}
	publish(ctx, s.bus, &event.Event{
		Type:          event.TypeClarificationDismissed,
		Message:       fmt.Sprintf("clarification %d dismissed", c.ID),
		ProjectID:     &c.ProjectID,
		ProtocolRunID: c.ProtocolRunID,
		StepRunID:     c.StepRunID,
		Metadata:      map[string]any{"clarification_id": c.ID},
	})
	s.logger.Info("clarification dismissed", "clarification_id", c.ID)
	return c, nil
}
