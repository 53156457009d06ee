package service

import (
	"context"
	"slices"

	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/port/eventstore"
)

// maxEventBatch caps how many events one read may return regardless of the
// caller's limit.
const maxEventBatch = 200

// EventService answers event log queries for the recent-events endpoint and
// the SSE poll loop.
type EventService struct {
	events eventstore.Store
	cfg    config.Events
}

// NewEventService creates an EventService.
func NewEventService(events eventstore.Store, cfg config.Events) *EventService {
	return &EventService{events: events, cfg: cfg}
}

// Recent returns the newest events matching the filter, oldest first. The
// limit defaults to 50 and is clamped to the configured batch size.
func (s *EventService) Recent(ctx context.Context, f event.Filter) ([]event.Event, error) {
	f.Limit = s.clampLimit(f.Limit)
	f.Descending = true
	evs, err := s.events.List(ctx, f)
	if err != nil {
		return nil, err
	}
	slices.Reverse(evs)
	return evs, nil
}

// Since returns events with id greater than the filter's watermark, ordered
// ascending. The SSE stream polls it to tail the log.
func (s *EventService) Since(ctx context.Context, f event.Filter) ([]event.Event, error) {
	f.Limit = s.clampLimit(f.Limit)
	f.Descending = false
	return s.events.List(ctx, f)
}

func (s *EventService) clampLimit(limit int) int {
	maxBatch := s.cfg.BatchSize
	if maxBatch <= 0 || maxBatch > maxEventBatch {
		maxBatch = maxEventBatch
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxBatch {
		limit = maxBatch
	}
	return limit
}

// LatestID returns the highest assigned event id, 0 when the log is empty.
// SSE streams use it to start tailing at the live edge when the client did
// not supply a watermark.
func (s *EventService) LatestID(ctx context.Context) (int64, error) {
	return s.events.LatestID(ctx)
}

// publish fills the event's category and dispatches it on the caller's
// goroutine, so the durable sink has assigned its id by the time the calling
// operation returns.
func publish(ctx context.Context, b *bus.Bus, ev *event.Event) {
	if b == nil || ev == nil {
		return
	}
	if ev.Category == "" {
		ev.Category = event.CategoryOf(ev.Type)
	}
	b.Publish(ctx, ev)
}
