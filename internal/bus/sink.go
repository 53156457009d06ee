package bus

import (
	"context"
	"log/slog"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/port/eventstore"
)

// StoreSink is the durable subscriber: it writes every published event to
// the event log, filling the event's id in place so handlers registered
// after it observe the assigned id. It must be the first catch-all
// subscriber on the bus.
type StoreSink struct {
	store eventstore.Store
}

// NewStoreSink creates a StoreSink over the given event store.
func NewStoreSink(store eventstore.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Handle persists ev. Events that already carry an id (replays) are left
// untouched. Append failures are logged, never propagated: losing a live
// subscriber is preferable to failing the state change that emitted this.
func (s *StoreSink) Handle(ctx context.Context, ev *event.Event) {
	if ev.ID != 0 {
		return
	}
	if err := s.store.Append(ctx, ev); err != nil {
		slog.Error("event append failed", "event_type", ev.Type, "error", err)
	}
}
