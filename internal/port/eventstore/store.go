// Package eventstore defines the port interface for the append-only event log.
package eventstore

import (
	"context"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// Store is the port interface for the durable event log. Append assigns the
// event a strictly monotonic id in commit order; ids are never reused.
type Store interface {
	// Append persists ev and fills its ID and CreatedAt from the store.
	Append(ctx context.Context, ev *event.Event) error

	// List returns events matching the filter ordered by id, ascending
	// unless Filter.Descending is set. Filter.AfterID is exclusive;
	// Filter.Limit bounds the page.
	List(ctx context.Context, f event.Filter) ([]event.Event, error)

	// LatestID returns the highest assigned event id, 0 when the log is empty.
	LatestID(ctx context.Context) (int64, error)
}
