package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL. The events table
// is append-only; BIGSERIAL ids give the strictly monotonic ordering SSE
// consumers resume from.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id, event_type, event_category, message, project_id, protocol_run_id, step_run_id, metadata, created_at`

func scanEvent(row scannable) (event.Event, error) {
	var ev event.Event
	var metaJSON []byte
	err := row.Scan(&ev.ID, &ev.Type, &ev.Category, &ev.Message, &ev.ProjectID,
		&ev.ProtocolRunID, &ev.StepRunID, &metaJSON, &ev.CreatedAt)
	if err != nil {
		return ev, err
	}
	if err := unmarshalJSON(metaJSON, &ev.Metadata, "metadata"); err != nil {
		return ev, err
	}
	return ev, nil
}

// Append inserts ev and fills its ID and CreatedAt from the committed row.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	metaJSON, err := marshalJSON(ev.Metadata, "metadata")
	if err != nil {
		return err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO events (event_type, event_category, message, project_id, protocol_run_id, step_run_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		string(ev.Type), string(ev.Category), ev.Message, ev.ProjectID,
		ev.ProtocolRunID, ev.StepRunID, metaJSON)

	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List returns events matching the filter ordered by id, ascending unless
// the filter asks for the newest rows first.
func (s *EventStore) List(ctx context.Context, f event.Filter) ([]event.Event, error) {
	args := []any{}
	conditions := []string{}
	argIdx := 1

	if f.AfterID > 0 {
		conditions = append(conditions, fmt.Sprintf("id > $%d", argIdx))
		args = append(args, f.AfterID)
		argIdx++
	}
	if f.ProjectID != nil {
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", argIdx))
		args = append(args, *f.ProjectID)
		argIdx++
	}
	if f.ProtocolRunID != nil {
		conditions = append(conditions, fmt.Sprintf("protocol_run_id = $%d", argIdx))
		args = append(args, *f.ProtocolRunID)
		argIdx++
	}
	if len(f.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", argIdx))
		args = append(args, statusStrings(f.Types))
		argIdx++
	}
	if f.Category != "" {
		conditions = append(conditions, fmt.Sprintf("event_category = $%d", argIdx))
		args = append(args, string(f.Category))
		argIdx++
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	if f.Descending {
		query += ` ORDER BY id DESC`
	} else {
		query += ` ORDER BY id ASC`
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestID returns the highest assigned event id, 0 when the log is empty.
func (s *EventStore) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}
