package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
)

const stepColumns = `id, protocol_run_id, step_index, step_name, step_type, status, priority, assigned_agent, model, summary, runtime_state, created_at, updated_at`

func scanStepRun(row scannable) (protocol.StepRun, error) {
	var sr protocol.StepRun
	var stateJSON []byte
	err := row.Scan(&sr.ID, &sr.ProtocolRunID, &sr.StepIndex, &sr.StepName, &sr.StepType,
		&sr.Status, &sr.Priority, &sr.AssignedAgent, &sr.Model, &sr.Summary,
		&stateJSON, &sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return sr, err
	}
	if err := unmarshalJSON(stateJSON, &sr.RuntimeState, "runtime_state"); err != nil {
		return sr, err
	}
	return sr, nil
}

func (s *Store) CreateStepRun(ctx context.Context, step *protocol.StepRun) error {
	stateJSON, err := marshalJSON(step.RuntimeState, "runtime_state")
	if err != nil {
		return err
	}
	status := step.Status
	if status == "" {
		status = protocol.StepStatusPending
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, priority, assigned_agent, model, summary, runtime_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+stepColumns,
		step.ProtocolRunID, step.StepIndex, step.StepName, step.StepType, status,
		step.Priority, step.AssignedAgent, step.Model, step.Summary, stateJSON)

	created, err := scanStepRun(row)
	if err != nil {
		return fmt.Errorf("create step run: %w", err)
	}
	*step = created
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, id int64) (*protocol.StepRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM step_runs WHERE id = $1`, id)

	sr, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get step run %d", id)
	}
	return &sr, nil
}

func (s *Store) ListStepRuns(ctx context.Context, protocolRunID int64) ([]protocol.StepRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM step_runs WHERE protocol_run_id = $1 ORDER BY step_index ASC`,
		protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	return collectStepRuns(rows)
}

// ListActiveStepRuns returns steps in a non-terminal status, optionally
// narrowed to one protocol run. Pending and blocked steps are included:
// a crash between job submission and the status flip leaves a pending
// step with a live external job, and reconciliation must see it.
func (s *Store) ListActiveStepRuns(ctx context.Context, protocolRunID *int64) ([]protocol.StepRun, error) {
	active := []string{
		string(protocol.StepStatusPending), string(protocol.StepStatusRunning),
		string(protocol.StepStatusBlocked), string(protocol.StepStatusNeedsQA),
	}

	query := `SELECT ` + stepColumns + ` FROM step_runs WHERE status = ANY($1)`
	args := []any{active}
	if protocolRunID != nil {
		query += ` AND protocol_run_id = $2`
		args = append(args, *protocolRunID)
	}
	query += ` ORDER BY protocol_run_id ASC, step_index ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active step runs: %w", err)
	}
	defer rows.Close()

	return collectStepRuns(rows)
}

func collectStepRuns(rows pgx.Rows) ([]protocol.StepRun, error) {
	var steps []protocol.StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		steps = append(steps, sr)
	}
	return steps, rows.Err()
}

// UpdateStepStatus moves the step to the target status only while its
// current status is in expected, updating the summary when non-empty.
// A guard miss on an existing row returns domain.ErrConflict.
func (s *Store) UpdateStepStatus(ctx context.Context, id int64, expected []protocol.StepStatus, to protocol.StepStatus, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_runs
		 SET status = $2, summary = CASE WHEN $3 <> '' THEN $3 ELSE summary END, updated_at = now()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(to), summary, statusStrings(expected))
	if err != nil {
		return fmt.Errorf("update step run %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM step_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update step run %d status: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("update step run %d status: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("update step run %d status to %s: %w", id, to, domain.ErrConflict)
	}
	return nil
}

// UpdateStepRuntimeState merges the given keys into the step's runtime
// state. Existing keys not present in state are preserved.
func (s *Store) UpdateStepRuntimeState(ctx context.Context, id int64, state map[string]any) error {
	stateJSON, err := marshalJSON(state, "runtime_state")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_runs
		 SET runtime_state = COALESCE(runtime_state, '{}'::jsonb) || $2::jsonb, updated_at = now()
		 WHERE id = $1`,
		id, stateJSON)
	return execExpectOne(tag, err, "update step run %d runtime state", id)
}
