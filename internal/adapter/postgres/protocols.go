package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
)

const protocolColumns = `id, project_id, spec_run_id, protocol_name, status, base_branch, worktree_path, protocol_root, description, windmill_flow_id, template_config, created_at, updated_at`

func scanProtocolRun(row scannable) (protocol.ProtocolRun, error) {
	var pr protocol.ProtocolRun
	var configJSON []byte
	err := row.Scan(&pr.ID, &pr.ProjectID, &pr.SpecRunID, &pr.ProtocolName, &pr.Status,
		&pr.BaseBranch, &pr.WorktreePath, &pr.ProtocolRoot, &pr.Description,
		&pr.WindmillFlowID, &configJSON, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return pr, err
	}
	if err := unmarshalJSON(configJSON, &pr.TemplateConfig, "template_config"); err != nil {
		return pr, err
	}
	return pr, nil
}

// CreateProtocolRun inserts the run and its steps in one transaction so a
// failed step insert never leaves a stepless run behind.
func (s *Store) CreateProtocolRun(ctx context.Context, req *protocol.CreateRequest) (*protocol.ProtocolRun, error) {
	configJSON, err := marshalJSON(req.TemplateConfig, "template_config")
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create protocol run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`INSERT INTO protocol_runs (project_id, spec_run_id, protocol_name, status, base_branch, description, windmill_flow_id, template_config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+protocolColumns,
		req.ProjectID, req.SpecRunID, req.ProtocolName, protocol.StatusPending,
		req.BaseBranch, req.Description, req.WindmillFlowID, configJSON)

	pr, err := scanProtocolRun(row)
	if err != nil {
		return nil, fmt.Errorf("create protocol run: %w", err)
	}

	for _, sr := range req.Steps {
		stepRow := tx.QueryRow(ctx,
			`INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, priority, assigned_agent, model)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING `+stepColumns,
			pr.ID, sr.StepIndex, sr.StepName, sr.StepType, protocol.StepStatusPending,
			sr.Priority, sr.AssignedAgent, sr.Model)
		step, err := scanStepRun(stepRow)
		if err != nil {
			return nil, fmt.Errorf("create step run %d: %w", sr.StepIndex, err)
		}
		pr.Steps = append(pr.Steps, step)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create protocol run: %w", err)
	}
	return &pr, nil
}

// GetProtocolRun loads the run with its steps ordered by step index.
func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*protocol.ProtocolRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+protocolColumns+` FROM protocol_runs WHERE id = $1`, id)

	pr, err := scanProtocolRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get protocol run %d", id)
	}

	steps, err := s.ListStepRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	pr.Steps = steps
	return &pr, nil
}

func (s *Store) ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.ProtocolRun, error) {
	query := `SELECT ` + protocolColumns + ` FROM protocol_runs`
	args := []any{}
	if projectID != 0 {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list protocol runs: %w", err)
	}
	defer rows.Close()

	return collectProtocolRuns(rows)
}

// ListActiveProtocolRuns returns runs in a non-terminal status, oldest first,
// for the reconciler and the recovery sweep.
func (s *Store) ListActiveProtocolRuns(ctx context.Context) ([]protocol.ProtocolRun, error) {
	active := []string{
		string(protocol.StatusPlanning), string(protocol.StatusPlanned),
		string(protocol.StatusRunning), string(protocol.StatusPaused),
		string(protocol.StatusBlocked), string(protocol.StatusNeedsQA),
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+protocolColumns+` FROM protocol_runs WHERE status = ANY($1) ORDER BY created_at ASC`,
		active)
	if err != nil {
		return nil, fmt.Errorf("list active protocol runs: %w", err)
	}
	defer rows.Close()

	return collectProtocolRuns(rows)
}

func collectProtocolRuns(rows pgx.Rows) ([]protocol.ProtocolRun, error) {
	var runs []protocol.ProtocolRun
	for rows.Next() {
		pr, err := scanProtocolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan protocol run: %w", err)
		}
		runs = append(runs, pr)
	}
	return runs, rows.Err()
}

// UpdateProtocolStatus moves the run to the target status only while its
// current status is in expected. A guard miss on an existing row returns
// domain.ErrConflict so callers can distinguish races from missing rows.
func (s *Store) UpdateProtocolStatus(ctx context.Context, id int64, expected []protocol.Status, to protocol.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = ANY($3)`,
		id, string(to), statusStrings(expected))
	if err != nil {
		return fmt.Errorf("update protocol run %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM protocol_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update protocol run %d status: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("update protocol run %d status: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("update protocol run %d status to %s: %w", id, to, domain.ErrConflict)
	}
	return nil
}

func (s *Store) UpdateProtocolPaths(ctx context.Context, id int64, worktreePath, protocolRoot string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET worktree_path = $2, protocol_root = $3, updated_at = now()
		 WHERE id = $1`,
		id, worktreePath, protocolRoot)
	return execExpectOne(tag, err, "update protocol run %d paths", id)
}
