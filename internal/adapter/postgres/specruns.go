package postgres

import (
	"context"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain/specrun"
)

const specRunColumns = `id, project_id, spec_name, status, spec_root, spec_path, worktree_path, branch_name, base_branch, created_at, updated_at`

func scanSpecRun(row scannable) (specrun.SpecRun, error) {
	var sr specrun.SpecRun
	err := row.Scan(&sr.ID, &sr.ProjectID, &sr.SpecName, &sr.Status, &sr.SpecRoot,
		&sr.SpecPath, &sr.WorktreePath, &sr.BranchName, &sr.BaseBranch,
		&sr.CreatedAt, &sr.UpdatedAt)
	return sr, err
}

func (s *Store) CreateSpecRun(ctx context.Context, req *specrun.CreateRequest) (*specrun.SpecRun, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO spec_runs (project_id, spec_name, status, spec_root, spec_path, branch_name, base_branch)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+specRunColumns,
		req.ProjectID, req.SpecName, specrun.StatusPending, req.SpecRoot, req.SpecPath,
		req.BranchName, req.BaseBranch)

	sr, err := scanSpecRun(row)
	if err != nil {
		return nil, fmt.Errorf("create spec run: %w", err)
	}
	return &sr, nil
}

func (s *Store) GetSpecRun(ctx context.Context, id int64) (*specrun.SpecRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+specRunColumns+` FROM spec_runs WHERE id = $1`, id)

	sr, err := scanSpecRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get spec run %d", id)
	}
	return &sr, nil
}

func (s *Store) ListSpecRuns(ctx context.Context, projectID int64) ([]specrun.SpecRun, error) {
	query := `SELECT ` + specRunColumns + ` FROM spec_runs`
	args := []any{}
	if projectID != 0 {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spec runs: %w", err)
	}
	defer rows.Close()

	var specRuns []specrun.SpecRun
	for rows.Next() {
		sr, err := scanSpecRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spec run: %w", err)
		}
		specRuns = append(specRuns, sr)
	}
	return specRuns, rows.Err()
}

func (s *Store) UpdateSpecRunStatus(ctx context.Context, id int64, status specrun.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE spec_runs SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	return execExpectOne(tag, err, "update spec run %d status", id)
}
