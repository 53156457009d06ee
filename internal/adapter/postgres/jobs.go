package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/devgodzilla/devgodzilla/internal/domain/job"
)

const jobColumns = `run_id, job_type, status, mode, project_id, protocol_run_id, step_run_id, windmill_job_id, params, result, error, log_path, started_at, finished_at, created_at, updated_at`

func scanJobRun(row scannable) (job.JobRun, error) {
	var j job.JobRun
	var paramsJSON, resultJSON []byte
	err := row.Scan(&j.RunID, &j.JobType, &j.Status, &j.Mode, &j.ProjectID, &j.ProtocolRunID,
		&j.StepRunID, &j.WindmillJobID, &paramsJSON, &resultJSON, &j.Error, &j.LogPath,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	if err := unmarshalJSON(paramsJSON, &j.Params, "params"); err != nil {
		return j, err
	}
	if err := unmarshalJSON(resultJSON, &j.Result, "result"); err != nil {
		return j, err
	}
	return j, nil
}

func (s *Store) CreateJobRun(ctx context.Context, j *job.JobRun) error {
	paramsJSON, err := marshalJSON(j.Params, "params")
	if err != nil {
		return err
	}
	resultJSON, err := marshalJSON(j.Result, "result")
	if err != nil {
		return err
	}
	status := j.Status
	if status == "" {
		status = job.StatusQueued
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO job_runs (run_id, job_type, status, mode, project_id, protocol_run_id, step_run_id, windmill_job_id, params, result, error, log_path, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING `+jobColumns,
		j.RunID, j.JobType, status, j.Mode, j.ProjectID, j.ProtocolRunID, j.StepRunID,
		j.WindmillJobID, paramsJSON, resultJSON, j.Error, j.LogPath, j.StartedAt, j.FinishedAt)

	created, err := scanJobRun(row)
	if err != nil {
		return fmt.Errorf("create job run: %w", err)
	}
	*j = created
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, runID string) (*job.JobRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_runs WHERE run_id = $1`, runID)

	j, err := scanJobRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get job run %s", runID)
	}
	return &j, nil
}

func (s *Store) GetJobRunByWindmillID(ctx context.Context, windmillJobID string) (*job.JobRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_runs WHERE windmill_job_id = $1 AND windmill_job_id <> ''`,
		windmillJobID)

	j, err := scanJobRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get job run for windmill job %s", windmillJobID)
	}
	return &j, nil
}

// LatestExternalJobRunForStep returns the most recent externally dispatched
// job for a step, the one reconciliation compares against.
func (s *Store) LatestExternalJobRunForStep(ctx context.Context, stepRunID int64) (*job.JobRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_runs
		 WHERE step_run_id = $1 AND mode = $2 AND windmill_job_id <> ''
		 ORDER BY created_at DESC LIMIT 1`,
		stepRunID, job.ModeExternal)

	j, err := scanJobRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest external job run for step %d", stepRunID)
	}
	return &j, nil
}

func (s *Store) ListJobRuns(ctx context.Context, f job.ListFilter) ([]job.JobRun, error) {
	args := []any{}
	conditions := []string{}
	argIdx := 1

	if f.JobType != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, f.JobType)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.ProtocolRunID != nil {
		conditions = append(conditions, fmt.Sprintf("protocol_run_id = $%d", argIdx))
		args = append(args, *f.ProtocolRunID)
		argIdx++
	}
	if f.StepRunID != nil {
		conditions = append(conditions, fmt.Sprintf("step_run_id = $%d", argIdx))
		args = append(args, *f.StepRunID)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM job_runs`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	return collectJobRuns(rows)
}

func collectJobRuns(rows pgx.Rows) ([]job.JobRun, error) {
	var jobs []job.JobRun
	for rows.Next() {
		j, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJobRun(ctx context.Context, j *job.JobRun) error {
	resultJSON, err := marshalJSON(j.Result, "result")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs
		 SET status = $2, windmill_job_id = $3, result = $4, error = $5, log_path = $6,
		     started_at = $7, finished_at = $8, updated_at = now()
		 WHERE run_id = $1`,
		j.RunID, string(j.Status), j.WindmillJobID, resultJSON, j.Error, j.LogPath,
		j.StartedAt, j.FinishedAt)
	return execExpectOne(tag, err, "update job run %s", j.RunID)
}
