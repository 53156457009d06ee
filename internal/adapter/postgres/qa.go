package postgres

import (
	"context"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
)

const qaColumns = `id, protocol_run_id, project_id, step_run_id, verdict, gate_results, findings, created_at`

func scanQAResult(row scannable) (qa.QAResult, error) {
	var r qa.QAResult
	var gatesJSON, findingsJSON []byte
	err := row.Scan(&r.ID, &r.ProtocolRunID, &r.ProjectID, &r.StepRunID, &r.Verdict,
		&gatesJSON, &findingsJSON, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if err := unmarshalJSON(gatesJSON, &r.GateResults, "gate_results"); err != nil {
		return r, err
	}
	if err := unmarshalJSON(findingsJSON, &r.Findings, "findings"); err != nil {
		return r, err
	}
	return r, nil
}

func (s *Store) CreateQAResult(ctx context.Context, r *qa.QAResult) error {
	gatesJSON, err := marshalJSON(r.GateResults, "gate_results")
	if err != nil {
		return err
	}
	findingsJSON, err := marshalJSON(r.Findings, "findings")
	if err != nil {
		return err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO qa_results (protocol_run_id, project_id, step_run_id, verdict, gate_results, findings)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		r.ProtocolRunID, r.ProjectID, r.StepRunID, string(r.Verdict), gatesJSON, findingsJSON)

	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		return fmt.Errorf("create qa result: %w", err)
	}
	return nil
}

func (s *Store) ListQAResults(ctx context.Context, protocolRunID int64) ([]qa.QAResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qaColumns+` FROM qa_results WHERE protocol_run_id = $1 ORDER BY created_at DESC`,
		protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list qa results: %w", err)
	}
	defer rows.Close()

	var results []qa.QAResult
	for rows.Next() {
		r, err := scanQAResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan qa result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) LatestQAResultForStep(ctx context.Context, stepRunID int64) (*qa.QAResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+qaColumns+` FROM qa_results WHERE step_run_id = $1 ORDER BY id DESC LIMIT 1`,
		stepRunID)

	r, err := scanQAResult(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest qa result for step %d", stepRunID)
	}
	return &r, nil
}
