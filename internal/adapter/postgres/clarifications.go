package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
)

const clarificationColumns = `id, scope, key, project_id, protocol_run_id, step_run_id, question, recommended, options, applies_to, blocking, status, answer, answered_by, answered_at, created_at, updated_at`

func scanClarification(row scannable) (clarif.Clarification, error) {
	var c clarif.Clarification
	var optionsJSON []byte
	err := row.Scan(&c.ID, &c.Scope, &c.Key, &c.ProjectID, &c.ProtocolRunID, &c.StepRunID,
		&c.Question, &c.Recommended, &optionsJSON, &c.AppliesTo, &c.Blocking, &c.Status,
		&c.Answer, &c.AnsweredBy, &c.AnsweredAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if err := unmarshalJSON(optionsJSON, &c.Options, "options"); err != nil {
		return c, err
	}
	return c, nil
}

// UpsertClarification creates the clarification or, when (scope, key)
// already exists, refreshes its question fields. Status and answer survive
// the conflict path so a re-asked question returns the stored answer. The
// second return reports whether a new row was inserted.
func (s *Store) UpsertClarification(ctx context.Context, req *clarif.UpsertRequest) (*clarif.Clarification, bool, error) {
	optionsJSON, err := marshalJSON(req.Options, "options")
	if err != nil {
		return nil, false, err
	}
	appliesTo := req.AppliesTo
	if appliesTo == "" {
		appliesTo = clarif.AppliesToExecution
	}

	// xmax = 0 only for freshly inserted rows, which distinguishes the
	// insert path from the conflict-update path in one round trip.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO clarifications (scope, key, project_id, protocol_run_id, step_run_id, question, recommended, options, applies_to, blocking, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (scope, key) DO UPDATE SET
		   question = EXCLUDED.question,
		   recommended = EXCLUDED.recommended,
		   options = EXCLUDED.options,
		   applies_to = EXCLUDED.applies_to,
		   blocking = EXCLUDED.blocking,
		   protocol_run_id = EXCLUDED.protocol_run_id,
		   step_run_id = EXCLUDED.step_run_id,
		   updated_at = now()
		 RETURNING `+clarificationColumns+`, (xmax = 0) AS inserted`,
		req.Scope, req.Key, req.ProjectID, req.ProtocolRunID, req.StepRunID,
		req.Question, req.Recommended, optionsJSON, appliesTo, req.Blocking,
		clarif.StatusOpen)

	var c clarif.Clarification
	var optJSON []byte
	var inserted bool
	err = row.Scan(&c.ID, &c.Scope, &c.Key, &c.ProjectID, &c.ProtocolRunID, &c.StepRunID,
		&c.Question, &c.Recommended, &optJSON, &c.AppliesTo, &c.Blocking, &c.Status,
		&c.Answer, &c.AnsweredBy, &c.AnsweredAt, &c.CreatedAt, &c.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert clarification %s/%s: %w", req.Scope, req.Key, err)
	}
	if err := unmarshalJSON(optJSON, &c.Options, "options"); err != nil {
		return nil, false, err
	}
	return &c, inserted, nil
}

func (s *Store) GetClarification(ctx context.Context, id int64) (*clarif.Clarification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clarificationColumns+` FROM clarifications WHERE id = $1`, id)

	c, err := scanClarification(row)
	if err != nil {
		return nil, notFoundWrap(err, "get clarification %d", id)
	}
	return &c, nil
}

func (s *Store) ListClarifications(ctx context.Context, f clarif.ListFilter) ([]clarif.Clarification, error) {
	args := []any{}
	conditions := []string{}
	argIdx := 1

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
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Blocking != nil {
		conditions = append(conditions, fmt.Sprintf("blocking = $%d", argIdx))
		args = append(args, *f.Blocking)
	}

	query := `SELECT ` + clarificationColumns + ` FROM clarifications`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clarifications: %w", err)
	}
	defer rows.Close()

	var clarifications []clarif.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clarification: %w", err)
		}
		clarifications = append(clarifications, c)
	}
	return clarifications, rows.Err()
}

func (s *Store) AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) (*clarif.Clarification, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE clarifications
		 SET status = $2, answer = $3, answered_by = $4, answered_at = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING `+clarificationColumns,
		id, clarif.StatusAnswered, answer, answeredBy)

	c, err := scanClarification(row)
	if err != nil {
		return nil, notFoundWrap(err, "answer clarification %d", id)
	}
	return &c, nil
}

func (s *Store) DismissClarification(ctx context.Context, id int64) (*clarif.Clarification, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE clarifications
		 SET status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+clarificationColumns,
		id, clarif.StatusDismissed)

	c, err := scanClarification(row)
	if err != nil {
		return nil, notFoundWrap(err, "dismiss clarification %d", id)
	}
	return &c, nil
}
