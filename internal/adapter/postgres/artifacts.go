package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
)

const artifactColumns = `id, run_id, step_run_id, name, kind, path, bytes, created_at`

func scanArtifact(row scannable) (artifact.Artifact, error) {
	var a artifact.Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.StepRunID, &a.Name, &a.Kind, &a.Path, &a.Bytes, &a.CreatedAt)
	return a, err
}

func (s *Store) CreateArtifact(ctx context.Context, a *artifact.Artifact) error {
	kind := a.Kind
	if kind == "" {
		kind = artifact.KindFile
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, step_run_id, name, kind, path, bytes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		a.RunID, a.StepRunID, a.Name, string(kind), a.Path, a.Bytes)

	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	a.Kind = kind
	return nil
}

func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by run: %w", err)
	}
	defer rows.Close()

	return collectArtifacts(rows)
}

func (s *Store) ListArtifactsByStep(ctx context.Context, stepRunID int64) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE step_run_id = $1 ORDER BY id ASC`, stepRunID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by step: %w", err)
	}
	defer rows.Close()

	return collectArtifacts(rows)
}

// ListArtifactsByProtocol joins through step_runs so every artifact produced
// by any step of the protocol is returned.
func (s *Store) ListArtifactsByProtocol(ctx context.Context, protocolRunID int64) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.run_id, a.step_run_id, a.name, a.kind, a.path, a.bytes, a.created_at
		 FROM artifacts a
		 JOIN step_runs sr ON sr.id = a.step_run_id
		 WHERE sr.protocol_run_id = $1
		 ORDER BY a.id ASC`, protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by protocol: %w", err)
	}
	defer rows.Close()

	return collectArtifacts(rows)
}

func (s *Store) GetArtifactByName(ctx context.Context, runID, name string) (*artifact.Artifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE run_id = $1 AND name = $2
		 ORDER BY id DESC LIMIT 1`, runID, name)

	a, err := scanArtifact(row)
	if err != nil {
		return nil, notFoundWrap(err, "get artifact %s for run %s", name, runID)
	}
	return &a, nil
}

func collectArtifacts(rows pgx.Rows) ([]artifact.Artifact, error) {
	var artifacts []artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
