package postgres

import (
	"context"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
)

const projectColumns = `id, name, git_url, base_branch, local_path, status, constitution_hash, policy_overrides, created_at, updated_at`

func scanProject(row scannable) (project.Project, error) {
	var p project.Project
	var overridesJSON []byte
	err := row.Scan(&p.ID, &p.Name, &p.GitURL, &p.BaseBranch, &p.LocalPath, &p.Status,
		&p.ConstitutionHash, &overridesJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if err := unmarshalJSON(overridesJSON, &p.PolicyOverrides, "policy_overrides"); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Store) CreateProject(ctx context.Context, req *project.CreateRequest) (*project.Project, error) {
	overridesJSON, err := marshalJSON(req.PolicyOverrides, "policy_overrides")
	if err != nil {
		return nil, err
	}
	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name, git_url, base_branch, local_path, status, policy_overrides)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+projectColumns,
		req.Name, req.GitURL, baseBranch, req.LocalPath, project.StatusActive, overridesJSON)

	p, err := scanProject(row)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)

	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %d", id)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context, status project.Status) ([]project.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *project.Project) error {
	overridesJSON, err := marshalJSON(p.PolicyOverrides, "policy_overrides")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET name = $2, git_url = $3, base_branch = $4, local_path = $5,
		        constitution_hash = $6, policy_overrides = $7, updated_at = now()
		 WHERE id = $1`,
		p.ID, p.Name, p.GitURL, p.BaseBranch, p.LocalPath, p.ConstitutionHash, overridesJSON)
	return execExpectOne(tag, err, "update project %d", p.ID)
}

func (s *Store) SetProjectStatus(ctx context.Context, id int64, status project.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	return execExpectOne(tag, err, "set project %d status", id)
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete project %d", id)
}

// FindProjectByRepoURL matches a normalized repository URL against stored
// git URLs. Stored URLs are normalized on the fly so projects registered
// with any equivalent remote form still match.
func (s *Store) FindProjectByRepoURL(ctx context.Context, normalizedURL string) (*project.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE git_url <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("find project by repo url: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if project.NormalizeRepoURL(p.GitURL) == normalizedURL {
			return &p, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("find project by repo url %q: %w", normalizedURL, domain.ErrNotFound)
}
