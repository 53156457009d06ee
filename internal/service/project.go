package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/specrun"
	"github.com/devgodzilla/devgodzilla/internal/port/cache"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
)

// repoCacheTTL bounds how long a repo URL to project resolution is reused.
const repoCacheTTL = 10 * time.Minute

// ProjectService owns project and spec run lifecycle plus webhook-facing
// repo URL resolution.
type ProjectService struct {
	store  database.Store
	cache  cache.Cache // nil disables resolution caching
	logger *slog.Logger
}

// NewProjectService creates a ProjectService.
func NewProjectService(store database.Store, c cache.Cache, logger *slog.Logger) *ProjectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectService{store: store, cache: c, logger: logger}
}

// CreateProject validates and persists a new project.
func (s *ProjectService) CreateProject(ctx context.Context, req *project.CreateRequest) (*project.Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.store.CreateProject(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// GetProject loads one project.
func (s *ProjectService) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects lists every project regardless of status.
func (s *ProjectService) ListProjects(ctx context.Context) ([]project.Project, error) {
	return s.store.ListProjects(ctx, "")
}

// ListProjectsByStatus lists projects in one status; empty lists all.
func (s *ProjectService) ListProjectsByStatus(ctx context.Context, status project.Status) ([]project.Project, error) {
	return s.store.ListProjects(ctx, status)
}

// UpdateProject applies the non-nil fields of the update request.
func (s *ProjectService) UpdateProject(ctx context.Context, id int64, req *project.UpdateRequest) (*project.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	oldGitURL := p.GitURL

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.GitURL != nil {
		p.GitURL = *req.GitURL
	}
	if req.BaseBranch != nil {
		p.BaseBranch = *req.BaseBranch
	}
	if req.LocalPath != nil {
		p.LocalPath = *req.LocalPath
	}
	if req.PolicyOverrides != nil {
		p.PolicyOverrides = req.PolicyOverrides
	}
	if p.Name == "" {
		return nil, fmt.Errorf("project name is required: %w", domain.ErrValidation)
	}
	if p.GitURL == "" && p.LocalPath == "" {
		return nil, fmt.Errorf("project needs a git_url or a local_path: %w", domain.ErrValidation)
	}

	if err := s.store.UpdateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	if p.GitURL != oldGitURL {
		s.dropRepoCache(ctx, oldGitURL)
		s.dropRepoCache(ctx, p.GitURL)
	}
	s.logger.Info("project updated", "project_id", p.ID)
	return p, nil
}

// ArchiveProject marks a project archived. Archived projects keep their
// history and can be unarchived.
func (s *ProjectService) ArchiveProject(ctx context.Context, id int64) (*project.Project, error) {
	return s.setStatus(ctx, id, project.StatusArchived)
}

// UnarchiveProject reactivates an archived project.
func (s *ProjectService) UnarchiveProject(ctx context.Context, id int64) (*project.Project, error) {
	return s.setStatus(ctx, id, project.StatusActive)
}

func (s *ProjectService) setStatus(ctx context.Context, id int64, status project.Status) (*project.Project, error) {
	if err := s.store.SetProjectStatus(ctx, id, status); err != nil {
		return nil, err
	}
	s.logger.Info("project status changed", "project_id", id, "status", status)
	return s.store.GetProject(ctx, id)
}

// DeleteProject removes a project; its runs, steps, jobs, and events cascade.
func (s *ProjectService) DeleteProject(ctx context.Context, id int64) error {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	s.dropRepoCache(ctx, p.GitURL)
	s.logger.Info("project deleted", "project_id", id, "name", p.Name)
	return nil
}

// ResolveByRepoURL matches a webhook's repository URL against projects using
// the canonical normalized form, with a cache in front of the store lookup.
func (s *ProjectService) ResolveByRepoURL(ctx context.Context, repoURL string) (*project.Project, error) {
	normalized := project.NormalizeRepoURL(repoURL)
	if normalized == "" {
		return nil, fmt.Errorf("empty repository url: %w", domain.ErrValidation)
	}
	key := "project:repo:" + normalized

	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			if id, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
				p, gerr := s.store.GetProject(ctx, id)
				if gerr == nil {
					return p, nil
				}
				if !errors.Is(gerr, domain.ErrNotFound) {
					return nil, gerr
				}
				// Stale entry; fall through to the store lookup.
			}
		}
	}

	p, err := s.store.FindProjectByRepoURL(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte(strconv.FormatInt(p.ID, 10)), repoCacheTTL); err != nil {
			s.logger.Warn("cache project resolution", "key", key, "error", err)
		}
	}
	return p, nil
}

// dropRepoCache invalidates the resolution entry for one git URL.
func (s *ProjectService) dropRepoCache(ctx context.Context, gitURL string) {
	if s.cache == nil || gitURL == "" {
		return
	}
	normalized := project.NormalizeRepoURL(gitURL)
	if normalized == "" {
		return
	}
	if err := s.cache.Delete(ctx, "project:repo:"+normalized); err != nil {
		s.logger.Warn("invalidate project resolution", "git_url", gitURL, "error", err)
	}
}

// CreateSpecRun validates and persists a new spec run in pending.
func (s *ProjectService) CreateSpecRun(ctx context.Context, req *specrun.CreateRequest) (*specrun.SpecRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	proj, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if req.BaseBranch == "" {
		req.BaseBranch = proj.BaseBranch
	}
	sr, err := s.store.CreateSpecRun(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create spec run: %w", err)
	}
	s.logger.Info("spec run created", "spec_run_id", sr.ID, "project_id", sr.ProjectID, "spec_name", sr.SpecName)
	return sr, nil
}

// GetSpecRun loads one spec run.
func (s *ProjectService) GetSpecRun(ctx context.Context, id int64) (*specrun.SpecRun, error) {
	return s.store.GetSpecRun(ctx, id)
}

// ListSpecRuns lists a project's spec runs, newest first.
func (s *ProjectService) ListSpecRuns(ctx context.Context, projectID int64) ([]specrun.SpecRun, error) {
	return s.store.ListSpecRuns(ctx, projectID)
}
