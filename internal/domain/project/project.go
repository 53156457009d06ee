// Package project defines the Project domain entity.
package project

import (
	"fmt"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// Status represents the lifecycle state of a project.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Project is a repository under orchestration. Archiving is reversible;
// deletion cascades to its protocol runs.
type Project struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	GitURL           string         `json:"git_url,omitempty"`
	BaseBranch       string         `json:"base_branch"`
	LocalPath        string         `json:"local_path,omitempty"`
	Status           Status         `json:"status"`
	ConstitutionHash string         `json:"constitution_hash,omitempty"`
	PolicyOverrides  map[string]any `json:"policy_overrides,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new project.
type CreateRequest struct {
	Name            string         `json:"name"`
	GitURL          string         `json:"git_url,omitempty"`
	BaseBranch      string         `json:"base_branch,omitempty"`
	LocalPath       string         `json:"local_path,omitempty"`
	PolicyOverrides map[string]any `json:"policy_overrides,omitempty"`
}

// Validate checks the request against creation constraints.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("project name is required: %w", domain.ErrValidation)
	}
	if r.GitURL == "" && r.LocalPath == "" {
		return fmt.Errorf("project needs a git_url or a local_path: %w", domain.ErrValidation)
	}
	return nil
}

// UpdateRequest holds the mutable project fields.
type UpdateRequest struct {
	Name            *string        `json:"name,omitempty"`
	GitURL          *string        `json:"git_url,omitempty"`
	BaseBranch      *string        `json:"base_branch,omitempty"`
	LocalPath       *string        `json:"local_path,omitempty"`
	PolicyOverrides map[string]any `json:"policy_overrides,omitempty"`
}

// NormalizeRepoURL reduces a git remote URL to a canonical host/path form so
// webhook payloads can be matched against projects regardless of scheme,
// credentials, `.git` suffix, or trailing slash.
func NormalizeRepoURL(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	for _, prefix := range []string{"https://", "http://", "ssh://", "git://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	// scp-like syntax: git@host:owner/repo.git
	if at := strings.Index(s, "@"); at >= 0 {
		s = s[at+1:]
	}
	s = strings.Replace(s, ":", "/", 1)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	return s
}
