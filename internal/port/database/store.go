// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/domain/specrun"
)

// Store is the port interface for persistent state. Status-changing methods
// take the expected current status (or status set) and fail with
// domain.ErrConflict when the row is not in it, so every transition is a
// single guarded update.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, req *project.CreateRequest) (*project.Project, error)
	GetProject(ctx context.Context, id int64) (*project.Project, error)
	ListProjects(ctx context.Context, status project.Status) ([]project.Project, error)
	UpdateProject(ctx context.Context, p *project.Project) error
	SetProjectStatus(ctx context.Context, id int64, status project.Status) error
	DeleteProject(ctx context.Context, id int64) error
	FindProjectByRepoURL(ctx context.Context, normalizedURL string) (*project.Project, error)

	// Protocol runs
	CreateProtocolRun(ctx context.Context, req *protocol.CreateRequest) (*protocol.ProtocolRun, error)
	GetProtocolRun(ctx context.Context, id int64) (*protocol.ProtocolRun, error)
	ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.ProtocolRun, error)
	ListActiveProtocolRuns(ctx context.Context) ([]protocol.ProtocolRun, error)
	UpdateProtocolStatus(ctx context.Context, id int64, expected []protocol.Status, to protocol.Status) error
	UpdateProtocolPaths(ctx context.Context, id int64, worktreePath, protocolRoot string) error

	// Step runs
	CreateStepRun(ctx context.Context, step *protocol.StepRun) error
	GetStepRun(ctx context.Context, id int64) (*protocol.StepRun, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]protocol.StepRun, error)
	ListActiveStepRuns(ctx context.Context, protocolRunID *int64) ([]protocol.StepRun, error)
	UpdateStepStatus(ctx context.Context, id int64, expected []protocol.StepStatus, to protocol.StepStatus, summary string) error
	UpdateStepRuntimeState(ctx context.Context, id int64, state map[string]any) error

	// Job runs
	CreateJobRun(ctx context.Context, j *job.JobRun) error
	GetJobRun(ctx context.Context, runID string) (*job.JobRun, error)
	GetJobRunByWindmillID(ctx context.Context, windmillJobID string) (*job.JobRun, error)
	LatestExternalJobRunForStep(ctx context.Context, stepRunID int64) (*job.JobRun, error)
	ListJobRuns(ctx context.Context, f job.ListFilter) ([]job.JobRun, error)
	UpdateJobRun(ctx context.Context, j *job.JobRun) error

	// Clarifications
	UpsertClarification(ctx context.Context, req *clarif.UpsertRequest) (*clarif.Clarification, bool, error)
	GetClarification(ctx context.Context, id int64) (*clarif.Clarification, error)
	ListClarifications(ctx context.Context, f clarif.ListFilter) ([]clarif.Clarification, error)
	AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) (*clarif.Clarification, error)
	DismissClarification(ctx context.Context, id int64) (*clarif.Clarification, error)

	// QA results
	CreateQAResult(ctx context.Context, r *qa.QAResult) error
	ListQAResults(ctx context.Context, protocolRunID int64) ([]qa.QAResult, error)
	LatestQAResultForStep(ctx context.Context, stepRunID int64) (*qa.QAResult, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *artifact.Artifact) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]artifact.Artifact, error)
	ListArtifactsByStep(ctx context.Context, stepRunID int64) ([]artifact.Artifact, error)
	ListArtifactsByProtocol(ctx context.Context, protocolRunID int64) ([]artifact.Artifact, error)
	GetArtifactByName(ctx context.Context, runID, name string) (*artifact.Artifact, error)

	// Spec runs
	CreateSpecRun(ctx context.Context, req *specrun.CreateRequest) (*specrun.SpecRun, error)
	GetSpecRun(ctx context.Context, id int64) (*specrun.SpecRun, error)
	ListSpecRuns(ctx context.Context, projectID int64) ([]specrun.SpecRun, error)
	UpdateSpecRunStatus(ctx context.Context, id int64, status specrun.Status) error

	// Ping verifies store connectivity for readiness checks.
	Ping(ctx context.Context) error
}
