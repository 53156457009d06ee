package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/domain/specrun"
)

// memStore is the in-memory Store shared by the service tests. It mirrors
// the postgres adapter's semantics, in particular the guarded updates:
// status transitions verify the expected set and fail with
// domain.ErrConflict when the row has moved on.
type memStore struct {
	mu     sync.Mutex
	nextID int64

	projects  map[int64]*project.Project
	protocols map[int64]*protocol.ProtocolRun
	steps     map[int64]*protocol.StepRun
	jobs      map[string]*job.JobRun
	jobOrder  []string // insertion order, oldest first
	clarifs   map[int64]*clarif.Clarification
	qaResults []qa.QAResult
	artifacts []artifact.Artifact
	specs     map[int64]*specrun.SpecRun

	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		projects:  make(map[int64]*project.Project),
		protocols: make(map[int64]*protocol.ProtocolRun),
		steps:     make(map[int64]*protocol.StepRun),
		jobs:      make(map[string]*job.JobRun),
		clarifs:   make(map[int64]*clarif.Clarification),
		specs:     make(map[int64]*specrun.SpecRun),
	}
}

// id assigns the next identifier. Callers must hold mu.
func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// --- Projects ---

func (m *memStore) CreateProject(_ context.Context, req *project.CreateRequest) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	now := time.Now().UTC()
	p := &project.Project{
		ID:              m.id(),
		Name:            req.Name,
		GitURL:          req.GitURL,
		BaseBranch:      baseBranch,
		LocalPath:       req.LocalPath,
		Status:          project.StatusActive,
		PolicyOverrides: req.PolicyOverrides,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.projects[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *memStore) GetProject(_ context.Context, id int64) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("get project %d: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListProjects(_ context.Context, status project.Status) ([]project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []project.Project
	for _, id := range sortedKeys(m.projects) {
		p := m.projects[id]
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	reverse(out) // newest first
	return out, nil
}

func (m *memStore) UpdateProject(_ context.Context, p *project.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return fmt.Errorf("update project %d: %w", p.ID, domain.ErrNotFound)
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	m.projects[p.ID] = &cp
	return nil
}

func (m *memStore) SetProjectStatus(_ context.Context, id int64, status project.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("set project %d status: %w", id, domain.ErrNotFound)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) DeleteProject(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return fmt.Errorf("delete project %d: %w", id, domain.ErrNotFound)
	}
	delete(m.projects, id)
	return nil
}

func (m *memStore) FindProjectByRepoURL(_ context.Context, normalizedURL string) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sortedKeys(m.projects) {
		p := m.projects[id]
		if p.GitURL == "" {
			continue
		}
		if project.NormalizeRepoURL(p.GitURL) == normalizedURL {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find project by repo url: %w", domain.ErrNotFound)
}

// --- Protocol runs ---

func (m *memStore) CreateProtocolRun(_ context.Context, req *protocol.CreateRequest) (*protocol.ProtocolRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	pr := &protocol.ProtocolRun{
		ID:             m.id(),
		ProjectID:      req.ProjectID,
		SpecRunID:      req.SpecRunID,
		ProtocolName:   req.ProtocolName,
		Status:         protocol.StatusPending,
		BaseBranch:     req.BaseBranch,
		Description:    req.Description,
		WindmillFlowID: req.WindmillFlowID,
		TemplateConfig: req.TemplateConfig,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.protocols[pr.ID] = pr

	for i := range req.Steps {
		sr := &req.Steps[i]
		step := &protocol.StepRun{
			ID:            m.id(),
			ProtocolRunID: pr.ID,
			StepIndex:     sr.StepIndex,
			StepName:      sr.StepName,
			StepType:      sr.StepType,
			Status:        protocol.StepStatusPending,
			Priority:      sr.Priority,
			AssignedAgent: sr.AssignedAgent,
			Model:         sr.Model,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.steps[step.ID] = step
	}

	cp := *pr
	cp.Steps = m.stepsOf(pr.ID)
	return &cp, nil
}

func (m *memStore) GetProtocolRun(_ context.Context, id int64) (*protocol.ProtocolRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.protocols[id]
	if !ok {
		return nil, fmt.Errorf("get protocol run %d: %w", id, domain.ErrNotFound)
	}
	cp := *pr
	cp.Steps = m.stepsOf(id)
	return &cp, nil
}

func (m *memStore) ListProtocolRuns(_ context.Context, projectID int64) ([]protocol.ProtocolRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.ProtocolRun
	for _, id := range sortedKeys(m.protocols) {
		pr := m.protocols[id]
		if projectID != 0 && pr.ProjectID != projectID {
			continue
		}
		out = append(out, *pr)
	}
	reverse(out) // newest first
	return out, nil
}

func (m *memStore) ListActiveProtocolRuns(_ context.Context) ([]protocol.ProtocolRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := map[protocol.Status]bool{
		protocol.StatusPlanning: true, protocol.StatusPlanned: true,
		protocol.StatusRunning: true, protocol.StatusPaused: true,
		protocol.StatusBlocked: true, protocol.StatusNeedsQA: true,
	}
	var out []protocol.ProtocolRun
	for _, id := range sortedKeys(m.protocols) {
		if pr := m.protocols[id]; active[pr.Status] {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (m *memStore) UpdateProtocolStatus(_ context.Context, id int64, expected []protocol.Status, to protocol.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.protocols[id]
	if !ok {
		return fmt.Errorf("update protocol %d status: %w", id, domain.ErrNotFound)
	}
	for _, st := range expected {
		if pr.Status == st {
			pr.Status = to
			pr.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("update protocol %d status to %s: %w", id, to, domain.ErrConflict)
}

func (m *memStore) UpdateProtocolPaths(_ context.Context, id int64, worktreePath, protocolRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.protocols[id]
	if !ok {
		return fmt.Errorf("update protocol %d paths: %w", id, domain.ErrNotFound)
	}
	pr.WorktreePath = worktreePath
	pr.ProtocolRoot = protocolRoot
	pr.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Step runs ---

func (m *memStore) CreateStepRun(_ context.Context, step *protocol.StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	step.ID = m.id()
	if step.Status == "" {
		step.Status = protocol.StepStatusPending
	}
	step.CreatedAt = now
	step.UpdatedAt = now
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

func (m *memStore) GetStepRun(_ context.Context, id int64) (*protocol.StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("get step run %d: %w", id, domain.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) ListStepRuns(_ context.Context, protocolRunID int64) ([]protocol.StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepsOf(protocolRunID), nil
}

func (m *memStore) ListActiveStepRuns(_ context.Context, protocolRunID *int64) ([]protocol.StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.StepRun
	for _, id := range sortedKeys(m.steps) {
		st := m.steps[id]
		if st.Status.IsTerminal() {
			continue
		}
		if protocolRunID != nil && st.ProtocolRunID != *protocolRunID {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProtocolRunID != out[j].ProtocolRunID {
			return out[i].ProtocolRunID < out[j].ProtocolRunID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

func (m *memStore) UpdateStepStatus(_ context.Context, id int64, expected []protocol.StepStatus, to protocol.StepStatus, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[id]
	if !ok {
		return fmt.Errorf("update step %d status: %w", id, domain.ErrNotFound)
	}
	for _, exp := range expected {
		if st.Status == exp {
			st.Status = to
			if summary != "" {
				st.Summary = summary
			}
			st.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("update step %d status to %s: %w", id, to, domain.ErrConflict)
}

func (m *memStore) UpdateStepRuntimeState(_ context.Context, id int64, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[id]
	if !ok {
		return fmt.Errorf("update step %d runtime state: %w", id, domain.ErrNotFound)
	}
	if st.RuntimeState == nil {
		st.RuntimeState = make(map[string]any, len(state))
	}
	for k, v := range state {
		st.RuntimeState[k] = v
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// stepsOf returns copies of a run's steps ordered by step index. Callers
// must hold mu.
func (m *memStore) stepsOf(protocolRunID int64) []protocol.StepRun {
	var out []protocol.StepRun
	for _, id := range sortedKeys(m.steps) {
		if st := m.steps[id]; st.ProtocolRunID == protocolRunID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Job runs ---

func (m *memStore) CreateJobRun(_ context.Context, j *job.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.RunID == "" {
		return fmt.Errorf("create job run: missing run id: %w", domain.ErrValidation)
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	m.jobs[j.RunID] = &cp
	m.jobOrder = append(m.jobOrder, j.RunID)
	return nil
}

func (m *memStore) GetJobRun(_ context.Context, runID string) (*job.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jr, ok := m.jobs[runID]
	if !ok {
		return nil, fmt.Errorf("get job run %s: %w", runID, domain.ErrNotFound)
	}
	cp := *jr
	return &cp, nil
}

func (m *memStore) GetJobRunByWindmillID(_ context.Context, windmillJobID string) (*job.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, runID := range m.jobOrder {
		jr := m.jobs[runID]
		if jr.WindmillJobID != "" && jr.WindmillJobID == windmillJobID {
			cp := *jr
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get job run by windmill id %s: %w", windmillJobID, domain.ErrNotFound)
}

func (m *memStore) LatestExternalJobRunForStep(_ context.Context, stepRunID int64) (*job.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		jr := m.jobs[m.jobOrder[i]]
		if jr.StepRunID == nil || *jr.StepRunID != stepRunID {
			continue
		}
		if jr.Mode != job.ModeExternal || jr.WindmillJobID == "" {
			continue
		}
		cp := *jr
		return &cp, nil
	}
	return nil, fmt.Errorf("latest external job for step %d: %w", stepRunID, domain.ErrNotFound)
}

func (m *memStore) ListJobRuns(_ context.Context, f job.ListFilter) ([]job.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.JobRun
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		jr := m.jobs[m.jobOrder[i]]
		if f.JobType != "" && jr.JobType != f.JobType {
			continue
		}
		if f.Status != "" && jr.Status != f.Status {
			continue
		}
		if f.ProtocolRunID != nil && (jr.ProtocolRunID == nil || *jr.ProtocolRunID != *f.ProtocolRunID) {
			continue
		}
		if f.StepRunID != nil && (jr.StepRunID == nil || *jr.StepRunID != *f.StepRunID) {
			continue
		}
		out = append(out, *jr)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateJobRun(_ context.Context, j *job.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.RunID]; !ok {
		return fmt.Errorf("update job run %s: %w", j.RunID, domain.ErrNotFound)
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[j.RunID] = &cp
	return nil
}

// --- Clarifications ---

func (m *memStore) UpsertClarification(_ context.Context, req *clarif.UpsertRequest) (*clarif.Clarification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appliesTo := req.AppliesTo
	if appliesTo == "" {
		appliesTo = clarif.AppliesToExecution
	}
	now := time.Now().UTC()

	for _, id := range sortedKeys(m.clarifs) {
		c := m.clarifs[id]
		if c.Scope != req.Scope || c.Key != req.Key {
			continue
		}
		// Refresh the question without resetting the answer state.
		c.ProtocolRunID = req.ProtocolRunID
		c.StepRunID = req.StepRunID
		c.Question = req.Question
		c.Recommended = req.Recommended
		c.Options = req.Options
		c.AppliesTo = appliesTo
		c.Blocking = req.Blocking
		c.UpdatedAt = now
		cp := *c
		return &cp, false, nil
	}

	c := &clarif.Clarification{
		ID:            m.id(),
		Scope:         req.Scope,
		Key:           req.Key,
		ProjectID:     req.ProjectID,
		ProtocolRunID: req.ProtocolRunID,
		StepRunID:     req.StepRunID,
		Question:      req.Question,
		Recommended:   req.Recommended,
		Options:       req.Options,
		AppliesTo:     appliesTo,
		Blocking:      req.Blocking,
		Status:        clarif.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.clarifs[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (m *memStore) GetClarification(_ context.Context, id int64) (*clarif.Clarification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clarifs[id]
	if !ok {
		return nil, fmt.Errorf("get clarification %d: %w", id, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListClarifications(_ context.Context, f clarif.ListFilter) ([]clarif.Clarification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []clarif.Clarification
	for _, id := range sortedKeys(m.clarifs) {
		c := m.clarifs[id]
		if f.ProjectID != nil && c.ProjectID != *f.ProjectID {
			continue
		}
		if f.ProtocolRunID != nil && (c.ProtocolRunID == nil || *c.ProtocolRunID != *f.ProtocolRunID) {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Blocking != nil && c.Blocking != *f.Blocking {
			continue
		}
		out = append(out, *c)
	}
	reverse(out) // newest first
	return out, nil
}

func (m *memStore) AnswerClarification(_ context.Context, id int64, answer, answeredBy string) (*clarif.Clarification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clarifs[id]
	if !ok {
		return nil, fmt.Errorf("answer clarification %d: %w", id, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	c.Status = clarif.StatusAnswered
	c.Answer = answer
	c.AnsweredBy = answeredBy
	c.AnsweredAt = &now
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

func (m *memStore) DismissClarification(_ context.Context, id int64) (*clarif.Clarification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clarifs[id]
	if !ok {
		return nil, fmt.Errorf("dismiss clarification %d: %w", id, domain.ErrNotFound)
	}
	c.Status = clarif.StatusDismissed
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	return &cp, nil
}

// --- QA results ---

func (m *memStore) CreateQAResult(_ context.Context, r *qa.QAResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	r.CreatedAt = time.Now().UTC()
	m.qaResults = append(m.qaResults, *r)
	return nil
}

func (m *memStore) ListQAResults(_ context.Context, protocolRunID int64) ([]qa.QAResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []qa.QAResult
	for i := len(m.qaResults) - 1; i >= 0; i-- {
		if m.qaResults[i].ProtocolRunID == protocolRunID {
			out = append(out, m.qaResults[i])
		}
	}
	return out, nil
}

func (m *memStore) LatestQAResultForStep(_ context.Context, stepRunID int64) (*qa.QAResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.qaResults) - 1; i >= 0; i-- {
		r := m.qaResults[i]
		if r.StepRunID != nil && *r.StepRunID == stepRunID {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("latest qa result for step %d: %w", stepRunID, domain.ErrNotFound)
}

// --- Artifacts ---

func (m *memStore) CreateArtifact(_ context.Context, a *artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	a.CreatedAt = time.Now().UTC()
	m.artifacts = append(m.artifacts, *a)
	return nil
}

func (m *memStore) ListArtifactsByRun(_ context.Context, runID string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for i := range m.artifacts {
		if m.artifacts[i].RunID == runID {
			out = append(out, m.artifacts[i])
		}
	}
	return out, nil
}

func (m *memStore) ListArtifactsByStep(_ context.Context, stepRunID int64) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for i := range m.artifacts {
		a := m.artifacts[i]
		if a.StepRunID != nil && *a.StepRunID == stepRunID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListArtifactsByProtocol(_ context.Context, protocolRunID int64) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for i := range m.artifacts {
		a := m.artifacts[i]
		if a.StepRunID == nil {
			continue
		}
		if st, ok := m.steps[*a.StepRunID]; ok && st.ProtocolRunID == protocolRunID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) GetArtifactByName(_ context.Context, runID, name string) (*artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.artifacts) - 1; i >= 0; i-- {
		a := m.artifacts[i]
		if a.RunID == runID && a.Name == name {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("get artifact %q of run %s: %w", name, runID, domain.ErrNotFound)
}

// --- Spec runs ---

func (m *memStore) CreateSpecRun(_ context.Context, req *specrun.CreateRequest) (*specrun.SpecRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	sr := &specrun.SpecRun{
		ID:         m.id(),
		ProjectID:  req.ProjectID,
		SpecName:   req.SpecName,
		Status:     specrun.StatusPending,
		SpecRoot:   req.SpecRoot,
		SpecPath:   req.SpecPath,
		BranchName: req.BranchName,
		BaseBranch: req.BaseBranch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.specs[sr.ID] = sr
	cp := *sr
	return &cp, nil
}

func (m *memStore) GetSpecRun(_ context.Context, id int64) (*specrun.SpecRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.specs[id]
	if !ok {
		return nil, fmt.Errorf("get spec run %d: %w", id, domain.ErrNotFound)
	}
	cp := *sr
	return &cp, nil
}

func (m *memStore) ListSpecRuns(_ context.Context, projectID int64) ([]specrun.SpecRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []specrun.SpecRun
	for _, id := range sortedKeys(m.specs) {
		if sr := m.specs[id]; sr.ProjectID == projectID {
			out = append(out, *sr)
		}
	}
	reverse(out) // newest first
	return out, nil
}

func (m *memStore) UpdateSpecRunStatus(_ context.Context, id int64, status specrun.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.specs[id]
	if !ok {
		return fmt.Errorf("update spec run %d status: %w", id, domain.ErrNotFound)
	}
	sr.Status = status
	sr.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// --- test inspection helpers ---

// stepStatus reads a step's current status directly.
func (m *memStore) stepStatus(id int64) protocol.StepStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.steps[id]; ok {
		return st.Status
	}
	return ""
}

// protocolStatus reads a protocol run's current status directly.
func (m *memStore) protocolStatus(id int64) protocol.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.protocols[id]; ok {
		return pr.Status
	}
	return ""
}

// forceStepStatus moves a step into a status without transition checks.
func (m *memStore) forceStepStatus(id int64, status protocol.StepStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.steps[id]; ok {
		st.Status = status
	}
}

// forceProtocolStatus moves a protocol run into a status without transition
// checks.
func (m *memStore) forceProtocolStatus(id int64, status protocol.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.protocols[id]; ok {
		pr.Status = status
	}
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
