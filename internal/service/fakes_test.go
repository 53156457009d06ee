package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
	"github.com/devgodzilla/devgodzilla/internal/port/gate"
	"github.com/devgodzilla/devgodzilla/internal/service"
)

// fakeEngine is a scriptable coding agent engine. execErrs is consumed one
// error per call before execErr and result apply, so tests can script a
// transient failure followed by success.
type fakeEngine struct {
	id        string
	available bool
	execErr   error
	execErrs  []error
	result    engine.ExecResult

	mu      sync.Mutex
	calls   int
	prompts []string
}

func (e *fakeEngine) Metadata() engine.Metadata {
	return engine.Metadata{ID: e.id, DisplayName: e.id, Kind: engine.KindCLI, Capabilities: []string{"code_gen"}}
}

func (e *fakeEngine) CheckAvailability(context.Context) bool { return e.available }

func (e *fakeEngine) Execute(_ context.Context, req engine.ExecRequest) (*engine.ExecResult, error) {
	e.mu.Lock()
	e.calls++
	e.prompts = append(e.prompts, req.Prompt)
	var queued error
	if len(e.execErrs) > 0 {
		queued = e.execErrs[0]
		e.execErrs = e.execErrs[1:]
	}
	e.mu.Unlock()

	if queued != nil {
		return nil, queued
	}
	if e.execErr != nil {
		return nil, e.execErr
	}
	if req.Stdout != nil && e.result.Stdout != "" {
		io.WriteString(req.Stdout, e.result.Stdout)
	}
	res := e.result
	res.EngineID = e.id
	if res.Duration == 0 {
		res.Duration = 5 * time.Millisecond
	}
	return &res, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// registerEngine installs the engine in the process registry for one test.
func registerEngine(t *testing.T, e *fakeEngine) {
	t.Helper()
	registerEngines(t, e)
}

func registerEngines(t *testing.T, engines ...*fakeEngine) {
	t.Helper()
	engine.Reset()
	for _, e := range engines {
		engine.Register(e)
	}
	t.Cleanup(engine.Reset)
}

// fakeGate returns a fixed result from the gate pipeline.
type fakeGate struct {
	id       string
	disabled bool
	result   qa.GateResult
}

func (g *fakeGate) ID() string     { return g.id }
func (g *fakeGate) Name() string   { return g.id }
func (g *fakeGate) Enabled() bool  { return !g.disabled }
func (g *fakeGate) Blocking() bool { return true }

func (g *fakeGate) Run(context.Context, *gate.Workspace) qa.GateResult {
	res := g.result
	res.GateID = g.id
	res.GateName = g.id
	return res
}

// registerGates installs gates in the process registry for one test.
func registerGates(t *testing.T, gates ...*fakeGate) {
	t.Helper()
	gate.Reset()
	for _, g := range gates {
		gate.Register(g, gate.CategoryCode)
	}
	t.Cleanup(gate.Reset)
}

// fakeExecutor is a scriptable stand-in for the windmill client. Submitted
// jobs start queued; tests move them with setJobStatus.
type fakeExecutor struct {
	mu        sync.Mutex
	seq       int
	runErr    error
	healthErr error
	jobs      map[string]*executor.Job
	scripts   []string
	payloads  []map[string]any
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{jobs: make(map[string]*executor.Job)}
}

func (f *fakeExecutor) ListFlows(context.Context) ([]executor.Flow, error) { return nil, nil }

func (f *fakeExecutor) GetFlow(_ context.Context, path string) (*executor.Flow, error) {
	return &executor.Flow{Path: path}, nil
}

func (f *fakeExecutor) RunScript(_ context.Context, path string, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.seq++
	id := fmt.Sprintf("wm-%d", f.seq)
	f.jobs[id] = &executor.Job{ID: id, Status: executor.JobQueued}
	f.scripts = append(f.scripts, path)
	f.payloads = append(f.payloads, payload)
	return id, nil
}

func (f *fakeExecutor) ListJobs(_ context.Context, limit int) ([]executor.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []executor.Job
	for _, j := range f.jobs {
		out = append(out, *j)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeExecutor) GetJob(_ context.Context, jobID string) (*executor.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found: %w", jobID, domain.ErrExternalExecutor)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeExecutor) GetJobLogs(context.Context, string) (string, error) { return "", nil }

func (f *fakeExecutor) HealthCheck(context.Context) error { return f.healthErr }

// setJobStatus scripts the external view of one job.
func (f *fakeExecutor) setJobStatus(jobID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.Status = status
		return
	}
	f.jobs[jobID] = &executor.Job{ID: jobID, Status: status}
}

// dropJob forgets a job, so lookups fail the way a purged executor does.
func (f *fakeExecutor) dropJob(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
}

// lastJobID returns the most recently submitted external job id.
func (f *fakeExecutor) lastJobID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq == 0 {
		return ""
	}
	return fmt.Sprintf("wm-%d", f.seq)
}

// fakeCache is a deterministic in-memory cache that counts hits.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *fakeCache) hitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// eventRecorder captures every event crossing the bus.
type eventRecorder struct {
	mu  sync.Mutex
	evs []event.Event
}

func recordEvents(b *bus.Bus) *eventRecorder {
	rec := &eventRecorder{}
	b.SubscribeAll(func(_ context.Context, ev *event.Event) {
		rec.mu.Lock()
		rec.evs = append(rec.evs, *ev)
		rec.mu.Unlock()
	})
	return rec
}

func (r *eventRecorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.evs {
		if r.evs[i].Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t event.Type) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Type == t {
			return r.evs[i], true
		}
	}
	return event.Event{}, false
}

// pipeline wires the full service stack over the in-memory store the way
// the serve command does, with the external executor faked out and the
// cross-service callbacks installed.
type pipeline struct {
	store      *memStore
	bus        *bus.Bus
	events     *eventRecorder
	external   *fakeExecutor
	orch       *service.OrchestratorService
	exec       *service.ExecutionService
	quality    *service.QualityService
	webhooks   *service.WebhookService
	clarifs    *service.ClarificationService
	projects   *service.ProjectService
	reconciler *service.ReconcilerService
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	return newPipelineQA(t, config.QA{DirectCompletion: true, MaxAutoFixAttempts: 2})
}

func newPipelineQA(t *testing.T, qaCfg config.QA) *pipeline {
	t.Helper()

	store := newMemStore()
	b := bus.New(16)
	t.Cleanup(b.Close)
	rec := recordEvents(b)
	external := newFakeExecutor()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	execSvc := service.NewExecutionService(store, b,
		config.Engines{Timeout: time.Second}, config.Storage{LogDir: t.TempDir()}, logger)
	orch := service.NewOrchestratorService(store, b, execSvc, external, nil, logger)
	quality := service.NewQualityService(store, b, qaCfg, logger)
	projects := service.NewProjectService(store, nil, logger)
	webhooks := service.NewWebhookService(store, b, projects, logger)
	clarifs := service.NewClarificationService(store, b, logger)
	reconciler := service.NewReconcilerService(store, b, external, logger)

	orch.SetEvaluator(quality)
	execSvc.SetOnExecuted(func(ctx context.Context, stepID int64) {
		_, _ = orch.RunStepQA(ctx, stepID)
	})
	quality.SetOnStepCompleted(func(ctx context.Context, prID int64) {
		_, _ = orch.CheckAndCompleteProtocol(ctx, prID)
	})
	webhooks.SetOnJobSucceeded(func(ctx context.Context, stepID int64) {
		_, _ = orch.RunStepQA(ctx, stepID)
	})

	return &pipeline{
		store:      store,
		bus:        b,
		events:     rec,
		external:   external,
		orch:       orch,
		exec:       execSvc,
		quality:    quality,
		webhooks:   webhooks,
		clarifs:    clarifs,
		projects:   projects,
		reconciler: reconciler,
	}
}

// newProjectRequest builds a minimal valid project request backed by a git
// remote only, so workspace provisioning stays off the filesystem.
func newProjectRequest(name string) *project.CreateRequest {
	return &project.CreateRequest{
		Name:   name,
		GitURL: fmt.Sprintf("https://github.com/acme/%s.git", name),
	}
}

// seedProject creates an active project.
func (p *pipeline) seedProject(t *testing.T) *project.Project {
	t.Helper()
	proj, err := p.projects.CreateProject(context.Background(), newProjectRequest("api"))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return proj
}

// seedProtocol creates a protocol run with one execute step per name.
func (p *pipeline) seedProtocol(t *testing.T, projectID int64, stepNames ...string) *protocol.ProtocolRun {
	t.Helper()
	req := &protocol.CreateRequest{ProjectID: projectID, ProtocolName: "feature-x"}
	for i, name := range stepNames {
		req.Steps = append(req.Steps, protocol.CreateStepRequest{
			StepIndex: i, StepName: name, StepType: protocol.StepTypeExecute,
		})
	}
	pr, err := p.orch.CreateProtocolRun(context.Background(), req)
	if err != nil {
		t.Fatalf("create protocol run: %v", err)
	}
	return pr
}

// startedProtocol seeds and starts a run, returning it in planned.
func (p *pipeline) startedProtocol(t *testing.T, stepNames ...string) *protocol.ProtocolRun {
	t.Helper()
	proj := p.seedProject(t)
	pr := p.seedProtocol(t, proj.ID, stepNames...)
	started, err := p.orch.StartProtocol(context.Background(), pr.ID)
	if err != nil {
		t.Fatalf("start protocol: %v", err)
	}
	if started.Status != protocol.StatusPlanned {
		t.Fatalf("expected planned after start, got %s", started.Status)
	}
	return started
}

// localProtocol creates a project rooted in a temp dir and starts a run
// there, so the protocol root exists on disk with seeded prompt files.
// req.ProjectID is filled in; a missing name and step list get defaults.
func (p *pipeline) localProtocol(t *testing.T, req *protocol.CreateRequest) *protocol.ProtocolRun {
	t.Helper()
	ctx := context.Background()
	proj, err := p.projects.CreateProject(ctx, &project.CreateRequest{
		Name: "api", LocalPath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	req.ProjectID = proj.ID
	if req.ProtocolName == "" {
		req.ProtocolName = "feature-x"
	}
	if len(req.Steps) == 0 {
		req.Steps = []protocol.CreateStepRequest{
			{StepIndex: 0, StepName: "implement", StepType: protocol.StepTypeExecute},
		}
	}
	pr, err := p.orch.CreateProtocolRun(ctx, req)
	if err != nil {
		t.Fatalf("create protocol run: %v", err)
	}
	started, err := p.orch.StartProtocol(ctx, pr.ID)
	if err != nil {
		t.Fatalf("start protocol: %v", err)
	}
	if started.ProtocolRoot == "" {
		t.Fatal("expected a protocol root under the project path")
	}
	return started
}

// runningStep forces one step into running and creates the queued job run
// tracking it, mirroring what dispatch does before the executor takes over.
func (p *pipeline) runningStep(t *testing.T, pr *protocol.ProtocolRun, idx int) (*protocol.StepRun, *job.JobRun) {
	t.Helper()
	ctx := context.Background()
	stepID := pr.Steps[idx].ID
	p.store.forceStepStatus(stepID, protocol.StepStatusRunning)
	jr := &job.JobRun{
		RunID:         uuid.NewString(),
		JobType:       job.TypeStepExecution,
		Status:        job.StatusQueued,
		Mode:          job.ModeLocal,
		ProjectID:     &pr.ProjectID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &stepID,
	}
	if err := p.store.CreateJobRun(ctx, jr); err != nil {
		t.Fatalf("create job run: %v", err)
	}
	st, err := p.store.GetStepRun(ctx, stepID)
	if err != nil {
		t.Fatalf("get step run: %v", err)
	}
	return st, jr
}
