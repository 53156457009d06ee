package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devgodzilla/devgodzilla/internal/adapter/postgres"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
	"github.com/devgodzilla/devgodzilla/internal/domain/specrun"
)

// setupPool creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use pool. Tests are skipped unless DATABASE_URL is set.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.NewStore(setupPool(t))
}

// createTestProject inserts a project with a unique name and registers
// cleanup. The cascade on projects removes dependent rows.
func createTestProject(t *testing.T, store *postgres.Store) *project.Project {
	t.Helper()
	name := "test-" + uuid.New().String()[:8]
	p, err := store.CreateProject(context.Background(), &project.CreateRequest{
		Name:   name,
		GitURL: fmt.Sprintf("https://github.com/test/%s.git", name),
	})
	if err != nil {
		t.Fatalf("create test project: %v", err)
	}
	t.Cleanup(func() {
		_ = store.DeleteProject(context.Background(), p.ID)
	})
	return p
}

func createTestProtocolRun(t *testing.T, store *postgres.Store, projectID int64) *protocol.ProtocolRun {
	t.Helper()
	pr, err := store.CreateProtocolRun(context.Background(), &protocol.CreateRequest{
		ProjectID:    projectID,
		ProtocolName: "feature-protocol",
		BaseBranch:   "main",
		Steps: []protocol.CreateStepRequest{
			{StepIndex: 1, StepName: "Plan the work", StepType: protocol.StepTypePlan},
			{StepIndex: 2, StepName: "Implement", StepType: protocol.StepTypeExecute},
		},
	})
	if err != nil {
		t.Fatalf("create test protocol run: %v", err)
	}
	return pr
}

func TestStore_ProjectCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created := createTestProject(t, store)
	if created.ID == 0 {
		t.Fatal("CreateProject returned zero ID")
	}
	if created.Status != project.StatusActive {
		t.Fatalf("expected active status, got %q", created.Status)
	}
	if created.BaseBranch != "main" {
		t.Fatalf("expected default base branch main, got %q", created.BaseBranch)
	}

	t.Run("Get", func(t *testing.T) {
		got, err := store.GetProject(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if got.Name != created.Name {
			t.Fatalf("expected name %q, got %q", created.Name, got.Name)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetProject(ctx, 999999999)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		created.BaseBranch = "develop"
		created.PolicyOverrides = map[string]any{"qa": "strict"}
		if err := store.UpdateProject(ctx, created); err != nil {
			t.Fatalf("UpdateProject: %v", err)
		}
		got, err := store.GetProject(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetProject after update: %v", err)
		}
		if got.BaseBranch != "develop" {
			t.Fatalf("expected base branch develop, got %q", got.BaseBranch)
		}
		if got.PolicyOverrides["qa"] != "strict" {
			t.Fatalf("expected policy override, got %v", got.PolicyOverrides)
		}
	})

	t.Run("SetStatus", func(t *testing.T) {
		if err := store.SetProjectStatus(ctx, created.ID, project.StatusArchived); err != nil {
			t.Fatalf("SetProjectStatus: %v", err)
		}
		got, err := store.GetProject(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if got.Status != project.StatusArchived {
			t.Fatalf("expected archived, got %q", got.Status)
		}
	})

	t.Run("FindByRepoURL", func(t *testing.T) {
		normalized := project.NormalizeRepoURL(created.GitURL)
		got, err := store.FindProjectByRepoURL(ctx, normalized)
		if err != nil {
			t.Fatalf("FindProjectByRepoURL: %v", err)
		}
		if got.ID != created.ID {
			t.Fatalf("expected project %d, got %d", created.ID, got.ID)
		}

		_, err = store.FindProjectByRepoURL(ctx, "github.com/nobody/nothing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_ProtocolRunLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)
	pr := createTestProtocolRun(t, store, p.ID)

	if pr.Status != protocol.StatusPending {
		t.Fatalf("expected pending, got %q", pr.Status)
	}
	if len(pr.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(pr.Steps))
	}
	if pr.Steps[0].StepIndex != 1 || pr.Steps[1].StepIndex != 2 {
		t.Fatalf("steps out of order: %+v", pr.Steps)
	}

	t.Run("GetWithSteps", func(t *testing.T) {
		got, err := store.GetProtocolRun(ctx, pr.ID)
		if err != nil {
			t.Fatalf("GetProtocolRun: %v", err)
		}
		if len(got.Steps) != 2 {
			t.Fatalf("expected 2 steps, got %d", len(got.Steps))
		}
	})

	t.Run("GuardedStatusUpdate", func(t *testing.T) {
		err := store.UpdateProtocolStatus(ctx, pr.ID,
			[]protocol.Status{protocol.StatusPending}, protocol.StatusRunning)
		if err != nil {
			t.Fatalf("UpdateProtocolStatus: %v", err)
		}

		// Guard miss: the run is no longer pending.
		err = store.UpdateProtocolStatus(ctx, pr.ID,
			[]protocol.Status{protocol.StatusPending}, protocol.StatusRunning)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		// Missing row.
		err = store.UpdateProtocolStatus(ctx, 999999999,
			[]protocol.Status{protocol.StatusPending}, protocol.StatusRunning)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdatePaths", func(t *testing.T) {
		if err := store.UpdateProtocolPaths(ctx, pr.ID, "/work/tree", "/work/tree/protocol"); err != nil {
			t.Fatalf("UpdateProtocolPaths: %v", err)
		}
		got, err := store.GetProtocolRun(ctx, pr.ID)
		if err != nil {
			t.Fatalf("GetProtocolRun: %v", err)
		}
		if got.WorktreePath != "/work/tree" || got.ProtocolRoot != "/work/tree/protocol" {
			t.Fatalf("paths not updated: %+v", got)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		runs, err := store.ListActiveProtocolRuns(ctx)
		if err != nil {
			t.Fatalf("ListActiveProtocolRuns: %v", err)
		}
		found := false
		for _, r := range runs {
			if r.ID == pr.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("expected running protocol in active list")
		}
	})

	t.Run("DuplicateStepIndex", func(t *testing.T) {
		_, err := store.CreateProtocolRun(ctx, &protocol.CreateRequest{
			ProjectID:    p.ID,
			ProtocolName: "dup-steps",
			Steps: []protocol.CreateStepRequest{
				{StepIndex: 1, StepName: "one", StepType: protocol.StepTypeExecute},
				{StepIndex: 1, StepName: "two", StepType: protocol.StepTypeExecute},
			},
		})
		if err == nil {
			t.Fatal("expected unique violation for duplicate step_index")
		}
	})
}

func TestStore_StepRunUpdates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)
	pr := createTestProtocolRun(t, store, p.ID)
	step := pr.Steps[0]

	t.Run("GuardedStatusUpdate", func(t *testing.T) {
		err := store.UpdateStepStatus(ctx, step.ID,
			[]protocol.StepStatus{protocol.StepStatusPending}, protocol.StepStatusRunning, "")
		if err != nil {
			t.Fatalf("UpdateStepStatus: %v", err)
		}

		err = store.UpdateStepStatus(ctx, step.ID,
			[]protocol.StepStatus{protocol.StepStatusPending}, protocol.StepStatusRunning, "")
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("SummaryOnlyWhenProvided", func(t *testing.T) {
		err := store.UpdateStepStatus(ctx, step.ID,
			[]protocol.StepStatus{protocol.StepStatusRunning}, protocol.StepStatusCompleted, "did the thing")
		if err != nil {
			t.Fatalf("UpdateStepStatus: %v", err)
		}
		got, err := store.GetStepRun(ctx, step.ID)
		if err != nil {
			t.Fatalf("GetStepRun: %v", err)
		}
		if got.Summary != "did the thing" {
			t.Fatalf("expected summary, got %q", got.Summary)
		}
	})

	t.Run("RuntimeStateMerge", func(t *testing.T) {
		if err := store.UpdateStepRuntimeState(ctx, step.ID, map[string]any{"retry_count": 1}); err != nil {
			t.Fatalf("UpdateStepRuntimeState: %v", err)
		}
		if err := store.UpdateStepRuntimeState(ctx, step.ID, map[string]any{"last_error": "boom"}); err != nil {
			t.Fatalf("UpdateStepRuntimeState: %v", err)
		}
		got, err := store.GetStepRun(ctx, step.ID)
		if err != nil {
			t.Fatalf("GetStepRun: %v", err)
		}
		if got.RetryCount() != 1 {
			t.Fatalf("expected retry_count 1, got %d", got.RetryCount())
		}
		if got.RuntimeState["last_error"] != "boom" {
			t.Fatalf("expected merged last_error, got %v", got.RuntimeState)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		// The completed step is out; the pending one still counts as
		// active so reconciliation can see it.
		other := pr.Steps[1]
		active, err := store.ListActiveStepRuns(ctx, &pr.ID)
		if err != nil {
			t.Fatalf("ListActiveStepRuns: %v", err)
		}
		if len(active) != 1 || active[0].ID != other.ID || active[0].Status != protocol.StepStatusPending {
			t.Fatalf("expected pending step %d active, got %+v", other.ID, active)
		}

		err = store.UpdateStepStatus(ctx, other.ID,
			[]protocol.StepStatus{protocol.StepStatusPending}, protocol.StepStatusRunning, "")
		if err != nil {
			t.Fatalf("UpdateStepStatus: %v", err)
		}
		active, err = store.ListActiveStepRuns(ctx, &pr.ID)
		if err != nil {
			t.Fatalf("ListActiveStepRuns: %v", err)
		}
		if len(active) != 1 || active[0].ID != other.ID {
			t.Fatalf("expected only step %d active, got %+v", other.ID, active)
		}
	})
}

func TestStore_JobRuns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)
	pr := createTestProtocolRun(t, store, p.ID)
	step := pr.Steps[0]

	j := &job.JobRun{
		RunID:         uuid.New().String(),
		JobType:       job.TypeStepExecution,
		Mode:          job.ModeExternal,
		ProjectID:     &p.ID,
		ProtocolRunID: &pr.ID,
		StepRunID:     &step.ID,
		WindmillJobID: uuid.New().String(),
		Params:        map[string]any{"step_index": 1},
	}
	if err := store.CreateJobRun(ctx, j); err != nil {
		t.Fatalf("CreateJobRun: %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Fatalf("expected queued default, got %q", j.Status)
	}

	t.Run("GetByWindmillID", func(t *testing.T) {
		got, err := store.GetJobRunByWindmillID(ctx, j.WindmillJobID)
		if err != nil {
			t.Fatalf("GetJobRunByWindmillID: %v", err)
		}
		if got.RunID != j.RunID {
			t.Fatalf("expected run %s, got %s", j.RunID, got.RunID)
		}
	})

	t.Run("LatestExternalForStep", func(t *testing.T) {
		got, err := store.LatestExternalJobRunForStep(ctx, step.ID)
		if err != nil {
			t.Fatalf("LatestExternalJobRunForStep: %v", err)
		}
		if got.RunID != j.RunID {
			t.Fatalf("expected run %s, got %s", j.RunID, got.RunID)
		}
	})

	t.Run("Update", func(t *testing.T) {
		now := time.Now().UTC()
		j.Status = job.StatusSucceeded
		j.FinishedAt = &now
		j.Result = map[string]any{"exit_code": float64(0)}
		if err := store.UpdateJobRun(ctx, j); err != nil {
			t.Fatalf("UpdateJobRun: %v", err)
		}
		got, err := store.GetJobRun(ctx, j.RunID)
		if err != nil {
			t.Fatalf("GetJobRun: %v", err)
		}
		if got.Status != job.StatusSucceeded {
			t.Fatalf("expected succeeded, got %q", got.Status)
		}
		if got.FinishedAt == nil {
			t.Fatal("expected finished_at set")
		}
	})

	t.Run("ListFiltered", func(t *testing.T) {
		jobs, err := store.ListJobRuns(ctx, job.ListFilter{
			StepRunID: &step.ID,
			Status:    job.StatusSucceeded,
		})
		if err != nil {
			t.Fatalf("ListJobRuns: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("expected 1 job, got %d", len(jobs))
		}
	})
}

func TestStore_Clarifications(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)
	scope := "protocol:" + uuid.New().String()[:8]

	c, created, err := store.UpsertClarification(ctx, &clarif.UpsertRequest{
		Scope:     scope,
		Key:       "deploy-target",
		ProjectID: p.ID,
		Question:  "Which environment should this deploy to?",
		Options:   []string{"staging", "production"},
		AppliesTo: clarif.AppliesToExecution,
		Blocking:  true,
	})
	if err != nil {
		t.Fatalf("UpsertClarification: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first upsert")
	}
	if c.Status != clarif.StatusOpen {
		t.Fatalf("expected open, got %q", c.Status)
	}

	t.Run("UpsertRefreshesQuestion", func(t *testing.T) {
		c2, created2, err := store.UpsertClarification(ctx, &clarif.UpsertRequest{
			Scope:     scope,
			Key:       "deploy-target",
			ProjectID: p.ID,
			Question:  "Deploy to which environment?",
			AppliesTo: clarif.AppliesToExecution,
			Blocking:  true,
		})
		if err != nil {
			t.Fatalf("UpsertClarification: %v", err)
		}
		if created2 {
			t.Fatal("expected created=false on second upsert")
		}
		if c2.ID != c.ID {
			t.Fatalf("expected same row %d, got %d", c.ID, c2.ID)
		}
		if c2.Question != "Deploy to which environment?" {
			t.Fatalf("expected refreshed question, got %q", c2.Question)
		}
	})

	t.Run("Answer", func(t *testing.T) {
		answered, err := store.AnswerClarification(ctx, c.ID, "staging", "ops@example.com")
		if err != nil {
			t.Fatalf("AnswerClarification: %v", err)
		}
		if answered.Status != clarif.StatusAnswered {
			t.Fatalf("expected answered, got %q", answered.Status)
		}
		if answered.Answer != "staging" || answered.AnsweredBy != "ops@example.com" {
			t.Fatalf("answer fields wrong: %+v", answered)
		}
		if answered.AnsweredAt == nil {
			t.Fatal("expected answered_at set")
		}
	})

	t.Run("UpsertKeepsAnswer", func(t *testing.T) {
		c3, _, err := store.UpsertClarification(ctx, &clarif.UpsertRequest{
			Scope:     scope,
			Key:       "deploy-target",
			ProjectID: p.ID,
			Question:  "Deploy to which environment?",
			AppliesTo: clarif.AppliesToExecution,
			Blocking:  true,
		})
		if err != nil {
			t.Fatalf("UpsertClarification: %v", err)
		}
		if c3.Status != clarif.StatusAnswered || c3.Answer != "staging" {
			t.Fatalf("expected preserved answer, got %+v", c3)
		}
	})

	t.Run("ListFiltered", func(t *testing.T) {
		blocking := true
		list, err := store.ListClarifications(ctx, clarif.ListFilter{
			ProjectID: &p.ID,
			Status:    clarif.StatusAnswered,
			Blocking:  &blocking,
		})
		if err != nil {
			t.Fatalf("ListClarifications: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 clarification, got %d", len(list))
		}
	})

	t.Run("Dismiss", func(t *testing.T) {
		d, _, err := store.UpsertClarification(ctx, &clarif.UpsertRequest{
			Scope:     scope,
			Key:       "other-question",
			ProjectID: p.ID,
			Question:  "Anything else?",
			AppliesTo: clarif.AppliesToPlanning,
		})
		if err != nil {
			t.Fatalf("UpsertClarification: %v", err)
		}
		dismissed, err := store.DismissClarification(ctx, d.ID)
		if err != nil {
			t.Fatalf("DismissClarification: %v", err)
		}
		if dismissed.Status != clarif.StatusDismissed {
			t.Fatalf("expected dismissed, got %q", dismissed.Status)
		}
	})
}

func TestStore_QAResults(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)
	pr := createTestProtocolRun(t, store, p.ID)
	step := pr.Steps[0]

	r := &qa.QAResult{
		ProtocolRunID: pr.ID,
		ProjectID:     p.ID,
		StepRunID:     &step.ID,
		Verdict:       qa.VerdictWarn,
		GateResults: []qa.GateResult{
			{GateID: "tests", GateName: "Test Suite", Verdict: qa.VerdictPass},
			{GateID: "lint", GateName: "Lint", Verdict: qa.VerdictWarn},
		},
		Findings: []qa.Finding{
			{GateID: "lint", Severity: qa.SeverityWarning, Message: "unused variable"},
		},
	}
	if err := store.CreateQAResult(ctx, r); err != nil {
		t.Fatalf("CreateQAResult: %v", err)
	}
	if r.ID == 0 {
		t.Fatal("expected assigned id")
	}

	second := &qa.QAResult{
		ProtocolRunID: pr.ID,
		ProjectID:     p.ID,
		StepRunID:     &step.ID,
		Verdict:       qa.VerdictPass,
	}
	if err := store.CreateQAResult(ctx, second); err != nil {
		t.Fatalf("CreateQAResult: %v", err)
	}

	t.Run("LatestForStep", func(t *testing.T) {
		latest, err := store.LatestQAResultForStep(ctx, step.ID)
		if err != nil {
			t.Fatalf("LatestQAResultForStep: %v", err)
		}
		if latest.ID != second.ID {
			t.Fatalf("expected latest %d, got %d", second.ID, latest.ID)
		}
		if latest.Verdict != qa.VerdictPass {
			t.Fatalf("expected pass, got %q", latest.Verdict)
		}
	})

	t.Run("ListByProtocol", func(t *testing.T) {
		results, err := store.ListQAResults(ctx, pr.ID)
		if err != nil {
			t.Fatalf("ListQAResults: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
	})
}

func TestStore_Artifacts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)
	pr := createTestProtocolRun(t, store, p.ID)
	step := pr.Steps[0]
	runID := uuid.New().String()

	a := &artifact.Artifact{
		RunID:     runID,
		StepRunID: &step.ID,
		Name:      "execution.log",
		Kind:      artifact.KindLog,
		Path:      "/var/lib/devgodzilla/logs/execution.log",
		Bytes:     2048,
	}
	if err := store.CreateArtifact(ctx, a); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	t.Run("ListByRun", func(t *testing.T) {
		list, err := store.ListArtifactsByRun(ctx, runID)
		if err != nil {
			t.Fatalf("ListArtifactsByRun: %v", err)
		}
		if len(list) != 1 || list[0].Name != "execution.log" {
			t.Fatalf("unexpected artifacts: %+v", list)
		}
	})

	t.Run("ListByProtocol", func(t *testing.T) {
		list, err := store.ListArtifactsByProtocol(ctx, pr.ID)
		if err != nil {
			t.Fatalf("ListArtifactsByProtocol: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 artifact, got %d", len(list))
		}
	})

	t.Run("GetByName", func(t *testing.T) {
		got, err := store.GetArtifactByName(ctx, runID, "execution.log")
		if err != nil {
			t.Fatalf("GetArtifactByName: %v", err)
		}
		if got.Kind != artifact.KindLog {
			t.Fatalf("expected log kind, got %q", got.Kind)
		}

		_, err = store.GetArtifactByName(ctx, runID, "missing.txt")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_SpecRuns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := createTestProject(t, store)

	sr, err := store.CreateSpecRun(ctx, &specrun.CreateRequest{
		ProjectID:  p.ID,
		SpecName:   "payments-v2",
		BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateSpecRun: %v", err)
	}
	if sr.Status != specrun.StatusPending {
		t.Fatalf("expected pending, got %q", sr.Status)
	}

	if err := store.UpdateSpecRunStatus(ctx, sr.ID, specrun.StatusRunning); err != nil {
		t.Fatalf("UpdateSpecRunStatus: %v", err)
	}

	got, err := store.GetSpecRun(ctx, sr.ID)
	if err != nil {
		t.Fatalf("GetSpecRun: %v", err)
	}
	if got.Status != specrun.StatusRunning {
		t.Fatalf("expected running, got %q", got.Status)
	}

	list, err := store.ListSpecRuns(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListSpecRuns: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 spec run, got %d", len(list))
	}
}

func TestEventStore_AppendAndList(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	ctx := context.Background()

	p := createTestProject(t, store)

	before, err := events.LatestID(ctx)
	if err != nil {
		t.Fatalf("LatestID: %v", err)
	}

	var ids []int64
	for i := 0; i < 3; i++ {
		ev := &event.Event{
			Type:      event.TypeStepStarted,
			Category:  event.CategoryStep,
			Message:   fmt.Sprintf("step %d started", i),
			ProjectID: &p.ID,
		}
		if err := events.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.ID == 0 {
			t.Fatal("expected assigned event id")
		}
		if ev.CreatedAt.IsZero() {
			t.Fatal("expected created_at filled")
		}
		ids = append(ids, ev.ID)
	}

	// Strictly increasing.
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("event ids not monotonic: %v", ids)
		}
	}

	t.Run("ListAfterID", func(t *testing.T) {
		list, err := events.List(ctx, event.Filter{
			AfterID:   ids[0],
			ProjectID: &p.ID,
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 events after id %d, got %d", ids[0], len(list))
		}
		if list[0].ID != ids[1] || list[1].ID != ids[2] {
			t.Fatalf("wrong order: %+v", list)
		}
	})

	t.Run("ListByType", func(t *testing.T) {
		list, err := events.List(ctx, event.Filter{
			AfterID:   before,
			ProjectID: &p.ID,
			Types:     []event.Type{event.TypeStepCompleted},
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("expected no step_completed events, got %d", len(list))
		}
	})

	t.Run("LatestID", func(t *testing.T) {
		latest, err := events.LatestID(ctx)
		if err != nil {
			t.Fatalf("LatestID: %v", err)
		}
		if latest < ids[2] {
			t.Fatalf("expected latest >= %d, got %d", ids[2], latest)
		}
	})
}
