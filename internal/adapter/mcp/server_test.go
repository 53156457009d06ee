package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	dgmcp "github.com/devgodzilla/devgodzilla/internal/adapter/mcp"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/reconcile"
)

// --- Mocks ---

type mockProjectLister struct {
	projects []project.Project
	err      error
}

func (m *mockProjectLister) ListProjects(_ context.Context) ([]project.Project, error) {
	return m.projects, m.err
}

type mockProtocolReader struct {
	runs  map[int64]*protocol.ProtocolRun
	steps map[int64]*protocol.StepRun
}

func (m *mockProtocolReader) GetProtocolRun(_ context.Context, id int64) (*protocol.ProtocolRun, error) {
	if r, ok := m.runs[id]; ok {
		return r, nil
	}
	return nil, errors.New("protocol run not found")
}

func (m *mockProtocolReader) GetStepRun(_ context.Context, id int64) (*protocol.StepRun, error) {
	if s, ok := m.steps[id]; ok {
		return s, nil
	}
	return nil, errors.New("step run not found")
}

type mockClarifications struct {
	open       []clarif.Clarification
	answered   *clarif.Clarification
	lastFilter *int64
	lastAnswer clarif.AnswerRequest
	err        error
}

func (m *mockClarifications) ListOpenClarifications(_ context.Context, protocolRunID *int64) ([]clarif.Clarification, error) {
	m.lastFilter = protocolRunID
	return m.open, m.err
}

func (m *mockClarifications) AnswerClarification(_ context.Context, _ int64, req clarif.AnswerRequest) (*clarif.Clarification, error) {
	m.lastAnswer = req
	return m.answered, m.err
}

type mockReconciliation struct {
	report *reconcile.Report
	err    error
}

func (m *mockReconciliation) LastReconciliation(_ context.Context) (*reconcile.Report, error) {
	return m.report, m.err
}

func callTool(t *testing.T, s *dgmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()

	tools := s.MCPServer().ListTools()
	tool, ok := tools[name]
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()

	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

// --- Tests ---

func TestNewServer(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{Addr: ":3001"}, dgmcp.ServerDeps{})
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

func TestServerStartStop(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{Addr: "127.0.0.1:0"}, dgmcp.ServerDeps{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestToolRegistration(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{})

	tools := s.MCPServer().ListTools()
	expected := map[string]bool{
		"list_projects":            false,
		"get_protocol_status":      false,
		"get_step":                 false,
		"list_open_clarifications": false,
		"answer_clarification":     false,
		"reconciliation_status":    false,
	}
	for name := range tools {
		if _, ok := expected[name]; ok {
			expected[name] = true
		} else {
			t.Errorf("unexpected tool: %s", name)
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestHandleListProjects(t *testing.T) {
	deps := dgmcp.ServerDeps{
		ProjectLister: &mockProjectLister{
			projects: []project.Project{
				{ID: 1, Name: "alpha"},
				{ID: 2, Name: "beta"},
			},
		},
	}
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, deps)

	result := callTool(t, s, "list_projects", nil)
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	var projects []project.Project
	if err := json.Unmarshal([]byte(resultText(t, result)), &projects); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
}

func TestHandleGetProtocolStatus(t *testing.T) {
	deps := dgmcp.ServerDeps{
		ProtocolReader: &mockProtocolReader{
			runs: map[int64]*protocol.ProtocolRun{
				10: {
					ID:           10,
					ProjectID:    1,
					ProtocolName: "feature-auth",
					Status:       protocol.StatusRunning,
					Steps: []protocol.StepRun{
						{ID: 100, StepIndex: 0, StepName: "plan", Status: protocol.StepStatusCompleted},
						{ID: 101, StepIndex: 1, StepName: "execute", Status: protocol.StepStatusRunning},
					},
				},
			},
		},
	}
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, deps)

	result := callTool(t, s, "get_protocol_status", map[string]any{"protocol_run_id": float64(10)})
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	var run protocol.ProtocolRun
	if err := json.Unmarshal([]byte(resultText(t, result)), &run); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if run.ID != 10 || run.Status != protocol.StatusRunning {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(run.Steps))
	}
}

func TestHandleGetProtocolStatusMissingArg(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{
		ProtocolReader: &mockProtocolReader{},
	})

	result := callTool(t, s, "get_protocol_status", nil)
	if !result.IsError {
		t.Fatal("expected error result for missing protocol_run_id")
	}
}

func TestHandleGetStep(t *testing.T) {
	deps := dgmcp.ServerDeps{
		ProtocolReader: &mockProtocolReader{
			steps: map[int64]*protocol.StepRun{
				100: {ID: 100, ProtocolRunID: 10, StepName: "execute", Status: protocol.StepStatusBlocked},
			},
		},
	}
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, deps)

	// String-typed id exercises the permissive argument parsing.
	result := callTool(t, s, "get_step", map[string]any{"step_run_id": "100"})
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	var step protocol.StepRun
	if err := json.Unmarshal([]byte(resultText(t, result)), &step); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if step.ID != 100 || step.Status != protocol.StepStatusBlocked {
		t.Fatalf("unexpected step: %+v", step)
	}
}

func TestHandleListOpenClarifications(t *testing.T) {
	mock := &mockClarifications{
		open: []clarif.Clarification{
			{ID: 5, Question: "Which auth provider?", Status: clarif.StatusOpen, Blocking: true},
		},
	}
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{Clarifications: mock})

	result := callTool(t, s, "list_open_clarifications", map[string]any{"protocol_run_id": float64(10)})
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	if mock.lastFilter == nil || *mock.lastFilter != 10 {
		t.Fatalf("expected filter 10, got %v", mock.lastFilter)
	}

	var clarifications []clarif.Clarification
	if err := json.Unmarshal([]byte(resultText(t, result)), &clarifications); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(clarifications) != 1 || clarifications[0].ID != 5 {
		t.Fatalf("unexpected clarifications: %+v", clarifications)
	}

	// Without the filter argument the mock must see nil.
	_ = callTool(t, s, "list_open_clarifications", nil)
	if mock.lastFilter != nil {
		t.Fatalf("expected nil filter, got %v", *mock.lastFilter)
	}
}

func TestHandleAnswerClarification(t *testing.T) {
	mock := &mockClarifications{
		answered: &clarif.Clarification{ID: 5, Status: clarif.StatusAnswered, Answer: "use oauth"},
	}
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{Clarifications: mock})

	result := callTool(t, s, "answer_clarification", map[string]any{
		"clarification_id": float64(5),
		"answer":           "use oauth",
	})
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	if mock.lastAnswer.Answer != "use oauth" {
		t.Fatalf("expected answer forwarded, got %q", mock.lastAnswer.Answer)
	}
	if mock.lastAnswer.AnsweredBy != "mcp" {
		t.Fatalf("expected default answered_by 'mcp', got %q", mock.lastAnswer.AnsweredBy)
	}

	var c clarif.Clarification
	if err := json.Unmarshal([]byte(resultText(t, result)), &c); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if c.Status != clarif.StatusAnswered {
		t.Fatalf("expected answered status, got %q", c.Status)
	}
}

func TestHandleAnswerClarificationMissingAnswer(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{
		Clarifications: &mockClarifications{},
	})

	result := callTool(t, s, "answer_clarification", map[string]any{
		"clarification_id": float64(5),
	})
	if !result.IsError {
		t.Fatal("expected error result for missing answer")
	}
}

func TestHandleReconciliationStatus(t *testing.T) {
	deps := dgmcp.ServerDeps{
		Reconciliation: &mockReconciliation{
			report: &reconcile.Report{TotalChecked: 3, AutoFixed: 1},
		},
	}
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, deps)

	result := callTool(t, s, "reconciliation_status", nil)
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	var report reconcile.Report
	if err := json.Unmarshal([]byte(resultText(t, result)), &report); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if report.TotalChecked != 3 || report.AutoFixed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestHandleReconciliationStatusNeverRun(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{
		Reconciliation: &mockReconciliation{report: nil},
	})

	result := callTool(t, s, "reconciliation_status", nil)
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	if got := resultText(t, result); got != `{"status":"never_run"}` {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestHandleNilDeps(t *testing.T) {
	s := dgmcp.NewServer(dgmcp.ServerConfig{}, dgmcp.ServerDeps{})

	for _, name := range []string{
		"list_projects",
		"get_protocol_status",
		"get_step",
		"list_open_clarifications",
		"answer_clarification",
		"reconciliation_status",
	} {
		result := callTool(t, s, name, map[string]any{
			"protocol_run_id":  float64(1),
			"step_run_id":      float64(1),
			"clarification_id": float64(1),
			"answer":           "x",
		})
		if !result.IsError {
			t.Errorf("tool %s: expected error result with nil deps", name)
		}
	}
}
