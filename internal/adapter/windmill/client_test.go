package windmill_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/adapter/windmill"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
)

func newTestClient(srvURL string) *windmill.Client {
	return windmill.NewClient(config.Windmill{
		URL:       srvURL,
		Token:     "test-token",
		Workspace: "devgodzilla",
	})
}

func TestRunScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/w/devgodzilla/jobs/run/p/f/steps/execute" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["step_run_id"] != float64(42) {
			t.Fatalf("unexpected payload: %v", payload)
		}

		// Windmill answers run requests with the bare uuid as text.
		_, _ = w.Write([]byte("0193e4c1-d009-4b5a-8a17-2f9d3f7e8a11"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	jobID, err := client.RunScript(context.Background(), "f/steps/execute", map[string]any{"step_run_id": 42})
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if jobID != "0193e4c1-d009-4b5a-8a17-2f9d3f7e8a11" {
		t.Fatalf("unexpected job id: %q", jobID)
	}
}

func TestGetJobStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		job  map[string]any
		want string
	}{
		{"completed success", map[string]any{"id": "j1", "type": "CompletedJob", "success": true}, executor.JobCompleted},
		{"completed failure", map[string]any{"id": "j2", "type": "CompletedJob", "success": false}, executor.JobFailed},
		{"cancelled", map[string]any{"id": "j3", "type": "CompletedJob", "canceled": true}, executor.JobCancelled},
		{"running", map[string]any{"id": "j4", "type": "QueuedJob", "running": true}, executor.JobRunning},
		{"queued", map[string]any{"id": "j5", "type": "QueuedJob"}, executor.JobQueued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(tt.job)
			}))
			defer srv.Close()

			client := newTestClient(srv.URL)
			got, err := client.GetJob(context.Background(), tt.job["id"].(string))
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.Status != tt.want {
				t.Fatalf("expected status %q, got %q", tt.want, got.Status)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "job not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.GetJob(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.ListJobs(context.Background(), 10)
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestListFlows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/w/devgodzilla/flows/list" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]executor.Flow{
			{Path: "f/protocols/feature", Summary: "Feature protocol"},
			{Path: "f/protocols/hotfix", Summary: "Hotfix protocol"},
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	flows, err := client.ListFlows(context.Background())
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	if flows[0].Path != "f/protocols/feature" {
		t.Fatalf("unexpected flow: %+v", flows[0])
	}
}

func TestGetJobLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/w/devgodzilla/jobs_u/get_logs/j1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("line one\nline two\n"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	logs, err := client.GetJobLogs(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJobLogs: %v", err)
	}
	if logs != "line one\nline two\n" {
		t.Fatalf("unexpected logs: %q", logs)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("v1.430.1"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
