package http

import (
	"encoding/json"
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/service"
)

// readCIPayload decodes a forge webhook body. Forges retry non-2xx responses
// indefinitely, so a body this server cannot parse is acknowledged as ignored
// rather than rejected.
func readCIPayload[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return v, false
	}
	return v, true
}

// handleWindmillJobWebhook ingests job status callbacks from the external
// executor. Unusable payloads answer 200 "ignored" so Windmill does not
// retry them; only store failures surface as errors.
func (h *Handlers) handleWindmillJobWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readJSON[service.WindmillJobEvent](w, r)
	if !ok {
		return
	}
	jr, err := h.Webhooks.HandleWindmillJob(r.Context(), payload)
	if err != nil {
		writeDomainError(w, err, "failed to process webhook")
		return
	}
	if jr == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"run_id": jr.RunID,
	})
}

// githubPayload covers the push, workflow_run, and pull_request shapes far
// enough to resolve the repository and summarize the event.
type githubPayload struct {
	Ref        string `json:"ref,omitempty"`
	Action     string `json:"action,omitempty"`
	Repository struct {
		CloneURL string `json:"clone_url,omitempty"`
		SSHURL   string `json:"ssh_url,omitempty"`
		HTMLURL  string `json:"html_url,omitempty"`
	} `json:"repository"`
	WorkflowRun struct {
		ID         int64  `json:"id,omitempty"`
		Name       string `json:"name,omitempty"`
		Status     string `json:"status,omitempty"`
		Conclusion string `json:"conclusion,omitempty"`
		HeadBranch string `json:"head_branch,omitempty"`
	} `json:"workflow_run"`
}

func (h *Handlers) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readCIPayload[githubPayload](w, r)
	if !ok {
		return
	}

	repoURL := payload.Repository.CloneURL
	if repoURL == "" {
		repoURL = payload.Repository.SSHURL
	}
	if repoURL == "" {
		repoURL = payload.Repository.HTMLURL
	}

	summary := map[string]any{
		"event": r.Header.Get("X-GitHub-Event"),
	}
	if payload.Ref != "" {
		summary["ref"] = payload.Ref
	} else if payload.WorkflowRun.HeadBranch != "" {
		summary["ref"] = payload.WorkflowRun.HeadBranch
	}
	if payload.WorkflowRun.Name != "" {
		summary["workflow"] = payload.WorkflowRun.Name
	}
	if payload.WorkflowRun.ID != 0 {
		summary["pipeline_id"] = payload.WorkflowRun.ID
	}
	switch {
	case payload.WorkflowRun.Conclusion != "":
		summary["status"] = payload.WorkflowRun.Conclusion
	case payload.WorkflowRun.Status != "":
		summary["status"] = payload.WorkflowRun.Status
	case payload.Action != "":
		summary["status"] = payload.Action
	}

	status, err := h.Webhooks.HandleCIEvent(r.Context(), "github", repoURL, summary)
	if err != nil {
		writeDomainError(w, err, "failed to process webhook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// gitlabPayload covers push and pipeline hooks far enough to resolve the
// repository and summarize the event.
type gitlabPayload struct {
	Ref     string `json:"ref,omitempty"`
	Project struct {
		GitHTTPURL        string `json:"git_http_url,omitempty"`
		GitSSHURL         string `json:"git_ssh_url,omitempty"`
		WebURL            string `json:"web_url,omitempty"`
		PathWithNamespace string `json:"path_with_namespace,omitempty"`
	} `json:"project"`
	ObjectAttributes struct {
		ID     int64  `json:"id,omitempty"`
		Ref    string `json:"ref,omitempty"`
		Status string `json:"status,omitempty"`
	} `json:"object_attributes"`
}

func (h *Handlers) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readCIPayload[gitlabPayload](w, r)
	if !ok {
		return
	}

	repoURL := payload.Project.GitHTTPURL
	if repoURL == "" {
		repoURL = payload.Project.GitSSHURL
	}
	if repoURL == "" {
		repoURL = payload.Project.WebURL
	}

	summary := map[string]any{
		"event": r.Header.Get("X-Gitlab-Event"),
	}
	if ref := payload.Ref; ref != "" {
		summary["ref"] = ref
	} else if payload.ObjectAttributes.Ref != "" {
		summary["ref"] = payload.ObjectAttributes.Ref
	}
	if payload.ObjectAttributes.Status != "" {
		summary["status"] = payload.ObjectAttributes.Status
	}
	if payload.ObjectAttributes.ID != 0 {
		summary["pipeline_id"] = payload.ObjectAttributes.ID
	}

	status, err := h.Webhooks.HandleCIEvent(r.Context(), "gitlab", repoURL, summary)
	if err != nil {
		writeDomainError(w, err, "failed to process webhook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
