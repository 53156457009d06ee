package http

import (
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
)

func (h *Handlers) handleCreateProtocol(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[protocol.CreateRequest](w, r)
	if !ok {
		return
	}
	pr, err := h.Orchestrator.CreateProtocolRun(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to create protocol run")
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (h *Handlers) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if projectID == nil {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	runs, err := h.Orchestrator.ListProtocolRuns(r.Context(), *projectID)
	if err != nil {
		writeDomainError(w, err, "failed to list protocol runs")
		return
	}
	if runs == nil {
		runs = []protocol.ProtocolRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"protocol_runs": runs})
}

func (h *Handlers) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	pr, err := h.Orchestrator.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (h *Handlers) handleListProtocolSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	steps, err := h.Orchestrator.ListStepRuns(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to list steps")
		return
	}
	if steps == nil {
		steps = []protocol.StepRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (h *Handlers) handleListProtocolArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	artifacts, err := h.Orchestrator.ListProtocolArtifacts(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []artifact.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// handleProtocolAction dispatches the lifecycle actions. Unknown actions are
// a routing-level 404.
func (h *Handlers) handleProtocolAction(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}

	var (
		pr  *protocol.ProtocolRun
		err error
	)
	switch action := urlParam(r, "action"); action {
	case "start":
		pr, err = h.Orchestrator.StartProtocol(r.Context(), id)
	case "pause":
		pr, err = h.Orchestrator.PauseProtocol(r.Context(), id)
	case "resume":
		pr, err = h.Orchestrator.ResumeProtocol(r.Context(), id)
	case "cancel":
		pr, err = h.Orchestrator.CancelProtocol(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, pr)
}
