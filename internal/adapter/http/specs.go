package http

import (
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/domain/specrun"
)

func (h *Handlers) handleCreateSpecRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[specrun.CreateRequest](w, r)
	if !ok {
		return
	}
	sr, err := h.Projects.CreateSpecRun(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to create spec run")
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

func (h *Handlers) handleListSpecRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if projectID == nil {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	runs, err := h.Projects.ListSpecRuns(r.Context(), *projectID)
	if err != nil {
		writeDomainError(w, err, "failed to list spec runs")
		return
	}
	if runs == nil {
		runs = []specrun.SpecRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"spec_runs": runs})
}

func (h *Handlers) handleGetSpecRun(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	sr, err := h.Projects.GetSpecRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "spec run not found")
		return
	}
	writeJSON(w, http.StatusOK, sr)
}
