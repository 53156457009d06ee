package http

import (
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
)

func (h *Handlers) handleListClarifications(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	protocolRunID, err := queryInt64(r, "protocol_run_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	blocking, err := queryBool(r, "blocking")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := clarif.ListFilter{
		ProjectID:     projectID,
		ProtocolRunID: protocolRunID,
		Status:        clarif.Status(r.URL.Query().Get("status")),
		Blocking:      blocking,
	}
	items, err := h.Clarifications.ListClarifications(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "failed to list clarifications")
		return
	}
	if items == nil {
		items = []clarif.Clarification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clarifications": items})
}

func (h *Handlers) handleAnswerClarification(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[clarif.AnswerRequest](w, r)
	if !ok {
		return
	}
	c, err := h.Clarifications.AnswerClarification(r.Context(), id, req)
	if err != nil {
		writeDomainError(w, err, "clarification not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) handleDismissClarification(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Clarifications.DismissClarification(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "clarification not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
