package http

import (
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/service"
)

// stepActionRequest is the optional body for run, retry, and execute actions.
type stepActionRequest struct {
	EngineID string `json:"engine_id,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (h *Handlers) handleGetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	step, err := h.Orchestrator.GetStepRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// handleStepAction dispatches step lifecycle actions. run and retry dispatch
// asynchronously and return the refreshed step; qa evaluates the gate
// pipeline; execute runs the engine inside the request and returns its
// outcome.
func (h *Handlers) handleStepAction(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}

	switch action := urlParam(r, "action"); action {
	case "run":
		req, ok := readJSONOptional[stepActionRequest](w, r)
		if !ok {
			return
		}
		step, err := h.Orchestrator.RunStep(r.Context(), id, req.EngineID, req.Model)
		if err != nil {
			writeDomainError(w, err, "step run not found")
			return
		}
		writeJSON(w, http.StatusAccepted, step)

	case "retry":
		step, err := h.Orchestrator.RetryStep(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "step run not found")
			return
		}
		writeJSON(w, http.StatusAccepted, step)

	case "qa":
		result, err := h.Orchestrator.RunStepQA(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "step run not found")
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "execute":
		req, ok := readJSONOptional[stepActionRequest](w, r)
		if !ok {
			return
		}
		result, err := h.Execution.ExecuteStep(r.Context(), service.ExecuteRequest{
			StepRunID: id,
			EngineID:  req.EngineID,
			Model:     req.Model,
		})
		if err != nil {
			writeDomainError(w, err, "step execution failed")
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
	}
}
