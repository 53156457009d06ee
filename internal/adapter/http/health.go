package http

import "net/http"

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "devgodzilla",
	})
}

// handleReady runs the dependency probes and answers 503 until every
// component reports healthy.
func (h *Handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	report := h.Health.Ready(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
