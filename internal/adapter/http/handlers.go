// Package http provides the REST, SSE, and webhook façade over the pipeline
// services. Handlers stay thin: decode, delegate, map domain errors.
package http

import (
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/service"
)

const version = "0.1.0"

// Handlers bundles the services the HTTP layer exposes. The caller wires the
// struct and passes it to MountRoutes.
type Handlers struct {
	Projects       *service.ProjectService
	Orchestrator   *service.OrchestratorService
	Execution      *service.ExecutionService
	Quality        *service.QualityService
	Reconciler     *service.ReconcilerService
	Clarifications *service.ClarificationService
	Webhooks       *service.WebhookService
	Events         *service.EventService
	Health         *service.HealthService

	// EventsConfig drives the SSE poll and heartbeat cadence.
	EventsConfig config.Events
}

func (h *Handlers) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "devgodzilla",
		"version": version,
	})
}

type engineInfo struct {
	engine.Metadata
	Available bool `json:"available"`
}

// handleListEngines reports registry metadata plus a live availability probe
// per engine.
func (h *Handlers) handleListEngines(w http.ResponseWriter, r *http.Request) {
	metas := engine.List()
	out := make([]engineInfo, 0, len(metas))
	for _, m := range metas {
		info := engineInfo{Metadata: m}
		if e, ok := engine.Get(m.ID); ok {
			info.Available = e.CheckAvailability(r.Context())
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": out})
}
