package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/middleware"
)

// Webhook rate limit: CI systems deliver in bursts on busy merges, but a
// sustained flood is always misconfiguration or abuse.
const (
	webhookRate  = 25
	webhookBurst = 50
)

// MountRoutes attaches every API route to r. Webhook routes carry their own
// credential checks and sit outside bearer auth; streaming routes sit outside
// the request timeout so a tail can outlive it.
func MountRoutes(r chi.Router, h *Handlers, auth config.Auth, requestTimeout time.Duration, ws http.Handler) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.NewRateLimiter(webhookRate, webhookBurst).Handler)
		r.With(middleware.WebhookToken(auth.WebhookToken, "X-Webhook-Token")).
			Post("/windmill/job", h.handleWindmillJobWebhook)
		r.With(middleware.WebhookHMAC(auth.WebhookToken, "X-Hub-Signature-256")).
			Post("/github", h.handleGitHubWebhook)
		r.With(middleware.WebhookToken(auth.WebhookToken, "X-Gitlab-Token")).
			Post("/gitlab", h.handleGitLabWebhook)
	})

	r.Get("/events", h.handleEventStream)
	r.Get("/runs/{id}/logs/stream", h.handleRunLogStream)
	if ws != nil {
		r.Method(http.MethodGet, "/ws", ws)
	}

	r.Group(func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(chimw.Timeout(requestTimeout))
		}

		r.Get("/", h.handleVersion)
		r.Get("/health", h.handleHealth)
		r.Get("/health/ready", h.handleReady)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", h.handleCreateProject)
			r.Get("/", h.handleListProjects)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetProject)
				r.Put("/", h.handleUpdateProject)
				r.Delete("/", h.handleDeleteProject)
				r.Post("/archive", h.handleArchiveProject)
				r.Post("/unarchive", h.handleUnarchiveProject)
			})
		})

		r.Route("/protocols", func(r chi.Router) {
			r.Post("/", h.handleCreateProtocol)
			r.Get("/", h.handleListProtocols)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetProtocol)
				r.Get("/steps", h.handleListProtocolSteps)
				r.Get("/artifacts", h.handleListProtocolArtifacts)
				r.Post("/actions/{action}", h.handleProtocolAction)
			})
		})

		r.Route("/steps/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetStep)
			r.Post("/actions/{action}", h.handleStepAction)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetRun)
				r.Get("/logs", h.handleRunLogs)
				r.Get("/artifacts", h.handleListRunArtifacts)
				r.Get("/artifacts/{name}/content", h.handleRunArtifactContent)
			})
		})

		r.Get("/events/recent", h.handleRecentEvents)

		r.Post("/reconciliation/run", h.handleRunReconciliation)
		r.Get("/reconciliation/status", h.handleReconciliationStatus)

		r.Route("/clarifications", func(r chi.Router) {
			r.Get("/", h.handleListClarifications)
			r.Post("/{id}/answer", h.handleAnswerClarification)
			r.Post("/{id}/dismiss", h.handleDismissClarification)
		})

		r.Get("/engines", h.handleListEngines)

		r.Route("/specs", func(r chi.Router) {
			r.Post("/", h.handleCreateSpecRun)
			r.Get("/", h.handleListSpecRuns)
			r.Get("/{id}", h.handleGetSpecRun)
		})
	})
}
