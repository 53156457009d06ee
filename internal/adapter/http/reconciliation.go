package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/service"
)

type reconciliationRequest struct {
	ProtocolRunID *int64 `json:"protocol_run_id,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
	Background    bool   `json:"background,omitempty"`
}

// handleRunReconciliation triggers a reconciliation pass. With background set
// the pass runs detached from the request and the response is an immediate
// 202; the report lands on /reconciliation/status.
func (h *Handlers) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSONOptional[reconciliationRequest](w, r)
	if !ok {
		return
	}

	svcReq := service.ReconcileRequest{
		ProtocolRunID: req.ProtocolRunID,
		DryRun:        req.DryRun,
	}

	if req.Background {
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := h.Reconciler.ReconcileRuns(ctx, svcReq); err != nil {
				slog.Error("background reconciliation failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "started",
			"dry_run": req.DryRun,
		})
		return
	}

	report, err := h.Reconciler.ReconcileRuns(r.Context(), svcReq)
	if err != nil {
		writeDomainError(w, err, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) handleReconciliationStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.LastReconciliation(r.Context())
	if err != nil {
		writeDomainError(w, err, "no reconciliation has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
