package httpserver

import (
	"net/http"
	"time"
)

// health reports liveness plus a small ledger summary. The ledger is in memory,
// so there is no dependency that could make the authority degraded.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	stats := h.payments.Stats()

	response := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
		"ledger": map[string]any{
			"identities": stats.Identities,
			"usedTokens": stats.UsedTokens,
		},
		"payments": map[string]any{
			"cap":        h.cfg.Payments.Cap,
			"unitAmount": h.cfg.Payments.UnitAmount,
		},
		"failureInjection": map[string]any{
			"policy": h.cfg.FailureInjection.Policy,
			"stage":  h.cfg.FailureInjection.Stage,
		},
	}

	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	writeJSON(w, http.StatusOK, response)
}
