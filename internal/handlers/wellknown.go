package handlers

import (
	"net/http"

	"token-engine/internal/db"
)

type healthResponse struct {
	Status   string           `json:"status"`
	Database *db.HealthStatus `json:"database"`
	Cache    string           `json:"cache"`
}

// JWKS publishes the active key and retired keys still inside their
// verification grace.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.JWKS(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, set)
}

func (h *Handler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.discovery)
}

// Health reports store connectivity and, when configured, the Redis cache.
// A cache outage degrades the service but does not fail it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.health.CheckHealth(ctx)
	resp := healthResponse{Status: status.Status, Database: status, Cache: "disabled"}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			resp.Cache = "unreachable"
			if resp.Status == db.StatusHealthy {
				resp.Status = db.StatusDegraded
			}
		} else {
			resp.Cache = "ok"
		}
	}

	code := http.StatusOK
	if resp.Status == db.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}
