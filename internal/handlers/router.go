package handlers

import (
	"github.com/gorilla/mux"

	"token-engine/internal/config"
	"token-engine/internal/middleware"
)

// NewRouter mounts the endpoints behind the middleware chain.
func NewRouter(h *Handler, m *middleware.Middleware, cfg config.SecurityConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(
		m.RequestID,
		m.Logger,
		m.PanicRecovery,
		m.SecurityHeaders,
		m.IPBlacklist(cfg.BlockedIPs),
		m.RateLimit,
	)
	if cfg.MaxRequestSize > 0 {
		r.Use(m.RequestSizeLimit(cfg.MaxRequestSize))
	}
	h.RegisterRoutes(r)
	return r
}
