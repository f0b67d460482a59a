package api

import (
	"net/http"
)

type Router struct {
	mux *http.ServeMux
}

func NewRouter(h *Handler) http.Handler {
	r := &Router{mux: http.NewServeMux()}
	r.registerRoutes(h)
	return corsMiddleware(r.mux)
}

func (r *Router) registerRoutes(h *Handler) {
	// Health endpoint
	r.mux.HandleFunc("/health", h.Health)

	// Auth endpoints
	r.mux.HandleFunc("/v1/auth/register", h.Register)
	r.mux.HandleFunc("/v1/auth/login", h.Login)

	// Participant endpoints
	r.mux.HandleFunc("/containers/api/request", h.requireAuth(h.rateLimited("request", 6, h.RequestInstance)))
	r.mux.HandleFunc("/containers/api/renew", h.requireAuth(h.rateLimited("renew", 6, h.RenewInstance)))
	r.mux.HandleFunc("/containers/api/stop", h.requireAuth(h.rateLimited("stop", 10, h.StopInstance)))
	r.mux.HandleFunc("/containers/api/view_info", h.requireAuth(h.rateLimited("view_info", 15, h.ViewInfo)))
	r.mux.HandleFunc("/containers/api/submit", h.requireAuth(h.rateLimited("submit", 10, h.Submit)))
	r.mux.HandleFunc("/containers/api/get_connect_type/", h.requireAuth(h.rateLimited("connect_type", 15, h.ConnectType)))

	// Admin endpoints
	r.mux.HandleFunc("/containers/api/running_containers", h.requireAdmin(h.AdminListRunning))
	r.mux.HandleFunc("/containers/api/kill", h.requireAdmin(h.AdminKill))
	r.mux.HandleFunc("/containers/api/purge", h.requireAdmin(h.AdminPurge))
	r.mux.HandleFunc("/containers/api/images", h.requireAdmin(h.AdminImages))
	r.mux.HandleFunc("/containers/api/settings", h.requireAdmin(h.AdminSettings))
	r.mux.HandleFunc("/containers/api/cheaters", h.requireAdmin(h.AdminAbuseRecords))
	r.mux.HandleFunc("/containers/api/challenge", h.requireAdmin(h.AdminUpsertChallenge))
}
