package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/registry-supervisor/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.require(auth.PermEventsRead)).Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.require(auth.PermStatusRead)).Get("/status", s.handleStatus)
			r.With(s.require(auth.PermHistoryRead)).Get("/history", s.handleHistory)

			r.Route("/registry", func(r chi.Router) {
				r.With(s.require(auth.PermStatusRead)).Get("/", s.handleGetRegistry)
				r.With(s.require(auth.PermRegistryDiscover)).Post("/discover", s.handleDiscover)
				r.With(s.require(auth.PermRegistryQuery)).Get("/versions", s.handleVersions)
				r.With(s.require(auth.PermRegistryQuery)).Get("/flag", s.handleRegistryFlag)
			})

			r.With(s.require(auth.PermSupervisorStop)).Post("/supervisor/stop", s.handleStop)
		})
	})

	if s.panel != nil {
		r.Handle("/*", s.panel)
	}

	return r
}
