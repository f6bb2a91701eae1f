package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gira-ble-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleWhoAmI)

			r.With(s.require(auth.PermSystemRead)).Get("/system/status", s.handleSystemStatus)
			r.With(s.require(auth.PermSystemRead)).Get("/system/metrics", s.handleMetrics)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.require(auth.PermDeviceManage)).Post("/", s.handleAddDevice)

				r.Route("/{mac}", func(r chi.Router) {
					r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermDeviceManage)).Patch("/", s.handleRenameDevice)
					r.With(s.require(auth.PermDeviceManage)).Delete("/", s.handleRemoveDevice)
					r.With(s.require(auth.PermDeviceRead)).Get("/state", s.handleGetDeviceState)
					r.With(s.require(auth.PermDeviceRead)).Get("/history", s.handleGetDeviceHistory)
					r.With(s.require(auth.PermDeviceCommand)).Post("/commands", s.handleCommand)
				})
			})

			r.Route("/pairing", func(r chi.Router) {
				r.Use(s.require(auth.PermPairing))
				r.Get("/", s.handleListPairing)
				r.Post("/", s.handleStartPairing)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetPairing)
					r.Post("/select", s.handleSelectCandidate)
					r.Post("/confirm", s.handleConfirmPairing)
					r.Delete("/", s.handleCancelPairing)
				})
			})

			// WebSocket (token may be passed as a query parameter)
			r.With(s.require(auth.PermDeviceRead)).Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
