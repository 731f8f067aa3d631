package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodyLimitMiddleware)

	// Dashboard
	if s.panel != nil {
		r.Get("/", s.panel.ServeHTTP)
		r.Get("/index.html", s.panel.ServeHTTP)
		r.Get("/static/*", s.panel.ServeHTTP)
	}

	// Device operations
	r.Route("/device", func(r chi.Router) {
		r.Get("/led/state", s.handleGetLEDState)
		r.Post("/led/action", s.handleLEDAction)
		r.Get("/metrics/temperature", s.handleGetTemperature)
		r.Get("/metrics/tempvar", s.handleGetAltTemperature)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/history", s.handleListHistory)
		r.Get("/ws", s.handleWebSocket)
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
