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
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Handle("/metrics", s.metrics.Handler())

	// Not wrapped for metrics: the recorder hides http.Hijacker.
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", s.instrument("health", s.handleHealth))
		r.Method(http.MethodGet, "/system", s.instrument("system", s.handleSystemMetrics))

		r.Method(http.MethodGet, "/state", s.instrument("state", s.handleGetState))
		r.Method(http.MethodPost, "/connect", s.instrument("connect", s.handleConnect))
		r.Method(http.MethodGet, "/readings", s.instrument("readings", s.handleGetReadings))
		r.Method(http.MethodPost, "/rgb", s.instrument("rgb", s.handleSendRGB))
		r.Method(http.MethodGet, "/settings/rgb", s.instrument("settings_rgb", s.handleGetRGBSettings))
	})

	return r
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return s.metrics.WrapHandler(route, h)
}

// handleHealth returns the server health status. It answers 200 whenever the
// process is serving; broker state is reported, not enforced.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"mqtt":    s.session.State(),
	})
}
