package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/teranos/episodic/logger"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("/api/status", s.corsMiddleware(s.HandleStatus))                                   // Dispatcher, scheduler and breaker status (GET)
	s.mux.HandleFunc("/api/workflow/complete", s.corsMiddleware(s.tokenAuth(s.HandleWorkflowComplete))) // Workflow completion callback (POST)
	s.mux.HandleFunc("/api/jobs/stats", s.corsMiddleware(s.HandleJobStats))                             // Job counts per status (GET)
	s.mux.HandleFunc("/api/jobs/{id}/cancel", s.corsMiddleware(s.tokenAuth(s.HandleJobCancel)))         // Cancel a job (POST)
	s.mux.HandleFunc("/api/jobs/{id}", s.corsMiddleware(s.HandleJob))                                   // Job details (GET)
	s.mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))                                       // List jobs (GET)
	s.mux.HandleFunc("/api/projects/{id}/{action}", s.corsMiddleware(s.tokenAuth(s.HandleProjectAction))) // pause/resume (POST), recurrence (PUT)
	s.mux.HandleFunc("/api/projects/{id}", s.corsMiddleware(s.tokenAuth(s.HandleProject)))              // Project details (GET), delete (DELETE)
	s.mux.HandleFunc("/api/projects", s.corsMiddleware(s.tokenAuth(s.HandleProjects)))                  // List (GET), register (POST)
	s.mux.HandleFunc("/api/budget/{tenant}", s.corsMiddleware(s.HandleBudget))                          // Tenant spend and ledger history (GET)
	s.mux.HandleFunc("/ws/jobs", s.corsMiddleware(s.HandleJobStream))                                   // Job event stream (WebSocket)
}

// corsMiddleware adds CORS headers to HTTP responses using configured allowed origins
// Uses the same origin validation as WebSocket connections (server.allowed_origins config)
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// tokenAuth guards mutating requests with the shared callback token.
// Reads stay open; an empty token disables the check.
func (s *Server) tokenAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CallbackToken == "" || r.Method == http.MethodGet {
			next(w, r)
			return
		}

		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.CallbackToken)) != 1 {
			s.logger.Warnw("Rejected request without valid token",
				logger.FieldMethod, r.Method,
				logger.FieldPath, r.URL.Path,
				"remote", r.RemoteAddr)
			writeErr(w, ErrUnauthorized)
			return
		}
		next(w, r)
	}
}
