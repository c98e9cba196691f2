package server

import (
	"net/http"
	"strings"
)

// routes builds the mux. Every handler goes through the CORS middleware so
// browser clients and the WebSocket feed share one origin policy.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/assignments", s.corsMiddleware(s.handleCreateAssignment))
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.handleListJobs))
	mux.HandleFunc("/api/workers/", s.corsMiddleware(s.handleWorkerJobs))
	mux.HandleFunc("/api/register", s.corsMiddleware(s.handleRegister))
	mux.HandleFunc("/api/stats", s.corsMiddleware(s.handleStats))
	mux.HandleFunc("/health", s.corsMiddleware(s.handleHealth))
	mux.HandleFunc("/ws/events", s.corsMiddleware(s.handleEventsWebSocket))
	return mux
}

// corsMiddleware adds CORS headers using the configured allowed origins.
// WebSocket upgrades use the same origin check, so policy lives in one
// place.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin validates a request origin against the configured allowed
// origins. Prefix matching allows any port number. Requests without an
// Origin header (curl, direct WebSocket clients) pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.origins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.origins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
