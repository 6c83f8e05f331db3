package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// jobStreamUpgrader creates a WebSocket upgrader with origin checking from config
func (s *Server) jobStreamUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates an Origin header against the configured allowed origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (e.g., direct WebSocket clients, testing)
	if origin == "" {
		return true
	}

	// No configuration: secure defaults (localhost only)
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	// Prefix matching allows any port number
	for _, allowedOrigin := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}
