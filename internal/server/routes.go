// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns an HTTP ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/presence", s.PresenceHandler)
	mux.HandleFunc("GET /api/presence/sorted", s.SortedPresenceHandler)
	mux.HandleFunc("GET /api/stats", s.StatsHandler)

	mux.HandleFunc("GET /api/messages", s.ListMessagesHandler)
	mux.HandleFunc("POST /api/messages", s.CreateMessageHandler)
	mux.HandleFunc("POST /api/messages/{id}/like", s.ToggleLikeHandler)
	return mux
}
