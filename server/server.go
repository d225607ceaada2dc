// Package server exposes the relay's HTTP surface: the /ws upgrade
// endpoint and the /health monitoring endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/FlyITSwiss/TripSalama-sub001/relay"
)

type Server struct {
	httpServer *http.Server
	relay      *relay.Relay
}

func NewServer(addr string, r *relay.Relay, wsHandler http.HandlerFunc, readTimeout, writeTimeout time.Duration) *Server {
	s := &Server{relay: r}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: readTimeout,
		// Long-lived websocket connections are hijacked before the write
		// timeout applies; it only bounds the plain HTTP endpoints.
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and waits for in-flight
// handlers, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.relay.ConnectionCount(),
		"rooms":       s.relay.RoomCount(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
