package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	ConnectionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_reaped_total",
		Help: "The total number of connections terminated by the heartbeat supervisor.",
	})

	// Room metrics
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_active",
		Help: "The current number of ride rooms with at least one member.",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "The total number of messages received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "The total number of messages sent to clients.",
	})
	BroadcastsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcasts_delivered_total",
		Help: "The total number of events delivered to room members, by event type.",
	}, []string{"event_type"})
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_malformed_total",
		Help: "The total number of inbound frames rejected as invalid JSON.",
	})
	UnknownEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_unknown_total",
		Help: "The total number of inbound events dropped for an unrecognized type.",
	})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_auth_success_total",
		Help: "The total number of successful handshake authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "The total number of failed handshake authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	slog.Info("starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
