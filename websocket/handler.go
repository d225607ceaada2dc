package websocket

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FlyITSwiss/TripSalama-sub001/config"
	"github.com/FlyITSwiss/TripSalama-sub001/metrics"
	"github.com/FlyITSwiss/TripSalama-sub001/relay"
)

// Handler upgrades HTTP requests at /ws and pumps frames between the
// socket and the relay core.
type Handler struct {
	relay        *relay.Relay
	jwtValidator *JWTValidator
	wsCfg        *config.WebSocketConfig
	authCfg      *config.AuthConfig
	readWait     time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler creates a websocket handler. jwtValidator may be nil when
// handshake auth is disabled.
func NewHandler(r *relay.Relay, jwtValidator *JWTValidator, wsCfg *config.WebSocketConfig, authCfg *config.AuthConfig, heartbeatInterval time.Duration) *Handler {
	return &Handler{
		relay:        r,
		jwtValidator: jwtValidator,
		wsCfg:        wsCfg,
		authCfg:      authCfg,
		// The supervisor reaps after two missed heartbeat cycles; the read
		// deadline backstops it with some slack on top.
		readWait: 2*heartbeatInterval + time.Duration(wsCfg.WriteTimeout)*time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: time.Duration(wsCfg.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *Claims

	if h.authCfg.Enabled {
		if h.jwtValidator == nil {
			slog.Error("auth enabled but JWT validator is not initialized")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authCfg.TokenQueryParam)
		if tokenString == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			slog.Warn("missing auth token", "remote", r.RemoteAddr)
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		var err error
		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			slog.Warn("invalid auth token", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		metrics.AuthSuccess.Inc()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := NewConn(ws, h.wsCfg)
	conn, err := h.relay.Connect(peer)
	if err != nil {
		slog.Warn("rejecting connection", "remote", r.RemoteAddr, "error", err)
		peer.Close()
		return
	}
	defer h.relay.Disconnect(conn.ID)

	if claims != nil && claims.Subject != "" {
		h.relay.SetVerifiedUser(conn.ID, claims.Subject)
	}

	ws.SetReadLimit(h.wsCfg.MessageSizeLimit)
	ws.SetReadDeadline(time.Now().Add(h.readWait))
	ws.SetPongHandler(func(string) error {
		h.relay.Pong(conn.ID)
		ws.SetReadDeadline(time.Now().Add(h.readWait))
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				slog.Warn("read error", "clientId", conn.ID, "error", err)
			}
			peer.Close()
			return
		}
		h.relay.Receive(conn.ID, msg)
	}
}
