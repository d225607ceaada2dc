package websocket

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/FlyITSwiss/TripSalama-sub001/config"
)

// Conn adapts a gorilla connection to the relay.Peer interface. A mutex
// serializes frame writes; concurrent gorilla writes are undefined.
type Conn struct {
	ws  *websocket.Conn
	cfg *config.WebSocketConfig
	mu  sync.Mutex
}

func NewConn(ws *websocket.Conn, cfg *config.WebSocketConfig) *Conn {
	return &Conn{ws: ws, cfg: cfg}
}

// Send writes one text frame, retrying transient failures on a constant
// backoff. Retries are bounded so a wedged peer cannot stall its sender
// for long; the heartbeat supervisor owns actually reaping it.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	operation := func() error {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
		return c.ws.WriteMessage(websocket.TextMessage, frame)
	}

	strategy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(time.Duration(c.cfg.WriteRetryBackoff)*time.Millisecond),
		uint64(c.cfg.WriteMaxRetries),
	)

	return backoff.Retry(operation, strategy)
}

// Ping sends a transport-level ping control frame.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ws.WriteControl(
		websocket.PingMessage,
		nil,
		time.Now().Add(c.writeTimeout()),
	)
}

// Close sends a going-away close frame on a best-effort basis and tears
// down the underlying socket, unblocking the read loop.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing connection"),
		time.Now().Add(c.writeTimeout()),
	)
	return c.ws.Close()
}

func (c *Conn) writeTimeout() time.Duration {
	return time.Duration(c.cfg.WriteTimeout) * time.Second
}
