package relay

import (
	"time"

	"github.com/google/uuid"
)

// Peer is the transport-side handle for one connection. The registry owns
// the only long-lived reference; the broadcast path borrows it per send.
type Peer interface {
	// Send delivers one encoded frame. Failures are per-recipient and
	// never abort a broadcast.
	Send(frame []byte) error
	// Ping sends a transport-level ping control frame.
	Ping() error
	// Close tears down the underlying transport.
	Close() error
}

// Connection is the registry's record of one live client.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	// alive is reset to false at the start of each heartbeat cycle and
	// flipped back by the pong handler. A connection still false on the
	// next tick is reaped.
	alive bool

	// verified is set when the user identity came from a validated
	// handshake token rather than a client-supplied auth event.
	verified bool

	peer Peer
}

// registry owns the authoritative map of live connections. It performs no
// locking of its own; the Relay serializes all access behind one mutex.
type registry struct {
	conns map[string]*Connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*Connection)}
}

func (r *registry) register(peer Peer) *Connection {
	conn := &Connection{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now(),
		alive:       true,
		peer:        peer,
	}
	r.conns[conn.ID] = conn
	return conn
}

func (r *registry) lookup(id string) (*Connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

func (r *registry) markAlive(id string) {
	if conn, ok := r.conns[id]; ok {
		conn.alive = true
	}
}

func (r *registry) markPendingCheck(id string) {
	if conn, ok := r.conns[id]; ok {
		conn.alive = false
	}
}

// unregister removes a connection. Safe to call for ids that are already
// gone; callers treat "not found" as a no-op.
func (r *registry) unregister(id string) bool {
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *registry) count() int {
	return len(r.conns)
}

func (r *registry) snapshot() []*Connection {
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
