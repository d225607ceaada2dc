// Package relay implements the in-memory core of the tracking relay: the
// connection registry, the ride-room index, event dispatch, room broadcast
// and the heartbeat supervisor.
//
// One Relay instance owns all mutable state. A single mutex serializes
// every mutation of the registry and the room index, so the cross-structure
// membership invariants never observe a torn intermediate state. Frame
// writes happen outside the lock on snapshots; delivery order within a
// room is unspecified.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/FlyITSwiss/TripSalama-sub001/metrics"
	"github.com/FlyITSwiss/TripSalama-sub001/protocol"
)

// ErrServerFull is returned by Connect when the configured connection
// limit is reached.
var ErrServerFull = errors.New("connection limit reached")

// ErrShuttingDown is returned by Connect after Shutdown has begun.
var ErrShuttingDown = errors.New("relay is shutting down")

// Options configures a Relay instance.
type Options struct {
	// HeartbeatInterval is the supervisor tick period. A connection that
	// misses two consecutive checks is terminated, so detection latency
	// is between one and two intervals.
	HeartbeatInterval time.Duration
	// MaxConnections bounds the registry size. Zero means unlimited.
	MaxConnections int
}

// Relay multiplexes client connections into ride rooms and brokers
// position, status and chat events between room members.
type Relay struct {
	opts Options

	mu       sync.Mutex
	registry *registry
	rooms    *roomIndex
	closed   bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a stopped Relay. Call Start to run the heartbeat supervisor.
func New(opts Options) *Relay {
	return &Relay{
		opts:     opts,
		registry: newRegistry(),
		rooms:    newRoomIndex(),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat supervisor goroutine.
func (r *Relay) Start() {
	go r.heartbeatLoop()
}

func (r *Relay) heartbeatLoop() {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.done:
			return
		}
	}
}

// Connect registers a new peer, assigns it an id and greets it with a
// connected event carrying that id.
func (r *Relay) Connect(peer Peer) (*Connection, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if r.opts.MaxConnections > 0 && r.registry.count() >= r.opts.MaxConnections {
		r.mu.Unlock()
		return nil, ErrServerFull
	}
	conn := r.registry.register(peer)
	r.mu.Unlock()

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	slog.Info("client connected", "clientId", conn.ID)

	r.send(conn, protocol.TypeConnected, map[string]string{"clientId": conn.ID})
	return conn, nil
}

// SetVerifiedUser pins a user identity validated at the handshake onto the
// connection. A later auth event cannot override it.
func (r *Relay) SetVerifiedUser(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.registry.lookup(connID); ok {
		conn.UserID = userID
		conn.verified = true
	}
}

// Disconnect removes the connection from every room it joined and drops it
// from the registry, as one logical transaction. Idempotent; the transport
// read loop and the heartbeat supervisor may both call it.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	if _, ok := r.registry.lookup(connID); !ok {
		r.mu.Unlock()
		return
	}
	rooms := r.rooms.leaveAll(connID)
	r.registry.unregister(connID)
	roomCount := r.rooms.roomCount()
	r.mu.Unlock()

	metrics.ActiveConnections.Dec()
	metrics.ActiveRooms.Set(float64(roomCount))
	slog.Info("client disconnected", "clientId", connID, "roomsLeft", len(rooms))
}

// Pong records a heartbeat response, keeping the connection off the next
// tick's reap list.
func (r *Relay) Pong(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry.markAlive(connID)
}

// Receive decodes one inbound frame from the connection and routes it.
func (r *Relay) Receive(connID string, frame []byte) {
	metrics.MessagesReceived.Inc()

	event, err := protocol.Decode(frame)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		switch {
		case errors.As(err, &unknown):
			metrics.UnknownEvents.Inc()
			slog.Warn("dropping unknown event type", "clientId", connID, "type", unknown.Type)
		default:
			metrics.MalformedMessages.Inc()
			slog.Warn("invalid frame", "clientId", connID, "error", err)
			r.sendTo(connID, protocol.TypeError, map[string]string{"message": "Invalid JSON"})
		}
		return
	}

	switch ev := event.(type) {
	case protocol.Auth:
		r.handleAuth(connID, ev)
	case protocol.JoinRide:
		r.handleJoin(connID, ev)
	case protocol.LeaveRide:
		r.handleLeave(connID, ev)
	case protocol.Position:
		r.broadcast(ev.RideID, protocol.TypePosition, ev.Raw, connID)
	case protocol.RideStatus:
		r.broadcast(ev.RideID, protocol.TypeRideStatus, ev.Raw, "")
	case protocol.Chat:
		r.broadcast(ev.RideID, protocol.TypeChat, ev.Raw, "")
	case protocol.Ping:
		r.sendTo(connID, protocol.TypePong, map[string]string{})
	}
}

func (r *Relay) handleAuth(connID string, ev protocol.Auth) {
	r.mu.Lock()
	conn, ok := r.registry.lookup(connID)
	if !ok {
		r.mu.Unlock()
		return
	}
	if conn.verified {
		slog.Warn("ignoring auth event on verified connection", "clientId", connID)
	} else {
		conn.UserID = ev.UserID
	}
	userID := conn.UserID
	r.mu.Unlock()

	r.send(conn, protocol.TypeAuthSuccess, map[string]string{"userId": userID})
}

func (r *Relay) handleJoin(connID string, ev protocol.JoinRide) {
	if ev.RideID == "" {
		slog.Warn("join_ride without rideId", "clientId", connID)
		return
	}

	r.mu.Lock()
	conn, ok := r.registry.lookup(connID)
	if !ok {
		r.mu.Unlock()
		return
	}
	members := r.rooms.join(connID, ev.RideID)
	roomCount := r.rooms.roomCount()
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(roomCount))
	slog.Info("client joined ride", "clientId", connID, "rideId", ev.RideID, "members", members)

	r.send(conn, protocol.TypeJoinedRide, map[string]any{
		"rideId":  ev.RideID,
		"members": members,
	})
}

func (r *Relay) handleLeave(connID string, ev protocol.LeaveRide) {
	if ev.RideID == "" {
		return
	}

	r.mu.Lock()
	r.rooms.leave(connID, ev.RideID)
	roomCount := r.rooms.roomCount()
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(roomCount))
	slog.Info("client left ride", "clientId", connID, "rideId", ev.RideID)
}

// broadcast delivers an event to every member of the room except excludeID.
// An absent or unknown rideId broadcasts to nobody; that leniency is
// documented wire behavior. Returns the number of peers written to.
func (r *Relay) broadcast(rideID, eventType string, payload json.RawMessage, excludeID string) int {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		slog.Error("failed to encode broadcast", "type", eventType, "rideId", rideID, "error", err)
		return 0
	}

	r.mu.Lock()
	memberIDs := r.rooms.roomMembers(rideID)
	recipients := make([]*Connection, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == excludeID {
			continue
		}
		if conn, ok := r.registry.lookup(id); ok {
			recipients = append(recipients, conn)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, conn := range recipients {
		if err := conn.peer.Send(frame); err != nil {
			// Removal is the disconnect path's job; a failed recipient
			// must not abort the rest of the broadcast.
			slog.Warn("broadcast send failed", "clientId", conn.ID, "type", eventType, "error", err)
			continue
		}
		delivered++
		metrics.MessagesSent.Inc()
	}

	if delivered > 0 {
		metrics.BroadcastsDelivered.WithLabelValues(eventType).Add(float64(delivered))
	}
	return delivered
}

// tick runs one heartbeat cycle: connections that never answered the
// previous cycle's ping are terminated, everyone else is pinged and
// marked pending until their pong arrives.
func (r *Relay) tick() {
	r.mu.Lock()
	conns := r.registry.snapshot()
	var stale, live []*Connection
	for _, conn := range conns {
		if !conn.alive {
			stale = append(stale, conn)
		} else {
			conn.alive = false
			live = append(live, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		slog.Info("terminating unresponsive client", "clientId", conn.ID)
		metrics.ConnectionsReaped.Inc()
		if err := conn.peer.Close(); err != nil {
			slog.Debug("close failed for unresponsive client", "clientId", conn.ID, "error", err)
		}
		r.Disconnect(conn.ID)
	}

	for _, conn := range live {
		if err := conn.peer.Ping(); err != nil {
			slog.Debug("ping failed", "clientId", conn.ID, "error", err)
		}
	}
}

// Shutdown stops the heartbeat supervisor and closes every connection.
// Further Connect calls fail with ErrShuttingDown.
func (r *Relay) Shutdown() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	r.closed = true
	conns := r.registry.snapshot()
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.peer.Close(); err != nil {
			slog.Debug("close failed during shutdown", "clientId", conn.ID, "error", err)
		}
		r.Disconnect(conn.ID)
	}
	slog.Info("relay shut down", "connectionsClosed", len(conns))
}

// ConnectionCount reports the number of registered connections.
func (r *Relay) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.count()
}

// RoomCount reports the number of rooms with at least one member.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms.roomCount()
}

// send encodes and writes one event to a connection already in hand.
func (r *Relay) send(conn *Connection, eventType string, data any) {
	frame, err := protocol.Encode(eventType, data)
	if err != nil {
		slog.Error("failed to encode event", "type", eventType, "error", err)
		return
	}
	if err := conn.peer.Send(frame); err != nil {
		slog.Warn("send failed", "clientId", conn.ID, "type", eventType, "error", err)
		return
	}
	metrics.MessagesSent.Inc()
}

// sendTo resolves the connection first; a vanished id drops the event
// silently.
func (r *Relay) sendTo(connID, eventType string, data any) {
	r.mu.Lock()
	conn, ok := r.registry.lookup(connID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.send(conn, eventType, data)
}
