package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu      sync.Mutex
	frames  [][]byte
	pings   int
	closed  bool
	sendErr error
}

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func (p *fakePeer) received(t *testing.T) []frame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]frame, 0, len(p.frames))
	for _, raw := range p.frames {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (p *fakePeer) receivedOfType(t *testing.T, eventType string) []frame {
	t.Helper()
	var out []frame
	for _, f := range p.received(t) {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) pingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

func newTestRelay() *Relay {
	return New(Options{HeartbeatInterval: time.Minute})
}

func connect(t *testing.T, r *Relay) (*Connection, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	conn, err := r.Connect(peer)
	require.NoError(t, err)
	return conn, peer
}

func joinRide(r *Relay, conn *Connection, rideID string) {
	r.Receive(conn.ID, []byte(fmt.Sprintf(`{"type":"join_ride","data":{"rideId":%q}}`, rideID)))
}

func TestRelay_ConnectGreetsWithClientID(t *testing.T) {
	r := newTestRelay()
	conn, peer := connect(t, r)

	frames := peer.received(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "connected", frames[0].Type)
	assert.Equal(t, conn.ID, frames[0].Data["clientId"])
	assert.Positive(t, frames[0].Timestamp)
}

func TestRelay_ConnectionLimit(t *testing.T) {
	r := New(Options{HeartbeatInterval: time.Minute, MaxConnections: 2})

	connect(t, r)
	connect(t, r)

	_, err := r.Connect(&fakePeer{})
	assert.ErrorIs(t, err, ErrServerFull)
	assert.Equal(t, 2, r.ConnectionCount())
}

func TestRelay_JoinRideRepliesWithMemberCount(t *testing.T) {
	r := newTestRelay()
	connA, peerA := connect(t, r)
	connB, peerB := connect(t, r)

	joinRide(r, connA, "ride-42")
	joined := peerA.receivedOfType(t, "joined_ride")
	require.Len(t, joined, 1)
	assert.Equal(t, "ride-42", joined[0].Data["rideId"])
	assert.EqualValues(t, 1, joined[0].Data["members"])

	joinRide(r, connB, "ride-42")
	joined = peerB.receivedOfType(t, "joined_ride")
	require.Len(t, joined, 1)
	assert.EqualValues(t, 2, joined[0].Data["members"])

	// Join is not announced to existing members.
	assert.Len(t, peerA.receivedOfType(t, "joined_ride"), 1)
}

func TestRelay_PositionExcludesSender(t *testing.T) {
	r := newTestRelay()
	connA, peerA := connect(t, r)
	connB, peerB := connect(t, r)
	connC, peerC := connect(t, r)
	joinRide(r, connA, "ride-42")
	joinRide(r, connB, "ride-42")
	joinRide(r, connC, "ride-42")

	r.Receive(connA.ID, []byte(`{"type":"position","data":{"rideId":"ride-42","lat":1.0,"lng":2.0}}`))

	assert.Empty(t, peerA.receivedOfType(t, "position"), "sender must not receive its own position")

	for name, peer := range map[string]*fakePeer{"B": peerB, "C": peerC} {
		got := peer.receivedOfType(t, "position")
		require.Len(t, got, 1, "member %s", name)
		assert.Equal(t, "ride-42", got[0].Data["rideId"])
		assert.EqualValues(t, 1.0, got[0].Data["lat"])
		assert.EqualValues(t, 2.0, got[0].Data["lng"])
	}
}

func TestRelay_StatusAndChatIncludeSender(t *testing.T) {
	tests := []struct {
		name      string
		inbound   string
		eventType string
	}{
		{
			name:      "ride_status",
			inbound:   `{"type":"ride_status","data":{"rideId":"ride-42","status":"arrived"}}`,
			eventType: "ride_status",
		},
		{
			name:      "chat message",
			inbound:   `{"type":"message","data":{"rideId":"ride-42","text":"on my way"}}`,
			eventType: "message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRelay()
			connA, peerA := connect(t, r)
			connB, peerB := connect(t, r)
			joinRide(r, connA, "ride-42")
			joinRide(r, connB, "ride-42")

			r.Receive(connA.ID, []byte(tt.inbound))

			assert.Len(t, peerA.receivedOfType(t, tt.eventType), 1, "sender gets the echo")
			assert.Len(t, peerB.receivedOfType(t, tt.eventType), 1)
		})
	}
}

func TestRelay_NoCrossRoomDelivery(t *testing.T) {
	r := newTestRelay()
	connA, _ := connect(t, r)
	connB, peerB := connect(t, r)
	joinRide(r, connA, "ride-1")
	joinRide(r, connB, "ride-2")

	r.Receive(connA.ID, []byte(`{"type":"position","data":{"rideId":"ride-1","lat":1}}`))

	assert.Empty(t, peerB.receivedOfType(t, "position"))
}

func TestRelay_BroadcastSkipsFailedRecipients(t *testing.T) {
	r := newTestRelay()
	connA, _ := connect(t, r)
	connB, peerB := connect(t, r)
	connC, peerC := connect(t, r)
	joinRide(r, connA, "ride-42")
	joinRide(r, connB, "ride-42")
	joinRide(r, connC, "ride-42")

	peerB.mu.Lock()
	peerB.sendErr = fmt.Errorf("broken pipe")
	peerB.mu.Unlock()

	r.Receive(connA.ID, []byte(`{"type":"position","data":{"rideId":"ride-42","lat":1}}`))

	assert.Len(t, peerC.receivedOfType(t, "position"), 1,
		"a failed recipient must not abort delivery to the rest")
	assert.ElementsMatch(t, []string{connA.ID, connB.ID, connC.ID}, r.rooms.roomMembers("ride-42"),
		"broadcast must not mutate membership")
}

func TestRelay_MissingRideIDIsLenient(t *testing.T) {
	r := newTestRelay()
	connA, peerA := connect(t, r)
	connB, peerB := connect(t, r)
	joinRide(r, connB, "ride-42")

	r.Receive(connA.ID, []byte(`{"type":"position","data":{"lat":1,"lng":2}}`))
	r.Receive(connA.ID, []byte(`{"type":"join_ride","data":{}}`))

	assert.Empty(t, peerB.receivedOfType(t, "position"))
	assert.Empty(t, peerA.receivedOfType(t, "error"), "leniency: missing fields are not an error")
	assert.Empty(t, peerA.receivedOfType(t, "joined_ride"))
	assert.Equal(t, 1, r.RoomCount(), "no empty-string room may be created")
}

func TestRelay_MalformedFrameRepliesErrorOnly(t *testing.T) {
	r := newTestRelay()
	connA, peerA := connect(t, r)
	connB, peerB := connect(t, r)
	joinRide(r, connA, "ride-42")
	joinRide(r, connB, "ride-42")

	r.Receive(connA.ID, []byte("this is not json"))

	errs := peerA.receivedOfType(t, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "Invalid JSON", errs[0].Data["message"])
	assert.Empty(t, peerB.receivedOfType(t, "error"), "error goes to the sender only")

	assert.False(t, peerA.isClosed(), "connection stays open after a malformed frame")
	assert.Contains(t, r.rooms.roomsOf(connA.ID), "ride-42", "memberships stay intact")
}

func TestRelay_UnknownTypeIsDropped(t *testing.T) {
	r := newTestRelay()
	connA, peerA := connect(t, r)

	r.Receive(connA.ID, []byte(`{"type":"teleport","data":{"rideId":"ride-42"}}`))

	require.Len(t, peerA.received(t), 1, "only the connected greeting, no reply")
	assert.False(t, peerA.isClosed())
}

func TestRelay_AuthAssociatesUserID(t *testing.T) {
	r := newTestRelay()
	conn, peer := connect(t, r)

	r.Receive(conn.ID, []byte(`{"type":"auth","data":{"userId":"driver-7"}}`))

	replies := peer.receivedOfType(t, "auth_success")
	require.Len(t, replies, 1)
	assert.Equal(t, "driver-7", replies[0].Data["userId"])
	assert.Equal(t, "driver-7", conn.UserID)
}

func TestRelay_AuthCannotOverrideVerifiedUser(t *testing.T) {
	r := newTestRelay()
	conn, peer := connect(t, r)
	r.SetVerifiedUser(conn.ID, "rider-1")

	r.Receive(conn.ID, []byte(`{"type":"auth","data":{"userId":"impostor"}}`))

	replies := peer.receivedOfType(t, "auth_success")
	require.Len(t, replies, 1)
	assert.Equal(t, "rider-1", replies[0].Data["userId"])
	assert.Equal(t, "rider-1", conn.UserID)
}

func TestRelay_ApplicationPingPong(t *testing.T) {
	r := newTestRelay()
	conn, peer := connect(t, r)

	r.Receive(conn.ID, []byte(`{"type":"ping"}`))

	assert.Len(t, peer.receivedOfType(t, "pong"), 1)
}

func TestRelay_DisconnectCleansUpEverything(t *testing.T) {
	r := newTestRelay()
	connA, _ := connect(t, r)
	connB, _ := connect(t, r)
	joinRide(r, connA, "ride-1")
	joinRide(r, connA, "ride-2")
	joinRide(r, connB, "ride-2")

	r.Disconnect(connA.ID)

	assert.NotContains(t, r.rooms.roomMembers("ride-2"), connA.ID)
	assert.NotContains(t, r.rooms.roomIDs(), "ride-1", "ride-1 emptied, must be deleted")
	assert.ElementsMatch(t, []string{connB.ID}, r.rooms.roomMembers("ride-2"))

	_, ok := r.registry.lookup(connA.ID)
	assert.False(t, ok, "registry no longer resolves the connection")
	checkSymmetry(t, r.rooms)

	r.Disconnect(connA.ID) // idempotent
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRelay_ReceiveFromUnknownConnection(t *testing.T) {
	r := newTestRelay()
	// Must not panic or create state for a connection that vanished.
	r.Receive("ghost", []byte(`{"type":"join_ride","data":{"rideId":"ride-1"}}`))
	r.Receive("ghost", []byte(`{"type":"ping"}`))
	assert.Zero(t, r.RoomCount())
}

func TestRelay_HeartbeatReapsOnSecondMissedTick(t *testing.T) {
	r := newTestRelay()
	conn, peer := connect(t, r)
	joinRide(r, conn, "ride-42")

	// First tick: connection was alive, so it is pinged and marked
	// pending, never terminated.
	r.tick()
	assert.False(t, peer.isClosed(), "no reap on the first missed check")
	assert.Equal(t, 1, peer.pingCount())
	assert.Equal(t, 1, r.ConnectionCount())

	// Second tick with no pong in between: reaped with full cleanup.
	r.tick()
	assert.True(t, peer.isClosed())
	assert.Zero(t, r.ConnectionCount())
	assert.Zero(t, r.RoomCount())
}

func TestRelay_PongKeepsConnectionAlive(t *testing.T) {
	r := newTestRelay()
	conn, peer := connect(t, r)

	for i := 0; i < 5; i++ {
		r.tick()
		r.Pong(conn.ID)
	}

	assert.False(t, peer.isClosed())
	assert.Equal(t, 5, peer.pingCount())
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRelay_HeartbeatLoopRunsTicks(t *testing.T) {
	r := New(Options{HeartbeatInterval: 20 * time.Millisecond})
	conn, peer := connect(t, r)
	r.Start()
	defer r.Shutdown()

	require.Eventually(t, func() bool {
		r.Pong(conn.ID)
		return peer.pingCount() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, peer.isClosed())
}

func TestRelay_Shutdown(t *testing.T) {
	r := newTestRelay()
	r.Start()
	connA, peerA := connect(t, r)
	_, peerB := connect(t, r)
	joinRide(r, connA, "ride-1")

	r.Shutdown()

	assert.True(t, peerA.isClosed())
	assert.True(t, peerB.isClosed())
	assert.Zero(t, r.ConnectionCount())
	assert.Zero(t, r.RoomCount())

	_, err := r.Connect(&fakePeer{})
	assert.ErrorIs(t, err, ErrShuttingDown)

	r.Shutdown() // safe to call twice
}
