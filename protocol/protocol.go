// Package protocol defines the wire format spoken over the tracking
// WebSocket and decodes inbound frames into typed events.
//
// Both directions use a JSON envelope {type, data}. Outbound frames
// additionally carry a millisecond timestamp. Inbound payloads are decoded
// once at the boundary into a closed set of event variants; handlers never
// see raw maps.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Client -> server event types.
const (
	TypeAuth       = "auth"
	TypeJoinRide   = "join_ride"
	TypeLeaveRide  = "leave_ride"
	TypePosition   = "position"
	TypeRideStatus = "ride_status"
	TypeChat       = "message"
	TypePing       = "ping"
)

// Server -> client event types.
const (
	TypeConnected   = "connected"
	TypeAuthSuccess = "auth_success"
	TypeJoinedRide  = "joined_ride"
	TypeError       = "error"
	TypePong        = "pong"
)

// ErrInvalidJSON marks a frame whose body could not be parsed. The sender
// gets an error event back; the connection stays open.
var ErrInvalidJSON = errors.New("invalid JSON")

// UnknownTypeError marks a well-formed envelope with an unrecognized type.
// Such events are logged and dropped without a reply.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is the closed union of inbound events.
type Event interface {
	isEvent()
}

// Auth associates a client-supplied user id with the connection. The id is
// recorded as-is; the relay performs no credential check at this layer.
type Auth struct {
	UserID string
}

// JoinRide subscribes the connection to a ride room.
type JoinRide struct {
	RideID string
}

// LeaveRide unsubscribes the connection from a ride room.
type LeaveRide struct {
	RideID string
}

// Position carries a GPS update for a ride. Raw is the payload exactly as
// received, re-broadcast verbatim to the other room members.
type Position struct {
	RideID string
	Raw    json.RawMessage
}

// RideStatus carries a ride status change, broadcast to all room members
// including the sender.
type RideStatus struct {
	RideID string
	Raw    json.RawMessage
}

// Chat carries an in-ride chat message, broadcast to all room members
// including the sender.
type Chat struct {
	RideID string
	Raw    json.RawMessage
}

// Ping is the application-level keepalive, distinct from the transport
// ping/pong used by the heartbeat supervisor.
type Ping struct{}

func (Auth) isEvent()       {}
func (JoinRide) isEvent()   {}
func (LeaveRide) isEvent()  {}
func (Position) isEvent()   {}
func (RideStatus) isEvent() {}
func (Chat) isEvent()       {}
func (Ping) isEvent()       {}

// rideData is the shared shape handlers read from event payloads. Missing
// fields decode to zero values; leniency about absent rideId is deliberate
// and handled downstream.
type rideData struct {
	RideID string `json:"rideId"`
	UserID string `json:"userId"`
}

// Decode parses a raw inbound frame into a typed event.
//
// A body that is not valid JSON yields ErrInvalidJSON. A valid envelope
// with an unrecognized type yields *UnknownTypeError.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	var fields rideData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	switch env.Type {
	case TypeAuth:
		return Auth{UserID: fields.UserID}, nil
	case TypeJoinRide:
		return JoinRide{RideID: fields.RideID}, nil
	case TypeLeaveRide:
		return LeaveRide{RideID: fields.RideID}, nil
	case TypePosition:
		return Position{RideID: fields.RideID, Raw: payload}, nil
	case TypeRideStatus:
		return RideStatus{RideID: fields.RideID, Raw: payload}, nil
	case TypeChat:
		return Chat{RideID: fields.RideID, Raw: payload}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

type outbound struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Encode serializes an outbound event with the current timestamp in
// milliseconds. Every server->client frame goes through here so the
// envelope stays uniform.
func Encode(eventType string, data any) ([]byte, error) {
	frame, err := json.Marshal(outbound{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return frame, nil
}
