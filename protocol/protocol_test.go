package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "auth",
			raw:  `{"type":"auth","data":{"userId":"driver-7"}}`,
			want: Auth{UserID: "driver-7"},
		},
		{
			name: "auth without userId decodes to empty id",
			raw:  `{"type":"auth","data":{}}`,
			want: Auth{},
		},
		{
			name: "join_ride",
			raw:  `{"type":"join_ride","data":{"rideId":"ride-42"}}`,
			want: JoinRide{RideID: "ride-42"},
		},
		{
			name: "leave_ride",
			raw:  `{"type":"leave_ride","data":{"rideId":"ride-42"}}`,
			want: LeaveRide{RideID: "ride-42"},
		},
		{
			name: "position keeps raw payload",
			raw:  `{"type":"position","data":{"rideId":"ride-42","lat":1.5,"lng":2.5}}`,
			want: Position{RideID: "ride-42", Raw: []byte(`{"rideId":"ride-42","lat":1.5,"lng":2.5}`)},
		},
		{
			name: "position without rideId stays lenient",
			raw:  `{"type":"position","data":{"lat":1.5}}`,
			want: Position{Raw: []byte(`{"lat":1.5}`)},
		},
		{
			name: "ride_status",
			raw:  `{"type":"ride_status","data":{"rideId":"r","status":"arrived"}}`,
			want: RideStatus{RideID: "r", Raw: []byte(`{"rideId":"r","status":"arrived"}`)},
		},
		{
			name: "chat message",
			raw:  `{"type":"message","data":{"rideId":"r","text":"hi"}}`,
			want: Chat{RideID: "r", Raw: []byte(`{"rideId":"r","text":"hi"}`)},
		},
		{
			name: "ping without data",
			raw:  `{"type":"ping"}`,
			want: Ping{},
		},
		{
			name: "missing data normalizes to empty object",
			raw:  `{"type":"position"}`,
			want: Position{Raw: []byte(`{}`)},
		},
		{
			name: "inbound timestamp is ignored",
			raw:  `{"type":"ping","timestamp":123}`,
			want: Ping{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json at all", raw: "hello there"},
		{name: "truncated object", raw: `{"type":"ping"`},
		{name: "data is not an object", raw: `{"type":"position","data":"flat"}`},
		{name: "empty body", raw: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidJSON)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	for _, raw := range []string{
		`{"type":"teleport","data":{}}`,
		`{"data":{"rideId":"r"}}`, // no type at all
	} {
		_, err := Decode([]byte(raw))
		var unknown *UnknownTypeError
		require.ErrorAs(t, err, &unknown, "raw=%s", raw)
	}
}

func TestEncode_Envelope(t *testing.T) {
	before := time.Now().UnixMilli()
	frame, err := Encode(TypeJoinedRide, map[string]any{"rideId": "ride-42", "members": 2})
	require.NoError(t, err)
	after := time.Now().UnixMilli()

	var decoded struct {
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp int64          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))

	assert.Equal(t, TypeJoinedRide, decoded.Type)
	assert.Equal(t, "ride-42", decoded.Data["rideId"])
	assert.EqualValues(t, 2, decoded.Data["members"])
	assert.GreaterOrEqual(t, decoded.Timestamp, before)
	assert.LessOrEqual(t, decoded.Timestamp, after)
}

func TestEncode_RawPayloadPassthrough(t *testing.T) {
	event, err := Decode([]byte(`{"type":"position","data":{"rideId":"r","lat":1.25}}`))
	require.NoError(t, err)
	pos, ok := event.(Position)
	require.True(t, ok)

	frame, err := Encode(TypePosition, pos.Raw)
	require.NoError(t, err)

	var decoded struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, "r", decoded.Data["rideId"])
	assert.EqualValues(t, 1.25, decoded.Data["lat"])
}

func TestUnknownTypeError_Message(t *testing.T) {
	err := error(&UnknownTypeError{Type: "warp"})
	assert.Contains(t, err.Error(), "warp")
	assert.False(t, errors.Is(err, ErrInvalidJSON))
}
