package ws

import (
	"encoding/json"
	"time"
)

// Frame is the shared hub-to-server WebSocket message shape. Every frame a
// hub sends carries a type; acknowledgment frames additionally carry the
// command id they answer plus the hub-reported outcome.
type Frame struct {
	Type      string                 `json:"type"`
	CommandID string                 `json:"command_id,omitempty"`
	Success   bool                   `json:"success,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// Marshal marshals the frame to JSON bytes, stamping the timestamp if unset.
func (f *Frame) Marshal() ([]byte, error) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	return json.Marshal(f)
}

// Standard frame type constants used by the server and hub firmware.
const (
	FrameTypeHeartbeat = "heartbeat"
	FrameTypeAck       = "ack"   // Hub-to-server command acknowledgment
	FrameTypeEvent     = "event" // Unsolicited push (discovery result, status)
	FrameTypePong      = "pong"
	FrameTypeError     = "error"
	FrameTypeConnected = "connected" // Server accept notice after handshake
	FrameTypeCommand   = "command"   // Server-to-hub command envelope
)
