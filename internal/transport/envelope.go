// Package transport implements the Connection Adapter (spec §4.4) over
// gorilla/websocket: a bidirectional, room-capable event-stream transport
// with acks, heartbeat, and backpressure handling.
package transport

import "encoding/json"

// Envelope is the wire frame every message is carried in.
type Envelope struct {
	Event   string          `json:"event"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
