package relay

import "context"

// AckFunc is the one-shot reply callback a Handler may invoke to answer the
// sender of an event that expects an ack (spec §4.4).
type AckFunc func(payload any)

// Handler processes one inbound event from connID. payload is the raw
// event-specific JSON; ack is non-nil only for events the wire protocol
// defines as ack-expecting.
type Handler func(ctx context.Context, connID string, payload []byte, ack AckFunc)

// Adapter is the Connection Adapter contract the relay core consumes
// (spec §4.4). internal/transport provides the concrete implementation
// over gorilla/websocket; the relay core only depends on this interface so
// it can be driven by a fake transport in tests.
type Adapter interface {
	// On registers handler for event. Only one handler may be registered
	// per event name.
	On(event string, handler Handler)

	// Emit sends payload as event directly to connID.
	Emit(connID, event string, payload any)

	// EmitRoom fans payload out as event to every connection joined to
	// sessionID. If excludeConnID is non-empty, that connection is
	// skipped (exclusive broadcast); otherwise every member receives it
	// (inclusive broadcast).
	EmitRoom(sessionID, event string, payload any, excludeConnID string)

	// Join adds connID to the room for sessionID.
	Join(connID, sessionID string)

	// Leave removes connID from the room for sessionID.
	Leave(connID, sessionID string)

	// OnDisconnect registers a handler invoked once per connection when
	// the transport detects it has closed.
	OnDisconnect(handler func(connID string))
}
