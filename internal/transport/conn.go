package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outboundHighWaterMark is the bulk-path buffer depth past which the
// server pauses replay chunk emission to a connection rather than drop
// metadata or completion events (spec §5 backpressure).
const outboundHighWaterMark = 64

// conn wraps one websocket connection with two outbound paths: a priority
// path for metadata/completion events that must never be dropped, and a
// bounded bulk path for chunk payloads that MAY apply backpressure.
type conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	priority chan Envelope
	bulk     chan Envelope

	writeMu sync.Mutex // guards concurrent ws.WriteMessage calls

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		logger:   logger,
		priority: make(chan Envelope, 256),
		bulk:     make(chan Envelope, outboundHighWaterMark),
		closed:   make(chan struct{}),
	}
}

// sendPriority enqueues env on the priority path. Never blocks
// indefinitely: if the priority buffer is somehow full the connection is
// already in serious trouble, so we drop oldest-effort rather than stall
// the whole dispatcher.
func (c *conn) sendPriority(env Envelope) {
	select {
	case c.priority <- env:
	case <-c.closed:
	default:
		c.logger.Warn("priority outbound buffer full, dropping event", "conn_id", c.id, "event", env.Event)
	}
}

// sendBulk enqueues env on the bulk path. This is the path that exerts
// backpressure: a full buffer means the caller (replay, chunk broadcast)
// should slow down.
func (c *conn) sendBulk(env Envelope) {
	select {
	case c.bulk <- env:
	case <-c.closed:
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump drains both outbound paths, preferring priority traffic, and
// owns the heartbeat ping ticker. Runs until the connection closes.
func (c *conn) writePump(heartbeatInterval, heartbeatTimeout time.Duration) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return

		case env := <-c.priority:
			if err := c.write(env); err != nil {
				return
			}

		case env := <-c.bulk:
			// Drain any priority traffic that arrived while we were
			// about to send a bulk message, so metadata/completion
			// events never queue behind a run of chunk sends.
			select {
			case p := <-c.priority:
				if err := c.write(p); err != nil {
					return
				}
			default:
			}
			if err := c.write(env); err != nil {
				return
			}

		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(heartbeatTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// readPump reads inbound frames until the connection closes, dispatching
// each to dispatch. Runs sequentially so events from this connection are
// processed in FIFO order (spec §5 ordering guarantee).
func (c *conn) readPump(maxFrameSize int64, heartbeatTimeout time.Duration, dispatch func(Envelope)) {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "conn_id", c.id, "error", err)
			continue
		}
		dispatch(env)
	}
}
