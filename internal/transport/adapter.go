package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sharethings/internal/logging"
	"sharethings/internal/relay"
)

// Config tunes the adapter's frame size and heartbeat behavior (spec §4.4,
// §6 configuration options).
type Config struct {
	MaxFrameSize      int64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CORSOrigin        string
}

func (c Config) withDefaults() Config {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 100 << 20 // 100 MiB
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	return c
}

// Adapter is the gorilla/websocket-backed Connection Adapter. It
// implements relay.Adapter.
type Adapter struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]relay.Handler

	disconnectMu       sync.Mutex
	disconnectHandlers []func(string)

	connsMu sync.Mutex
	conns   map[string]*conn

	roomsMu sync.Mutex
	rooms   map[string]map[string]*conn // sessionID -> connID -> conn
}

// NewAdapter creates an Adapter. Call ServeHTTP (or Upgrade directly) from
// the /ws route.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		cfg:      cfg,
		logger:   logging.Default(logger).With("component", "transport.adapter"),
		handlers: make(map[string]relay.Handler),
		conns:    make(map[string]*conn),
		rooms:    make(map[string]map[string]*conn),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == cfg.CORSOrigin
		},
	}
	return a
}

func (a *Adapter) On(event string, handler relay.Handler) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.handlers[event] = handler
}

func (a *Adapter) OnDisconnect(handler func(connID string)) {
	a.disconnectMu.Lock()
	defer a.disconnectMu.Unlock()
	a.disconnectHandlers = append(a.disconnectHandlers, handler)
}

func (a *Adapter) Emit(connID, event string, payload any) {
	c := a.getConn(connID)
	if c == nil {
		return
	}
	env, err := encodeEnvelope(event, "", payload)
	if err != nil {
		a.logger.Warn("encode emit payload failed", "event", event, "error", err)
		return
	}
	if event == "chunk" {
		c.sendBulk(env)
	} else {
		c.sendPriority(env)
	}
}

func (a *Adapter) EmitRoom(sessionID, event string, payload any, excludeConnID string) {
	env, err := encodeEnvelope(event, "", payload)
	if err != nil {
		a.logger.Warn("encode emitRoom payload failed", "event", event, "error", err)
		return
	}

	a.roomsMu.Lock()
	members := a.rooms[sessionID]
	targets := make([]*conn, 0, len(members))
	for connID, c := range members {
		if connID == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	a.roomsMu.Unlock()

	for _, c := range targets {
		if event == "chunk" {
			c.sendBulk(env)
		} else {
			c.sendPriority(env)
		}
	}
}

func (a *Adapter) Join(connID, sessionID string) {
	c := a.getConn(connID)
	if c == nil {
		return
	}
	a.roomsMu.Lock()
	defer a.roomsMu.Unlock()
	room, ok := a.rooms[sessionID]
	if !ok {
		room = make(map[string]*conn)
		a.rooms[sessionID] = room
	}
	room[connID] = c
}

func (a *Adapter) Leave(connID, sessionID string) {
	a.roomsMu.Lock()
	defer a.roomsMu.Unlock()
	room, ok := a.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(a.rooms, sessionID)
	}
}

func (a *Adapter) getConn(connID string) *conn {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	return a.conns[connID]
}

// ServeHTTP upgrades the request to a websocket connection and runs its
// read/write pumps until it closes.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	c := newConn(connID, ws, a.logger)

	a.connsMu.Lock()
	a.conns[connID] = c
	a.connsMu.Unlock()

	a.logger.Info("connection opened", "conn_id", connID)

	go c.writePump(a.cfg.HeartbeatInterval, a.cfg.HeartbeatTimeout)
	c.readPump(a.cfg.MaxFrameSize, a.cfg.HeartbeatTimeout, func(env Envelope) {
		a.dispatch(connID, env)
	})

	a.handleDisconnect(connID)
}

func (a *Adapter) dispatch(connID string, env Envelope) {
	a.handlersMu.RLock()
	handler, ok := a.handlers[env.Event]
	a.handlersMu.RUnlock()
	if !ok {
		a.logger.Warn("no handler for event", "event", env.Event, "conn_id", connID)
		return
	}

	var ack relay.AckFunc
	if env.AckID != "" {
		ackID := env.AckID
		event := env.Event
		ack = func(payload any) {
			a.Emit(connID, event, replyWithAckID{AckID: ackID, Payload: payload})
		}
	}

	handler(context.Background(), connID, env.Payload, ack)
}

func (a *Adapter) handleDisconnect(connID string) {
	a.connsMu.Lock()
	delete(a.conns, connID)
	a.connsMu.Unlock()

	a.roomsMu.Lock()
	for sessionID, room := range a.rooms {
		if _, ok := room[connID]; ok {
			delete(room, connID)
			if len(room) == 0 {
				delete(a.rooms, sessionID)
			}
		}
	}
	a.roomsMu.Unlock()

	a.logger.Info("connection closed", "conn_id", connID)

	a.disconnectMu.Lock()
	handlers := append([]func(string){}, a.disconnectHandlers...)
	a.disconnectMu.Unlock()
	for _, h := range handlers {
		h(connID)
	}
}

// replyWithAckID is never marshaled directly — encodeEnvelope special-cases
// it to put Payload at the top level and AckID on the envelope, matching
// what Emit already does for ordinary events.
type replyWithAckID struct {
	AckID   string
	Payload any
}

func encodeEnvelope(event, ackID string, payload any) (Envelope, error) {
	if r, ok := payload.(replyWithAckID); ok {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Event: event, AckID: r.AckID, Payload: raw}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, AckID: ackID, Payload: raw}, nil
}
