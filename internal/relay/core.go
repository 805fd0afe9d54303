// Package relay implements the event dispatcher mediating between
// connections and the chunk store (spec §4.3): the connection state
// machine, the ten inbound event handlers, the authorization middleware,
// and room broadcast semantics.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"sharethings/internal/content"
	"sharethings/internal/logging"
	"sharethings/internal/relayerr"
	"sharethings/internal/session"
)

// ClientHandle is the in-memory-only record of one joined connection,
// owned entirely by the relay core (spec §4 data model: no pointer back to
// Session).
type ClientHandle struct {
	ClientID     string
	ClientName   string
	Token        string
	ConnectionID string
}

// Config holds the relay core's tunables (spec §6 configuration options).
type Config struct {
	LargeFileThreshold uint64
	DefaultPageSize    int
	MaxItemsPerSession int
}

type room struct {
	mu      sync.Mutex
	clients map[string]*ClientHandle // clientID -> handle
}

type connState struct {
	sessionID string
	clientID  string
}

// Core is the relay event dispatcher.
type Core struct {
	registry *session.Registry
	store    content.Store
	adapter  Adapter
	cfg      Config
	logger   *slog.Logger

	roomsMu sync.RWMutex
	rooms   map[string]*room // sessionID -> room

	connsMu sync.Mutex
	conns   map[string]connState // connID -> state
}

// NewCore wires a relay core over registry, store, and adapter. Call
// RegisterHandlers to attach it to the adapter's event dispatch.
func NewCore(registry *session.Registry, store content.Store, adapter Adapter, cfg Config, logger *slog.Logger) *Core {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	return &Core{
		registry: registry,
		store:    store,
		adapter:  adapter,
		cfg:      cfg,
		logger:   logging.Default(logger).With("component", "relay.core"),
		rooms:    make(map[string]*room),
		conns:    make(map[string]connState),
	}
}

// RegisterHandlers attaches every inbound event handler and the disconnect
// hook to the adapter. Call once during startup.
func (c *Core) RegisterHandlers() {
	c.adapter.On("join", c.handleJoin)
	c.adapter.On("leave", c.handleLeave)
	c.adapter.On("content", c.handleContent)
	c.adapter.On("chunk", c.handleChunk)
	c.adapter.On("rename-content", c.handleRenameContent)
	c.adapter.On("remove-content", c.handleRemoveContent)
	c.adapter.On("pin-content", c.handlePinContent)
	c.adapter.On("clear-all-content", c.handleClearAllContent)
	c.adapter.On("list-content", c.handleListContent)
	c.adapter.On("ping", c.handlePing)
	c.adapter.OnDisconnect(c.handleDisconnect)
}

// getRoom returns (creating if necessary) the room for sessionID.
func (c *Core) getRoom(sessionID string) *room {
	c.roomsMu.RLock()
	r, ok := c.rooms[sessionID]
	c.roomsMu.RUnlock()
	if ok {
		return r
	}

	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if r, ok := c.rooms[sessionID]; ok {
		return r
	}
	r = &room{clients: make(map[string]*ClientHandle)}
	c.rooms[sessionID] = r
	return r
}

// dropRoomIfEmpty removes sessionID's room bookkeeping once its last
// member has left, so a long-lived server doesn't accumulate empty rooms.
func (c *Core) dropRoomIfEmpty(sessionID string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if r, ok := c.rooms[sessionID]; ok {
		r.mu.Lock()
		empty := len(r.clients) == 0
		r.mu.Unlock()
		if empty {
			delete(c.rooms, sessionID)
		}
	}
}

func (c *Core) setConnState(connID string, st connState) {
	c.connsMu.Lock()
	c.conns[connID] = st
	c.connsMu.Unlock()
}

func (c *Core) getConnState(connID string) (connState, bool) {
	c.connsMu.Lock()
	st, ok := c.conns[connID]
	c.connsMu.Unlock()
	return st, ok
}

func (c *Core) clearConnState(connID string) {
	c.connsMu.Lock()
	delete(c.conns, connID)
	c.connsMu.Unlock()
}

// authorize implements the middleware from spec §4.3: the connection must
// be Joined(sessionID), its token must validate, and the session registry
// must still have a record. Returns the authorized clientID.
func (c *Core) authorize(ctx context.Context, connID, sessionID, token string) (string, error) {
	st, ok := c.getConnState(connID)
	if !ok || st.sessionID != sessionID {
		return "", relayerr.New(relayerr.NotInSession, "connection is not joined to this session")
	}
	if !c.registry.ValidateToken(st.clientID, sessionID, token) {
		return "", relayerr.New(relayerr.InvalidSessionToken, "token does not match session")
	}
	exists, err := c.registry.Exists(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", relayerr.New(relayerr.SessionNotFound, "session no longer exists")
	}
	return st.clientID, nil
}

// touch refreshes the session's LastActivity; called after every
// authorized event per spec §4.2.
func (c *Core) touch(ctx context.Context, sessionID string) {
	if err := c.registry.Touch(ctx, sessionID); err != nil {
		c.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
	}
}

// broadcastExclusive sends event to every member of sessionID other than
// excludeClientID's connection.
func (c *Core) broadcastExclusive(sessionID, event string, payload any, excludeConnID string) {
	c.adapter.EmitRoom(sessionID, event, payload, excludeConnID)
}

// broadcastInclusive sends event to every member of sessionID, including
// the sender.
func (c *Core) broadcastInclusive(sessionID, event string, payload any) {
	c.adapter.EmitRoom(sessionID, event, payload, "")
}

// EvictExpired is the callback handed to session.ExpirySweeper: for each
// expired session it notifies connected members, drops their tokens and
// membership, and the sweeper has already removed the durable record's
// time window — this clears the record itself.
func (c *Core) EvictExpired(ctx context.Context, sessionIDs []string) {
	for _, sessionID := range sessionIDs {
		c.evictSession(ctx, sessionID)
	}
}

func (c *Core) evictSession(ctx context.Context, sessionID string) {
	r := c.getRoom(sessionID)
	r.mu.Lock()
	members := make([]*ClientHandle, 0, len(r.clients))
	for _, ch := range r.clients {
		members = append(members, ch)
	}
	r.clients = make(map[string]*ClientHandle)
	r.mu.Unlock()

	msg := sessionExpiredEvent{SessionID: sessionID, Message: "session expired due to inactivity"}
	for _, ch := range members {
		c.adapter.Emit(ch.ConnectionID, "session-expired", msg)
		c.adapter.Leave(ch.ConnectionID, sessionID)
		c.registry.RemoveClient(ch.ClientID)
		c.clearConnState(ch.ConnectionID)
	}

	c.roomsMu.Lock()
	delete(c.rooms, sessionID)
	c.roomsMu.Unlock()

	if err := c.registry.Remove(ctx, sessionID); err != nil {
		c.logger.Error("failed to remove expired session record", "session_id", sessionID, "error", err)
	}
}

// Stats is a point-in-time snapshot of in-memory relay state, exposed via
// the /metrics HTTP endpoint.
type Stats struct {
	ActiveSessions   int
	ConnectedClients int
}

// Stats reports the current number of rooms and their total membership.
func (c *Core) Stats() Stats {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()

	clients := 0
	for _, r := range c.rooms {
		r.mu.Lock()
		clients += len(r.clients)
		r.mu.Unlock()
	}
	return Stats{ActiveSessions: len(c.rooms), ConnectedClients: clients}
}
