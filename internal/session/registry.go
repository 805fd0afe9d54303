package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sharethings/internal/fingerprint"
	"sharethings/internal/logging"
	"sharethings/internal/relayerr"
)

// tokenSize is the byte length of a session token before hex-encoding (256
// bits, per spec §4.2).
const tokenSize = 32

// clientToken is the in-memory record of which session a client's token
// authorizes. Tokens are never persisted: a server restart invalidates
// every live connection, which is fine because clients simply rejoin.
type clientToken struct {
	sessionID string
	token     string
}

// Registry is the durable half of session management: it owns the
// fingerprint Store and the per-client token issued on join. It does not
// track room membership — that's the relay core's job (spec §4.3).
type Registry struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]clientToken // clientID -> token
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:   store,
		logger:  logging.Default(logger).With("component", "session.registry"),
		clients: make(map[string]clientToken),
	}
}

// Join validates (or creates) the session identified by sessionID against
// fp and, on success, issues a fresh token for clientID.
//
// If no record exists for sessionID yet, this is a session creation: fp
// becomes the fingerprint every later joiner must match. If a record
// already exists, fp must be byte-equal to it (spec §4.2); a mismatch
// returns relayerr.InvalidPassphrase without revealing which record it
// compared against.
func (r *Registry) Join(ctx context.Context, sessionID string, fp fingerprint.Fingerprint, clientID string) (token string, created bool, err error) {
	now := time.Now().UTC()

	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.StorageError, "load session record", err)
	}

	if rec == nil {
		rec = &Record{
			SessionID:    sessionID,
			Fingerprint:  fp,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := r.store.Create(ctx, *rec); err != nil {
			return "", false, relayerr.Wrap(relayerr.StorageError, "create session record", err)
		}
		created = true
		r.logger.Info("session created", "session_id", sessionID)
	} else if !fingerprint.Equal(rec.Fingerprint, fp) {
		return "", false, relayerr.New(relayerr.InvalidPassphrase, "fingerprint does not match session")
	}

	if err := r.store.Touch(ctx, sessionID, now); err != nil {
		return "", false, relayerr.Wrap(relayerr.StorageError, "touch session on join", err)
	}

	tok, err := newToken()
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.Internal, "generate session token", err)
	}

	r.mu.Lock()
	r.clients[clientID] = clientToken{sessionID: sessionID, token: tok}
	r.mu.Unlock()

	return tok, created, nil
}

// ValidateToken reports whether token is the token currently issued to
// clientID for sessionID. Every relay event after join must be authorized
// through this check (spec §4.3).
func (r *Registry) ValidateToken(clientID, sessionID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ct, ok := r.clients[clientID]
	if !ok {
		return false
	}
	return ct.sessionID == sessionID && ct.token == token
}

// TokenAuthorizesSession reports whether token was issued to any client
// currently joined to sessionID. Used by the HTTP download endpoint, which
// only has a bearer token and a contentId's owning sessionId to go on
// (spec §6).
func (r *Registry) TokenAuthorizesSession(sessionID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ct := range r.clients {
		if ct.sessionID == sessionID && ct.token == token {
			return true
		}
	}
	return false
}

// RemoveClient forgets clientID's token, e.g. on leave or disconnect.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

// Touch refreshes a session's LastActivity to now. Called on every event a
// member of the session sends (spec §5 inactivity timeout).
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	if err := r.store.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "touch session", err)
	}
	return nil
}

// Exists reports whether a durable record exists for sessionID.
func (r *Registry) Exists(ctx context.Context, sessionID string) (bool, error) {
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return false, relayerr.Wrap(relayerr.StorageError, "load session record", err)
	}
	return rec != nil, nil
}

// Remove deletes the durable record for sessionID. Called once every client
// has left or the session has expired.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	if err := r.store.Delete(ctx, sessionID); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "delete session", err)
	}
	r.logger.Info("session removed", "session_id", sessionID)
	return nil
}

// FindExpired returns the IDs of sessions whose LastActivity is older than
// timeout, as of now.
func (r *Registry) FindExpired(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	ids, err := r.store.FindExpired(ctx, now.Add(-timeout))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "find expired sessions", err)
	}
	return ids, nil
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func newToken() (string, error) {
	buf := make([]byte, tokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
