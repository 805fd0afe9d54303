package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"sharethings/internal/fingerprint"
	"sharethings/internal/session"
	sessionsqlite "sharethings/internal/session/sqlite"
)

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionsqlite.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg := session.NewRegistry(store, nil)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestJoinCreatesSessionOnFirstJoin(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}

	token, created, err := reg.Join(ctx, "s1", fp, "client-a")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !created {
		t.Error("first join should report created=true")
	}
	if token == "" {
		t.Error("Join should issue a non-empty token")
	}
	if !reg.ValidateToken("client-a", "s1", token) {
		t.Error("ValidateToken should accept the token just issued")
	}
}

func TestJoinRejectsWrongFingerprint(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}
	wrongFP := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("different")}

	if _, _, err := reg.Join(ctx, "s1", fp, "client-a"); err != nil {
		t.Fatalf("first Join: %v", err)
	}

	_, _, err := reg.Join(ctx, "s1", wrongFP, "client-b")
	if err == nil {
		t.Fatal("Join with a mismatched fingerprint should fail")
	}
}

func TestJoinAcceptsMatchingFingerprint(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}

	if _, _, err := reg.Join(ctx, "s1", fp, "client-a"); err != nil {
		t.Fatalf("first Join: %v", err)
	}

	_, created, err := reg.Join(ctx, "s1", fp, "client-b")
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if created {
		t.Error("joining an existing session should report created=false")
	}
}

func TestValidateTokenRejectsWrongToken(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}

	if _, _, err := reg.Join(ctx, "s1", fp, "client-a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if reg.ValidateToken("client-a", "s1", "not-the-real-token") {
		t.Error("ValidateToken should reject a forged token")
	}
}

func TestTokenAuthorizesSession(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}

	token, _, err := reg.Join(ctx, "s1", fp, "client-a")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !reg.TokenAuthorizesSession("s1", token) {
		t.Error("TokenAuthorizesSession should recognize a live token for its session")
	}
	if reg.TokenAuthorizesSession("other-session", token) {
		t.Error("TokenAuthorizesSession should not cross sessions")
	}
}

func TestRemoveClientForgetsToken(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}

	token, _, err := reg.Join(ctx, "s1", fp, "client-a")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	reg.RemoveClient("client-a")
	if reg.ValidateToken("client-a", "s1", token) {
		t.Error("token should no longer validate after RemoveClient")
	}
}

func TestExistsAndRemove(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{IV: []byte("iv"), Data: []byte("data")}

	if _, _, err := reg.Join(ctx, "s1", fp, "client-a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	exists, err := reg.Exists(ctx, "s1")
	if err != nil || !exists {
		t.Fatalf("Exists = (%v, %v), want (true, nil)", exists, err)
	}

	if err := reg.Remove(ctx, "s1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	exists, err = reg.Exists(ctx, "s1")
	if err != nil || exists {
		t.Fatalf("Exists after Remove = (%v, %v), want (false, nil)", exists, err)
	}
}
