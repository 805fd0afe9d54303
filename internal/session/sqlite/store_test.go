package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sharethings/internal/fingerprint"
	"sharethings/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("Get on missing session = %+v, want nil", rec)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := session.Record{
		SessionID:    "abc123",
		Fingerprint:  fingerprint.Fingerprint{IV: []byte("0123456789abcdef"), Data: []byte("fedcba9876543210")},
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil after Create")
	}
	if !fingerprint.Equal(got.Fingerprint, rec.Fingerprint) {
		t.Errorf("Fingerprint = %+v, want %+v", got.Fingerprint, rec.Fingerprint)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	rec := session.Record{SessionID: "s1", CreatedAt: start, LastActivity: start}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := start.Add(5 * time.Minute)
	if err := s.Touch(ctx, "s1", later); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, later)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Create(ctx, session.Record{SessionID: "gone", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.Get(ctx, "gone")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("session should no longer exist after Delete")
	}
}

func TestFindExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := now.Add(-time.Hour)
	fresh := now

	if err := s.Create(ctx, session.Record{SessionID: "stale", CreatedAt: stale, LastActivity: stale}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, session.Record{SessionID: "fresh", CreatedAt: fresh, LastActivity: fresh}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ids, err := s.FindExpired(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("FindExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("FindExpired = %v, want [stale]", ids)
	}
}
