package relay_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	contentsqlite "sharethings/internal/content/sqlite"
	"sharethings/internal/home"
	"sharethings/internal/relay"
	"sharethings/internal/session"
	sessionsqlite "sharethings/internal/session/sqlite"
)

type testRig struct {
	core    *relay.Core
	adapter *fakeAdapter
}

func newTestRig(t *testing.T) testRig {
	t.Helper()
	ctx := context.Background()

	sessionStore, err := sessionsqlite.Open(ctx, filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatalf("sessionsqlite.Open: %v", err)
	}
	t.Cleanup(func() { sessionStore.Close() })
	registry := session.NewRegistry(sessionStore, nil)
	t.Cleanup(func() { registry.Close() })

	hd := home.New(t.TempDir())
	if err := hd.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	store, err := contentsqlite.Open(ctx, hd, 1<<20, nil)
	if err != nil {
		t.Fatalf("contentsqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapter := newFakeAdapter()
	core := relay.NewCore(registry, store, adapter, relay.Config{
		LargeFileThreshold: 1 << 20,
		MaxItemsPerSession: 200,
	}, nil)
	core.RegisterHandlers()

	return testRig{core: core, adapter: adapter}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func joinSession(t *testing.T, rig testRig, connID, sessionID, clientName string) map[string]any {
	t.Helper()
	ctx := context.Background()
	raw := mustJSON(t, map[string]any{
		"sessionId":  sessionID,
		"clientName": clientName,
		"fingerprint": map[string]any{
			"iv":   []byte("0123456789abcdef"),
			"data": []byte("fedcba9876543210"),
		},
	})
	acked := rig.adapter.dispatch(ctx, connID, "join", raw)
	m, ok := toMap(t, acked)
	if !ok || m["success"] != true {
		t.Fatalf("join(%s, %s) ack = %#v, want success", connID, sessionID, acked)
	}
	return m
}

// toMap round-trips v through JSON so test assertions can read the ack
// reply's fields without importing relay's unexported wire types.
func toMap(t *testing.T, v any) (map[string]any, bool) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal ack: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("json.Unmarshal ack: %v", err)
	}
	return m, true
}

func TestJoinIssuesTokenAndBroadcastsToExistingMembers(t *testing.T) {
	rig := newTestRig(t)

	ackA := joinSession(t, rig, "conn-a", "sess1", "Alice")
	if ackA["token"] == "" {
		t.Error("join ack should include a non-empty token")
	}

	ackB := joinSession(t, rig, "conn-b", "sess1", "Bob")
	if ackB["token"] == "" {
		t.Error("second join ack should include a non-empty token")
	}
	clients, _ := ackB["clients"].([]any)
	if len(clients) != 2 {
		t.Errorf("second joiner's roster = %v, want 2 members", clients)
	}

	msgsToA := rig.adapter.messagesTo("conn-a")
	found := false
	for _, m := range msgsToA {
		if m.event == "client-joined" {
			found = true
		}
	}
	if !found {
		t.Error("existing member should receive client-joined when a second client joins")
	}
}

func TestJoinRejectsMismatchedFingerprint(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")

	raw := mustJSON(t, map[string]any{
		"sessionId":  "sess1",
		"clientName": "Mallory",
		"fingerprint": map[string]any{
			"iv":   []byte("0123456789abcdef"),
			"data": []byte("wrongwrongwrong!"),
		},
	})
	acked := rig.adapter.dispatch(ctx, "conn-m", "join", raw)
	m, _ := toMap(t, acked)
	if m["success"] == true {
		t.Error("join with a mismatched fingerprint should not succeed")
	}
}

func TestContentBroadcastsToOtherMembersOnly(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	raw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "text",
			"totalSize":   5,
			"encryptionMetadata": map[string]any{
				"iv": []byte("0123456789abcdef"),
			},
		},
		"data": []byte("hello"),
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", raw)

	msgsToB := rig.adapter.messagesTo("conn-b")
	found := false
	for _, m := range msgsToB {
		if m.event == "content" {
			found = true
		}
	}
	if !found {
		t.Error("other member should receive the content broadcast")
	}

	msgsToA := rig.adapter.messagesTo("conn-a")
	for _, m := range msgsToA {
		if m.event == "content" {
			t.Error("sender should not receive its own content broadcast")
		}
	}
}

func TestContentRejectedWithoutAuthorization(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// conn-a never joined, so the content event must be silently dropped.
	raw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "text",
			"totalSize":   5,
		},
		"data": []byte("hello"),
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", raw)

	if msgs := rig.adapter.messagesTo("conn-a"); len(msgs) != 0 {
		t.Errorf("unauthorized content event produced messages: %v", msgs)
	}
}

func TestLeaveNotifiesRemainingMembers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	raw := mustJSON(t, map[string]any{"sessionId": "sess1"})
	rig.adapter.dispatch(ctx, "conn-b", "leave", raw)

	found := false
	for _, m := range rig.adapter.messagesTo("conn-a") {
		if m.event == "client-left" {
			found = true
		}
	}
	if !found {
		t.Error("remaining member should receive client-left")
	}
}

func TestDisconnectActsLikeLeave(t *testing.T) {
	rig := newTestRig(t)

	joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	rig.adapter.disconnect("conn-b")

	found := false
	for _, m := range rig.adapter.messagesTo("conn-a") {
		if m.event == "client-left" {
			found = true
		}
	}
	if !found {
		t.Error("disconnect should notify remaining members like an explicit leave")
	}
}

func TestPingRequiresLiveSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")

	raw := mustJSON(t, map[string]any{"sessionId": "sess1"})
	acked := rig.adapter.dispatch(ctx, "conn-a", "ping", raw)
	m, _ := toMap(t, acked)
	if m["valid"] != true {
		t.Errorf("ping ack = %#v, want valid=true", acked)
	}

	rawOther := mustJSON(t, map[string]any{"sessionId": "never-joined"})
	acked = rig.adapter.dispatch(ctx, "conn-a", "ping", rawOther)
	m, _ = toMap(t, acked)
	if m["valid"] == true {
		t.Error("ping for a session the connection never joined should be invalid")
	}
}

func TestStatsReflectsActiveRoomsAndMembers(t *testing.T) {
	rig := newTestRig(t)

	joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")
	joinSession(t, rig, "conn-c", "sess2", "Carol")

	stats := rig.core.Stats()
	if stats.ActiveSessions != 2 {
		t.Errorf("ActiveSessions = %d, want 2", stats.ActiveSessions)
	}
	if stats.ConnectedClients != 3 {
		t.Errorf("ConnectedClients = %d, want 3", stats.ConnectedClients)
	}
}

func TestChunkBroadcastsAndAssemblesContent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ackA := joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	contentRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "file",
			"totalChunks": 2,
			"totalSize":   10,
			"metadata":    map[string]any{"fileName": "a.txt", "mimeType": "text/plain"},
			"encryptionMetadata": map[string]any{
				"iv": []byte("0123456789abcdef"),
			},
		},
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", contentRaw)

	chunkPayload := func(index int, data string) []byte {
		return mustJSON(t, map[string]any{
			"sessionId": "sess1",
			"chunk": map[string]any{
				"contentId":     "c1",
				"chunkIndex":    index,
				"totalChunks":   2,
				"encryptedData": []byte(data),
				"iv":            []byte("0123456789abcdef"),
			},
		})
	}
	rig.adapter.dispatch(ctx, "conn-a", "chunk", chunkPayload(0, "hello"))
	rig.adapter.dispatch(ctx, "conn-a", "chunk", chunkPayload(1, "world"))

	found := false
	for _, m := range rig.adapter.messagesTo("conn-b") {
		if m.event == "chunk" {
			found = true
		}
	}
	if !found {
		t.Error("other member should receive chunk broadcasts")
	}

	listRaw := mustJSON(t, map[string]any{"sessionId": "sess1", "token": ackA["token"]})
	acked := rig.adapter.dispatch(ctx, "conn-a", "list-content", listRaw)
	m, _ := toMap(t, acked)
	items, _ := m["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("list-content items = %v, want 1 assembled item", items)
	}
	item, _ := items[0].(map[string]any)
	if item["totalSize"] != float64(10) {
		t.Errorf("item totalSize = %v, want 10 (exact value from the content event, not a chunk-size estimate)", item["totalSize"])
	}
}

func TestRenameContentBroadcastsInclusive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ackA := joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	contentRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "text",
			"totalSize":   5,
			"encryptionMetadata": map[string]any{
				"iv": []byte("0123456789abcdef"),
			},
		},
		"data": []byte("hello"),
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", contentRaw)

	renameRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1", "contentId": "c1", "newName": "notes.txt", "token": ackA["token"],
	})
	acked := rig.adapter.dispatch(ctx, "conn-a", "rename-content", renameRaw)
	m, _ := toMap(t, acked)
	if m["success"] != true {
		t.Fatalf("rename-content ack = %#v, want success", acked)
	}

	for _, connID := range []string{"conn-a", "conn-b"} {
		found := false
		for _, msg := range rig.adapter.messagesTo(connID) {
			if msg.event == "content-renamed" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s should receive content-renamed (sender-inclusive broadcast)", connID)
		}
	}
}

func TestRenameContentRejectsInvalidToken(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")

	renameRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1", "contentId": "c1", "newName": "notes.txt", "token": "bogus",
	})
	acked := rig.adapter.dispatch(ctx, "conn-a", "rename-content", renameRaw)
	m, _ := toMap(t, acked)
	if m["success"] == true {
		t.Error("rename-content with an invalid token should not succeed")
	}
}

func TestRemoveContentBroadcastsExclusive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ackA := joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	contentRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "text",
			"totalSize":   5,
			"encryptionMetadata": map[string]any{
				"iv": []byte("0123456789abcdef"),
			},
		},
		"data": []byte("hello"),
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", contentRaw)

	removeRaw := mustJSON(t, map[string]any{"sessionId": "sess1", "contentId": "c1", "token": ackA["token"]})
	acked := rig.adapter.dispatch(ctx, "conn-a", "remove-content", removeRaw)
	m, _ := toMap(t, acked)
	if m["success"] != true {
		t.Fatalf("remove-content ack = %#v, want success", acked)
	}

	found := false
	for _, msg := range rig.adapter.messagesTo("conn-b") {
		if msg.event == "content-removed" {
			found = true
		}
	}
	if !found {
		t.Error("other member should receive content-removed")
	}
	for _, msg := range rig.adapter.messagesTo("conn-a") {
		if msg.event == "content-removed" {
			t.Error("sender should not receive its own content-removed broadcast")
		}
	}
}

func TestPinContentTogglesAndBroadcasts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ackA := joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	contentRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "text",
			"totalSize":   5,
			"encryptionMetadata": map[string]any{
				"iv": []byte("0123456789abcdef"),
			},
		},
		"data": []byte("hello"),
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", contentRaw)

	pinRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1", "contentId": "c1", "pinned": true, "token": ackA["token"],
	})
	acked := rig.adapter.dispatch(ctx, "conn-a", "pin-content", pinRaw)
	m, _ := toMap(t, acked)
	if m["success"] != true {
		t.Fatalf("pin-content ack = %#v, want success", acked)
	}

	found := false
	for _, msg := range rig.adapter.messagesTo("conn-b") {
		if msg.event == "content-pinned" {
			found = true
		}
	}
	if !found {
		t.Error("other member should receive content-pinned")
	}
}

func TestClearAllContentBroadcastsInclusive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ackA := joinSession(t, rig, "conn-a", "sess1", "Alice")
	joinSession(t, rig, "conn-b", "sess1", "Bob")

	contentRaw := mustJSON(t, map[string]any{
		"sessionId": "sess1",
		"content": map[string]any{
			"contentId":   "c1",
			"contentType": "text",
			"totalSize":   5,
			"encryptionMetadata": map[string]any{
				"iv": []byte("0123456789abcdef"),
			},
		},
		"data": []byte("hello"),
	})
	rig.adapter.dispatch(ctx, "conn-a", "content", contentRaw)

	clearRaw := mustJSON(t, map[string]any{"sessionId": "sess1", "token": ackA["token"]})
	acked := rig.adapter.dispatch(ctx, "conn-a", "clear-all-content", clearRaw)
	m, _ := toMap(t, acked)
	if m["success"] != true {
		t.Fatalf("clear-all-content ack = %#v, want success", acked)
	}

	for _, connID := range []string{"conn-a", "conn-b"} {
		found := false
		for _, msg := range rig.adapter.messagesTo(connID) {
			if msg.event == "all-content-cleared" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s should receive all-content-cleared (sender-inclusive broadcast)", connID)
		}
	}

	listRaw := mustJSON(t, map[string]any{"sessionId": "sess1", "token": ackA["token"]})
	listAcked := rig.adapter.dispatch(ctx, "conn-a", "list-content", listRaw)
	lm, _ := toMap(t, listAcked)
	items, _ := lm["items"].([]any)
	if len(items) != 0 {
		t.Errorf("list-content after clear-all = %v, want empty", items)
	}
}

func TestListContentRejectsWithoutToken(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")

	listRaw := mustJSON(t, map[string]any{"sessionId": "sess1", "token": "bogus"})
	acked := rig.adapter.dispatch(ctx, "conn-a", "list-content", listRaw)
	m, _ := toMap(t, acked)
	if m["success"] == true {
		t.Error("list-content with an invalid token should not succeed")
	}
}

func TestEvictExpiredNotifiesAndClearsRoom(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	joinSession(t, rig, "conn-a", "sess1", "Alice")

	rig.core.EvictExpired(ctx, []string{"sess1"})

	found := false
	for _, m := range rig.adapter.messagesTo("conn-a") {
		if m.event == "session-expired" {
			found = true
		}
	}
	if !found {
		t.Error("evicted member should receive session-expired")
	}
	if stats := rig.core.Stats(); stats.ActiveSessions != 0 {
		t.Errorf("ActiveSessions after eviction = %d, want 0", stats.ActiveSessions)
	}
}
