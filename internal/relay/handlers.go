package relay

import (
	"context"
	"encoding/json"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"

	"sharethings/internal/content"
	"sharethings/internal/fingerprint"
	"sharethings/internal/relayerr"
)

func (c *Core) handleJoin(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(joinAckReply{Success: false, Error: "invalid join payload"})
		return
	}

	// Re-join from an existing Joined(s) state implicitly leaves s first
	// (spec §4.3 connection state machine).
	if st, ok := c.getConnState(connID); ok && st.sessionID != "" {
		c.leaveSession(st.sessionID, st.clientID, connID, true)
		c.clearConnState(connID)
	}

	fp := fingerprint.Fingerprint{IV: p.Fingerprint.IV, Data: p.Fingerprint.Data}
	clientID := connID

	token, _, err := c.registry.Join(ctx, p.SessionID, fp, clientID)
	if err != nil {
		ack(joinAckReply{Success: false, Error: err.Error()})
		return
	}

	c.setConnState(connID, connState{sessionID: p.SessionID, clientID: clientID})

	clientName := strings.TrimSpace(p.ClientName)
	if clientName == "" {
		clientName = petname.Generate(2, " ")
	}

	handle := &ClientHandle{ClientID: clientID, ClientName: clientName, Token: token, ConnectionID: connID}

	r := c.getRoom(p.SessionID)
	r.mu.Lock()
	r.clients[clientID] = handle
	roster := make([]clientInfo, 0, len(r.clients))
	for _, ch := range r.clients {
		roster = append(roster, clientInfo{ID: ch.ClientID, Name: ch.ClientName})
	}
	r.mu.Unlock()

	c.adapter.Join(connID, p.SessionID)
	c.broadcastExclusive(p.SessionID, "client-joined", clientJoinedEvent{
		SessionID: p.SessionID, ClientID: clientID, ClientName: clientName,
	}, connID)

	ack(joinAckReply{Success: true, Token: token, Clients: roster})

	c.replayContent(ctx, p.SessionID, connID)
}

// replayContent sends the joiner every complete item in the session,
// newest-first, per spec §4.3's replay algorithm. Large-file items are
// announced but their chunks are not replayed — the joiner downloads them
// on demand.
func (c *Core) replayContent(ctx context.Context, sessionID, connID string) {
	result, err := c.store.ListContent(ctx, sessionID, c.cfg.DefaultPageSize, 0)
	if err != nil {
		c.logger.Warn("replay list content failed", "session_id", sessionID, "error", err)
		return
	}

	for _, item := range result.Items {
		if !item.IsComplete {
			continue
		}
		c.adapter.Emit(connID, "content", itemToContentWire(item))

		if item.IsLargeFile {
			continue
		}
		err := c.store.StreamContentForDownload(ctx, item.ContentID, func(_ context.Context, ch content.Chunk) error {
			c.adapter.Emit(connID, "chunk", chunkWire{
				ContentID:     ch.ContentID,
				ChunkIndex:    ch.ChunkIndex,
				TotalChunks:   item.TotalChunks,
				EncryptedData: ch.Payload,
				IV:            ch.IV,
			})
			return nil
		})
		if err != nil {
			c.logger.Warn("replay stream chunks failed", "content_id", item.ContentID, "error", err)
		}
	}
}

func (c *Core) handleLeave(ctx context.Context, connID string, raw []byte, _ AckFunc) {
	var p leavePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	st, ok := c.getConnState(connID)
	if !ok || st.sessionID != p.SessionID {
		return
	}
	c.leaveSession(p.SessionID, st.clientID, connID, true)
	c.clearConnState(connID)
}

// leaveSession removes clientID from sessionID's room and, optionally,
// broadcasts client-left to the remaining members.
func (c *Core) leaveSession(sessionID, clientID, connID string, broadcast bool) {
	r := c.getRoom(sessionID)
	r.mu.Lock()
	_, existed := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if existed {
		c.adapter.Leave(connID, sessionID)
		if broadcast {
			c.broadcastExclusive(sessionID, "client-left", clientLeftEvent{SessionID: sessionID, ClientID: clientID}, connID)
		}
	}
	c.registry.RemoveClient(clientID)
	c.dropRoomIfEmpty(sessionID)
}

// clientToken returns the token issued to clientID in sessionID's room, or
// "" if the client isn't a member.
func (c *Core) clientToken(sessionID, clientID string) string {
	r := c.getRoom(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.clients[clientID]; ok {
		return ch.Token
	}
	return ""
}

func (c *Core) clientName(sessionID, clientID string) string {
	r := c.getRoom(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.clients[clientID]; ok {
		return ch.ClientName
	}
	return ""
}

func (c *Core) handleContent(ctx context.Context, connID string, raw []byte, _ AckFunc) {
	var p contentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	st, ok := c.getConnState(connID)
	if !ok || st.sessionID != p.SessionID {
		return
	}
	clientID, err := c.authorize(ctx, connID, p.SessionID, c.clientToken(p.SessionID, st.clientID))
	if err != nil {
		c.logger.Warn("content event rejected", "session_id", p.SessionID, "error", err)
		return
	}

	isLarge := p.Content.TotalSize >= c.cfg.LargeFileThreshold

	meta := mergeSenderMetadata(p.Content.Metadata, clientID, c.clientName(p.SessionID, clientID))
	mimeType, _ := meta["mimeType"].(string)

	if len(p.Data) > 0 {
		totalChunks := p.Content.TotalChunks
		if totalChunks == 0 {
			totalChunks = 1
		}
		err := c.store.SaveChunk(ctx, p.Data, content.ChunkMeta{
			ContentID:          p.Content.ContentID,
			SessionID:          p.SessionID,
			ChunkIndex:         0,
			TotalChunks:        totalChunks,
			TotalSize:          p.Content.TotalSize,
			IV:                 p.Content.EncryptionMetadata.IV,
			ContentType:        p.Content.ContentType,
			MimeType:           mimeType,
			AdditionalMetadata: meta,
		})
		if err != nil {
			c.logger.Warn("save inline content failed", "content_id", p.Content.ContentID, "error", err)
			return
		}
		if err := c.store.MarkContentComplete(ctx, p.Content.ContentID); err != nil {
			c.logger.Warn("mark content complete failed", "content_id", p.Content.ContentID, "error", err)
		}
	} else {
		// Chunked publish: persist the item's exact metadata now, ahead of
		// the chunk events that follow, so handleChunk's lazy create finds
		// the row already present instead of estimating totalSize from
		// chunk size * count (spec §4.3).
		err := c.store.SaveContent(ctx, content.Item{
			ContentID:          p.Content.ContentID,
			SessionID:          p.SessionID,
			ContentType:        p.Content.ContentType,
			TotalChunks:        p.Content.TotalChunks,
			TotalSize:          p.Content.TotalSize,
			MimeType:           mimeType,
			EncryptionIV:       p.Content.EncryptionMetadata.IV,
			AdditionalMetadata: meta,
			IsPinned:           p.Content.IsPinned,
			IsLargeFile:        isLarge,
		})
		if err != nil {
			c.logger.Warn("save content metadata failed", "content_id", p.Content.ContentID, "error", err)
			return
		}
	}

	if isLarge {
		p.Content.IsLargeFile = true
		c.broadcastExclusive(p.SessionID, "content", contentPayload{SessionID: p.SessionID, Content: p.Content}, connID)
	} else {
		c.broadcastExclusive(p.SessionID, "content", p, connID)
	}

	c.touch(ctx, p.SessionID)
}

func (c *Core) handleChunk(ctx context.Context, connID string, raw []byte, _ AckFunc) {
	var p chunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	st, ok := c.getConnState(connID)
	if !ok || st.sessionID != p.SessionID {
		return
	}
	clientID, err := c.authorize(ctx, connID, p.SessionID, c.clientToken(p.SessionID, st.clientID))
	if err != nil {
		c.logger.Warn("chunk event rejected", "session_id", p.SessionID, "error", err)
		return
	}

	// A bare chunk for an unknown contentId lazily creates the item
	// (spec §4.3 tie-break) — this only happens if a chunk event beats
	// its content event across the wire, since handleContent already
	// persists the exact item row (and its real totalSize) before any
	// chunk is expected to arrive. Total size isn't carried on the wire
	// at chunk granularity, so this fallback item's size is estimated
	// from this chunk's size times the declared chunk count; it is never
	// corrected afterward, so it stays approximate for the lifetime of
	// the item in this (out-of-order) case.
	estimatedTotalSize := uint64(len(p.Chunk.EncryptedData)) * uint64(p.Chunk.TotalChunks)

	err = c.store.SaveChunk(ctx, p.Chunk.EncryptedData, content.ChunkMeta{
		ContentID:          p.Chunk.ContentID,
		SessionID:          p.SessionID,
		ChunkIndex:         p.Chunk.ChunkIndex,
		TotalChunks:        p.Chunk.TotalChunks,
		TotalSize:          estimatedTotalSize,
		IV:                 p.Chunk.IV,
		AdditionalMetadata: mergeSenderMetadata(nil, clientID, c.clientName(p.SessionID, clientID)),
	})
	if err != nil {
		c.logger.Warn("save chunk failed", "content_id", p.Chunk.ContentID, "error", err)
		return
	}

	item, err := c.store.GetContentMetadata(ctx, p.Chunk.ContentID)
	if err != nil {
		c.logger.Warn("get content metadata failed", "content_id", p.Chunk.ContentID, "error", err)
		return
	}
	if item != nil && !item.IsLargeFile {
		c.broadcastExclusive(p.SessionID, "chunk", p, connID)
	}

	if err := c.store.MarkContentComplete(ctx, p.Chunk.ContentID); err != nil && !relayerr.Is(err, relayerr.InvalidArgument) {
		c.logger.Warn("mark content complete failed", "content_id", p.Chunk.ContentID, "error", err)
	}

	c.touch(ctx, p.SessionID)
}

func (c *Core) handleRenameContent(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p renameContentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(simpleAckReply{Success: false, Error: "invalid payload"})
		return
	}
	clientID, err := c.authorize(ctx, connID, p.SessionID, p.Token)
	if err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}

	if err := c.store.RenameContent(ctx, p.ContentID, p.NewName); err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}
	ack(simpleAckReply{Success: true})

	c.broadcastInclusive(p.SessionID, "content-renamed", contentRenamedEvent{
		ContentID: p.ContentID, NewName: strings.TrimSpace(p.NewName),
		SenderID: clientID, SenderName: c.clientName(p.SessionID, clientID),
	})
	c.touch(ctx, p.SessionID)
}

func (c *Core) handleRemoveContent(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p removeContentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(simpleAckReply{Success: false, Error: "invalid payload"})
		return
	}
	_, err := c.authorize(ctx, connID, p.SessionID, p.Token)
	if err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}

	if err := c.store.RemoveContent(ctx, p.ContentID); err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}
	ack(simpleAckReply{Success: true})

	c.broadcastExclusive(p.SessionID, "content-removed", contentRemovedEvent{ContentID: p.ContentID}, connID)
	c.touch(ctx, p.SessionID)
}

func (c *Core) handlePinContent(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p pinContentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(simpleAckReply{Success: false, Error: "invalid payload"})
		return
	}
	_, err := c.authorize(ctx, connID, p.SessionID, p.Token)
	if err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}

	if err := c.store.SetPinned(ctx, p.ContentID, p.Pinned); err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}
	ack(simpleAckReply{Success: true})

	c.broadcastExclusive(p.SessionID, "content-pinned", contentPinnedEvent{ContentID: p.ContentID, Pinned: p.Pinned}, connID)
	c.touch(ctx, p.SessionID)
}

func (c *Core) handleClearAllContent(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p clearAllContentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(simpleAckReply{Success: false, Error: "invalid payload"})
		return
	}
	clientID, err := c.authorize(ctx, connID, p.SessionID, p.Token)
	if err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}

	if _, err := c.store.CleanupAllSessionContent(ctx, p.SessionID); err != nil {
		ack(simpleAckReply{Success: false, Error: err.Error()})
		return
	}
	ack(simpleAckReply{Success: true})

	c.broadcastInclusive(p.SessionID, "all-content-cleared", allContentClearedEvent{SessionID: p.SessionID, ClearedBy: clientID})
	c.touch(ctx, p.SessionID)
}

func (c *Core) handleListContent(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p listContentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(listContentAckReply{Success: false, Error: "invalid payload"})
		return
	}
	_, err := c.authorize(ctx, connID, p.SessionID, p.Token)
	if err != nil {
		ack(listContentAckReply{Success: false, Error: err.Error()})
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = c.cfg.DefaultPageSize
	}

	result, err := c.store.ListContent(ctx, p.SessionID, limit, p.Offset)
	if err != nil {
		ack(listContentAckReply{Success: false, Error: err.Error()})
		return
	}

	items := make([]contentWire, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, itemToContentWire(item))
	}

	ack(listContentAckReply{Success: true, Items: items, TotalCount: result.TotalCount, HasMore: result.HasMore})
	c.touch(ctx, p.SessionID)
}

func (c *Core) handlePing(ctx context.Context, connID string, raw []byte, ack AckFunc) {
	var p pingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ack(pingAckReply{Valid: false, Error: "invalid payload"})
		return
	}
	st, ok := c.getConnState(connID)
	if !ok || st.sessionID != p.SessionID {
		ack(pingAckReply{Valid: false, Error: "not joined to session"})
		return
	}
	exists, err := c.registry.Exists(ctx, p.SessionID)
	if err != nil || !exists {
		ack(pingAckReply{Valid: false, Error: "session no longer exists"})
		return
	}
	c.touch(ctx, p.SessionID)
	ack(pingAckReply{Valid: true})
}

func (c *Core) handleDisconnect(connID string) {
	st, ok := c.getConnState(connID)
	if !ok {
		return
	}
	c.leaveSession(st.sessionID, st.clientID, connID, true)
	c.clearConnState(connID)
}

func itemToContentWire(item content.Item) contentWire {
	senderID, _ := item.AdditionalMetadata["senderId"].(string)
	senderName, _ := item.AdditionalMetadata["senderName"].(string)
	return contentWire{
		ContentID:          item.ContentID,
		SenderID:           senderID,
		SenderName:         senderName,
		ContentType:        item.ContentType,
		Timestamp:          item.CreatedAt.UnixMilli(),
		Metadata:           item.AdditionalMetadata,
		IsChunked:          item.TotalChunks > 1,
		TotalChunks:        item.TotalChunks,
		TotalSize:          item.TotalSize,
		IsPinned:           item.IsPinned,
		IsLargeFile:        item.IsLargeFile,
		EncryptionMetadata: encryptionMetadataWire{IV: item.EncryptionIV},
	}
}

func mergeSenderMetadata(base map[string]any, senderID, senderName string) map[string]any {
	meta := make(map[string]any, len(base)+2)
	for k, v := range base {
		meta[k] = v
	}
	meta["senderId"] = senderID
	meta["senderName"] = senderName
	return meta
}
