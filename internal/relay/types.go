package relay

// Wire payload shapes, exactly per spec.md §6's event table. Byte slices
// marshal to JSON as base64, matching the "byte[]" notation in the spec.

type fingerprintWire struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
}

type clientInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type encryptionMetadataWire struct {
	IV []byte `json:"iv"`
}

type contentWire struct {
	ContentID          string                 `json:"contentId"`
	SenderID           string                 `json:"senderId"`
	SenderName         string                 `json:"senderName"`
	ContentType        string                 `json:"contentType"`
	Timestamp          int64                  `json:"timestamp"`
	Metadata           map[string]any         `json:"metadata"`
	IsChunked          bool                   `json:"isChunked"`
	TotalChunks        uint32                 `json:"totalChunks,omitempty"`
	TotalSize          uint64                 `json:"totalSize"`
	IsPinned           bool                   `json:"isPinned"`
	IsLargeFile        bool                   `json:"isLargeFile"`
	EncryptionMetadata encryptionMetadataWire `json:"encryptionMetadata"`
}

type chunkWire struct {
	ContentID     string `json:"contentId"`
	ChunkIndex    uint32 `json:"chunkIndex"`
	TotalChunks   uint32 `json:"totalChunks"`
	EncryptedData []byte `json:"encryptedData"`
	IV            []byte `json:"iv"`
}

// Inbound event payloads (C->S).

type joinPayload struct {
	SessionID   string          `json:"sessionId"`
	ClientName  string          `json:"clientName"`
	Fingerprint fingerprintWire `json:"fingerprint"`
}

type leavePayload struct {
	SessionID string `json:"sessionId"`
}

type contentPayload struct {
	SessionID string       `json:"sessionId"`
	Content   contentWire  `json:"content"`
	Data      []byte       `json:"data,omitempty"`
}

type chunkPayload struct {
	SessionID string    `json:"sessionId"`
	Chunk     chunkWire `json:"chunk"`
}

type renameContentPayload struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	NewName   string `json:"newName"`
	Token     string `json:"token"`
}

type removeContentPayload struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	Token     string `json:"token"`
}

type pinContentPayload struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	Pinned    bool   `json:"pinned"`
	Token     string `json:"token"`
}

type clearAllContentPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type listContentPayload struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
	Token     string `json:"token"`
}

type pingPayload struct {
	SessionID string `json:"sessionId"`
}

// Outbound event payloads (S->C) and ack replies.

type joinAckReply struct {
	Success bool         `json:"success"`
	Token   string       `json:"token,omitempty"`
	Clients []clientInfo `json:"clients,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type simpleAckReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type pingAckReply struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type listContentAckReply struct {
	Success    bool          `json:"success"`
	Items      []contentWire `json:"items,omitempty"`
	TotalCount int           `json:"totalCount"`
	HasMore    bool          `json:"hasMore"`
	Error      string        `json:"error,omitempty"`
}

type clientJoinedEvent struct {
	SessionID  string `json:"sessionId"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
}

type clientLeftEvent struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

type contentRenamedEvent struct {
	ContentID  string `json:"contentId"`
	NewName    string `json:"newName"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

type contentRemovedEvent struct {
	ContentID string `json:"contentId"`
}

type contentPinnedEvent struct {
	ContentID string `json:"contentId"`
	Pinned    bool   `json:"pinned"`
}

type allContentClearedEvent struct {
	SessionID string `json:"sessionId"`
	ClearedBy string `json:"clearedBy"`
}

type sessionExpiredEvent struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}
