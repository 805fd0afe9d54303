// Package content implements the chunk store: persistence and indexing for
// encrypted content items and their chunks (spec §4.1).
//
// The store never sees plaintext — chunk payloads and metadata blobs are
// opaque ciphertext as far as this package is concerned. Its job is
// indexing, pagination, idempotent chunk writes, completion tracking, and
// retention.
package content

import (
	"context"
	"time"
)

// Item is the durable record for one piece of shared content.
type Item struct {
	ContentID          string
	SessionID          string
	ContentType        string // "text" | "image" | "file" | "other"
	TotalChunks        uint32
	TotalSize          uint64
	MimeType           string
	CreatedAt          time.Time
	LastModified       time.Time
	EncryptionIV       []byte
	AdditionalMetadata map[string]any
	IsComplete         bool
	IsPinned           bool
	IsLargeFile        bool
}

// Chunk is one encrypted slice of an Item's payload.
type Chunk struct {
	ContentID  string
	ChunkIndex uint32
	Size       uint32
	IV         []byte
	Payload    []byte
}

// ChunkMeta describes a chunk without its payload — the fields saveChunk
// needs to lazily create or validate an Item.
type ChunkMeta struct {
	ContentID          string
	SessionID          string
	ChunkIndex         uint32
	TotalChunks        uint32
	TotalSize          uint64
	IV                 []byte
	ContentType        string
	MimeType           string
	AdditionalMetadata map[string]any
}

// ListResult is a single page from ListContent.
type ListResult struct {
	Items      []Item
	TotalCount int
	HasMore    bool
}

// Sink receives one chunk at a time during a streamed download, in
// ascending ChunkIndex order. Implementations must finish handling a chunk
// (e.g. write it to an http.ResponseWriter) before Store calls Sink again.
type Sink func(ctx context.Context, chunk Chunk) error

// Store is the chunk store contract (spec §4.1). All methods are safe for
// concurrent use; the store serializes writes that touch the same
// (contentId, chunkIndex) or contentId row internally.
type Store interface {
	// SaveChunk writes payload for (meta.ContentID, meta.ChunkIndex).
	// Idempotent: a repeat write for the same pair with byte-equal
	// payload is a no-op; a repeat write with a different payload is
	// also a no-op (the first write wins) per spec §5's "later write is
	// a no-op" fallback. Lazily creates the Item row on the first chunk
	// seen for a ContentID, marking IsLargeFile if TotalSize crosses the
	// large-file threshold. Returns InvalidArgument if an existing Item
	// has a different TotalChunks.
	SaveChunk(ctx context.Context, payload []byte, meta ChunkMeta) error

	// SaveContent upserts an Item row with no chunk data — used to
	// persist renames and to record items assembled without going
	// through SaveChunk.
	SaveContent(ctx context.Context, item Item) error

	// GetChunk returns the payload for (contentID, chunkIndex), or nil
	// if it doesn't exist.
	GetChunk(ctx context.Context, contentID string, chunkIndex uint32) ([]byte, error)

	// GetContentMetadata returns the Item for contentID, or nil if none
	// exists.
	GetContentMetadata(ctx context.Context, contentID string) (*Item, error)

	// ListContent returns Items for sessionID, newest-first by
	// CreatedAt, paginated by (limit, offset).
	ListContent(ctx context.Context, sessionID string, limit, offset int) (ListResult, error)

	// MarkContentComplete sets IsComplete if every chunk in
	// [0, TotalChunks) is present. No-op if already complete. Returns
	// InvalidArgument if chunks are missing.
	MarkContentComplete(ctx context.Context, contentID string) error

	// RenameContent trims newName and stores it as
	// AdditionalMetadata["fileName"]. Returns InvalidArgument if the
	// trimmed name is empty, NotFound if contentID doesn't exist.
	RenameContent(ctx context.Context, contentID, newName string) error

	// SetPinned updates the Item's pin flag.
	SetPinned(ctx context.Context, contentID string, pinned bool) error

	// RemoveContent deletes an Item and its chunks. Idempotent.
	RemoveContent(ctx context.Context, contentID string) error

	// StreamContentForDownload calls sink once per chunk of contentID in
	// ascending index order.
	StreamContentForDownload(ctx context.Context, contentID string, sink Sink) error

	// CleanupOldContent evicts the oldest unpinned complete items for
	// sessionID until at most maxItems remain, returning the removed
	// IDs.
	CleanupOldContent(ctx context.Context, sessionID string, maxItems int) ([]string, error)

	// CleanupAllSessionContent deletes every item belonging to
	// sessionID, returning the removed IDs.
	CleanupAllSessionContent(ctx context.Context, sessionID string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
