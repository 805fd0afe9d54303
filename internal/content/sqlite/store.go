// Package sqlite is the modernc.org/sqlite-backed implementation of
// content.Store: a SQLite index plus chunk payloads written to files under
// the session's home directory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sharethings/internal/callgroup"
	"sharethings/internal/content"
	"sharethings/internal/format"
	"sharethings/internal/home"
	"sharethings/internal/logging"
	"sharethings/internal/relayerr"
)

const chunkFileVersion = 1

// Store is a content.Store backed by a SQLite index and on-disk chunk
// files laid out per home.Dir.ChunkPath.
type Store struct {
	db                 *sql.DB
	home               home.Dir
	largeFileThreshold uint64
	logger             *slog.Logger

	creates callgroup.Group[string] // contentID -> lazy item-row creation
}

// Open opens (creating if necessary) the content index at
// home.SessionsDBPath's sibling content.db and brings its schema up to
// date. largeFileThreshold is the TotalSize (bytes) at or above which an
// item is marked IsLargeFile on creation.
func Open(ctx context.Context, home home.Dir, largeFileThreshold uint64, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "content.sqlite")

	path := filepath.Join(home.Root(), "content.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open content db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate content db: %w", err)
	}

	logger.Info("content store opened", "path", path)
	return &Store{db: db, home: home, largeFileThreshold: largeFileThreshold, logger: logger}, nil
}

func (s *Store) SaveChunk(ctx context.Context, payload []byte, meta content.ChunkMeta) error {
	if err := s.ensureItem(ctx, meta); err != nil {
		return err
	}

	dir := s.home.ContentDir(meta.SessionID, meta.ContentID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "create content dir", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunks (content_id, chunk_index, size, iv, payload_path)
		VALUES (?, ?, ?, ?, ?)`,
		meta.ContentID, meta.ChunkIndex, len(payload), meta.IV,
		s.home.ChunkPath(meta.SessionID, meta.ContentID, int(meta.ChunkIndex)))
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "index chunk", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "index chunk rows affected", err)
	}
	if n == 0 {
		// Already have this (contentID, chunkIndex) — idempotent no-op.
		return nil
	}

	chunkPath := s.home.ChunkPath(meta.SessionID, meta.ContentID, int(meta.ChunkIndex))
	hdr := format.Header{Type: format.TypeContentChunk, Version: chunkFileVersion}
	buf := make([]byte, format.HeaderSize+len(payload))
	hdr.EncodeInto(buf)
	copy(buf[format.HeaderSize:], payload)
	if err := os.WriteFile(chunkPath, buf, 0o640); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "write chunk payload", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE content SET last_modified = ? WHERE content_id = ?`,
		time.Now().UTC().Unix(), meta.ContentID)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "touch content last_modified", err)
	}
	return nil
}

// ensureItem creates the content row for meta.ContentID if absent,
// deduplicating concurrent first-chunk races for the same ContentID via
// callgroup so only one caller executes the create.
func (s *Store) ensureItem(ctx context.Context, meta content.ChunkMeta) error {
	ch := s.creates.DoChan(meta.ContentID, func() error {
		return s.createItemIfAbsent(ctx, meta)
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) createItemIfAbsent(ctx context.Context, meta content.ChunkMeta) error {
	existing, err := s.GetContentMetadata(ctx, meta.ContentID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.TotalChunks != meta.TotalChunks {
			return relayerr.New(relayerr.InvalidArgument, "totalChunks does not match existing item")
		}
		return nil
	}

	metaJSON, err := json.Marshal(meta.AdditionalMetadata)
	if err != nil {
		return relayerr.Wrap(relayerr.InvalidArgument, "encode additionalMetadata", err)
	}

	now := time.Now().UTC()
	isLargeFile := meta.TotalSize >= s.largeFileThreshold

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO content
			(content_id, session_id, content_type, total_chunks, total_size, mime_type,
			 created_at, last_modified, encryption_iv, additional_metadata,
			 is_complete, is_pinned, is_large_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		meta.ContentID, meta.SessionID, meta.ContentType, meta.TotalChunks, meta.TotalSize, meta.MimeType,
		now.Unix(), now.Unix(), meta.IV, string(metaJSON), boolToInt(isLargeFile))
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "create content item", err)
	}
	return nil
}

func (s *Store) SaveContent(ctx context.Context, item content.Item) error {
	metaJSON, err := json.Marshal(item.AdditionalMetadata)
	if err != nil {
		return relayerr.Wrap(relayerr.InvalidArgument, "encode additionalMetadata", err)
	}

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content
			(content_id, session_id, content_type, total_chunks, total_size, mime_type,
			 created_at, last_modified, encryption_iv, additional_metadata,
			 is_complete, is_pinned, is_large_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			content_type = excluded.content_type,
			total_chunks = excluded.total_chunks,
			total_size = excluded.total_size,
			mime_type = excluded.mime_type,
			last_modified = excluded.last_modified,
			encryption_iv = excluded.encryption_iv,
			additional_metadata = excluded.additional_metadata,
			is_complete = excluded.is_complete,
			is_pinned = excluded.is_pinned,
			is_large_file = excluded.is_large_file`,
		item.ContentID, item.SessionID, item.ContentType, item.TotalChunks, item.TotalSize, item.MimeType,
		item.CreatedAt.Unix(), now.Unix(), item.EncryptionIV, string(metaJSON),
		boolToInt(item.IsComplete), boolToInt(item.IsPinned), boolToInt(item.IsLargeFile))
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "save content item", err)
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, contentID string, chunkIndex uint32) ([]byte, error) {
	var payloadPath string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_path FROM chunks WHERE content_id = ? AND chunk_index = ?`,
		contentID, chunkIndex).Scan(&payloadPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "lookup chunk", err)
	}

	data, err := os.ReadFile(payloadPath)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "read chunk payload", err)
	}
	if _, err := format.DecodeAndValidate(data, format.TypeContentChunk, chunkFileVersion); err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "decode chunk payload header", err)
	}
	return data[format.HeaderSize:], nil
}

func (s *Store) GetContentMetadata(ctx context.Context, contentID string) (*content.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, content_type, total_chunks, total_size, mime_type,
		       created_at, last_modified, encryption_iv, additional_metadata,
		       is_complete, is_pinned, is_large_file
		FROM content WHERE content_id = ?`, contentID)

	item, err := scanItem(row, contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "get content metadata", err)
	}
	return item, nil
}

func (s *Store) ListContent(ctx context.Context, sessionID string, limit, offset int) (content.ListResult, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content WHERE session_id = ?`, sessionID).Scan(&total); err != nil {
		return content.ListResult{}, relayerr.Wrap(relayerr.StorageError, "count content", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, content_type, total_chunks, total_size, mime_type,
		       created_at, last_modified, encryption_iv, additional_metadata,
		       is_complete, is_pinned, is_large_file
		FROM content WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return content.ListResult{}, relayerr.Wrap(relayerr.StorageError, "list content", err)
	}
	defer rows.Close()

	var items []content.Item
	for rows.Next() {
		var (
			contentID, contentType, mimeType, metaJSON string
			totalChunks                                uint32
			totalSize                                  uint64
			createdAt, lastModified                     int64
			iv                                          []byte
			isComplete, isPinned, isLargeFile          int
		)
		if err := rows.Scan(&contentID, &contentType, &totalChunks, &totalSize, &mimeType,
			&createdAt, &lastModified, &iv, &metaJSON, &isComplete, &isPinned, &isLargeFile); err != nil {
			return content.ListResult{}, relayerr.Wrap(relayerr.StorageError, "scan content row", err)
		}

		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return content.ListResult{}, relayerr.Wrap(relayerr.Internal, "decode additionalMetadata", err)
		}

		items = append(items, content.Item{
			ContentID:          contentID,
			SessionID:          sessionID,
			ContentType:        contentType,
			TotalChunks:        totalChunks,
			TotalSize:          totalSize,
			MimeType:           mimeType,
			CreatedAt:          time.Unix(createdAt, 0).UTC(),
			LastModified:       time.Unix(lastModified, 0).UTC(),
			EncryptionIV:       iv,
			AdditionalMetadata: meta,
			IsComplete:         isComplete != 0,
			IsPinned:           isPinned != 0,
			IsLargeFile:        isLargeFile != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return content.ListResult{}, relayerr.Wrap(relayerr.StorageError, "iterate content rows", err)
	}

	return content.ListResult{
		Items:      items,
		TotalCount: total,
		HasMore:    offset+len(items) < total,
	}, nil
}

func (s *Store) MarkContentComplete(ctx context.Context, contentID string) error {
	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}
	if item == nil {
		return relayerr.New(relayerr.NotFound, "content not found")
	}
	if item.IsComplete {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE content_id = ?`, contentID).Scan(&count); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "count chunks", err)
	}
	if uint32(count) < item.TotalChunks {
		return relayerr.New(relayerr.InvalidArgument, "cannot mark complete: chunks missing")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE content SET is_complete = 1 WHERE content_id = ?`, contentID); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "mark content complete", err)
	}
	return nil
}

func (s *Store) RenameContent(ctx context.Context, contentID, newName string) error {
	trimmed := strings.TrimSpace(newName)
	if trimmed == "" {
		return relayerr.New(relayerr.InvalidArgument, "Name cannot be empty")
	}

	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}
	if item == nil {
		return relayerr.New(relayerr.NotFound, "content not found")
	}

	if item.AdditionalMetadata == nil {
		item.AdditionalMetadata = make(map[string]any)
	}
	item.AdditionalMetadata["fileName"] = trimmed

	metaJSON, err := json.Marshal(item.AdditionalMetadata)
	if err != nil {
		return relayerr.Wrap(relayerr.InvalidArgument, "encode additionalMetadata", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE content SET additional_metadata = ?, last_modified = ? WHERE content_id = ?`,
		string(metaJSON), time.Now().UTC().Unix(), contentID)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "rename content", err)
	}
	return nil
}

func (s *Store) SetPinned(ctx context.Context, contentID string, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content SET is_pinned = ? WHERE content_id = ?`, boolToInt(pinned), contentID)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "set pinned", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "set pinned rows affected", err)
	}
	if n == 0 {
		return relayerr.New(relayerr.NotFound, "content not found")
	}
	return nil
}

func (s *Store) RemoveContent(ctx context.Context, contentID string) error {
	item, err := s.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}
	if item == nil {
		// Idempotent: removing a non-existent item succeeds with no effect.
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE content_id = ?`, contentID); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "delete chunk rows", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM content WHERE content_id = ?`, contentID); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "delete content row", err)
	}

	dir := s.home.ContentDir(item.SessionID, contentID)
	if err := os.RemoveAll(dir); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "remove content directory", err)
	}
	return nil
}

func (s *Store) StreamContentForDownload(ctx context.Context, contentID string, sink content.Sink) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, size, iv, payload_path FROM chunks
		WHERE content_id = ? ORDER BY chunk_index ASC`, contentID)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "query chunks for download", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chunkIndex, size uint32
			iv               []byte
			payloadPath      string
		)
		if err := rows.Scan(&chunkIndex, &size, &iv, &payloadPath); err != nil {
			return relayerr.Wrap(relayerr.StorageError, "scan chunk row", err)
		}

		payload, err := os.ReadFile(payloadPath)
		if err != nil {
			return relayerr.Wrap(relayerr.StorageError, "read chunk payload", err)
		}
		if _, err := format.DecodeAndValidate(payload, format.TypeContentChunk, chunkFileVersion); err != nil {
			return relayerr.Wrap(relayerr.StorageError, "decode chunk payload header", err)
		}
		payload = payload[format.HeaderSize:]

		if err := sink(ctx, content.Chunk{
			ContentID:  contentID,
			ChunkIndex: chunkIndex,
			Size:       size,
			IV:         iv,
			Payload:    payload,
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) CleanupOldContent(ctx context.Context, sessionID string, maxItems int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, created_at, is_complete, is_pinned
		FROM content WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "list content for cleanup", err)
	}

	var items []content.Item
	for rows.Next() {
		var (
			contentID                         string
			createdAt                         int64
			isComplete, isPinned              int
		)
		if err := rows.Scan(&contentID, &createdAt, &isComplete, &isPinned); err != nil {
			rows.Close()
			return nil, relayerr.Wrap(relayerr.StorageError, "scan cleanup row", err)
		}
		items = append(items, content.Item{
			ContentID:  contentID,
			CreatedAt:  time.Unix(createdAt, 0).UTC(),
			IsComplete: isComplete != 0,
			IsPinned:   isPinned != 0,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "iterate cleanup rows", err)
	}

	policy := content.NewUnpinnedCompleteCountPolicy(maxItems)
	toRemove := policy.Apply(content.RetentionState{Items: items})

	for _, id := range toRemove {
		if err := s.RemoveContent(ctx, id); err != nil {
			return nil, err
		}
	}
	return toRemove, nil
}

func (s *Store) CleanupAllSessionContent(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id FROM content WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "list content for session cleanup", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, relayerr.Wrap(relayerr.StorageError, "scan session cleanup row", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "iterate session cleanup rows", err)
	}

	for _, id := range ids {
		if err := s.RemoveContent(ctx, id); err != nil {
			return nil, err
		}
	}

	// A session with no content directory entries left still owns an
	// empty directory; remove it too.
	if err := os.RemoveAll(s.home.SessionDir(sessionID)); err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "remove session directory", err)
	}

	return ids, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanItem(row *sql.Row, contentID string) (*content.Item, error) {
	var (
		sessionID, contentType, mimeType, metaJSON string
		totalChunks                                uint32
		totalSize                                  uint64
		createdAt, lastModified                     int64
		iv                                          []byte
		isComplete, isPinned, isLargeFile           int
	)
	if err := row.Scan(&sessionID, &contentType, &totalChunks, &totalSize, &mimeType,
		&createdAt, &lastModified, &iv, &metaJSON, &isComplete, &isPinned, &isLargeFile); err != nil {
		return nil, err
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("decode additionalMetadata: %w", err)
	}

	return &content.Item{
		ContentID:          contentID,
		SessionID:          sessionID,
		ContentType:        contentType,
		TotalChunks:        totalChunks,
		TotalSize:          totalSize,
		MimeType:           mimeType,
		CreatedAt:          time.Unix(createdAt, 0).UTC(),
		LastModified:       time.Unix(lastModified, 0).UTC(),
		EncryptionIV:       iv,
		AdditionalMetadata: meta,
		IsComplete:         isComplete != 0,
		IsPinned:           isPinned != 0,
		IsLargeFile:        isLargeFile != 0,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

