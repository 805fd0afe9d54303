// Package sqlite is the modernc.org/sqlite-backed implementation of
// session.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"sharethings/internal/fingerprint"
	"sharethings/internal/logging"
	"sharethings/internal/session"
)

// Store is a session.Store backed by a single SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and brings
// its schema up to date.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "session.sqlite")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	// modernc.org/sqlite doesn't support concurrent writers on the same
	// connection pool; the registry already serializes writes per
	// session, but a single connection keeps SQLite's own locking simple.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sessions db: %w", err)
	}

	logger.Info("session store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint_iv, fingerprint_data, created_at, last_activity
		FROM sessions WHERE session_id = ?`, sessionID)

	var (
		iv, data         []byte
		createdAt, lastA int64
	)
	if err := row.Scan(&iv, &data, &createdAt, &lastA); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	return &session.Record{
		SessionID:    sessionID,
		Fingerprint:  fingerprint.Fingerprint{IV: iv, Data: data},
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
		LastActivity: time.Unix(lastA, 0).UTC(),
	}, nil
}

func (s *Store) Create(ctx context.Context, rec session.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, fingerprint_iv, fingerprint_data, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Fingerprint.IV, rec.Fingerprint.Data,
		rec.CreatedAt.Unix(), rec.LastActivity.Unix())
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`, at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) FindExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE last_activity < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
