// Package home manages the sharethings home directory layout.
//
// The home directory owns all persistent state: the session registry
// database and the on-disk chunk payloads for every session's content.
//
// Layout:
//
//	<root>/
//	  sessions.db                      (session registry: fingerprints, activity)
//	  sessions/
//	    <session-id>/
//	      <content-id>/
//	        <chunk-index>.bin          (chunk payload, format.TypeContentChunk)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Dir represents a sharethings home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/sharethings
//   - macOS:   ~/Library/Application Support/sharethings
//   - Windows: %APPDATA%/sharethings
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "sharethings")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// SessionsDBPath returns the path to the session registry database.
func (d Dir) SessionsDBPath() string {
	return filepath.Join(d.root, "sessions.db")
}

// SessionDir returns the directory holding all content for one session.
func (d Dir) SessionDir(sessionID string) string {
	return filepath.Join(d.root, "sessions", sessionID)
}

// ContentDir returns the directory holding the chunk files for one content
// item within a session.
func (d Dir) ContentDir(sessionID, contentID string) string {
	return filepath.Join(d.SessionDir(sessionID), contentID)
}

// ChunkPath returns the path to a single chunk payload file.
func (d Dir) ChunkPath(sessionID, contentID string, chunkIndex int) string {
	return filepath.Join(d.ContentDir(sessionID, contentID), strconv.Itoa(chunkIndex)+".bin")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
