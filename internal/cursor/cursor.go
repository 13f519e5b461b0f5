// Package cursor persists the per-account resume position for the sync API.
//
// Cursors are stored one file per account under the state directory and are
// written crash-safely (temp file + rename), so a partially-written cursor
// is never visible. A missing or corrupt cursor file is a legitimate state:
// Load degrades it to "no cursor" instead of failing, which puts the next
// sync cycle into drain mode.
package cursor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store defines the cursor persistence used by the sync engine.
type Store interface {
	// Load returns the persisted cursor for an account, or the empty string
	// when no usable cursor exists. It never returns an error: a failed read
	// is indistinguishable from (and as recoverable as) no cursor at all.
	Load(accountID string) string

	// Save persists the cursor for an account crash-safely.
	Save(accountID, cursor string) error
}

// Constants for cursor file storage.
const (
	// DefaultDirPermissions defines the permissions for the cursor directory.
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the permissions for cursor files.
	DefaultFilePermissions = 0644
)

// cursorRecord is the on-disk representation of a persisted cursor.
type cursorRecord struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore persists cursors as JSON files in a state directory.
type FileStore struct {
	dir string
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a cursor store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cursor directory not set")
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create cursor directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create cursor directory %s: %w", dir, err)
	}
	slog.Debug("Cursor directory verified/created", "dir", dir)
	return &FileStore{dir: dir}, nil
}

// Load reads the persisted cursor for an account. Missing files, unreadable
// files, and corrupt records all degrade to the empty cursor.
func (s *FileStore) Load(accountID string) string {
	path := s.path(accountID)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Cursor read failed, treating as no cursor", "error", err, "account_id", accountID)
		}
		return ""
	}

	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("Cursor file corrupt, treating as no cursor", "error", err, "account_id", accountID, "path", path)
		return ""
	}
	slog.Debug("Cursor loaded", "account_id", accountID, "updated_at", rec.UpdatedAt)
	return rec.Cursor
}

// Save writes the cursor for an account via temp file + rename so a crash
// mid-write never leaves a partial cursor behind.
func (s *FileStore) Save(accountID, cursor string) error {
	if cursor == "" {
		return fmt.Errorf("refusing to persist empty cursor for %s", accountID)
	}

	data, err := json.Marshal(cursorRecord{Cursor: cursor, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode cursor for %s: %w", accountID, err)
	}

	path := s.path(accountID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		slog.Error("Failed to create cursor temp file", "error", err, "account_id", accountID)
		return fmt.Errorf("failed to create cursor temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cursor temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		slog.Warn("Failed to sync cursor temp file", "error", err, "account_id", accountID)
		// Continue anyway - rename still gives all-or-nothing visibility
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close cursor temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		slog.Error("Failed to rename cursor file into place", "error", err, "account_id", accountID)
		return fmt.Errorf("failed to commit cursor file: %w", err)
	}

	slog.Debug("Cursor saved", "account_id", accountID, "path", path)
	return nil
}

// path returns the cursor file path for an account, with unsafe characters
// replaced so an account id can never escape the state directory.
func (s *FileStore) path(accountID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, accountID)
	return filepath.Join(s.dir, safe+".cursor")
}
