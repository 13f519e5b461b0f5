// Package store provides storage backends for KefuPipe.
//
// This file implements a SQLite-backed pairing store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/util"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a SQLite-backed PairingStore.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements PairingStore.
var _ PairingStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) IsApproved(senderID string) (bool, error) {
	var approved bool
	err := s.db.QueryRow(`SELECT approved FROM pairing_requests WHERE sender_id = ?`, senderID).Scan(&approved)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pairing approval check failed: %w", err)
	}
	return approved, nil
}

func (s *SQLiteStore) RegisterPairingRequest(senderID string) (string, bool, error) {
	var code string
	err := s.db.QueryRow(`SELECT code FROM pairing_requests WHERE sender_id = ?`, senderID).Scan(&code)
	if err == nil {
		return code, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("pairing request lookup failed: %w", err)
	}

	code, err = util.GeneratePairingCode()
	if err != nil {
		return "", false, err
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO pairing_requests (id, sender_id, code, approved, created_at) VALUES (?, ?, ?, 0, ?)`,
		uuid.NewString(), senderID, code, time.Now().UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("pairing request insert failed: %w", err)
	}
	// A concurrent insert can win the race; re-read the stored code in that case.
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.db.QueryRow(`SELECT code FROM pairing_requests WHERE sender_id = ?`, senderID).Scan(&code); err != nil {
			return "", false, fmt.Errorf("pairing request re-read failed: %w", err)
		}
		return code, false, nil
	}
	return code, true, nil
}

func (s *SQLiteStore) Approve(senderID string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE pairing_requests SET approved = 1, approved_at = ? WHERE sender_id = ?`, now, senderID)
	if err != nil {
		return fmt.Errorf("pairing approval failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		code, err := util.GeneratePairingCode()
		if err != nil {
			return err
		}
		_, err = s.db.Exec(
			`INSERT INTO pairing_requests (id, sender_id, code, approved, created_at, approved_at) VALUES (?, ?, ?, 1, ?, ?)`,
			uuid.NewString(), senderID, code, now, now,
		)
		if err != nil {
			return fmt.Errorf("pairing approval insert failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListPending() ([]models.PairingRequest, error) {
	rows, err := s.db.Query(`SELECT id, sender_id, code, approved, created_at FROM pairing_requests WHERE approved = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending pairing requests: %w", err)
	}
	defer rows.Close()

	var pending []models.PairingRequest
	for rows.Next() {
		var req models.PairingRequest
		if err := rows.Scan(&req.ID, &req.SenderID, &req.Code, &req.Approved, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pairing request row: %w", err)
		}
		pending = append(pending, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pairing request rows: %w", err)
	}
	return pending, nil
}
