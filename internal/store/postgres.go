// Package store provides storage backends for KefuPipe.
//
// This file implements a PostgreSQL-backed pairing store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/util"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL-backed PairingStore.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements PairingStore.
var _ PairingStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) IsApproved(senderID string) (bool, error) {
	var approved bool
	err := s.db.QueryRow(`SELECT approved FROM pairing_requests WHERE sender_id = $1`, senderID).Scan(&approved)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pairing approval check failed: %w", err)
	}
	return approved, nil
}

func (s *PostgresStore) RegisterPairingRequest(senderID string) (string, bool, error) {
	code, err := util.GeneratePairingCode()
	if err != nil {
		return "", false, err
	}
	var stored string
	var created bool
	// ON CONFLICT keeps the original code so repeat registrations never
	// invalidate a code already sent to the sender.
	err = s.db.QueryRow(
		`INSERT INTO pairing_requests (id, sender_id, code, approved, created_at)
		 VALUES ($1, $2, $3, FALSE, $4)
		 ON CONFLICT (sender_id) DO UPDATE SET sender_id = EXCLUDED.sender_id
		 RETURNING code, (xmax = 0)`,
		uuid.NewString(), senderID, code, time.Now().UTC(),
	).Scan(&stored, &created)
	if err != nil {
		return "", false, fmt.Errorf("pairing request upsert failed: %w", err)
	}
	return stored, created, nil
}

func (s *PostgresStore) Approve(senderID string) error {
	now := time.Now().UTC()
	code, err := util.GeneratePairingCode()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO pairing_requests (id, sender_id, code, approved, created_at, approved_at)
		 VALUES ($1, $2, $3, TRUE, $4, $4)
		 ON CONFLICT (sender_id) DO UPDATE SET approved = TRUE, approved_at = $4`,
		uuid.NewString(), senderID, code, now,
	)
	if err != nil {
		return fmt.Errorf("pairing approval failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPending() ([]models.PairingRequest, error) {
	rows, err := s.db.Query(`SELECT id, sender_id, code, approved, created_at FROM pairing_requests WHERE approved = FALSE ORDER BY created_at`)
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
