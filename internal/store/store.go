// Package store provides storage backends for KefuPipe.
//
// It defines the PairingStore interface used by the DM policy gate, with
// SQLite, PostgreSQL, and in-memory implementations.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/util"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite3"
// for anything that looks like a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// PairingStore defines the persistence used by the allowlist and pairing
// DM policies. Implementations must be safe for concurrent use.
type PairingStore interface {
	// IsApproved reports whether a sender has been approved for DM access.
	IsApproved(senderID string) (bool, error)

	// RegisterPairingRequest records a pairing request for a sender and
	// returns its code. created is true only for the first registration of
	// an unapproved sender; repeat registrations return the existing code
	// with created=false so the pairing reply is never resent.
	RegisterPairingRequest(senderID string) (code string, created bool, err error)

	// Approve marks a sender as approved for DM access.
	Approve(senderID string) error

	// ListPending returns pairing requests that have not been approved yet.
	ListPending() ([]models.PairingRequest, error)
}

// InMemoryPairingStore is a map-backed PairingStore for tests and
// storage-less deployments.
type InMemoryPairingStore struct {
	mu       sync.Mutex
	requests map[string]*models.PairingRequest
}

// Compile-time check that InMemoryPairingStore implements PairingStore.
var _ PairingStore = (*InMemoryPairingStore)(nil)

// NewInMemoryPairingStore creates an empty in-memory pairing store.
func NewInMemoryPairingStore() *InMemoryPairingStore {
	return &InMemoryPairingStore{requests: make(map[string]*models.PairingRequest)}
}

func (s *InMemoryPairingStore) IsApproved(senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[senderID]
	return ok && req.Approved, nil
}

func (s *InMemoryPairingStore) RegisterPairingRequest(senderID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[senderID]; ok {
		return req.Code, false, nil
	}
	code, err := util.GeneratePairingCode()
	if err != nil {
		return "", false, err
	}
	req := &models.PairingRequest{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Code:      code,
		CreatedAt: time.Now().UTC(),
	}
	s.requests[senderID] = req
	return req.Code, true, nil
}

func (s *InMemoryPairingStore) Approve(senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	req, ok := s.requests[senderID]
	if !ok {
		code, err := util.GeneratePairingCode()
		if err != nil {
			return err
		}
		req = &models.PairingRequest{
			ID:        uuid.NewString(),
			SenderID:  senderID,
			Code:      code,
			CreatedAt: now,
		}
		s.requests[senderID] = req
	}
	req.Approved = true
	req.ApprovedAt = &now
	return nil
}

func (s *InMemoryPairingStore) ListPending() ([]models.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.PairingRequest
	for _, req := range s.requests {
		if !req.Approved {
			pending = append(pending, *req)
		}
	}
	return pending, nil
}
