// Package lock provides per-account mutual exclusion for sync cycles.
//
// Each account gets one execution slot: concurrent calls for the same
// account queue and run one at a time, while calls for distinct accounts
// run fully concurrently. Registry entries are removed once no caller is
// queued for an account, so account churn never grows the map unboundedly.
package lock

import (
	"log/slog"
	"sync"
)

// Manager tracks one lock per account id.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Do runs fn while holding the lock for accountID. Callers for the same
// account wait their turn; callers for other accounts are not affected.
// The lock is released even when fn panics.
func (m *Manager) Do(accountID string, fn func() error) error {
	e := m.acquire(accountID)
	defer m.release(accountID, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// TryDo runs fn only if the account's lock is free, returning false without
// running fn when another cycle is already in flight. Used by periodic
// timers that must skip a tick rather than queue it.
func (m *Manager) TryDo(accountID string, fn func() error) (bool, error) {
	e := m.acquire(accountID)
	defer m.release(accountID, e)

	if !e.mu.TryLock() {
		slog.Debug("Account lock busy, skipping", "account_id", accountID)
		return false, nil
	}
	defer e.mu.Unlock()
	return true, fn()
}

// acquire registers interest in an account's lock entry.
func (m *Manager) acquire(accountID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &entry{}
		m.entries[accountID] = e
	}
	e.refs++
	return e
}

// release drops interest and removes the entry when nobody is queued.
func (m *Manager) release(accountID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, accountID)
	}
}

// Len returns the number of accounts with an active or queued cycle.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
