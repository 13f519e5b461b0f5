// Package scheduler provides periodic sync scheduling for KefuPipe.
//
// Accounts discovered from webhook callbacks are registered here and polled
// on a cron expression. A tick for an account whose previous cycle is still
// running is skipped, never queued.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

// Syncer runs one sync cycle for an account unless one is already in flight.
type Syncer interface {
	SyncAccountIfIdle(ctx context.Context, accountID string) (bool, error)
}

// Scheduler drives cron-based poll ticks over the registered accounts.
type Scheduler struct {
	cron    *cron.Cron
	syncer  Syncer
	baseCtx context.Context

	mu       sync.Mutex
	accounts map[string]bool // accountID -> enabled
}

// NewScheduler creates and starts a cron scheduler over the given syncer.
func NewScheduler(syncer Syncer) *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		cron:     c,
		syncer:   syncer,
		baseCtx:  context.Background(),
		accounts: make(map[string]bool),
	}
}

// RegisterAccount adds an account to the poll roster. Re-registering an
// existing account is a no-op and preserves its enabled flag.
func (s *Scheduler) RegisterAccount(accountID string) {
	if accountID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; ok {
		return
	}
	s.accounts[accountID] = true
	slog.Info("Scheduler registered account", "account_id", accountID, "total", len(s.accounts))
}

// SetEnabled toggles polling for a registered account.
func (s *Scheduler) SetEnabled(accountID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return
	}
	s.accounts[accountID] = enabled
	slog.Info("Scheduler account toggled", "account_id", accountID, "enabled", enabled)
}

// Accounts returns the enabled accounts in stable order.
func (s *Scheduler) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id, enabled := range s.accounts {
		if enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// StartPolling schedules the poll tick using the provided cron expression.
// Ticks run under ctx, so canceling it lets an in-flight cycle commit its
// current page and stop instead of starting the next pull.
// It returns an error if the expression is invalid.
func (s *Scheduler) StartPolling(ctx context.Context, expr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = ctx
	_, err := s.cron.AddFunc(expr, s.tick)
	if err != nil {
		return err
	}
	slog.Info("Scheduler polling started", "cron", expr)
	return nil
}

// AddJob schedules an arbitrary task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// tick runs one poll pass over the enabled accounts.
func (s *Scheduler) tick() {
	for _, id := range s.Accounts() {
		if s.baseCtx.Err() != nil {
			slog.Debug("Scheduler shutting down, skipping remaining accounts")
			return
		}
		ran, err := s.syncer.SyncAccountIfIdle(s.baseCtx, id)
		if err != nil {
			slog.Error("Scheduled sync failed", "error", err, "account_id", id)
			continue
		}
		if !ran {
			slog.Debug("Scheduled sync skipped, cycle in flight", "account_id", id)
		}
	}
}

// Stop stops the cron scheduler and blocks until running jobs have finished.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
