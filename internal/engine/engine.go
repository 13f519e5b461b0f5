// Package engine implements the inbound message synchronization loop.
//
// A trigger (webhook one-shot token or timer tick) starts one sync cycle
// for one account. The cycle holds that account's lock, pulls pages from
// the remote sync API, filters duplicates and stale messages, classifies
// platform events, applies the DM policy gate, dispatches admitted messages
// to the host runtime, and commits the page cursor strictly after the
// page's dispatch attempts. Accounts never block each other.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/KefuPipe/internal/classify"
	"github.com/BTreeMap/KefuPipe/internal/cursor"
	"github.com/BTreeMap/KefuPipe/internal/dedup"
	"github.com/BTreeMap/KefuPipe/internal/dispatch"
	"github.com/BTreeMap/KefuPipe/internal/lock"
	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/policy"
	"github.com/BTreeMap/KefuPipe/internal/wecom"
)

// DefaultStaleThreshold is the age at which an inbound message is dropped
// instead of dispatched. It guards against a valid-but-stale cursor
// producing a backlog burst at the agent.
const DefaultStaleThreshold = 5 * time.Minute

// SyncClient pulls one page of messages from the remote platform.
type SyncClient interface {
	SyncMessages(ctx context.Context, req wecom.SyncRequest) (*wecom.SyncPage, error)
}

// Engine owns the per-account synchronization state: the lock registry and
// the dedup cache are instance state, not package globals, so multiple
// engines can coexist in one process and tests get clean isolation.
type Engine struct {
	client     SyncClient
	cursors    cursor.Store
	gate       *policy.Gate
	dispatcher dispatch.Dispatcher

	locks          *lock.Manager
	dedup          *dedup.Cache
	inFlight       sync.WaitGroup
	staleThreshold time.Duration
	syncLimit      int

	// now is replaceable in tests to pin staleness decisions.
	now func() time.Time
}

// Opts holds optional engine configuration.
type Opts struct {
	DedupCapacity  int
	StaleThreshold time.Duration
	SyncLimit      int
}

// Option defines a functional option for engine configuration.
type Option func(*Opts)

// WithDedupCapacity bounds the dedup cache.
func WithDedupCapacity(n int) Option {
	return func(o *Opts) { o.DedupCapacity = n }
}

// WithStaleThreshold overrides the staleness cutoff.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithSyncLimit overrides the page size requested from the sync API.
func WithSyncLimit(n int) Option {
	return func(o *Opts) { o.SyncLimit = n }
}

// NewEngine creates a sync engine over the given collaborators.
func NewEngine(client SyncClient, cursors cursor.Store, gate *policy.Gate, dispatcher dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	if client == nil || cursors == nil || gate == nil || dispatcher == nil {
		return nil, fmt.Errorf("engine requires client, cursor store, gate, and dispatcher")
	}
	cfg := Opts{StaleThreshold: DefaultStaleThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		client:         client,
		cursors:        cursors,
		gate:           gate,
		dispatcher:     dispatcher,
		locks:          lock.NewManager(),
		dedup:          dedup.NewCache(cfg.DedupCapacity),
		staleThreshold: cfg.StaleThreshold,
		syncLimit:      cfg.SyncLimit,
		now:            time.Now,
	}, nil
}

// SyncAccount runs one full sync cycle for the account, waiting for any
// in-flight cycle on the same account to finish first. token is the
// one-shot webhook token, used only when no cursor has ever been committed.
func (e *Engine) SyncAccount(ctx context.Context, accountID, token string) error {
	if accountID == "" {
		return models.ErrEmptyAccountID
	}
	e.inFlight.Add(1)
	defer e.inFlight.Done()
	return e.locks.Do(accountID, func() error {
		return e.runCycle(ctx, accountID, token)
	})
}

// SyncAccountIfIdle runs a cycle only when no cycle for the account is in
// flight. Periodic timer ticks use this so a slow cycle causes skipped
// ticks, never queued ones.
func (e *Engine) SyncAccountIfIdle(ctx context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, models.ErrEmptyAccountID
	}
	e.inFlight.Add(1)
	defer e.inFlight.Done()
	return e.locks.TryDo(accountID, func() error {
		return e.runCycle(ctx, accountID, "")
	})
}

// Wait blocks until every in-flight sync cycle has finished. Shutdown calls
// this before closing the dispatcher, so a cursor is never committed ahead
// of messages that failed to dispatch into a torn-down connection.
func (e *Engine) Wait() {
	e.inFlight.Wait()
}

// Reset clears the volatile dedup state. Restart semantics are safe: cursor
// resumption plus staleness filtering bound the re-admitted ids.
func (e *Engine) Reset() {
	e.dedup.Reset()
}

// runCycle drives pagination for one account while its lock is held.
func (e *Engine) runCycle(ctx context.Context, accountID, token string) error {
	cur := e.cursors.Load(accountID)

	// Draining: no cursor has ever been committed for this account. The
	// cycle establishes a fresh cursor while skipping (not dispatching) the
	// historical backlog.
	draining := cur == ""
	if draining {
		slog.Info("No cursor for account, draining history", "account_id", accountID, "token_set", token != "")
	}

	var dispatched, skipped, pages int
	for {
		req := wecom.SyncRequest{AccountID: accountID, Limit: e.syncLimit}
		switch {
		case cur != "":
			req.Cursor = cur
		case token != "":
			req.Token = token
		default:
			slog.Info("No cursor or token, pulling initial batch", "account_id", accountID)
		}

		page, err := e.client.SyncMessages(ctx, req)
		if err != nil {
			if draining {
				// Nothing was dispatched and no cursor was committed; the
				// next trigger retries the drain from scratch.
				slog.Error("Drain failed", "error", err, "account_id", accountID, "pages", pages)
				return nil
			}
			return fmt.Errorf("fetch failed for %s: %w", accountID, err)
		}
		pages++

		d, s := e.processPage(ctx, accountID, page.Messages, draining)
		dispatched += d
		skipped += s

		// Commit strictly after the page's dispatch attempts. An empty
		// next-cursor means "do not advance"; nothing is written.
		if page.NextCursor != "" {
			if err := e.cursors.Save(accountID, page.NextCursor); err != nil {
				// Best effort: dispatch-then-commit makes a failed commit
				// merely cause safe re-delivery after a restart.
				slog.Error("Cursor commit failed, page may be re-delivered", "error", err, "account_id", accountID, "cursor", page.NextCursor)
			}
			cur = page.NextCursor
		}

		if !page.HasMore {
			break
		}
		if ctx.Err() != nil {
			// Shutdown: the in-flight page was processed and committed;
			// remaining pages wait for the next trigger.
			slog.Info("Sync cycle interrupted by shutdown after page commit", "account_id", accountID, "pages", pages)
			break
		}
	}

	if draining {
		slog.Info("Drain complete", "account_id", accountID, "pages", pages, "messages_skipped", skipped)
	} else {
		slog.Debug("Sync cycle complete", "account_id", accountID, "pages", pages, "dispatched", dispatched)
	}
	return nil
}

// processPage handles one page's messages in arrival order and returns the
// dispatched and drain-skipped counts. Per-message dispatch failures are
// logged and never abort the rest of the page.
func (e *Engine) processPage(ctx context.Context, accountID string, msgs []models.InboundMessage, draining bool) (dispatched, skipped int) {
	for i := range msgs {
		msg := &msgs[i]
		if err := msg.Validate(); err != nil {
			slog.Warn("Malformed message skipped", "error", err, "account_id", accountID)
			continue
		}

		if e.dedup.IsDuplicate(msg.ID) {
			slog.Info("Duplicate message skipped", "msg_id", msg.ID, "account_id", accountID)
			continue
		}

		if draining {
			skipped++
			continue
		}

		if age := msg.Age(e.now()); age >= e.staleThreshold {
			slog.Info("Stale message skipped", "msg_id", msg.ID, "account_id", accountID, "age", age, "threshold", e.staleThreshold)
			continue
		}

		if res := classify.Classify(msg); res.IsEvent {
			classify.LogEvent(msg)
			continue
		}

		if !e.gate.IsAdmitted(ctx, accountID, msg.SenderID) {
			continue
		}

		normalized := models.NormalizedMessage{
			ID:        msg.ID,
			AccountID: accountID,
			SenderID:  msg.SenderID,
			SentAt:    msg.SentAt,
			Kind:      msg.Kind,
			Text:      classify.ExtractText(msg),
			MediaID:   classify.MediaID(msg),
		}
		if err := e.dispatcher.Dispatch(ctx, normalized); err != nil {
			slog.Error("Dispatch failed", "error", err, "msg_id", msg.ID, "account_id", accountID)
			continue
		}
		dispatched++
	}
	return dispatched, skipped
}
