package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	lastCtx context.Context
	busyID  string
	err     error
}

func (f *fakeSyncer) SyncAccountIfIdle(ctx context.Context, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	f.lastCtx = ctx
	if f.err != nil {
		return false, f.err
	}
	return accountID != f.busyID, nil
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(&fakeSyncer{})
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestStartPollingRejectsBadExpression(t *testing.T) {
	s := NewScheduler(&fakeSyncer{})
	defer s.Stop()
	ctx := context.Background()
	if err := s.StartPolling(ctx, "not a cron expr"); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	if err := s.StartPolling(ctx, "*/1 * * * *"); err != nil {
		t.Errorf("Expected no error for valid expression, got %v", err)
	}
}

func TestRegisterAccountIsIdempotent(t *testing.T) {
	s := NewScheduler(&fakeSyncer{})
	defer s.Stop()

	s.RegisterAccount("kf1")
	s.SetEnabled("kf1", false)
	s.RegisterAccount("kf1") // must not flip the flag back on
	s.RegisterAccount("")    // ignored

	if got := s.Accounts(); len(got) != 0 {
		t.Errorf("Expected no enabled accounts, got %v", got)
	}
}

func TestAccountsFiltersDisabled(t *testing.T) {
	s := NewScheduler(&fakeSyncer{})
	defer s.Stop()

	s.RegisterAccount("kf2")
	s.RegisterAccount("kf1")
	s.RegisterAccount("kf3")
	s.SetEnabled("kf2", false)
	s.SetEnabled("kf_unknown", true) // unregistered, ignored

	got := s.Accounts()
	if len(got) != 2 || got[0] != "kf1" || got[1] != "kf3" {
		t.Errorf("Expected [kf1 kf3], got %v", got)
	}
}

func TestTickSyncsEnabledAccounts(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer)
	defer s.Stop()

	s.RegisterAccount("kf1")
	s.RegisterAccount("kf2")
	s.SetEnabled("kf2", false)
	s.tick()

	if len(syncer.calls) != 1 || syncer.calls[0] != "kf1" {
		t.Errorf("Expected tick to sync only kf1, got %v", syncer.calls)
	}
}

func TestTickContinuesPastErrors(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("fetch failed")}
	s := NewScheduler(syncer)
	defer s.Stop()

	s.RegisterAccount("kf1")
	s.RegisterAccount("kf2")
	s.tick()

	if len(syncer.calls) != 2 {
		t.Errorf("Expected both accounts attempted despite errors, got %v", syncer.calls)
	}
}

func TestTickRunsUnderPollingContext(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.StartPolling(ctx, "*/1 * * * *"); err != nil {
		t.Fatalf("StartPolling failed: %v", err)
	}

	s.RegisterAccount("kf1")
	s.tick()
	if len(syncer.calls) != 1 {
		t.Fatalf("Expected one sync, got %v", syncer.calls)
	}
	if syncer.lastCtx != ctx {
		t.Error("Tick should pass the polling context to the syncer")
	}
}

func TestTickSkipsAccountsAfterShutdown(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.StartPolling(ctx, "*/1 * * * *"); err != nil {
		t.Fatalf("StartPolling failed: %v", err)
	}

	s.RegisterAccount("kf1")
	s.RegisterAccount("kf2")
	cancel()
	s.tick()

	if len(syncer.calls) != 0 {
		t.Errorf("Expected no syncs after shutdown, got %v", syncer.calls)
	}
}
