package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/store"
)

// failingPairingStore simulates an unreachable pairing store.
type failingPairingStore struct{}

func (failingPairingStore) IsApproved(string) (bool, error) {
	return false, errors.New("store unreachable")
}
func (failingPairingStore) RegisterPairingRequest(string) (string, bool, error) {
	return "", false, errors.New("store unreachable")
}
func (failingPairingStore) Approve(string) error { return errors.New("store unreachable") }
func (failingPairingStore) ListPending() ([]models.PairingRequest, error) {
	return nil, errors.New("store unreachable")
}

// recordingSender captures outbound pairing replies.
type recordingSender struct {
	sent []string
}

func (s *recordingSender) SendText(_ context.Context, _, _, text string) error {
	s.sent = append(s.sent, text)
	return nil
}

func TestGate_OpenAdmitsEveryone(t *testing.T) {
	g, err := NewGate(WithPolicy(models.PolicyOpen))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	if !g.IsAdmitted(context.Background(), "kf1", "wm_any") {
		t.Error("open policy should admit every sender")
	}
}

func TestGate_DisabledBlocksEveryone(t *testing.T) {
	g, err := NewGate(WithPolicy(models.PolicyDisabled))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	if g.IsAdmitted(context.Background(), "kf1", "wm_any") {
		t.Error("disabled policy should block every sender")
	}
}

func TestGate_RejectsInvalidPolicy(t *testing.T) {
	if _, err := NewGate(WithPolicy("bogus")); err == nil {
		t.Error("expected error for invalid policy")
	}
}

func TestGate_AllowlistStaticSet(t *testing.T) {
	g, err := NewGate(WithPolicy(models.PolicyAllowlist), WithAllowlist([]string{"wm_ok"}))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	ctx := context.Background()
	if !g.IsAdmitted(ctx, "kf1", "wm_ok") {
		t.Error("allowlisted sender should be admitted")
	}
	if g.IsAdmitted(ctx, "kf1", "wm_other") {
		t.Error("sender outside allowlist should be blocked")
	}
}

func TestGate_AllowlistConsultsPairingStore(t *testing.T) {
	ps := store.NewInMemoryPairingStore()
	if err := ps.Approve("wm_paired"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	g, err := NewGate(WithPolicy(models.PolicyAllowlist), WithPairingStore(ps))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	if !g.IsAdmitted(context.Background(), "kf1", "wm_paired") {
		t.Error("pairing-store-approved sender should be admitted under allowlist")
	}
}

func TestGate_AllowlistDegradesOnStoreFailure(t *testing.T) {
	g, err := NewGate(
		WithPolicy(models.PolicyAllowlist),
		WithAllowlist([]string{"wm_static"}),
		WithPairingStore(failingPairingStore{}),
	)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	ctx := context.Background()
	if !g.IsAdmitted(ctx, "kf1", "wm_static") {
		t.Error("static allowlist must keep working when the pairing store fails")
	}
	if g.IsAdmitted(ctx, "kf1", "wm_dynamic") {
		t.Error("non-static sender should be blocked when the pairing store fails")
	}
}

func TestGate_PairingApprovedSenderAdmitted(t *testing.T) {
	ps := store.NewInMemoryPairingStore()
	if err := ps.Approve("wm_paired"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	g, err := NewGate(WithPolicy(models.PolicyPairing), WithPairingStore(ps))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	if !g.IsAdmitted(context.Background(), "kf1", "wm_paired") {
		t.Error("approved sender should be admitted under pairing policy")
	}
}

func TestGate_PairingSendsCodeExactlyOnce(t *testing.T) {
	ps := store.NewInMemoryPairingStore()
	sender := &recordingSender{}
	g, err := NewGate(WithPolicy(models.PolicyPairing), WithPairingStore(ps), WithSender(sender))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	ctx := context.Background()

	if g.IsAdmitted(ctx, "kf1", "wm_new") {
		t.Error("unapproved sender should be blocked under pairing policy")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one pairing reply, got %d", len(sender.sent))
	}

	// Repeat messages from the same unapproved sender must not resend the code.
	g.IsAdmitted(ctx, "kf1", "wm_new")
	g.IsAdmitted(ctx, "kf1", "wm_new")
	if len(sender.sent) != 1 {
		t.Errorf("pairing reply resent: expected 1 send, got %d", len(sender.sent))
	}
}

func TestGate_PairingBlocksOnStoreFailure(t *testing.T) {
	g, err := NewGate(WithPolicy(models.PolicyPairing), WithPairingStore(failingPairingStore{}))
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	if g.IsAdmitted(context.Background(), "kf1", "wm_any") {
		t.Error("pairing policy should block while the store is unreachable")
	}
}
