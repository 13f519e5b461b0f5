// Package policy implements per-message DM admission for inbound messages.
//
// The gate decides whether a sender's messages reach the host runtime under
// the configured DM policy. Pairing-store failures degrade to the static
// allow set and never block processing.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/KefuPipe/internal/models"
	"github.com/BTreeMap/KefuPipe/internal/store"
)

// Sender delivers the outbound pairing reply. Only the pairing policy uses it.
type Sender interface {
	SendText(ctx context.Context, accountID, senderID, text string) error
}

// Gate applies a DM policy to individual senders.
type Gate struct {
	policy  models.DMPolicy
	allow   map[string]struct{}
	pairing store.PairingStore
	sender  Sender
}

// Opts holds configuration options for the gate.
type Opts struct {
	Policy    models.DMPolicy
	Allowlist []string
	Pairing   store.PairingStore
	Sender    Sender
}

// Option defines a functional option for gate configuration.
type Option func(*Opts)

// WithPolicy sets the DM policy. Defaults to open.
func WithPolicy(p models.DMPolicy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithAllowlist sets the static allow set consulted by the allowlist policy.
func WithAllowlist(senders []string) Option {
	return func(o *Opts) { o.Allowlist = senders }
}

// WithPairingStore sets the pairing store consulted by the allowlist and
// pairing policies.
func WithPairingStore(s store.PairingStore) Option {
	return func(o *Opts) { o.Pairing = s }
}

// WithSender sets the outbound sender used for pairing replies.
func WithSender(s Sender) Option {
	return func(o *Opts) { o.Sender = s }
}

// NewGate creates a gate from the provided options.
func NewGate(opts ...Option) (*Gate, error) {
	cfg := Opts{Policy: models.PolicyOpen}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !models.IsValidDMPolicy(cfg.Policy) {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidDMPolicy, cfg.Policy)
	}

	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, s := range cfg.Allowlist {
		allow[s] = struct{}{}
	}

	slog.Debug("DM policy gate created", "policy", cfg.Policy, "allowlist_size", len(allow))
	return &Gate{policy: cfg.Policy, allow: allow, pairing: cfg.Pairing, sender: cfg.Sender}, nil
}

// Policy returns the configured DM policy.
func (g *Gate) Policy() models.DMPolicy {
	return g.policy
}

// IsAdmitted reports whether messages from senderID may be dispatched.
// Blocked senders are logged with the reason; the pairing policy registers
// a pairing request as a side effect and sends the pairing code on the
// first registration only.
func (g *Gate) IsAdmitted(ctx context.Context, accountID, senderID string) bool {
	switch g.policy {
	case models.PolicyOpen:
		return true

	case models.PolicyDisabled:
		slog.Info("DM policy blocked message", "policy", models.PolicyDisabled, "account_id", accountID, "sender_id", senderID)
		return false

	case models.PolicyAllowlist:
		if _, ok := g.allow[senderID]; ok {
			return true
		}
		if g.pairing != nil {
			approved, err := g.pairing.IsApproved(senderID)
			if err != nil {
				// Degrade to the static allow set; never block processing on
				// a pairing-store failure.
				slog.Warn("Pairing store lookup failed, using static allowlist only", "error", err, "sender_id", senderID)
			} else if approved {
				return true
			}
		}
		slog.Info("DM policy blocked message", "policy", models.PolicyAllowlist, "account_id", accountID, "sender_id", senderID)
		return false

	case models.PolicyPairing:
		return g.admitPairing(ctx, accountID, senderID)

	default:
		slog.Warn("Unknown DM policy, blocking message", "policy", g.policy, "sender_id", senderID)
		return false
	}
}

// admitPairing handles the pairing policy: approved senders pass, everyone
// else gets a pairing request registered, with the code sent exactly once.
func (g *Gate) admitPairing(ctx context.Context, accountID, senderID string) bool {
	if g.pairing == nil {
		slog.Warn("Pairing policy configured without pairing store, blocking message", "sender_id", senderID)
		return false
	}

	approved, err := g.pairing.IsApproved(senderID)
	if err != nil {
		slog.Warn("Pairing store lookup failed, blocking until reachable", "error", err, "sender_id", senderID)
		return false
	}
	if approved {
		return true
	}

	code, created, err := g.pairing.RegisterPairingRequest(senderID)
	if err != nil {
		slog.Error("Failed to register pairing request", "error", err, "sender_id", senderID)
		return false
	}

	if created {
		slog.Info("Pairing request registered", "account_id", accountID, "sender_id", senderID)
		if g.sender != nil {
			reply := fmt.Sprintf("Your pairing code is %s. Ask an operator to approve it to start chatting.", code)
			if err := g.sender.SendText(ctx, accountID, senderID, reply); err != nil {
				slog.Error("Failed to send pairing code", "error", err, "sender_id", senderID)
			}
		}
	} else {
		slog.Debug("Pairing request already pending, code not resent", "sender_id", senderID)
	}

	slog.Info("DM policy blocked message", "policy", models.PolicyPairing, "account_id", accountID, "sender_id", senderID)
	return false
}
