package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/KefuPipe/internal/models"
)

// ReplyGenerator produces an agent reply for a customer message.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, userText string) (string, error)
}

// TextSender delivers the generated reply back to the customer.
type TextSender interface {
	SendText(ctx context.Context, accountID, senderID, text string) error
}

// AgentDispatcher answers messages in-process: it generates a reply with
// GenAI and sends it straight back through the outbound channel. Messages
// with no dispatchable text (bare media placeholders excluded) still count
// as dispatched.
type AgentDispatcher struct {
	generator ReplyGenerator
	sender    TextSender
}

// Compile-time check that AgentDispatcher implements Dispatcher.
var _ Dispatcher = (*AgentDispatcher)(nil)

// NewAgentDispatcher creates an in-process agent responder.
func NewAgentDispatcher(generator ReplyGenerator, sender TextSender) *AgentDispatcher {
	return &AgentDispatcher{generator: generator, sender: sender}
}

// Dispatch generates and sends a reply for the message.
func (d *AgentDispatcher) Dispatch(ctx context.Context, msg models.NormalizedMessage) error {
	if msg.Text == "" {
		slog.Debug("Agent dispatcher skipping message without text", "msg_id", msg.ID, "kind", msg.Kind)
		return nil
	}

	reply, err := d.generator.GenerateReply(ctx, msg.Text)
	if err != nil {
		return fmt.Errorf("failed to generate reply for %s: %w", msg.ID, err)
	}
	if reply == "" {
		slog.Debug("Agent generated empty reply, nothing to send", "msg_id", msg.ID)
		return nil
	}

	if err := d.sender.SendText(ctx, msg.AccountID, msg.SenderID, reply); err != nil {
		return fmt.Errorf("failed to send reply for %s: %w", msg.ID, err)
	}
	slog.Info("Agent reply sent", "account_id", msg.AccountID, "sender_id", msg.SenderID, "msg_id", msg.ID)
	return nil
}
