// Package dispatch hands admitted inbound messages to the host agent
// runtime.
//
// Two runtimes are supported: a NATS JetStream stream consumed by an
// external agent process, and an in-process responder that generates a
// reply with GenAI and sends it straight back through the outbound channel.
package dispatch

import (
	"context"

	"github.com/BTreeMap/KefuPipe/internal/models"
)

// Dispatcher delivers one normalized message to the host runtime.
// Implementations must be safe for concurrent use across accounts.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.NormalizedMessage) error
}

// Func adapts a plain function to the Dispatcher interface.
type Func func(ctx context.Context, msg models.NormalizedMessage) error

// Dispatch implements Dispatcher.
func (f Func) Dispatch(ctx context.Context, msg models.NormalizedMessage) error {
	return f(ctx, msg)
}
