package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BTreeMap/KefuPipe/internal/models"
)

// JetStream configuration for the inbound message stream.
const (
	// StreamName is the JetStream stream inbound messages are published to.
	StreamName = "KEFU_INBOUND"
	// subjectPrefix is prepended to the account id to form the subject.
	subjectPrefix = "kefu"
	// duplicateWindow is the JetStream server-side dedup window, a second
	// line of defense behind the engine's own dedup cache.
	duplicateWindow = 10 * time.Minute
	// maxAge bounds how long undelivered inbound messages are retained.
	maxAge = 7 * 24 * time.Hour
)

// NATSDispatcher publishes normalized messages to a JetStream stream keyed
// by account id, with the message id as the JetStream dedup id.
type NATSDispatcher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Compile-time check that NATSDispatcher implements Dispatcher.
var _ Dispatcher = (*NATSDispatcher)(nil)

// NewNATSDispatcher connects to NATS and ensures the inbound stream exists.
func NewNATSDispatcher(url string) (*NATSDispatcher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	d := &NATSDispatcher{nc: nc, js: js}
	if err := d.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	slog.Debug("NATS dispatcher connected", "url", url, "stream", StreamName)
	return d, nil
}

// ensureStream creates the inbound stream if it does not exist yet.
func (d *NATSDispatcher) ensureStream() error {
	if info, err := d.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := d.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".*.inbound"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: duplicateWindow,
		MaxAge:     maxAge,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Dispatch publishes the message to its account's subject.
func (d *NATSDispatcher) Dispatch(ctx context.Context, msg models.NormalizedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	subject := fmt.Sprintf("%s.%s.inbound", subjectPrefix, msg.AccountID)
	if _, err := d.js.Publish(subject, payload, nats.MsgId(msg.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	slog.Debug("Message dispatched to NATS", "subject", subject, "msg_id", msg.ID)
	return nil
}

// Close closes the NATS connection.
func (d *NATSDispatcher) Close() {
	if d.nc != nil {
		d.nc.Close()
	}
}
