package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/KefuPipe/internal/models"
)

type fakeGenerator struct {
	reply string
	err   error
	calls int
}

func (g *fakeGenerator) GenerateReply(_ context.Context, _ string) (string, error) {
	g.calls++
	return g.reply, g.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (s *fakeSender) SendText(_ context.Context, _, _, text string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func TestFunc_ImplementsDispatcher(t *testing.T) {
	var _ Dispatcher = Func(func(context.Context, models.NormalizedMessage) error { return nil })
}

func TestAgentDispatcher_RepliesToText(t *testing.T) {
	gen := &fakeGenerator{reply: "how can I help?"}
	sender := &fakeSender{}
	d := NewAgentDispatcher(gen, sender)

	msg := models.NormalizedMessage{ID: "m1", AccountID: "kf1", SenderID: "wm1", Kind: models.KindText, Text: "hi"}
	if err := d.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "how can I help?" {
		t.Errorf("unexpected replies sent: %v", sender.sent)
	}
}

func TestAgentDispatcher_SkipsEmptyText(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	sender := &fakeSender{}
	d := NewAgentDispatcher(gen, sender)

	msg := models.NormalizedMessage{ID: "m1", AccountID: "kf1", SenderID: "wm1", Kind: models.KindImage}
	if err := d.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if gen.calls != 0 || len(sender.sent) != 0 {
		t.Error("textless message should not reach the generator or sender")
	}
}

func TestAgentDispatcher_PropagatesGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	d := NewAgentDispatcher(gen, &fakeSender{})

	msg := models.NormalizedMessage{ID: "m1", AccountID: "kf1", SenderID: "wm1", Text: "hi"}
	if err := d.Dispatch(context.Background(), msg); err == nil {
		t.Error("expected generator error to propagate")
	}
}

func TestAgentDispatcher_PropagatesSendError(t *testing.T) {
	gen := &fakeGenerator{reply: "reply"}
	sender := &fakeSender{err: errors.New("send failed")}
	d := NewAgentDispatcher(gen, sender)

	msg := models.NormalizedMessage{ID: "m1", AccountID: "kf1", SenderID: "wm1", Text: "hi"}
	if err := d.Dispatch(context.Background(), msg); err == nil {
		t.Error("expected send error to propagate")
	}
}
