package classify

import (
	"testing"

	"github.com/BTreeMap/KefuPipe/internal/models"
)

func TestClassify_CustomerMessageIsNotEvent(t *testing.T) {
	msg := &models.InboundMessage{
		ID:     "m1",
		Origin: models.OriginCustomer,
		Kind:   models.KindText,
		Text:   &models.TextPayload{Content: "hello"},
	}
	if res := Classify(msg); res.IsEvent {
		t.Error("customer text message classified as event")
	}
}

func TestClassify_SystemOriginIsEvent(t *testing.T) {
	msg := &models.InboundMessage{
		ID:     "m1",
		Origin: models.OriginSystem,
		Kind:   models.KindEvent,
		Event:  &models.EventPayload{EventType: EventEnterSession},
	}
	res := Classify(msg)
	if !res.IsEvent {
		t.Fatal("system-origin message not classified as event")
	}
	if res.EventType != EventEnterSession {
		t.Errorf("expected event type %s, got %s", EventEnterSession, res.EventType)
	}
}

func TestClassify_EventKindWithoutSystemOrigin(t *testing.T) {
	msg := &models.InboundMessage{ID: "m1", Origin: models.OriginCustomer, Kind: models.KindEvent}
	if res := Classify(msg); !res.IsEvent {
		t.Error("event-kind message should classify as event regardless of origin")
	}
}

// Unknown origins must not be assumed to be events.
func TestClassify_UnknownOriginTreatedAsMessage(t *testing.T) {
	msg := &models.InboundMessage{
		ID:     "m1",
		Origin: models.Origin(99),
		Kind:   models.KindText,
		Text:   &models.TextPayload{Content: "hi"},
	}
	if res := Classify(msg); res.IsEvent {
		t.Error("unknown origin conservatively classified as event")
	}
}

func TestLogEvent_MissingPayloadDoesNotPanic(t *testing.T) {
	msg := &models.InboundMessage{ID: "m1", Origin: models.OriginSystem, Kind: models.KindEvent}
	LogEvent(msg) // must not panic
}

func TestLogEvent_AllKnownEventTypes(t *testing.T) {
	events := []*models.EventPayload{
		{EventType: EventEnterSession, Scene: "scene1", WelcomeCode: "wc1"},
		{EventType: EventMsgSendFail, FailMsgID: "m9", FailType: 2},
		{EventType: EventMsgSendFail, FailMsgID: "m10", FailType: 999},
		{EventType: EventServicerStatusChange, ServicerUserID: "sv1", Status: 1},
		{EventType: "future_event_type"},
	}
	for _, ev := range events {
		LogEvent(&models.InboundMessage{ID: "m1", AccountID: "kf1", Kind: models.KindEvent, Event: ev})
	}
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		name string
		msg  *models.InboundMessage
		want string
	}{
		{
			name: "text",
			msg:  &models.InboundMessage{Kind: models.KindText, Text: &models.TextPayload{Content: "hello"}},
			want: "hello",
		},
		{
			name: "text missing payload",
			msg:  &models.InboundMessage{Kind: models.KindText},
			want: "",
		},
		{
			name: "link with title",
			msg:  &models.InboundMessage{Kind: models.KindLink, Link: &models.LinkPayload{Title: "Docs", URL: "https://example.com"}},
			want: "[link] Docs https://example.com",
		},
		{
			name: "image placeholder",
			msg:  &models.InboundMessage{Kind: models.KindImage, Image: &models.MediaPayload{MediaID: "media9"}},
			want: "[image]",
		},
		{
			name: "unknown kind",
			msg:  &models.InboundMessage{Kind: models.MessageKind("miniprogram")},
			want: "[miniprogram]",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExtractText(c.msg); got != c.want {
				t.Errorf("ExtractText = %q, want %q", got, c.want)
			}
		})
	}
}

func TestMediaID(t *testing.T) {
	msg := &models.InboundMessage{Kind: models.KindVoice, Voice: &models.MediaPayload{MediaID: "media1"}}
	if got := MediaID(msg); got != "media1" {
		t.Errorf("MediaID = %q, want media1", got)
	}
	if got := MediaID(&models.InboundMessage{Kind: models.KindText}); got != "" {
		t.Errorf("MediaID for text = %q, want empty", got)
	}
}
