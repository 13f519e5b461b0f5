// Package classify separates platform lifecycle events from user-authored
// messages and extracts dispatchable text from message payloads.
//
// Classification keys off the message origin. The platform documents only
// part of the origin value set, so unknown origins are conservatively
// treated as user-authored rather than silently dropped as events.
package classify

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/KefuPipe/internal/models"
)

// Event type strings as they appear on the wire.
const (
	EventEnterSession         = "enter_session"
	EventMsgSendFail          = "msg_send_fail"
	EventServicerStatusChange = "servicer_status_change"
)

// failTypeLabels maps delivery-failure codes to human-readable labels.
// Codes the platform may add later fall through to "(unrecognized)".
var failTypeLabels = map[int]string{
	1:  "session expired",
	2:  "outside the 48-hour reply window",
	4:  "reply message limit reached",
	10: "content blocked by platform review",
}

// Result describes the outcome of classifying an inbound message.
type Result struct {
	// IsEvent is true for platform-generated lifecycle events, which are
	// logged and never dispatched.
	IsEvent bool
	// EventType is the raw event type string when IsEvent is true.
	EventType string
}

// Classify inspects an inbound message and decides whether it is a platform
// event or a user-authored message.
func Classify(msg *models.InboundMessage) Result {
	if msg.Origin != models.OriginSystem && msg.Kind != models.KindEvent {
		return Result{}
	}
	// System origin or an event payload marks a lifecycle event either way.
	var eventType string
	if msg.Event != nil {
		eventType = msg.Event.EventType
	}
	return Result{IsEvent: true, EventType: eventType}
}

// LogEvent emits one structured log line per classified event. A missing
// event payload is itself logged; nothing here ever panics.
func LogEvent(msg *models.InboundMessage) {
	if msg.Event == nil {
		slog.Warn("Unhandled event with missing payload", "msg_id", msg.ID, "account_id", msg.AccountID, "msg_type", string(msg.Kind))
		return
	}

	ev := msg.Event
	switch ev.EventType {
	case EventEnterSession:
		slog.Info("Customer entered session",
			"account_id", msg.AccountID,
			"sender_id", msg.SenderID,
			"scene", ev.Scene,
			"welcome_code", ev.WelcomeCode)

	case EventMsgSendFail:
		label, known := failTypeLabels[ev.FailType]
		if !known {
			label = "(unrecognized)"
		}
		slog.Warn("Outbound message delivery failed",
			"account_id", msg.AccountID,
			"fail_msg_id", ev.FailMsgID,
			"fail_type", ev.FailType,
			"reason", label)
		if ev.FailType == 2 {
			slog.Warn("Customer has been silent for over 48 hours; further replies will be rejected until they message again",
				"account_id", msg.AccountID)
		}

	case EventServicerStatusChange:
		slog.Info("Servicer status changed",
			"account_id", msg.AccountID,
			"servicer_id", ev.ServicerUserID,
			"status", ev.Status)

	default:
		slog.Info("Unhandled event", "event_type", ev.EventType, "account_id", msg.AccountID, "msg_id", msg.ID)
	}
}

// ExtractText produces the text handed to the host runtime for a
// user-authored message. Media kinds yield a bracketed placeholder plus the
// media id so the agent knows something arrived that it cannot read.
func ExtractText(msg *models.InboundMessage) string {
	switch msg.Kind {
	case models.KindText:
		if msg.Text == nil {
			return ""
		}
		return msg.Text.Content
	case models.KindLink:
		if msg.Link == nil {
			return ""
		}
		if msg.Link.Title != "" {
			return fmt.Sprintf("[link] %s %s", msg.Link.Title, msg.Link.URL)
		}
		return fmt.Sprintf("[link] %s", msg.Link.URL)
	case models.KindLocation:
		if msg.Location == nil {
			return ""
		}
		return fmt.Sprintf("[location] %s (%f,%f)", msg.Location.Name, msg.Location.Latitude, msg.Location.Longitude)
	case models.KindImage:
		return "[image]"
	case models.KindVoice:
		return "[voice]"
	case models.KindVideo:
		return "[video]"
	case models.KindFile:
		return "[file]"
	default:
		return fmt.Sprintf("[%s]", msg.Kind)
	}
}

// MediaID returns the media reference for media-kind messages, if any.
func MediaID(msg *models.InboundMessage) string {
	switch msg.Kind {
	case models.KindImage:
		if msg.Image != nil {
			return msg.Image.MediaID
		}
	case models.KindVoice:
		if msg.Voice != nil {
			return msg.Voice.MediaID
		}
	case models.KindVideo:
		if msg.Video != nil {
			return msg.Video.MediaID
		}
	case models.KindFile:
		if msg.File != nil {
			return msg.File.MediaID
		}
	}
	return ""
}
