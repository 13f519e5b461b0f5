// Package models defines the core data structures for KefuPipe.
//
// It includes the normalized inbound message types pulled from the WeCom
// customer-service sync API, DM admission policies, and shared error values.
package models

import (
	"errors"
	"time"
)

// MessageKind identifies the payload carried by an inbound message.
type MessageKind string

const (
	// KindText is a plain text message.
	KindText MessageKind = "text"
	// KindImage is an image attachment.
	KindImage MessageKind = "image"
	// KindVoice is a voice recording.
	KindVoice MessageKind = "voice"
	// KindVideo is a video attachment.
	KindVideo MessageKind = "video"
	// KindFile is a generic file attachment.
	KindFile MessageKind = "file"
	// KindLocation is a shared location.
	KindLocation MessageKind = "location"
	// KindLink is a shared link card.
	KindLink MessageKind = "link"
	// KindEvent is a platform lifecycle event, never user-authored.
	KindEvent MessageKind = "event"
)

// Origin identifies who produced a message on the remote platform.
// The full value set is not documented; unknown origins are treated as
// customer-authored rather than silently discarded.
type Origin int

const (
	// OriginCustomer marks a message authored by the external customer.
	OriginCustomer Origin = 3
	// OriginSystem marks a platform-generated lifecycle event.
	OriginSystem Origin = 4
	// OriginServicer marks a message sent by a human servicer from the panel.
	OriginServicer Origin = 5
)

// DMPolicy controls which senders' messages are admitted for dispatch.
type DMPolicy string

const (
	// PolicyOpen admits every sender.
	PolicyOpen DMPolicy = "open"
	// PolicyDisabled admits nobody; blocked messages are logged and dropped.
	PolicyDisabled DMPolicy = "disabled"
	// PolicyAllowlist admits senders in the static allow set or approved in the pairing store.
	PolicyAllowlist DMPolicy = "allowlist"
	// PolicyPairing admits only senders already approved in the pairing store,
	// registering a pairing request for everyone else.
	PolicyPairing DMPolicy = "pairing"
)

// IsValidDMPolicy checks whether the given policy is supported.
func IsValidDMPolicy(p DMPolicy) bool {
	switch p {
	case PolicyOpen, PolicyDisabled, PolicyAllowlist, PolicyPairing:
		return true
	default:
		return false
	}
}

// Error variables shared across modules for better testability.
var (
	ErrEmptyAccountID  = errors.New("account id cannot be empty")
	ErrEmptyMessageID  = errors.New("message id cannot be empty")
	ErrEmptySenderID   = errors.New("sender id cannot be empty")
	ErrInvalidDMPolicy = errors.New("invalid dm policy")
	ErrEmptyCursor     = errors.New("cursor cannot be empty")
)

// TextPayload carries the body of a text message.
type TextPayload struct {
	Content string `json:"content"`
	MenuID  string `json:"menu_id,omitempty"`
}

// MediaPayload carries a media attachment reference.
type MediaPayload struct {
	MediaID string `json:"media_id"`
}

// LocationPayload carries a shared location.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// LinkPayload carries a shared link card.
type LinkPayload struct {
	Title  string `json:"title"`
	Desc   string `json:"desc,omitempty"`
	URL    string `json:"url"`
	PicURL string `json:"pic_url,omitempty"`
}

// EventPayload carries a platform lifecycle event. Fields are a union over
// the event types the connector understands; unused fields stay zero.
type EventPayload struct {
	EventType      string `json:"event_type"`
	Scene          string `json:"scene,omitempty"`
	WelcomeCode    string `json:"welcome_code,omitempty"`
	FailMsgID      string `json:"fail_msgid,omitempty"`
	FailType       int    `json:"fail_type,omitempty"`
	ServicerUserID string `json:"servicer_userid,omitempty"`
	Status         int    `json:"status,omitempty"`
}

// InboundMessage is a normalized message pulled from the sync API.
// It is immutable once received.
type InboundMessage struct {
	ID        string      `json:"msgid"`
	AccountID string      `json:"open_kfid"`
	SenderID  string      `json:"external_userid"`
	SentAt    int64       `json:"send_time"` // epoch seconds
	Origin    Origin      `json:"origin"`
	Kind      MessageKind `json:"msgtype"`

	Text     *TextPayload     `json:"text,omitempty"`
	Image    *MediaPayload    `json:"image,omitempty"`
	Voice    *MediaPayload    `json:"voice,omitempty"`
	Video    *MediaPayload    `json:"video,omitempty"`
	File     *MediaPayload    `json:"file,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
	Link     *LinkPayload     `json:"link,omitempty"`
	Event    *EventPayload    `json:"event,omitempty"`
}

// Age returns how long ago the message was sent, relative to now.
func (m *InboundMessage) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(m.SentAt, 0))
}

// Validate checks the fields every inbound message must carry.
func (m *InboundMessage) Validate() error {
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if m.AccountID == "" {
		return ErrEmptyAccountID
	}
	return nil
}

// NormalizedMessage is the shape handed to the host runtime for agent
// processing after classification, admission, and text extraction.
type NormalizedMessage struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	SenderID  string      `json:"sender_id"`
	SentAt    int64       `json:"sent_at"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	MediaID   string      `json:"media_id,omitempty"`
}

// Account represents one discovered customer-service endpoint.
type Account struct {
	ID           string    `json:"open_kfid"`
	Name         string    `json:"name,omitempty"`
	Enabled      bool      `json:"enabled"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// PairingRequest records a sender waiting for approval under the pairing policy.
type PairingRequest struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"sender_id"`
	Code       string     `json:"code"`
	Approved   bool       `json:"approved"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}
