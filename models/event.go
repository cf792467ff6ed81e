package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload variant carried by an Event.
type EventType string

const (
	EventTypeEnvelope          EventType = "envelope"
	EventTypeEnvelopeDelivered EventType = "envelope-delivered"
	EventTypeEnvelopeRead      EventType = "envelope-read"
	EventTypeContact           EventType = "contact"
	EventTypeContactInfo       EventType = "contact-info"
)

var (
	// ErrInvalidEvent indicates an event is missing required fields.
	ErrInvalidEvent = errors.New("models: invalid event")
	// ErrInvalidPayload indicates an event payload does not match its type schema.
	ErrInvalidPayload = errors.New("models: invalid event payload")
	// ErrUnknownEventType indicates the event type is not one of the known variants.
	ErrUnknownEventType = errors.New("models: unknown event type")
)

// Event is the replication unit exchanged between devices and contacts.
//
// Payload holds the JSON text of the variant selected by Type. The sync fields
// are only set on copies sent in answer to a same-identity sync request.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	FromPublicKey string    `json:"fromPublicKey"`
	ToPublicKey   string    `json:"toPublicKey"`
	CreatedAt     time.Time `json:"createdAt"`
	Payload       string    `json:"payload"`
	Acknowledged  bool      `json:"acknowledged"`

	IsSyncEvent   bool   `json:"isSyncEvent,omitempty"`
	SyncFrom      string `json:"syncFrom,omitempty"`
	SyncTo        string `json:"syncTo,omitempty"`
	SyncBatchSize int    `json:"syncBatchSize,omitempty"`
}

// Payload is implemented by every event payload variant.
type Payload interface {
	EventType() EventType
	Validate() error
}

// EnvelopeDelivered records when the receiver stored an envelope.
type EnvelopeDelivered struct {
	ID          string    `json:"id"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// EnvelopeRead records when the receiver opened an envelope.
type EnvelopeRead struct {
	ID     string    `json:"id"`
	ReadAt time.Time `json:"readAt"`
}

// ContactAdded references a public key that should become a contact.
type ContactAdded struct {
	PublicKey string `json:"publicKey"`
}

// ContactInfo carries profile fields for the event author.
type ContactInfo struct {
	Name      string `json:"name"`
	Biography string `json:"biography"`
}

func (EnvelopeDelivered) EventType() EventType { return EventTypeEnvelopeDelivered }
func (EnvelopeRead) EventType() EventType      { return EventTypeEnvelopeRead }
func (ContactAdded) EventType() EventType      { return EventTypeContact }
func (ContactInfo) EventType() EventType       { return EventTypeContactInfo }

func (p EnvelopeDelivered) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: envelope-delivered id is required", ErrInvalidPayload)
	}
	if p.DeliveredAt.IsZero() {
		return fmt.Errorf("%w: envelope-delivered deliveredAt is required", ErrInvalidPayload)
	}
	return nil
}

func (p EnvelopeRead) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: envelope-read id is required", ErrInvalidPayload)
	}
	if p.ReadAt.IsZero() {
		return fmt.Errorf("%w: envelope-read readAt is required", ErrInvalidPayload)
	}
	return nil
}

func (p ContactAdded) Validate() error {
	if strings.TrimSpace(p.PublicKey) == "" {
		return fmt.Errorf("%w: contact publicKey is required", ErrInvalidPayload)
	}
	return nil
}

func (p ContactInfo) Validate() error {
	return nil
}

// NewEvent wraps payload in a fresh unacknowledged event.
func NewEvent(payload Payload, fromPublicKey, toPublicKey string, now time.Time) (Event, error) {
	if err := payload.Validate(); err != nil {
		return Event{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}

	event := Event{
		ID:            uuid.NewString(),
		Type:          payload.EventType(),
		FromPublicKey: fromPublicKey,
		ToPublicKey:   toPublicKey,
		CreatedAt:     Timestamp(now),
		Payload:       string(raw),
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Validate checks the envelope of an event without decoding its payload.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if strings.TrimSpace(e.FromPublicKey) == "" {
		return fmt.Errorf("%w: fromPublicKey is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.ToPublicKey) == "" {
		return fmt.Errorf("%w: toPublicKey is required", ErrInvalidEvent)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: createdAt is required", ErrInvalidEvent)
	}
	return nil
}

// Known reports whether t is one of the supported variants.
func (t EventType) Known() bool {
	switch t {
	case EventTypeEnvelope, EventTypeEnvelopeDelivered, EventTypeEnvelopeRead, EventTypeContact, EventTypeContactInfo:
		return true
	default:
		return false
	}
}

// DecodePayload unmarshals and validates the payload variant selected by e.Type.
func (e Event) DecodePayload() (Payload, error) {
	var payload Payload
	switch e.Type {
	case EventTypeEnvelope:
		var p Envelope
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	case EventTypeEnvelopeDelivered:
		var p EnvelopeDelivered
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	case EventTypeEnvelopeRead:
		var p EnvelopeRead
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	case EventTypeContact:
		var p ContactAdded
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	case EventTypeContactInfo:
		var p ContactInfo
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return nil, err
		}
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}

	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// StripSync returns a copy of e without the sync routing fields.
func (e Event) StripSync() Event {
	e.IsSyncEvent = false
	e.SyncFrom = ""
	e.SyncTo = ""
	e.SyncBatchSize = 0
	return e
}

// Timestamp truncates t to the millisecond precision kept on the wire and in storage.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func unmarshalPayload(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
