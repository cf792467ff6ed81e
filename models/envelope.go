package models

import (
	"fmt"
	"strings"
	"time"
)

// Envelope is a chat message after decryption.
type Envelope struct {
	ID                string     `json:"id"`
	Content           string     `json:"content"`
	SenderPublicKey   string     `json:"senderPublicKey"`
	ReceiverPublicKey string     `json:"receiverPublicKey"`
	CreatedAt         time.Time  `json:"createdAt"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time `json:"readAt,omitempty"`
}

func (Envelope) EventType() EventType { return EventTypeEnvelope }

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: envelope id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(e.SenderPublicKey) == "" {
		return fmt.Errorf("%w: envelope senderPublicKey is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(e.ReceiverPublicKey) == "" {
		return fmt.Errorf("%w: envelope receiverPublicKey is required", ErrInvalidPayload)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: envelope createdAt is required", ErrInvalidPayload)
	}
	return nil
}

// Peer returns the other side of the conversation from self's point of view.
func (e Envelope) Peer(self string) string {
	if e.SenderPublicKey == self {
		return e.ReceiverPublicKey
	}
	return e.SenderPublicKey
}
