package models

import "time"

// Ack confirms receipt of one event id.
type Ack struct {
	ID           string `json:"id"`
	Acknowledged bool   `json:"acknowledged"`
}

// SyncRequest asks sibling devices for events the requester has not seen yet.
type SyncRequest struct {
	SynchronizationID string `json:"synchronizationId"`
}

// SyncOffer hints sibling devices that new local events exist.
type SyncOffer struct {
	SynchronizationID string `json:"synchronizationId"`
}

// SyncProgress tells a responder how far the requester has applied its events.
type SyncProgress struct {
	RequesterID string    `json:"requesterId"`
	RecipientID string    `json:"recipientId"`
	Time        time.Time `json:"time"`
}
