package syncengine

import (
	"time"

	"securicator/models"
	"securicator/network"
	"securicator/storage"
)

// KeyValueStore persists small device-local values such as the synchronization id.
type KeyValueStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// EventLog is the append-only replication log.
type EventLog interface {
	AppendEvent(event models.Event) (bool, error)
	GetEvent(id string) (*models.Event, error)
	HasEvent(id string) (bool, error)
	QueryEvents(field, op string, value any) ([]models.Event, error)
	UnacknowledgedEvents(toPublicKey string) ([]models.Event, error)
	EarliestEventsAfter(cursor time.Time) ([]models.Event, error)
	ReceiptsFor(envelopeID string) ([]models.Event, error)
	MarkEventAcknowledged(id string) (bool, error)
}

// EnvelopeStore holds chat messages.
type EnvelopeStore interface {
	SaveEnvelope(envelope models.Envelope) (bool, error)
	GetEnvelope(id string) (*models.Envelope, error)
	Conversation(self, peer string, limit, offset int) ([]models.Envelope, error)
	UnreadEnvelopesFrom(sender, receiver string) ([]models.Envelope, error)
	SetEnvelopeDelivered(id string, deliveredAt time.Time) (bool, error)
	SetEnvelopeRead(id string, readAt time.Time) (bool, error)
}

// ContactDirectory holds known remote identities.
type ContactDirectory interface {
	AddContact(publicKey string, addedAt time.Time) (bool, error)
	GetContact(publicKey string) (*models.Contact, error)
	ListContacts() ([]models.Contact, error)
	UpdateContactInfo(publicKey, displayName, biography string) error
	TouchContact(publicKey string, seenAt time.Time) error
	SetContactUnread(publicKey string, unread bool) error
	PinSigningKey(publicKey, signingPublicKey string) (string, error)
	UnreadCount() (int, error)
}

// CursorStore tracks how far each sibling device has synchronized.
type CursorStore interface {
	GetSyncCursor(synchronizationID string) (time.Time, error)
	AdvanceSyncCursor(synchronizationID string, at time.Time) (bool, error)
}

// SecurityLog records dropped frames and trust decisions.
type SecurityLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
	SecuritySummary() ([]storage.ContactSecuritySummary, error)
}

// Store is everything the engine persists. *storage.Store satisfies it.
type Store interface {
	KeyValueStore
	EventLog
	EnvelopeStore
	ContactDirectory
	CursorStore
	SecurityLog
}

// Transport sends one encoded frame to the relay. *network.ConnectionManager satisfies it.
type Transport interface {
	Send(data []byte) error
}

// Notifier is the UI surface the engine reports state changes to.
type Notifier interface {
	OnContactsChanged(contacts []models.Contact)
	OnConnectionStateChanged(state network.ConnectionState)
	OnUnreadCountChanged(count int)
	OnEnvelopeChanged(envelope models.Envelope)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) OnContactsChanged([]models.Contact)               {}
func (NopNotifier) OnConnectionStateChanged(network.ConnectionState) {}
func (NopNotifier) OnUnreadCountChanged(int)                         {}
func (NopNotifier) OnEnvelopeChanged(models.Envelope)                {}

var _ Store = (*storage.Store)(nil)
var _ Transport = (*network.ConnectionManager)(nil)
