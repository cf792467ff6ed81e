package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"securicator/crypto"
	"securicator/models"
	"securicator/network"
	"securicator/storage"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultResendInterval    = 60 * time.Second
	DefaultSyncInterval      = 15 * time.Second

	synchronizationIDKey = "synchronizationId"
	profileKey           = "profile"
)

var (
	// ErrMissingIdentity indicates Options.Identity was nil.
	ErrMissingIdentity = errors.New("syncengine: identity is required")
	// ErrMissingStore indicates Options.Store was nil.
	ErrMissingStore = errors.New("syncengine: store is required")
	// ErrMissingTransport indicates Options.Transport was nil.
	ErrMissingTransport = errors.New("syncengine: transport is required")
	// ErrInvalidContact indicates a contact key is not a usable identity address.
	ErrInvalidContact = errors.New("syncengine: invalid contact")
	// ErrEmptyMessage indicates SendMessage was called without content.
	ErrEmptyMessage = errors.New("syncengine: message content is required")
)

// Options configures an Engine.
type Options struct {
	Identity  *crypto.Identity
	Store     Store
	Transport Transport
	Notifier  Notifier
	Logger    zerolog.Logger
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time

	HeartbeatInterval time.Duration
	ResendInterval    time.Duration
	SyncInterval      time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Notifier == nil {
		out.Notifier = NopNotifier{}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.ResendInterval <= 0 {
		out.ResendInterval = DefaultResendInterval
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = DefaultSyncInterval
	}
	return out
}

// Engine replicates events between this device, its contacts and sibling
// devices sharing the same identity.
//
// Inbound frames and local mutations are serialized by mu so each one is
// atomic with respect to the store. Timer-driven sends do not take mu.
type Engine struct {
	options   Options
	identity  *crypto.Identity
	store     Store
	transport Transport
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time

	self   string
	syncID string

	mu      sync.Mutex
	batches map[string]*syncBatch
}

// New loads or creates the device synchronization id and returns a ready engine.
func New(options Options) (*Engine, error) {
	if options.Identity == nil {
		return nil, ErrMissingIdentity
	}
	if options.Store == nil {
		return nil, ErrMissingStore
	}
	if options.Transport == nil {
		return nil, ErrMissingTransport
	}
	opts := options.withDefaults()

	e := &Engine{
		options:   opts,
		identity:  opts.Identity,
		store:     opts.Store,
		transport: opts.Transport,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		now:       opts.Now,
		self:      opts.Identity.PublicKey(),
		batches:   make(map[string]*syncBatch),
	}

	syncID, err := e.loadSynchronizationID()
	if err != nil {
		return nil, err
	}
	e.syncID = syncID
	e.logger = e.logger.With().Str("device", syncID).Logger()
	return e, nil
}

func (e *Engine) loadSynchronizationID() (string, error) {
	id, err := e.store.Get(synchronizationIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load synchronization id: %w", err)
	}

	id = uuid.NewString()
	if err := e.store.Set(synchronizationIDKey, id); err != nil {
		return "", fmt.Errorf("save synchronization id: %w", err)
	}
	return id, nil
}

// PublicKey returns the local identity address.
func (e *Engine) PublicKey() string {
	return e.self
}

// SynchronizationID returns this device's persisted sync id.
func (e *Engine) SynchronizationID() string {
	return e.syncID
}

// OnConnected runs the per-connection timers until ctx is cancelled.
func (e *Engine) OnConnected(ctx context.Context) {
	e.announce()

	heartbeat := time.NewTicker(e.options.HeartbeatInterval)
	defer heartbeat.Stop()
	resend := time.NewTicker(e.options.ResendInterval)
	defer resend.Stop()
	syncTicker := time.NewTicker(e.options.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			e.SendHeartbeats()
		case <-resend.C:
			e.ResendUnacknowledged()
		case <-syncTicker.C:
			e.RequestSync()
		}
	}
}

// OnConnectionStateChanged forwards relay connection state to the notifier.
func (e *Engine) OnConnectionStateChanged(state network.ConnectionState) {
	e.notifier.OnConnectionStateChanged(state)
}

// announce runs once per session: presence, profile, pending events and a sync pull.
func (e *Engine) announce() {
	e.SendHeartbeats()
	e.broadcastProfile()
	e.ResendUnacknowledged()
	e.RequestSync()
}

// SendHeartbeats tells every contact this identity is online.
func (e *Engine) SendHeartbeats() {
	contacts, err := e.store.ListContacts()
	if err != nil {
		e.logger.Error().Err(err).Msg("list contacts for heartbeat")
		return
	}
	payload := e.now().UTC().Format(time.RFC3339)
	for _, contact := range contacts {
		e.send(contact.PublicKey, network.RetentionDrop, network.Message{Verb: network.VerbHeartbeat, Payload: payload})
	}
}

// ResendUnacknowledged resends every event still waiting for an ACK.
func (e *Engine) ResendUnacknowledged() {
	e.flushUnacknowledged("")
}

func (e *Engine) flushUnacknowledged(toPublicKey string) {
	events, err := e.store.UnacknowledgedEvents(toPublicKey)
	if err != nil {
		e.logger.Error().Err(err).Msg("list unacknowledged events")
		return
	}
	for _, event := range events {
		if event.ToPublicKey == e.self {
			continue
		}
		e.sendEvent(event.ToPublicKey, event, network.RetentionQueue)
	}
	if len(events) > 0 {
		e.logger.Debug().Int("count", len(events)).Msg("resent unacknowledged events")
	}
}

// broadcastProfile pushes the legacy CONTACT_INFO presence frame to every contact.
func (e *Engine) broadcastProfile() {
	profile, err := e.Profile()
	if err != nil {
		e.logger.Error().Err(err).Msg("load profile")
		return
	}
	if profile.DisplayName == "" && profile.Biography == "" {
		return
	}
	raw, err := json.Marshal(models.ContactInfo{Name: profile.DisplayName, Biography: profile.Biography})
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal profile")
		return
	}

	contacts, err := e.store.ListContacts()
	if err != nil {
		e.logger.Error().Err(err).Msg("list contacts for profile")
		return
	}
	for _, contact := range contacts {
		e.send(contact.PublicKey, network.RetentionDrop, network.Message{Verb: network.VerbContactInfo, Payload: string(raw)})
	}
}

// send seals msg for to and hands it to the transport. Failures are logged:
// reliable traffic is covered by the resend sweep.
func (e *Engine) send(to string, retention network.Retention, msg network.Message) bool {
	sealed, err := e.identity.SealFor(to, msg.String())
	if err != nil {
		e.logger.Error().Err(err).Str("verb", string(msg.Verb)).Msg("seal message")
		return false
	}
	frame := network.RoutedFrame(e.self, to, retention, sealed)
	if err := e.transport.Send(frame.Encode()); err != nil {
		if errors.Is(err, network.ErrNotConnected) {
			e.logger.Debug().Str("verb", string(msg.Verb)).Msg("not connected, message not sent")
		} else {
			e.logger.Warn().Err(err).Str("verb", string(msg.Verb)).Msg("send message")
		}
		return false
	}
	return true
}

func (e *Engine) sendEvent(to string, event models.Event, retention network.Retention) bool {
	raw, err := json.Marshal(event)
	if err != nil {
		e.logger.Error().Err(err).Str("event", event.ID).Msg("marshal event")
		return false
	}
	return e.send(to, retention, network.Message{Verb: network.VerbEvent, Payload: string(raw)})
}

// emit stores a locally created event and sends it. Self-addressed events
// are acknowledged on creation and reach sibling devices through sync.
func (e *Engine) emit(event models.Event) error {
	if event.ToPublicKey == e.self {
		event.Acknowledged = true
	}
	if _, err := e.store.AppendEvent(event); err != nil {
		return fmt.Errorf("append %s event: %w", event.Type, err)
	}
	if !event.Acknowledged {
		e.sendEvent(event.ToPublicKey, event, network.RetentionQueue)
	}
	return nil
}

func (e *Engine) sendAck(to, eventID string) {
	raw, err := json.Marshal(models.Ack{ID: eventID, Acknowledged: true})
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal ack")
		return
	}
	e.send(to, network.RetentionQueue, network.Message{Verb: network.VerbAckEvent, Payload: string(raw)})
}

func (e *Engine) notifyContacts() {
	contacts, err := e.store.ListContacts()
	if err != nil {
		e.logger.Error().Err(err).Msg("list contacts")
		return
	}
	e.notifier.OnContactsChanged(contacts)
}

func (e *Engine) notifyUnread() {
	count, err := e.store.UnreadCount()
	if err != nil {
		e.logger.Error().Err(err).Msg("count unread")
		return
	}
	e.notifier.OnUnreadCountChanged(count)
}

func (e *Engine) notifyEnvelope(id string) {
	envelope, err := e.store.GetEnvelope(id)
	if err != nil {
		e.logger.Error().Err(err).Str("envelope", id).Msg("load envelope")
		return
	}
	e.notifier.OnEnvelopeChanged(*envelope)
}

func (e *Engine) logSecurityEvent(eventType, severity, contact string, details map[string]string) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	record := storage.SecurityEvent{
		EventType: eventType,
		Details:   string(raw),
		Severity:  severity,
		Timestamp: e.now().UnixMilli(),
	}
	if contact != "" {
		record.ContactPublicKey = &contact
	}
	if err := e.store.LogSecurityEvent(record); err != nil {
		e.logger.Error().Err(err).Str("type", eventType).Msg("record security event")
	}
}
