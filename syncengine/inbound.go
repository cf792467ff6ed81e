package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"securicator/crypto"
	"securicator/models"
	"securicator/network"
	"securicator/storage"
)

// errUnexpectedSender indicates a verb arrived from an identity not allowed to send it.
var errUnexpectedSender = errors.New("syncengine: unexpected sender")

// HandleFrame decrypts, verifies and applies one routed frame. It has the
// shape of network.FrameHandler and expects calls not to overlap.
func (e *Engine) HandleFrame(_ context.Context, frame network.Frame) {
	if frame.Kind != network.FrameRouted {
		return
	}
	if frame.To != e.self {
		e.logger.Debug().Str("to", crypto.KeyFingerprint(frame.To)).Msg("dropping frame for another identity")
		return
	}
	from := crypto.KeyFingerprint(frame.From)

	opened, err := e.identity.Open(frame.Sealed)
	if err != nil {
		e.logger.Warn().Err(err).Str("from", from).Msg("dropping undecryptable frame")
		e.logSecurityEvent("decrypt_failed", storage.SecuritySeverityWarning, frame.From, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if !opened.Verified {
		e.logger.Warn().Str("from", from).Msg("dropping frame with invalid signature")
		e.logSecurityEvent("invalid_signature", storage.SecuritySeverityWarning, frame.From, map[string]string{
			"signingPublicKey": opened.SigningPublicKey,
		})
		return
	}

	msg, err := network.ParseMessage(opened.Content)
	if err != nil {
		e.logger.Warn().Err(err).Str("from", from).Msg("dropping malformed message")
		e.logSecurityEvent("malformed_message", storage.SecuritySeverityWarning, frame.From, map[string]string{
			"error": err.Error(),
		})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.trustSigner(frame.From, opened.SigningPublicKey) {
		return
	}
	if err := e.dispatch(frame.From, msg); err != nil {
		e.logger.Warn().Err(err).Str("from", from).Str("verb", string(msg.Verb)).Msg("dropping message")
		return
	}
	if frame.From != e.self {
		e.pinSigner(frame.From, opened.SigningPublicKey)
	}
}

// trustSigner enforces trust-on-first-use: a contact's first verified signing
// key is pinned and later frames must match it. Sibling devices share the
// local signing key.
func (e *Engine) trustSigner(from, signingKey string) bool {
	expected := e.identity.SigningPublicKey()
	if from != e.self {
		contact, err := e.store.GetContact(from)
		if errors.Is(err, storage.ErrNotFound) {
			return true
		}
		if err != nil {
			e.logger.Error().Err(err).Msg("load contact for signer check")
			return false
		}
		if contact.SigningPublicKey == "" {
			return true
		}
		expected = contact.SigningPublicKey
	}
	if signingKey == expected {
		return true
	}

	e.logger.Warn().
		Str("from", crypto.KeyFingerprint(from)).
		Str("pinned", crypto.KeyFingerprint(expected)).
		Str("received", crypto.KeyFingerprint(signingKey)).
		Msg("signing key mismatch, dropping frame")
	e.logSecurityEvent("signing_key_mismatch", storage.SecuritySeverityCritical, from, map[string]string{
		"pinned":   expected,
		"received": signingKey,
	})
	return false
}

func (e *Engine) pinSigner(from, signingKey string) {
	if _, err := e.store.PinSigningKey(from, signingKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error().Err(err).Msg("pin signing key")
	}
}

func (e *Engine) dispatch(from string, msg network.Message) error {
	switch msg.Verb {
	case network.VerbEvent:
		return e.handleEvent(from, msg.Payload)
	case network.VerbAckEvent:
		return e.handleAck(from, msg.Payload)
	case network.VerbHeartbeat:
		return e.handleHeartbeat(from)
	case network.VerbContactInfo:
		return e.handleLegacyContactInfo(from, msg.Payload)
	}

	if from != e.self {
		return fmt.Errorf("%w: %s from another identity", errUnexpectedSender, msg.Verb)
	}
	switch msg.Verb {
	case network.VerbSameContactSync:
		return e.handleSyncRequest(msg.Payload)
	case network.VerbUpdateLastContactSync:
		return e.handleSyncProgress(msg.Payload)
	case network.VerbOfferSameContactSync:
		return e.handleSyncOffer(msg.Payload)
	default:
		return fmt.Errorf("%w: %s", network.ErrUnknownVerb, msg.Verb)
	}
}

func (e *Engine) handleEvent(from, payload string) error {
	var event models.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	event.CreatedAt = models.Timestamp(event.CreatedAt)

	if event.IsSyncEvent {
		if from != e.self {
			return fmt.Errorf("%w: sync event from another identity", errUnexpectedSender)
		}
		return e.applySyncEvent(event)
	}
	if event.ToPublicKey != e.self {
		return fmt.Errorf("%w: addressed to another identity", models.ErrInvalidEvent)
	}
	if from != e.self && event.FromPublicKey != from {
		return fmt.Errorf("%w: author does not match sender", models.ErrInvalidEvent)
	}

	seen, err := e.store.HasEvent(event.ID)
	if err != nil {
		return err
	}
	if seen {
		if from != e.self {
			e.sendAck(from, event.ID)
		}
		return nil
	}

	if err := e.apply(event, true); err != nil {
		return err
	}
	event.Acknowledged = true
	if _, err := e.store.AppendEvent(event); err != nil {
		return err
	}
	if from != e.self {
		e.sendAck(from, event.ID)
	}
	return nil
}

// apply performs the side effects of one event. receipts is false for events
// copied from a sibling, which must not produce delivery receipts again.
func (e *Engine) apply(event models.Event, receipts bool) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case models.Envelope:
		return e.applyEnvelope(event, p, receipts)
	case models.EnvelopeDelivered:
		return e.applyReceipt(event, p.ID, func(id string) (bool, error) {
			return e.store.SetEnvelopeDelivered(id, models.Timestamp(p.DeliveredAt))
		})
	case models.EnvelopeRead:
		return e.applyReceipt(event, p.ID, func(id string) (bool, error) {
			return e.store.SetEnvelopeRead(id, models.Timestamp(p.ReadAt))
		})
	case models.ContactAdded:
		if p.PublicKey == e.self {
			return nil
		}
		added, err := e.store.AddContact(p.PublicKey, e.now())
		if err != nil {
			return err
		}
		if added {
			e.notifyContacts()
		}
		return nil
	case models.ContactInfo:
		return e.applyContactInfo(event.FromPublicKey, p)
	default:
		return fmt.Errorf("%w: %q", models.ErrUnknownEventType, event.Type)
	}
}

func (e *Engine) applyEnvelope(event models.Event, envelope models.Envelope, receipts bool) error {
	if envelope.SenderPublicKey != event.FromPublicKey || envelope.ReceiverPublicKey != event.ToPublicKey {
		return fmt.Errorf("%w: envelope parties do not match event", models.ErrInvalidPayload)
	}

	saved, err := e.store.SaveEnvelope(envelope)
	if err != nil {
		return err
	}
	if !saved {
		return nil
	}

	peer := envelope.Peer(e.self)
	if peer != e.self {
		added, err := e.store.AddContact(peer, e.now())
		if err != nil {
			return err
		}
		if added {
			e.notifyContacts()
		}
	}

	inbound := envelope.ReceiverPublicKey == e.self && envelope.SenderPublicKey != e.self
	if inbound && envelope.ReadAt == nil {
		if err := e.store.SetContactUnread(peer, true); err != nil {
			return err
		}
		e.notifyUnread()
	}
	if inbound && receipts {
		if err := e.emitDelivered(envelope); err != nil {
			return err
		}
	}
	if err := e.applyStoredReceipts(envelope.ID); err != nil {
		return err
	}
	e.notifyEnvelope(envelope.ID)
	return nil
}

// applyStoredReceipts replays receipts that arrived before their envelope,
// which happens when a sibling sees the receiver's receipt ahead of sync.
func (e *Engine) applyStoredReceipts(envelopeID string) error {
	pending, err := e.store.ReceiptsFor(envelopeID)
	if err != nil {
		return err
	}
	for _, receipt := range pending {
		if err := e.apply(receipt, false); err != nil {
			e.logger.Warn().Err(err).Str("event", receipt.ID).Msg("skipping stored receipt")
		}
	}
	return nil
}

func (e *Engine) emitDelivered(envelope models.Envelope) error {
	now := e.now()
	deliveredAt := models.Timestamp(now)
	if _, err := e.store.SetEnvelopeDelivered(envelope.ID, deliveredAt); err != nil {
		return err
	}

	receipt, err := models.NewEvent(models.EnvelopeDelivered{ID: envelope.ID, DeliveredAt: deliveredAt}, e.self, envelope.SenderPublicKey, now)
	if err != nil {
		return err
	}
	return e.emit(receipt)
}

// applyReceipt sets a delivery or read time once. Only the envelope's
// receiver may issue receipts for it.
func (e *Engine) applyReceipt(event models.Event, envelopeID string, set func(id string) (bool, error)) error {
	envelope, err := e.store.GetEnvelope(envelopeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if envelope.ReceiverPublicKey != event.FromPublicKey {
		return fmt.Errorf("%w: receipt from non-recipient", models.ErrInvalidPayload)
	}

	updated, err := set(envelopeID)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	if event.Type == models.EventTypeEnvelopeRead && event.FromPublicKey == e.self {
		if err := e.clearUnreadIfDone(envelope.SenderPublicKey); err != nil {
			return err
		}
	}
	e.notifyEnvelope(envelopeID)
	return nil
}

// clearUnreadIfDone drops the unread flag once a sibling has read every message from peer.
func (e *Engine) clearUnreadIfDone(peer string) error {
	remaining, err := e.store.UnreadEnvelopesFrom(peer, e.self)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	if err := e.store.SetContactUnread(peer, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	e.notifyUnread()
	return nil
}

// applyContactInfo updates a contact profile, or the local profile when the
// change was made on a sibling device.
func (e *Engine) applyContactInfo(author string, info models.ContactInfo) error {
	if author == e.self {
		return e.saveProfile(models.Profile{DisplayName: info.Name, Biography: info.Biography})
	}

	if _, err := e.store.AddContact(author, e.now()); err != nil {
		return err
	}
	return e.updateContactProfile(author, info)
}

func (e *Engine) updateContactProfile(publicKey string, info models.ContactInfo) error {
	contact, err := e.store.GetContact(publicKey)
	if err != nil {
		return err
	}
	if contact.DisplayName == info.Name && contact.Biography == info.Biography {
		return nil
	}
	if err := e.store.UpdateContactInfo(publicKey, info.Name, info.Biography); err != nil {
		return err
	}
	e.notifyContacts()
	return nil
}

func (e *Engine) handleLegacyContactInfo(from, payload string) error {
	if from == e.self {
		return nil
	}
	var info models.ContactInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if info.Name == "" && info.Biography == "" {
		return nil
	}

	err := e.updateContactProfile(from, info)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) handleAck(from, payload string) error {
	var ack models.Ack
	if err := json.Unmarshal([]byte(payload), &ack); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if ack.ID == "" || !ack.Acknowledged {
		return fmt.Errorf("%w: ack without id", models.ErrInvalidPayload)
	}

	event, err := e.store.GetEvent(ack.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if event.ToPublicKey != from {
		return fmt.Errorf("%w: ack from non-recipient", errUnexpectedSender)
	}

	if _, err := e.store.MarkEventAcknowledged(ack.ID); err != nil {
		return err
	}
	return nil
}

func (e *Engine) handleHeartbeat(from string) error {
	if from == e.self {
		return nil
	}
	err := e.store.TouchContact(from, e.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	e.notifyContacts()
	e.flushUnacknowledged(from)
	return nil
}
