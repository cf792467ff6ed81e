package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"securicator/crypto"
	"securicator/models"
	"securicator/storage"
)

// SendMessage stores a new envelope for to and sends it as a reliable event.
// A send failure is not an error: the event stays unacknowledged and is retried.
func (e *Engine) SendMessage(to, content string) (models.Envelope, error) {
	if strings.TrimSpace(content) == "" {
		return models.Envelope{}, ErrEmptyMessage
	}
	if err := validateAddress(to); err != nil {
		return models.Envelope{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	envelope := models.Envelope{
		ID:                uuid.NewString(),
		Content:           content,
		SenderPublicKey:   e.self,
		ReceiverPublicKey: to,
		CreatedAt:         models.Timestamp(now),
	}
	event, err := models.NewEvent(envelope, e.self, to, now)
	if err != nil {
		return models.Envelope{}, err
	}

	if to != e.self {
		added, err := e.store.AddContact(to, now)
		if err != nil {
			return models.Envelope{}, err
		}
		if added {
			e.notifyContacts()
		}
	}
	if _, err := e.store.SaveEnvelope(envelope); err != nil {
		return models.Envelope{}, err
	}
	if err := e.emit(event); err != nil {
		return models.Envelope{}, err
	}

	e.notifier.OnEnvelopeChanged(envelope)
	e.RequestSync()
	e.offerSync()
	return envelope, nil
}

// AddContact adds publicKey to the contact list and records it for sibling devices.
func (e *Engine) AddContact(publicKey string) error {
	if err := validateAddress(publicKey); err != nil {
		return err
	}
	if publicKey == e.self {
		return fmt.Errorf("%w: cannot add own identity", ErrInvalidContact)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	added, err := e.store.AddContact(publicKey, now)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}

	event, err := models.NewEvent(models.ContactAdded{PublicKey: publicKey}, e.self, e.self, now)
	if err != nil {
		return err
	}
	if err := e.emit(event); err != nil {
		return err
	}

	e.notifyContacts()
	e.offerSync()
	return nil
}

// ChangeName updates the local display name and tells contacts and siblings.
func (e *Engine) ChangeName(name string) error {
	return e.updateProfile(func(profile *models.Profile) {
		profile.DisplayName = strings.TrimSpace(name)
	})
}

// ChangeBiography updates the local biography and tells contacts and siblings.
func (e *Engine) ChangeBiography(biography string) error {
	return e.updateProfile(func(profile *models.Profile) {
		profile.Biography = strings.TrimSpace(biography)
	})
}

func (e *Engine) updateProfile(mutate func(*models.Profile)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	profile, err := e.Profile()
	if err != nil {
		return err
	}
	mutate(&profile)
	if err := e.saveProfile(profile); err != nil {
		return err
	}

	contacts, err := e.store.ListContacts()
	if err != nil {
		return err
	}
	info := models.ContactInfo{Name: profile.DisplayName, Biography: profile.Biography}
	now := e.now()
	recipients := []string{e.self}
	for _, contact := range contacts {
		recipients = append(recipients, contact.PublicKey)
	}
	for _, to := range recipients {
		event, err := models.NewEvent(info, e.self, to, now)
		if err != nil {
			return err
		}
		if err := e.emit(event); err != nil {
			return err
		}
	}

	e.offerSync()
	return nil
}

// Profile returns the local display name and biography.
func (e *Engine) Profile() (models.Profile, error) {
	raw, err := e.store.Get(profileKey)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Profile{}, nil
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("load profile: %w", err)
	}

	var profile models.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return models.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (e *Engine) saveProfile(profile models.Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := e.store.Set(profileKey, string(raw)); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// MarkConversationRead marks every unread message from peer as read and
// sends read receipts back to peer.
func (e *Engine) MarkConversationRead(peer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	unread, err := e.store.UnreadEnvelopesFrom(peer, e.self)
	if err != nil {
		return err
	}

	now := e.now()
	readAt := models.Timestamp(now)
	for _, envelope := range unread {
		updated, err := e.store.SetEnvelopeRead(envelope.ID, readAt)
		if err != nil {
			return err
		}
		if !updated {
			continue
		}
		event, err := models.NewEvent(models.EnvelopeRead{ID: envelope.ID, ReadAt: readAt}, e.self, peer, now)
		if err != nil {
			return err
		}
		if err := e.emit(event); err != nil {
			return err
		}
		e.notifyEnvelope(envelope.ID)
	}

	if err := e.store.SetContactUnread(peer, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: unknown contact", ErrInvalidContact)
		}
		return err
	}
	e.notifyUnread()
	if len(unread) > 0 {
		e.offerSync()
	}
	return nil
}

// Contacts returns the contact list.
func (e *Engine) Contacts() ([]models.Contact, error) {
	return e.store.ListContacts()
}

// Conversation returns messages exchanged with peer, oldest first.
func (e *Engine) Conversation(peer string, limit, offset int) ([]models.Envelope, error) {
	return e.store.Conversation(e.self, peer, limit, offset)
}

// UnreadCount returns the number of contacts with unread messages.
func (e *Engine) UnreadCount() (int, error) {
	return e.store.UnreadCount()
}

// SecuritySummary reports dropped frames per contact.
func (e *Engine) SecuritySummary() ([]storage.ContactSecuritySummary, error) {
	return e.store.SecuritySummary()
}

// IsOnline reports whether peer sent a heartbeat within the last interval plus one second.
func (e *Engine) IsOnline(peer string) (bool, error) {
	contact, err := e.store.GetContact(peer)
	if err != nil {
		return false, err
	}
	return contact.IsOnline(e.now(), e.options.HeartbeatInterval), nil
}

func validateAddress(publicKey string) error {
	if _, err := crypto.ParsePublicKey(publicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContact, err)
	}
	return nil
}
