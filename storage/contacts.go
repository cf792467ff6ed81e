package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"securicator/models"
)

const contactColumns = `
			public_key,
			display_name,
			biography,
			last_seen_at,
			unread,
			signing_public_key,
			added_at`

// AddContact creates a contact for publicKey if it does not exist yet.
func (s *Store) AddContact(publicKey string, addedAt time.Time) (bool, error) {
	if strings.TrimSpace(publicKey) == "" {
		return false, errors.New("public key is required")
	}
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO contacts (public_key, added_at) VALUES (?, ?)`,
		publicKey,
		addedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for contact insert: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetContact fetches a contact by public key.
func (s *Store) GetContact(publicKey string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT`+contactColumns+` FROM contacts WHERE public_key = ?`, publicKey)

	contact, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return contact, nil
}

// ListContacts returns all contacts ordered by display name, then key.
func (s *Store) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(
		`SELECT` + contactColumns + `
		FROM contacts
		ORDER BY display_name, public_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]models.Contact, 0)
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		contacts = append(contacts, *contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}
	return contacts, nil
}

// UpdateContactInfo replaces the display name and biography of a contact.
func (s *Store) UpdateContactInfo(publicKey, displayName, biography string) error {
	return s.updateContact(
		"update contact info",
		`UPDATE contacts SET display_name = ?, biography = ? WHERE public_key = ?`,
		displayName, biography, publicKey,
	)
}

// TouchContact moves last_seen_at forward to seenAt. Older values are ignored.
func (s *Store) TouchContact(publicKey string, seenAt time.Time) error {
	return s.updateContact(
		"touch contact",
		`UPDATE contacts
		SET last_seen_at = CASE
				WHEN last_seen_at IS NULL OR last_seen_at < ? THEN ?
				ELSE last_seen_at
			END
		WHERE public_key = ?`,
		seenAt.UnixMilli(), seenAt.UnixMilli(), publicKey,
	)
}

// SetContactUnread sets the unread marker of a contact.
func (s *Store) SetContactUnread(publicKey string, unread bool) error {
	return s.updateContact(
		"set contact unread",
		`UPDATE contacts SET unread = ? WHERE public_key = ?`,
		boolToInt(unread), publicKey,
	)
}

// PinSigningKey stores signingPublicKey for a contact unless one is already pinned.
//
// It returns the key pinned after the call, which differs from signingPublicKey
// when an earlier key was kept.
func (s *Store) PinSigningKey(publicKey, signingPublicKey string) (string, error) {
	if strings.TrimSpace(signingPublicKey) == "" {
		return "", errors.New("signing public key is required")
	}
	if err := s.updateContact(
		"pin signing key",
		`UPDATE contacts SET signing_public_key = ? WHERE public_key = ? AND signing_public_key = ''`,
		signingPublicKey, publicKey,
	); err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	contact, err := s.GetContact(publicKey)
	if err != nil {
		return "", err
	}
	return contact.SigningPublicKey, nil
}

// UnreadCount returns the number of contacts with unread messages.
func (s *Store) UnreadCount() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM contacts WHERE unread = 1`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread contacts: %w", err)
	}
	return count, nil
}

func (s *Store) updateContact(op, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s: %w", op, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanContact(row scanner) (*models.Contact, error) {
	var (
		contact    models.Contact
		lastSeenAt sql.NullInt64
		unread     int
		addedAt    int64
	)
	if err := row.Scan(
		&contact.PublicKey,
		&contact.DisplayName,
		&contact.Biography,
		&lastSeenAt,
		&unread,
		&contact.SigningPublicKey,
		&addedAt,
	); err != nil {
		return nil, err
	}

	contact.LastSeenAt = timePtr(lastSeenAt)
	contact.Unread = unread == 1
	contact.AddedAt = fromUnixMilli(addedAt)
	return &contact, nil
}
