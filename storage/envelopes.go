package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"securicator/models"
)

const envelopeColumns = `
			id,
			content,
			sender_public_key,
			receiver_public_key,
			created_at,
			delivered_at,
			read_at`

// SaveEnvelope inserts envelope unless its id already exists.
func (s *Store) SaveEnvelope(envelope models.Envelope) (bool, error) {
	if err := envelope.Validate(); err != nil {
		return false, err
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO envelopes (`+envelopeColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		envelope.ID,
		envelope.Content,
		envelope.SenderPublicKey,
		envelope.ReceiverPublicKey,
		envelope.CreatedAt.UnixMilli(),
		nullTime(envelope.DeliveredAt),
		nullTime(envelope.ReadAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert envelope %q: %w", envelope.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for envelope %q: %w", envelope.ID, err)
	}
	return rowsAffected == 1, nil
}

// GetEnvelope fetches one envelope by id.
func (s *Store) GetEnvelope(id string) (*models.Envelope, error) {
	if id == "" {
		return nil, errors.New("envelope id is required")
	}

	row := s.db.QueryRow(`SELECT`+envelopeColumns+` FROM envelopes WHERE id = ?`, id)
	envelope, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get envelope %q: %w", id, err)
	}
	return envelope, nil
}

// Conversation returns envelopes exchanged between self and peer, oldest first.
//
// When peer equals self it returns notes-to-self.
func (s *Store) Conversation(self, peer string, limit, offset int) ([]models.Envelope, error) {
	if self == "" || peer == "" {
		return nil, errors.New("self and peer public keys are required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+envelopeColumns+`
		FROM envelopes
		WHERE (sender_public_key = ? AND receiver_public_key = ?)
		   OR (sender_public_key = ? AND receiver_public_key = ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`,
		self, peer,
		peer, self,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation with %q: %w", peer, err)
	}
	return collectEnvelopes(rows)
}

// UnreadEnvelopesFrom returns envelopes sent by sender to receiver that have no read_at yet.
func (s *Store) UnreadEnvelopesFrom(sender, receiver string) ([]models.Envelope, error) {
	rows, err := s.db.Query(
		`SELECT`+envelopeColumns+`
		FROM envelopes
		WHERE sender_public_key = ? AND receiver_public_key = ? AND read_at IS NULL
		ORDER BY created_at ASC, id ASC`,
		sender,
		receiver,
	)
	if err != nil {
		return nil, fmt.Errorf("get unread envelopes from %q: %w", sender, err)
	}
	return collectEnvelopes(rows)
}

// SetEnvelopeDelivered records deliveredAt once. Later calls leave the first value.
func (s *Store) SetEnvelopeDelivered(id string, deliveredAt time.Time) (bool, error) {
	return s.setEnvelopeTimeOnce("delivered_at", id, deliveredAt)
}

// SetEnvelopeRead records readAt once. Later calls leave the first value.
func (s *Store) SetEnvelopeRead(id string, readAt time.Time) (bool, error) {
	return s.setEnvelopeTimeOnce("read_at", id, readAt)
}

func (s *Store) setEnvelopeTimeOnce(column, id string, at time.Time) (bool, error) {
	if id == "" {
		return false, errors.New("envelope id is required")
	}

	res, err := s.db.Exec(
		`UPDATE envelopes SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`,
		at.UnixMilli(),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("set %s for envelope %q: %w", column, id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for %s %q: %w", column, id, err)
	}
	return rowsAffected == 1, nil
}

func collectEnvelopes(rows *sql.Rows) ([]models.Envelope, error) {
	defer rows.Close()

	envelopes := make([]models.Envelope, 0)
	for rows.Next() {
		envelope, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope row: %w", err)
		}
		envelopes = append(envelopes, *envelope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelope rows: %w", err)
	}
	return envelopes, nil
}

func scanEnvelope(row scanner) (*models.Envelope, error) {
	var (
		envelope    models.Envelope
		createdAt   int64
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
	)
	if err := row.Scan(
		&envelope.ID,
		&envelope.Content,
		&envelope.SenderPublicKey,
		&envelope.ReceiverPublicKey,
		&createdAt,
		&deliveredAt,
		&readAt,
	); err != nil {
		return nil, err
	}

	envelope.CreatedAt = fromUnixMilli(createdAt)
	envelope.DeliveredAt = timePtr(deliveredAt)
	envelope.ReadAt = timePtr(readAt)
	return &envelope, nil
}
