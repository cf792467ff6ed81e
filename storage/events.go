package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"securicator/models"
)

const eventColumns = `
			id,
			type,
			from_public_key,
			to_public_key,
			created_at,
			payload,
			acknowledged`

var eventQueryFields = map[string]string{
	"id":            "id",
	"type":          "type",
	"fromPublicKey": "from_public_key",
	"toPublicKey":   "to_public_key",
	"createdAt":     "created_at",
	"acknowledged":  "acknowledged",
}

var eventQueryOps = map[string]struct{}{
	"=": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
}

// AppendEvent stores event unless its id is already present.
//
// The returned bool is false when the id was seen before; the stored row is left untouched.
func (s *Store) AppendEvent(event models.Event) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (`+eventColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.FromPublicKey,
		event.ToPublicKey,
		event.CreatedAt.UnixMilli(),
		event.Payload,
		boolToInt(event.Acknowledged),
	)
	if err != nil {
		return false, fmt.Errorf("insert event %q: %w", event.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for event %q: %w", event.ID, err)
	}
	return rowsAffected == 1, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(id string) (*models.Event, error) {
	if id == "" {
		return nil, errors.New("event id is required")
	}

	row := s.db.QueryRow(`SELECT`+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event %q: %w", id, err)
	}
	return event, nil
}

// HasEvent reports whether an event id was already stored.
func (s *Store) HasEvent(id string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM events WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event %q: %w", id, err)
	}
	return true, nil
}

// QueryEvents filters the event log on one field, ordered by creation time.
//
// field uses the wire names (fromPublicKey, createdAt, ...). time.Time and bool
// values are converted to their stored representation.
func (s *Store) QueryEvents(field, op string, value any) ([]models.Event, error) {
	column, ok := eventQueryFields[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q", ErrInvalidQuery, field)
	}
	if _, ok := eventQueryOps[op]; !ok {
		return nil, fmt.Errorf("%w: operator %q", ErrInvalidQuery, op)
	}

	switch v := value.(type) {
	case time.Time:
		value = v.UnixMilli()
	case bool:
		value = boolToInt(v)
	case models.EventType:
		value = string(v)
	}

	return s.queryEvents(
		`SELECT`+eventColumns+`
		FROM events
		WHERE `+column+` `+op+` ?
		ORDER BY created_at ASC, id ASC`,
		value,
	)
}

// UnacknowledgedEvents returns events still waiting for an ACK, optionally limited to one recipient.
func (s *Store) UnacknowledgedEvents(toPublicKey string) ([]models.Event, error) {
	if strings.TrimSpace(toPublicKey) == "" {
		return s.queryEvents(
			`SELECT` + eventColumns + `
			FROM events
			WHERE acknowledged = 0
			ORDER BY created_at ASC, id ASC`,
		)
	}
	return s.queryEvents(
		`SELECT`+eventColumns+`
		FROM events
		WHERE acknowledged = 0 AND to_public_key = ?
		ORDER BY created_at ASC, id ASC`,
		toPublicKey,
	)
}

// EarliestEventsAfter returns every event sharing the smallest created_at strictly after cursor.
func (s *Store) EarliestEventsAfter(cursor time.Time) ([]models.Event, error) {
	after := cursor.UnixMilli()
	return s.queryEvents(
		`SELECT`+eventColumns+`
		FROM events
		WHERE created_at = (SELECT MIN(created_at) FROM events WHERE created_at > ?)
		ORDER BY id ASC`,
		after,
	)
}

// ReceiptsFor returns stored delivery and read receipts that reference envelopeID.
func (s *Store) ReceiptsFor(envelopeID string) ([]models.Event, error) {
	if envelopeID == "" {
		return nil, errors.New("envelope id is required")
	}
	return s.queryEvents(
		`SELECT`+eventColumns+`
		FROM events
		WHERE type IN (?, ?) AND json_extract(payload, '$.id') = ?
		ORDER BY created_at ASC, id ASC`,
		string(models.EventTypeEnvelopeDelivered),
		string(models.EventTypeEnvelopeRead),
		envelopeID,
	)
}

// MarkEventAcknowledged flips acknowledged for id. It reports false when the
// event is unknown or already acknowledged.
func (s *Store) MarkEventAcknowledged(id string) (bool, error) {
	if id == "" {
		return false, errors.New("event id is required")
	}

	res, err := s.db.Exec(`UPDATE events SET acknowledged = 1 WHERE id = ? AND acknowledged = 0`, id)
	if err != nil {
		return false, fmt.Errorf("acknowledge event %q: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for acknowledge %q: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (s *Store) queryEvents(query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		event        models.Event
		eventType    string
		createdAt    int64
		acknowledged int
	)
	if err := row.Scan(
		&event.ID,
		&eventType,
		&event.FromPublicKey,
		&event.ToPublicKey,
		&createdAt,
		&event.Payload,
		&acknowledged,
	); err != nil {
		return nil, err
	}

	event.Type = models.EventType(eventType)
	event.CreatedAt = fromUnixMilli(createdAt)
	event.Acknowledged = acknowledged == 1
	return &event, nil
}
