package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSecurityEventLimits bounds the security log by age and by rows kept per
// contact. Non-positive values restore the defaults.
func (s *Store) SetSecurityEventLimits(retention time.Duration, perContact int) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	if perContact <= 0 {
		perContact = DefaultSecurityEventsPerContact
	}
	s.securityEventRetention = retention
	s.securityEventsPerContact = perContact
}

// LogSecurityEvent records why an inbound frame was dropped. Afterwards rows
// past the retention window are pruned, and so are the oldest rows of a
// contact that exceeded its cap, so an impostor flooding forged frames cannot
// grow the log without bound.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var contact *string
	if event.ContactPublicKey != nil {
		if trimmed := strings.TrimSpace(*event.ContactPublicKey); trimmed != "" {
			contact = &trimmed
		}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			contact_public_key,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(contact),
		event.Details,
		event.Severity,
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return err
		}
	}
	if contact != nil && s.securityEventsPerContact > 0 {
		if _, err := s.PruneContactSecurityEvents(*contact, s.securityEventsPerContact); err != nil {
			return err
		}
	}
	return nil
}

// GetSecurityEvents returns recorded security events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		where = append(where, clause)
		args = append(args, value)
	}
	if filter.EventType != "" {
		add("event_type = ?", filter.EventType)
	}
	if filter.ContactPublicKey != "" {
		add("contact_public_key = ?", filter.ContactPublicKey)
	}
	if filter.Severity != "" {
		add("severity = ?", filter.Severity)
	}
	if filter.FromTimestamp != nil {
		add("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		add("timestamp <= ?", *filter.ToTimestamp)
	}

	query := `SELECT id, event_type, contact_public_key, details, severity, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// SecuritySummary groups the log by contact, contacts with the most critical
// drops first. Rows without a contact are left out.
func (s *Store) SecuritySummary() ([]ContactSecuritySummary, error) {
	rows, err := s.db.Query(
		`SELECT
			contact_public_key,
			COUNT(1),
			SUM(CASE WHEN severity = ? THEN 1 ELSE 0 END),
			MAX(timestamp)
		FROM security_events
		WHERE contact_public_key IS NOT NULL
		GROUP BY contact_public_key
		ORDER BY 3 DESC, 2 DESC, contact_public_key ASC`,
		SecuritySeverityCritical,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize security events: %w", err)
	}
	defer rows.Close()

	summaries := make([]ContactSecuritySummary, 0)
	for rows.Next() {
		var (
			summary ContactSecuritySummary
			last    int64
		)
		if err := rows.Scan(&summary.ContactPublicKey, &summary.Dropped, &summary.Critical, &last); err != nil {
			return nil, fmt.Errorf("scan security summary row: %w", err)
		}
		summary.LastAt = fromUnixMilli(last)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security summary rows: %w", err)
	}
	return summaries, nil
}

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	return s.deleteSecurityEvents(
		"prune security events",
		`DELETE FROM security_events WHERE timestamp < ?`,
		cutoffTimestamp,
	)
}

// PruneContactSecurityEvents keeps only the newest keep rows recorded against contactPublicKey.
func (s *Store) PruneContactSecurityEvents(contactPublicKey string, keep int) (int64, error) {
	if contactPublicKey == "" {
		return 0, errors.New("contact public key is required")
	}
	if keep < 0 {
		keep = 0
	}
	return s.deleteSecurityEvents(
		"prune contact security events",
		`DELETE FROM security_events
		WHERE contact_public_key = ?
		  AND id NOT IN (
			SELECT id FROM security_events
			WHERE contact_public_key = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		  )`,
		contactPublicKey, contactPublicKey, keep,
	)
}

func (s *Store) deleteSecurityEvents(op, query string, args ...any) (int64, error) {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for %s: %w", op, err)
	}
	return rowsAffected, nil
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event   SecurityEvent
		contact sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&contact,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.ContactPublicKey = stringPtr(contact)
	return &event, nil
}
