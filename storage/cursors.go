package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncCursor returns the last event time exchanged with a sibling device.
// Unknown ids start at the Unix epoch.
func (s *Store) GetSyncCursor(synchronizationID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(
		`SELECT time FROM sync_cursors WHERE synchronization_id = ?`,
		synchronizationID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Unix(0, 0).UTC(), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get sync cursor %q: %w", synchronizationID, err)
	}
	return fromUnixMilli(ms), nil
}

// AdvanceSyncCursor moves the cursor for synchronizationID to at, only forward.
// It reports whether the stored value changed.
func (s *Store) AdvanceSyncCursor(synchronizationID string, at time.Time) (bool, error) {
	if synchronizationID == "" {
		return false, errors.New("synchronization id is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO sync_cursors (synchronization_id, time) VALUES (?, ?)
		ON CONFLICT(synchronization_id) DO UPDATE SET time = excluded.time
		WHERE excluded.time > sync_cursors.time`,
		synchronizationID,
		at.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("advance sync cursor %q: %w", synchronizationID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for sync cursor %q: %w", synchronizationID, err)
	}
	return rowsAffected == 1, nil
}
