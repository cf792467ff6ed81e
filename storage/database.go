package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "securicator.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
	// DefaultSecurityEventsPerContact caps security log rows kept per contact.
	DefaultSecurityEventsPerContact = 500
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS contacts (
  public_key         TEXT PRIMARY KEY,
  display_name       TEXT NOT NULL DEFAULT '',
  biography          TEXT NOT NULL DEFAULT '',
  last_seen_at       INTEGER,
  unread             INTEGER NOT NULL DEFAULT 0,
  signing_public_key TEXT NOT NULL DEFAULT '',
  added_at           INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS envelopes (
  id                  TEXT PRIMARY KEY,
  content             TEXT NOT NULL,
  sender_public_key   TEXT NOT NULL,
  receiver_public_key TEXT NOT NULL,
  created_at          INTEGER NOT NULL,
  delivered_at        INTEGER,
  read_at             INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_envelopes_sender
ON envelopes (sender_public_key, created_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_envelopes_receiver
ON envelopes (receiver_public_key, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS events (
  id              TEXT PRIMARY KEY,
  type            TEXT NOT NULL CHECK(type IN ('envelope','envelope-delivered','envelope-read','contact','contact-info')),
  from_public_key TEXT NOT NULL,
  to_public_key   TEXT NOT NULL,
  created_at      INTEGER NOT NULL,
  payload         TEXT NOT NULL,
  acknowledged    INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_events_to_public_key
ON events (to_public_key);
`,
	`
CREATE INDEX IF NOT EXISTS idx_events_created_at
ON events (created_at, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_events_acknowledged
ON events (acknowledged, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS sync_cursors (
  synchronization_id TEXT PRIMARY KEY,
  time               INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS kv (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type         TEXT NOT NULL,
  contact_public_key TEXT,
  details            TEXT NOT NULL,
  severity           TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp          INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_contact
ON security_events (contact_public_key, timestamp DESC, id DESC);
`,
}

// Store persists contacts, envelopes, the event log, sync cursors and
// key-value settings of one device in SQLite.
type Store struct {
	db *sql.DB

	walCheckpointInterval    time.Duration
	walCheckpointStop        chan struct{}
	walCheckpointWG          sync.WaitGroup
	securityEventRetention   time.Duration
	securityEventsPerContact int
	closeOnce                sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		walCheckpointInterval:    DefaultWALCheckpointInterval,
		walCheckpointStop:        make(chan struct{}),
		securityEventRetention:   DefaultSecurityEventRetention,
		securityEventsPerContact: DefaultSecurityEventsPerContact,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
