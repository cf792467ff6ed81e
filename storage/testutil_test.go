package storage

import (
	"testing"
	"time"

	"securicator/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAppendEvent(t *testing.T, store *Store, event models.Event) {
	t.Helper()

	inserted, err := store.AppendEvent(event)
	if err != nil {
		t.Fatalf("append event %q: %v", event.ID, err)
	}
	if !inserted {
		t.Fatalf("expected event %q to be new", event.ID)
	}
}

func testEvent(id string, eventType models.EventType, from, to string, createdAt time.Time) models.Event {
	return models.Event{
		ID:            id,
		Type:          eventType,
		FromPublicKey: from,
		ToPublicKey:   to,
		CreatedAt:     createdAt,
		Payload:       `{}`,
	}
}
