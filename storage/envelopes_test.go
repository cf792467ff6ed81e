package storage

import (
	"testing"
	"time"

	"securicator/models"
)

func TestEnvelopeConversationAndSetOnceTimestamps(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for _, envelope := range []models.Envelope{
		{ID: "env-1", Content: "hi bob", SenderPublicKey: "alice", ReceiverPublicKey: "bob", CreatedAt: base},
		{ID: "env-2", Content: "hi alice", SenderPublicKey: "bob", ReceiverPublicKey: "alice", CreatedAt: base.Add(time.Second)},
		{ID: "env-3", Content: "hi carol", SenderPublicKey: "alice", ReceiverPublicKey: "carol", CreatedAt: base.Add(2 * time.Second)},
	} {
		inserted, err := store.SaveEnvelope(envelope)
		if err != nil {
			t.Fatalf("SaveEnvelope %q failed: %v", envelope.ID, err)
		}
		if !inserted {
			t.Fatalf("expected envelope %q to be new", envelope.ID)
		}
	}

	inserted, err := store.SaveEnvelope(models.Envelope{ID: "env-1", Content: "changed", SenderPublicKey: "alice", ReceiverPublicKey: "bob", CreatedAt: base})
	if err != nil {
		t.Fatalf("duplicate SaveEnvelope failed: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate envelope to be ignored")
	}

	conversation, err := store.Conversation("alice", "bob", 10, 0)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(conversation) != 2 || conversation[0].ID != "env-1" || conversation[1].ID != "env-2" {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}
	if conversation[0].Content != "hi bob" {
		t.Fatalf("expected original content to be kept, got %q", conversation[0].Content)
	}

	firstDelivery := base.Add(5 * time.Second)
	changed, err := store.SetEnvelopeDelivered("env-1", firstDelivery)
	if err != nil || !changed {
		t.Fatalf("expected first delivery to be recorded, got %v (%v)", changed, err)
	}
	changed, err = store.SetEnvelopeDelivered("env-1", base.Add(time.Minute))
	if err != nil || changed {
		t.Fatalf("expected second delivery to be ignored, got %v (%v)", changed, err)
	}

	unread, err := store.UnreadEnvelopesFrom("bob", "alice")
	if err != nil {
		t.Fatalf("UnreadEnvelopesFrom failed: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != "env-2" {
		t.Fatalf("unexpected unread envelopes: %+v", unread)
	}
	if changed, err := store.SetEnvelopeRead("env-2", base.Add(6*time.Second)); err != nil || !changed {
		t.Fatalf("expected read to be recorded, got %v (%v)", changed, err)
	}

	stored, err := store.GetEnvelope("env-1")
	if err != nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if stored.DeliveredAt == nil || !stored.DeliveredAt.Equal(firstDelivery) {
		t.Fatalf("expected deliveredAt %s, got %v", firstDelivery, stored.DeliveredAt)
	}
	if stored.ReadAt != nil {
		t.Fatalf("expected env-1 to remain unread")
	}

	unread, err = store.UnreadEnvelopesFrom("bob", "alice")
	if err != nil {
		t.Fatalf("UnreadEnvelopesFrom after read failed: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected no unread envelopes, got %d", len(unread))
	}
}
