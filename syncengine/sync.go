package syncengine

import (
	"encoding/json"
	"fmt"
	"time"

	"securicator/models"
	"securicator/network"
)

// syncBatch collects one responder's same-timestamp bucket until every event has arrived.
type syncBatch struct {
	createdAt time.Time
	size      int
	seen      map[string]struct{}
}

// RequestSync asks sibling devices for the next bucket of events this device has not confirmed.
func (e *Engine) RequestSync() {
	e.sendSyncVerb(network.VerbSameContactSync, models.SyncRequest{SynchronizationID: e.syncID})
}

// offerSync hints siblings that new local events exist; they answer with RequestSync.
func (e *Engine) offerSync() {
	e.sendSyncVerb(network.VerbOfferSameContactSync, models.SyncOffer{SynchronizationID: e.syncID})
}

func (e *Engine) sendSyncVerb(verb network.Verb, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("verb", string(verb)).Msg("marshal sync payload")
		return
	}
	e.send(e.self, network.RetentionDrop, network.Message{Verb: verb, Payload: string(raw)})
}

// handleSyncRequest answers a sibling with the earliest bucket of events
// created after its cursor. Only one bucket is sent per request.
func (e *Engine) handleSyncRequest(payload string) error {
	var req models.SyncRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if req.SynchronizationID == "" {
		return fmt.Errorf("%w: synchronizationId is required", models.ErrInvalidPayload)
	}
	if req.SynchronizationID == e.syncID {
		return nil
	}

	cursor, err := e.store.GetSyncCursor(req.SynchronizationID)
	if err != nil {
		return err
	}
	batch, err := e.store.EarliestEventsAfter(cursor)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	for _, event := range batch {
		event.IsSyncEvent = true
		event.SyncFrom = e.syncID
		event.SyncTo = req.SynchronizationID
		event.SyncBatchSize = len(batch)
		e.sendEvent(e.self, event, network.RetentionDrop)
	}
	e.logger.Debug().
		Str("sibling", req.SynchronizationID).
		Time("bucket", batch[0].CreatedAt).
		Int("events", len(batch)).
		Msg("sent sync batch")
	return nil
}

// applySyncEvent stores an event copied from a sibling without acks or
// receipts, and confirms the bucket once it is complete.
func (e *Engine) applySyncEvent(event models.Event) error {
	if event.SyncTo != e.syncID || event.SyncFrom == "" || event.SyncFrom == e.syncID {
		return nil
	}

	stored := event.StripSync()
	stored.Acknowledged = true

	seen, err := e.store.HasEvent(stored.ID)
	if err != nil {
		return err
	}
	if !seen {
		if err := e.apply(stored, false); err != nil {
			e.logger.Warn().Err(err).Str("event", stored.ID).Msg("apply synced event")
		}
		if _, err := e.store.AppendEvent(stored); err != nil {
			return err
		}
	}

	e.trackBatch(event)
	return nil
}

func (e *Engine) trackBatch(event models.Event) {
	batch := e.batches[event.SyncFrom]
	if batch == nil || !batch.createdAt.Equal(event.CreatedAt) {
		batch = &syncBatch{
			createdAt: event.CreatedAt,
			size:      max(event.SyncBatchSize, 1),
			seen:      make(map[string]struct{}),
		}
		e.batches[event.SyncFrom] = batch
	}
	batch.seen[event.ID] = struct{}{}
	if len(batch.seen) < batch.size {
		return
	}
	delete(e.batches, event.SyncFrom)

	e.sendSyncVerb(network.VerbUpdateLastContactSync, models.SyncProgress{
		RequesterID: e.syncID,
		RecipientID: event.SyncFrom,
		Time:        batch.createdAt,
	})
	// Pull the next bucket straight away instead of waiting for the sync timer.
	e.RequestSync()
}

// handleSyncProgress moves this device's cursor for a sibling forward.
func (e *Engine) handleSyncProgress(payload string) error {
	var progress models.SyncProgress
	if err := json.Unmarshal([]byte(payload), &progress); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if progress.RequesterID == "" || progress.Time.IsZero() {
		return fmt.Errorf("%w: requesterId and time are required", models.ErrInvalidPayload)
	}
	if progress.RecipientID != e.syncID {
		return nil
	}

	advanced, err := e.store.AdvanceSyncCursor(progress.RequesterID, models.Timestamp(progress.Time))
	if err != nil {
		return err
	}
	if advanced {
		e.logger.Debug().Str("sibling", progress.RequesterID).Time("cursor", progress.Time).Msg("sync cursor advanced")
	}
	return nil
}

func (e *Engine) handleSyncOffer(payload string) error {
	var offer models.SyncOffer
	if err := json.Unmarshal([]byte(payload), &offer); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if offer.SynchronizationID == "" || offer.SynchronizationID == e.syncID {
		return nil
	}
	e.RequestSync()
	return nil
}
