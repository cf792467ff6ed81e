package syncengine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"securicator/crypto"
	"securicator/models"
	"securicator/network"
	"securicator/storage"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestIdentity(t *testing.T) *crypto.Identity {
	t.Helper()

	encryptionKey, err := rsa.GenerateKey(rand.Reader, crypto.RSAKeyBits)
	require.NoError(t, err)
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	identity, err := crypto.NewIdentity(encryptionKey, signingKey)
	require.NoError(t, err)
	return identity
}

// testHub is an in-memory relay: it fans frames out to every online device
// bound to the destination except the sender, holds retention-1 frames for
// offline keys, and delivers one frame at a time when settled.
type testHub struct {
	mu      sync.Mutex
	devices map[string][]*testDevice
	pending []hubDelivery
	held    map[string][][]byte
}

type hubDelivery struct {
	from   *testDevice
	target *testDevice
	data   []byte
}

type testDevice struct {
	hub      *testHub
	identity *crypto.Identity
	store    *storage.Store
	engine   *Engine
	online   bool
	sent     [][]byte
}

func newTestHub() *testHub {
	return &testHub{
		devices: make(map[string][]*testDevice),
		held:    make(map[string][][]byte),
	}
}

func (h *testHub) addDevice(t *testing.T, identity *crypto.Identity, clock *testClock) *testDevice {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	device := &testDevice{hub: h, identity: identity, store: store, online: true}
	engine, err := New(Options{
		Identity:  identity,
		Store:     store,
		Transport: device,
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	})
	require.NoError(t, err)
	device.engine = engine

	h.mu.Lock()
	h.devices[identity.PublicKey()] = append(h.devices[identity.PublicKey()], device)
	h.mu.Unlock()
	return device
}

func (d *testDevice) key() string {
	return d.identity.PublicKey()
}

func (d *testDevice) Send(data []byte) error {
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()

	if !d.online {
		return network.ErrNotConnected
	}
	d.sent = append(d.sent, data)
	d.hub.pending = append(d.hub.pending, hubDelivery{from: d, data: data})
	return nil
}

func (h *testHub) setOnline(device *testDevice, online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	device.online = online
	if !online {
		return
	}
	for _, data := range h.held[device.key()] {
		h.pending = append(h.pending, hubDelivery{target: device, data: data})
	}
	delete(h.held, device.key())
}

// settle delivers frames until no device has anything left to say.
func (h *testHub) settle(t *testing.T) {
	t.Helper()

	for i := 0; i < 10_000; i++ {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return
		}
		next := h.pending[0]
		h.pending = h.pending[1:]
		frame, err := network.ParseFrame(next.data)
		if err != nil {
			h.mu.Unlock()
			t.Fatalf("hub received malformed frame: %v", err)
		}
		targets := h.routeLocked(next, frame)
		h.mu.Unlock()

		for _, target := range targets {
			target.engine.HandleFrame(context.Background(), frame)
		}
	}
	t.Fatalf("hub did not settle")
}

func (h *testHub) routeLocked(next hubDelivery, frame network.Frame) []*testDevice {
	if next.target != nil {
		if next.target.online {
			return []*testDevice{next.target}
		}
		h.held[frame.To] = append(h.held[frame.To], next.data)
		return nil
	}

	var targets []*testDevice
	for _, device := range h.devices[frame.To] {
		if device != next.from && device.online {
			targets = append(targets, device)
		}
	}
	if len(targets) == 0 && frame.Retention == network.RetentionQueue {
		h.held[frame.To] = append(h.held[frame.To], next.data)
	}
	return targets
}

// sentTo decodes every frame device sent to recipient.
func sentTo(t *testing.T, device *testDevice, recipient *crypto.Identity) ([]network.Frame, []network.Message) {
	t.Helper()

	device.hub.mu.Lock()
	sent := append([][]byte(nil), device.sent...)
	device.hub.mu.Unlock()

	var frames []network.Frame
	var messages []network.Message
	for _, data := range sent {
		frame, err := network.ParseFrame(data)
		require.NoError(t, err)
		if frame.To != recipient.PublicKey() {
			continue
		}
		opened, err := recipient.Open(frame.Sealed)
		require.NoError(t, err)
		require.True(t, opened.Verified)
		msg, err := network.ParseMessage(opened.Content)
		require.NoError(t, err)
		frames = append(frames, frame)
		messages = append(messages, msg)
	}
	return frames, messages
}

func countVerb(messages []network.Message, verb network.Verb) int {
	count := 0
	for _, msg := range messages {
		if msg.Verb == verb {
			count++
		}
	}
	return count
}

func eventIDs(t *testing.T, store *storage.Store) []string {
	t.Helper()

	events, err := store.QueryEvents("createdAt", ">=", time.Unix(0, 0))
	require.NoError(t, err)
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	return ids
}

func mustEvents(t *testing.T, store *storage.Store, eventType models.EventType) []models.Event {
	t.Helper()

	events, err := store.QueryEvents("type", "=", eventType)
	require.NoError(t, err)
	return events
}
