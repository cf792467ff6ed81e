package ui

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"securicator/crypto"
	"securicator/models"
	"securicator/network"
	"securicator/storage"
)

type fakeEngine struct {
	self     string
	profile  models.Profile
	contacts []models.Contact
	messages []models.Envelope
	online   map[string]bool
	read     []string
	security []storage.ContactSecuritySummary
	notifier *Console
}

func (f *fakeEngine) PublicKey() string { return f.self }

func (f *fakeEngine) SendMessage(to, content string) (models.Envelope, error) {
	envelope := models.Envelope{
		ID:                "sent-" + content,
		Content:           content,
		SenderPublicKey:   f.self,
		ReceiverPublicKey: to,
		CreatedAt:         time.Now(),
	}
	f.messages = append(f.messages, envelope)
	if f.notifier != nil {
		f.notifier.OnEnvelopeChanged(envelope)
	}
	return envelope, nil
}

func (f *fakeEngine) AddContact(publicKey string) error {
	if publicKey == f.self {
		return errors.New("cannot add own identity")
	}
	f.contacts = append(f.contacts, models.Contact{PublicKey: publicKey})
	return nil
}

func (f *fakeEngine) ChangeName(name string) error {
	f.profile.DisplayName = name
	return nil
}

func (f *fakeEngine) ChangeBiography(biography string) error {
	f.profile.Biography = biography
	return nil
}

func (f *fakeEngine) Profile() (models.Profile, error) { return f.profile, nil }

func (f *fakeEngine) Contacts() ([]models.Contact, error) { return f.contacts, nil }

func (f *fakeEngine) Conversation(peer string, limit, offset int) ([]models.Envelope, error) {
	var out []models.Envelope
	for _, envelope := range f.messages {
		if envelope.Peer(f.self) == peer {
			out = append(out, envelope)
		}
	}
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeEngine) MarkConversationRead(peer string) error {
	f.read = append(f.read, peer)
	return nil
}

func (f *fakeEngine) IsOnline(peer string) (bool, error) { return f.online[peer], nil }

func (f *fakeEngine) SecuritySummary() ([]storage.ContactSecuritySummary, error) {
	return f.security, nil
}

// syncBuffer lets the test read output while Run is writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded, err := crypto.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return encoded
}

func newTestConsole(t *testing.T, input string) (*Console, *fakeEngine, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	console := NewConsole(Options{In: strings.NewReader(input), Out: out, Logger: zerolog.Nop()})
	engine := &fakeEngine{self: testKey(t), online: make(map[string]bool)}
	engine.notifier = console
	return console, engine, out
}

func TestRunExecutesCommandsUntilQuit(t *testing.T) {
	bob := testKey(t)
	console, engine, out := newTestConsole(t, strings.Join([]string{
		"/name Alice",
		"/add " + bob,
		"/open 1",
		"hello bob",
		"/quit",
		"/name ignored",
	}, "\n"))

	if err := console.Run(context.Background(), engine); err != nil {
		t.Fatalf("run: %v", err)
	}

	if engine.profile.DisplayName != "Alice" {
		t.Fatalf("expected display name Alice, got %q", engine.profile.DisplayName)
	}
	if len(engine.contacts) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(engine.contacts))
	}
	if len(engine.read) != 1 || engine.read[0] != bob {
		t.Fatalf("expected conversation with bob marked read, got %v", engine.read)
	}
	if len(engine.messages) != 1 || engine.messages[0].ReceiverPublicKey != bob {
		t.Fatalf("expected one message to bob, got %+v", engine.messages)
	}
	if got := strings.Count(out.String(), "me: hello bob"); got != 1 {
		t.Fatalf("expected sent message printed once, got %d", got)
	}
}

func TestRunReturnsAtEndOfInput(t *testing.T) {
	console, engine, _ := newTestConsole(t, "/help\n")
	done := make(chan error, 1)
	go func() {
		done <- console.Run(context.Background(), engine)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return at end of input")
	}
}

func TestExecuteRequiresOpenConversation(t *testing.T) {
	console, engine, _ := newTestConsole(t, "")
	console.engine = engine
	console.self = engine.self

	for _, line := range []string{"hello", "/history"} {
		if _, err := console.Execute(line); !errors.Is(err, errNoConversation) {
			t.Fatalf("%q: expected errNoConversation, got %v", line, err)
		}
	}

	if _, err := console.Execute("/nope"); err == nil {
		t.Fatalf("expected unknown command error")
	}

	_, err := console.Execute("/open 3")
	if err == nil || !strings.Contains(err.Error(), "no contact #3") {
		t.Fatalf("expected no contact #3 error, got %v", err)
	}
}

func TestListContactsRendersTable(t *testing.T) {
	console, engine, out := newTestConsole(t, "")
	console.engine = engine
	console.self = engine.self

	carol := testKey(t)
	engine.contacts = []models.Contact{{PublicKey: carol, DisplayName: "Carol", Unread: true}}
	engine.online[carol] = true

	if _, err := console.Execute("/contacts"); err != nil {
		t.Fatalf("list contacts: %v", err)
	}

	text := out.String()
	for _, want := range []string{"Carol", "online", shortKey(carol)} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in contacts table:\n%s", want, text)
		}
	}
}

func TestEnvelopeUpdatesPrintStatusOnce(t *testing.T) {
	console, engine, out := newTestConsole(t, "")
	console.engine = engine
	console.self = engine.self
	bob := testKey(t)
	console.peer = bob

	envelope, err := engine.SendMessage(bob, "status check")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	now := time.Now()
	envelope.DeliveredAt = &now
	console.OnEnvelopeChanged(envelope)
	console.OnEnvelopeChanged(envelope)
	envelope.ReadAt = &now
	console.OnEnvelopeChanged(envelope)

	text := out.String()
	for _, line := range []string{"me: status check", "delivered: status check", "read: status check"} {
		if got := strings.Count(text, line); got != 1 {
			t.Fatalf("expected %q once, got %d:\n%s", line, got, text)
		}
	}
}

func TestNotificationsOutsideOpenConversation(t *testing.T) {
	console, engine, out := newTestConsole(t, "")
	console.self = engine.self
	dave := testKey(t)
	console.OnContactsChanged([]models.Contact{{PublicKey: dave, DisplayName: "Dave"}})

	incoming := models.Envelope{
		ID:                "from-dave",
		Content:           "psst",
		SenderPublicKey:   dave,
		ReceiverPublicKey: engine.self,
		CreatedAt:         time.Now(),
	}
	console.OnEnvelopeChanged(incoming)
	console.OnEnvelopeChanged(incoming)
	console.OnUnreadCountChanged(1)
	console.OnUnreadCountChanged(1)
	console.OnConnectionStateChanged(network.StateConnected)

	text := out.String()
	if got := strings.Count(text, "[new message] from Dave"); got != 1 {
		t.Fatalf("expected one new message hint, got %d:\n%s", got, text)
	}
	if strings.Contains(text, "psst") {
		t.Fatalf("message body printed outside its conversation:\n%s", text)
	}
	if got := strings.Count(text, "[unread] 1"); got != 1 {
		t.Fatalf("expected unread count once, got %d:\n%s", got, text)
	}
	if !strings.Contains(text, "[relay] connected") {
		t.Fatalf("expected relay status line:\n%s", text)
	}
}

func TestSecuritySummaryTable(t *testing.T) {
	console, engine, out := newTestConsole(t, "")
	console.engine = engine
	console.self = engine.self

	if _, err := console.Execute("/security"); err != nil {
		t.Fatalf("empty security summary: %v", err)
	}
	if !strings.Contains(out.String(), "no dropped frames") {
		t.Fatalf("expected empty summary message:\n%s", out.String())
	}

	mallory := testKey(t)
	console.OnContactsChanged([]models.Contact{{PublicKey: mallory, DisplayName: "Mallory"}})
	engine.security = []storage.ContactSecuritySummary{{
		ContactPublicKey: mallory,
		Dropped:          7,
		Critical:         2,
		LastAt:           time.Now(),
	}}
	if _, err := console.Execute("/security"); err != nil {
		t.Fatalf("security summary: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Mallory", shortKey(mallory), "7", "2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in security table:\n%s", want, text)
		}
	}
}
