package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"securicator/crypto"
	"securicator/models"
	"securicator/network"
	"securicator/storage"
	"securicator/syncengine"
)

const (
	defaultHistory = 20
	shortKeyLength = 8
)

var errNoConversation = errors.New("no conversation open, use /open first")

var (
	_ Engine              = (*syncengine.Engine)(nil)
	_ syncengine.Notifier = (*Console)(nil)
)

// Engine is the part of the sync engine the console drives.
type Engine interface {
	PublicKey() string
	SendMessage(to, content string) (models.Envelope, error)
	AddContact(publicKey string) error
	ChangeName(name string) error
	ChangeBiography(biography string) error
	Profile() (models.Profile, error)
	Contacts() ([]models.Contact, error)
	Conversation(peer string, limit, offset int) ([]models.Envelope, error)
	MarkConversationRead(peer string) error
	IsOnline(peer string) (bool, error)
	SecuritySummary() ([]storage.ContactSecuritySummary, error)
}

// Options configures a Console.
type Options struct {
	In     io.Reader
	Out    io.Writer
	Color  bool
	Logger zerolog.Logger
}

// Console is a line-oriented chat client. It implements the engine's
// notifier so updates are printed as they happen.
type Console struct {
	in     io.Reader
	logger zerolog.Logger

	mu       sync.Mutex
	out      io.Writer
	engine   Engine
	self     string
	peer     string
	contacts []models.Contact
	unread   int
	printed  map[string]envelopeStatus

	info   *color.Color
	notice *color.Color
	alert  *color.Color
	sender *color.Color
}

type envelopeStatus int

const (
	statusSent envelopeStatus = iota
	statusDelivered
	statusRead
)

// NewConsole builds a console. Call Run once the engine exists.
func NewConsole(opts Options) *Console {
	c := &Console{
		in:      opts.In,
		out:     opts.Out,
		logger:  opts.Logger,
		printed: make(map[string]envelopeStatus),
		info:    color.New(color.FgCyan),
		notice:  color.New(color.FgYellow),
		alert:   color.New(color.FgHiRed),
		sender:  color.New(color.FgGreen, color.Bold),
	}
	if !opts.Color {
		for _, col := range []*color.Color{c.info, c.notice, c.alert, c.sender} {
			col.DisableColor()
		}
	}
	return c
}

// Run reads commands until ctx is done, the input ends or /quit is entered.
func (c *Console) Run(ctx context.Context, engine Engine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.engine = engine
	c.self = engine.PublicKey()
	c.mu.Unlock()

	c.printf(c.info, "securicator %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(c.self)))
	c.printf(c.info, "type /help for commands\n")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), network.DefaultMaxMessageBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := c.Execute(line)
			if err != nil {
				c.printf(c.alert, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Execute runs one input line. It reports true when the user asked to quit.
func (c *Console) Execute(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.send(line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/help":
		c.help()
	case "/quit", "/exit":
		return true, nil
	case "/whoami":
		return false, c.whoami()
	case "/contacts":
		return false, c.listContacts()
	case "/add":
		return false, c.addContact(arg)
	case "/open":
		return false, c.open(arg)
	case "/history":
		return false, c.history(arg)
	case "/read":
		return false, c.markRead()
	case "/name":
		return false, c.engine.ChangeName(arg)
	case "/bio":
		return false, c.engine.ChangeBiography(arg)
	case "/security":
		return false, c.securitySummary()
	default:
		return false, fmt.Errorf("unknown command %q", command)
	}
	return false, nil
}

func (c *Console) help() {
	c.printf(nil, `commands:
  /whoami              show your public key and profile
  /contacts            list contacts
  /add <public key>    add a contact
  /open <# or key>     open a conversation
  /history [n]         show the last n messages
  /read                mark the open conversation read
  /name <name>         change your display name
  /bio <text>          change your biography
  /security            show dropped frames per contact
  /quit                exit
anything else is sent to the open conversation
`)
}

func (c *Console) whoami() error {
	profile, err := c.engine.Profile()
	if err != nil {
		return err
	}
	c.printf(nil, "name:        %s\nbiography:   %s\nfingerprint: %s\npublic key:  %s\n",
		valueOrDefault(profile.DisplayName, "-"),
		valueOrDefault(profile.Biography, "-"),
		crypto.FormatFingerprint(crypto.KeyFingerprint(c.self)),
		c.self,
	)
	return nil
}

func (c *Console) listContacts() error {
	contacts, err := c.engine.Contacts()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.contacts = contacts
	c.mu.Unlock()

	if len(contacts) == 0 {
		c.printf(nil, "no contacts yet, use /add <public key>\n")
		return nil
	}

	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"#", "Name", "Key", "Status", "Unread"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for i, contact := range contacts {
		status := "offline"
		if online, err := c.engine.IsOnline(contact.PublicKey); err == nil && online {
			status = "online"
		}
		unread := ""
		if contact.Unread {
			unread = "*"
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			displayName(contact),
			shortKey(contact.PublicKey),
			status,
			unread,
		})
	}
	table.Render()
	c.printf(nil, "%s", b.String())
	return nil
}

func (c *Console) securitySummary() error {
	summary, err := c.engine.SecuritySummary()
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		c.printf(c.info, "no dropped frames\n")
		return nil
	}

	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"Contact", "Key", "Dropped", "Critical", "Last"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, row := range summary {
		table.Append([]string{
			c.nameOf(row.ContactPublicKey),
			shortKey(row.ContactPublicKey),
			strconv.Itoa(row.Dropped),
			strconv.Itoa(row.Critical),
			row.LastAt.Local().Format(time.DateTime),
		})
	}
	table.Render()

	col := c.notice
	if summary[0].Critical > 0 {
		col = c.alert
	}
	c.printf(col, "%s", b.String())
	return nil
}

func (c *Console) addContact(publicKey string) error {
	if publicKey == "" {
		return errors.New("usage: /add <public key>")
	}
	if err := c.engine.AddContact(publicKey); err != nil {
		return err
	}
	c.printf(c.info, "added %s\n", shortKey(publicKey))
	return nil
}

// open selects a conversation by contact list index or public key.
func (c *Console) open(arg string) error {
	if arg == "" {
		return errors.New("usage: /open <# or public key>")
	}

	peer := arg
	if index, err := strconv.Atoi(arg); err == nil {
		contacts, err := c.engine.Contacts()
		if err != nil {
			return err
		}
		if index < 1 || index > len(contacts) {
			return fmt.Errorf("no contact #%d", index)
		}
		peer = contacts[index-1].PublicKey
	}

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	if err := c.history(""); err != nil {
		return err
	}
	return c.markRead()
}

func (c *Console) history(arg string) error {
	peer, err := c.currentPeer()
	if err != nil {
		return err
	}
	limit := defaultHistory
	if arg != "" {
		limit, err = strconv.Atoi(arg)
		if err != nil || limit <= 0 {
			return fmt.Errorf("invalid message count %q", arg)
		}
	}

	total, err := c.engine.Conversation(peer, 0, 0)
	if err != nil {
		return err
	}
	offset := max(len(total)-limit, 0)
	envelopes, err := c.engine.Conversation(peer, limit, offset)
	if err != nil {
		return err
	}
	if len(envelopes) == 0 {
		c.printf(nil, "no messages with %s yet\n", shortKey(peer))
		return nil
	}
	for _, envelope := range envelopes {
		c.printEnvelope(envelope)
	}
	return nil
}

func (c *Console) markRead() error {
	peer, err := c.currentPeer()
	if err != nil {
		return err
	}
	return c.engine.MarkConversationRead(peer)
}

func (c *Console) send(content string) error {
	peer, err := c.currentPeer()
	if err != nil {
		return err
	}
	envelope, err := c.engine.SendMessage(peer, content)
	if err != nil {
		return err
	}
	c.printEnvelope(envelope)
	return nil
}

func (c *Console) currentPeer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == "" {
		return "", errNoConversation
	}
	return c.peer, nil
}

// OnContactsChanged implements the engine notifier.
func (c *Console) OnContactsChanged(contacts []models.Contact) {
	c.mu.Lock()
	c.contacts = contacts
	c.mu.Unlock()
}

// OnConnectionStateChanged implements the engine notifier.
func (c *Console) OnConnectionStateChanged(state network.ConnectionState) {
	col := c.notice
	if state == network.StateConnected {
		col = c.info
	}
	c.printf(col, "[relay] %s\n", strings.ToLower(string(state)))
}

// OnUnreadCountChanged implements the engine notifier.
func (c *Console) OnUnreadCountChanged(count int) {
	c.mu.Lock()
	changed := count != c.unread
	c.unread = count
	c.mu.Unlock()
	if changed && count > 0 {
		c.printf(c.notice, "[unread] %d conversation(s)\n", count)
	}
}

// OnEnvelopeChanged implements the engine notifier. New messages in the open
// conversation are printed; others produce a one-line hint.
func (c *Console) OnEnvelopeChanged(envelope models.Envelope) {
	c.mu.Lock()
	peer := c.peer
	self := c.self
	c.mu.Unlock()

	if envelope.Peer(self) == peer {
		c.printEnvelope(envelope)
		return
	}
	if envelope.SenderPublicKey != self && !c.seen(envelope) {
		c.markPrinted(envelope)
		c.printf(c.notice, "[new message] from %s\n", c.nameOf(envelope.SenderPublicKey))
	}
}

// printEnvelope prints a message the first time it is seen, and a status
// line when one of our messages is later delivered or read.
func (c *Console) printEnvelope(envelope models.Envelope) {
	status := statusOf(envelope)

	c.mu.Lock()
	previous, seen := c.printed[envelope.ID]
	c.printed[envelope.ID] = max(status, previous)
	self := c.self
	c.mu.Unlock()

	if !seen {
		c.printf(nil, "%s %s %s\n",
			envelope.CreatedAt.Local().Format(time.TimeOnly),
			c.sender.Sprintf("%s:", c.nameOf(envelope.SenderPublicKey)),
			envelope.Content,
		)
		return
	}
	if envelope.SenderPublicKey != self || status <= previous {
		return
	}
	switch status {
	case statusDelivered:
		c.printf(c.info, "  delivered: %s\n", truncate(envelope.Content, 24))
	case statusRead:
		c.printf(c.info, "  read: %s\n", truncate(envelope.Content, 24))
	}
}

func (c *Console) seen(envelope models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.printed[envelope.ID]
	return ok
}

func (c *Console) markPrinted(envelope models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printed[envelope.ID] = statusOf(envelope)
}

func (c *Console) nameOf(publicKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if publicKey == c.self {
		return "me"
	}
	for _, contact := range c.contacts {
		if contact.PublicKey == publicKey {
			return displayName(contact)
		}
	}
	return shortKey(publicKey)
}

func (c *Console) printf(col *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if col == nil {
		_, err = fmt.Fprintf(c.out, format, args...)
	} else {
		_, err = col.Fprintf(c.out, format, args...)
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("console write failed")
	}
}

func statusOf(envelope models.Envelope) envelopeStatus {
	switch {
	case envelope.ReadAt != nil:
		return statusRead
	case envelope.DeliveredAt != nil:
		return statusDelivered
	default:
		return statusSent
	}
}

func displayName(contact models.Contact) string {
	if contact.DisplayName != "" {
		return contact.DisplayName
	}
	return shortKey(contact.PublicKey)
}

func shortKey(publicKey string) string {
	fingerprint := crypto.KeyFingerprint(publicKey)
	return fingerprint[:shortKeyLength]
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
