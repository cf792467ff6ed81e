package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a relay went stale.
	EventRelayRemoved EventType = "relay_removed"
)

// ErrNoRelay is returned by FindRelay when a scan saw no relay.
var ErrNoRelay = errors.New("discovery: no relay found")

// EventType identifies relay discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay is a relay endpoint seen on the LAN.
type DiscoveredRelay struct {
	RelayID      string
	InstanceName string
	Version      int
	Path         string
	Fingerprint  string
	HostName     string
	Port         int
	Addresses    []string
	LastSeen     time.Time
}

// URL returns the WebSocket URL of the relay, preferring IPv4 addresses.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
		for _, addr := range r.Addresses {
			if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
				host = addr
				break
			}
		}
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(r.Port)),
		Path:   r.Path,
	}
	return u.String()
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when
// nobody reads them.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns the known relays, ordered by instance name.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredRelay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceName == out[j].InstanceName {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].InstanceName < out[j].InstanceName
	})
	return out
}

// FindRelay runs one scan and returns the first relay by instance name.
func FindRelay(ctx context.Context, config Config) (DiscoveredRelay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return DiscoveredRelay{}, err
	}
	scanner.ctx, scanner.cancel = context.WithCancel(ctx)
	defer scanner.cancel()

	if err := scanner.runScan(ctx); err != nil {
		return DiscoveredRelay{}, fmt.Errorf("scan for relays: %w", err)
	}
	relays := scanner.ListRelays()
	if len(relays) == 0 {
		return DiscoveredRelay{}, ErrNoRelay
	}
	return relays[0], nil
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, s.cfg.IgnoreRelayID)
				if !ok {
					continue
				}
				relay.LastSeen = s.cfg.Now()
				collected[relay.RelayID] = relay
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	s.merge(collected)
	return nil
}

// merge folds one scan into the known set. A relay missed by a single scan
// is kept until it has been silent for StaleAfter.
func (s *RelayScanner) merge(seen map[string]DiscoveredRelay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, relay := range seen {
		old, exists := s.relays[id]
		s.relays[id] = relay
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter)
	for id, relay := range s.relays {
		if _, fresh := seen[id]; fresh {
			continue
		}
		if relay.LastSeen.Before(cutoff) {
			delete(s.relays, id)
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, ignoreRelayID string) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt[txtRelayID])
	if relayID == "" || relayID == ignoreRelayID {
		return DiscoveredRelay{}, false
	}
	if entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}
	path := txt[txtPath]
	if !strings.HasPrefix(path, "/") {
		path = DefaultPath
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:      relayID,
		InstanceName: name,
		Version:      version,
		Path:         path,
		Fingerprint:  txt[txtFingerprint],
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func relaysEqual(a, b DiscoveredRelay) bool {
	if a.RelayID != b.RelayID ||
		a.InstanceName != b.InstanceName ||
		a.Version != b.Version ||
		a.Path != b.Path ||
		a.Fingerprint != b.Fingerprint ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
