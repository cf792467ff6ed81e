package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerFiltersIgnoredAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		IgnoreRelayID:   "local-relay",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("local-relay", "Local", 9090, "10.0.0.1")
			entries <- testServiceEntry("relay-1", "Office", 9091, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Lab", 9092, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListRelays()) == 2
	})
}

func TestRelayScannerRemovesStaleRelays(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		StaleAfter:      80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Office", 9091, "10.0.0.2")
			}
			entries <- testServiceEntry("relay-2", "Lab", 9092, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
	relays := scanner.ListRelays()
	if len(relays) != 1 || relays[0].RelayID != "relay-2" {
		t.Fatalf("expected only relay-2 to remain, got %+v", relays)
	}
}

func TestRelayScannerKeepsRelayMissedByOneScan(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Unix(1_706_000_000, 0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	scanner, err := NewRelayScanner(Config{
		StaleAfter: time.Minute,
		Now:        clock,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	relay := DiscoveredRelay{RelayID: "relay-1", InstanceName: "Office", Port: 9091, LastSeen: clock()}
	scanner.merge(map[string]DiscoveredRelay{"relay-1": relay})

	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	scanner.merge(map[string]DiscoveredRelay{})
	if len(scanner.ListRelays()) != 1 {
		t.Fatalf("expected relay to survive a single missed scan")
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	scanner.merge(map[string]DiscoveredRelay{})
	if len(scanner.ListRelays()) != 0 {
		t.Fatalf("expected stale relay to be removed")
	}
}

func TestFindRelayReturnsFirstRelay(t *testing.T) {
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("relay-b", "Basement", 9092, "10.0.0.3")
			entries <- testServiceEntry("relay-a", "Attic", 9091, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	relay, err := FindRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FindRelay failed: %v", err)
	}
	if relay.RelayID != "relay-a" {
		t.Fatalf("expected relay-a, got %q", relay.RelayID)
	}
	if got := relay.URL(); got != "ws://10.0.0.2:9091/" {
		t.Fatalf("unexpected relay URL %q", got)
	}
}

func TestFindRelayWithoutRelays(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	_, err := FindRelay(context.Background(), cfg)
	if !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func TestParseEntryRejectsIncompleteRecords(t *testing.T) {
	entry := testServiceEntry("relay-1", "Office", 9091, "10.0.0.2")
	entry.Text = []string{"version=1"}
	if _, ok := parseEntry(entry, ""); ok {
		t.Fatalf("expected entry without relay_id to be rejected")
	}

	entry = testServiceEntry("relay-1", "Office", 0, "10.0.0.2")
	if _, ok := parseEntry(entry, ""); ok {
		t.Fatalf("expected entry without port to be rejected")
	}

	entry = testServiceEntry("relay-1", "", 9091, "10.0.0.2")
	entry.Text = append(entry.Text, "path=relay")
	relay, ok := parseEntry(entry, "")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if relay.InstanceName != ".local" {
		t.Fatalf("expected host name fallback, got %q", relay.InstanceName)
	}
	if relay.Path != DefaultPath {
		t.Fatalf("expected default path for relative value, got %q", relay.Path)
	}
}

func TestDiscoveredRelayURLPrefersIPv4(t *testing.T) {
	relay := DiscoveredRelay{
		HostName:  "relay.local.",
		Port:      9090,
		Path:      "/ws",
		Addresses: []string{"10.0.0.7", "fe80::1"},
	}
	if got := relay.URL(); got != "ws://10.0.0.7:9090/ws" {
		t.Fatalf("unexpected URL %q", got)
	}

	relay.Addresses = []string{"fe80::1"}
	if got := relay.URL(); got != "ws://[fe80::1]:9090/ws" {
		t.Fatalf("unexpected IPv6 URL %q", got)
	}

	relay.Addresses = nil
	if got := relay.URL(); got != "ws://relay.local:9090/ws" {
		t.Fatalf("unexpected host name URL %q", got)
	}
}

func testServiceEntry(relayID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"relay_id=" + relayID,
			"version=1",
			"path=/",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
