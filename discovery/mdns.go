package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_securicator._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
	// DefaultPath is the HTTP path of the relay WebSocket endpoint.
	DefaultPath = "/"

	txtRelayID     = "relay_id"
	txtVersion     = "version"
	txtPath        = "path"
	txtFingerprint = "tls_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// StaleAfter drops a relay that has not answered a scan for this long.
	// Defaults to twice the TTL.
	StaleAfter time.Duration

	// Advertisement fields, used by the relay.
	RelayID      string
	InstanceName string
	Port         int
	Path         string
	// Fingerprint is an optional TLS certificate fingerprint clients may pin.
	Fingerprint string

	// IgnoreRelayID hides one relay from scan results, usually the local one.
	IgnoreRelayID string

	Now func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	return nil
}

// Advertiser publishes a relay on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the relay service record.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtRelayID + "=" + cfg.RelayID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtPath + "=" + cfg.Path,
	}
	if cfg.Fingerprint != "" {
		txt = append(txt, txtFingerprint+"="+cfg.Fingerprint)
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Run advertises until ctx is done.
func Run(ctx context.Context, config Config) error {
	advertiser, err := StartAdvertiser(config)
	if err != nil {
		return err
	}
	<-ctx.Done()
	advertiser.Stop()
	return nil
}
