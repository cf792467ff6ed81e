package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ClientEnvPrefix prefixes client environment overrides, e.g. SECURICATOR_RELAY_URL.
	ClientEnvPrefix = "SECURICATOR"
	// RelayEnvPrefix prefixes relay settings, e.g. SECURICATOR_RELAY_LISTEN_ADDR.
	RelayEnvPrefix = "SECURICATOR_RELAY"
)

// ClientEnv holds environment overrides for the client device.
type ClientEnv struct {
	RelayURL  string `envconfig:"RELAY_URL"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"true"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	ResendInterval    time.Duration `envconfig:"RESEND_INTERVAL" default:"60s"`
	SyncInterval      time.Duration `envconfig:"SYNC_INTERVAL" default:"15s"`
	PingInterval      time.Duration `envconfig:"PING_INTERVAL" default:"3s"`

	// DiscoveryTimeout bounds the mDNS relay lookup when no relay URL is configured.
	DiscoveryTimeout time.Duration `envconfig:"DISCOVERY_TIMEOUT" default:"3s"`
}

// Apply copies overrides onto cfg. It reports whether cfg changed.
func (e ClientEnv) Apply(cfg *DeviceConfig) bool {
	if e.RelayURL == "" || e.RelayURL == cfg.RelayURL {
		return false
	}
	cfg.RelayURL = e.RelayURL
	return true
}

// LoadClientEnv parses SECURICATOR_* variables.
func LoadClientEnv() (ClientEnv, error) {
	var env ClientEnv
	if err := envconfig.Process(ClientEnvPrefix, &env); err != nil {
		return ClientEnv{}, fmt.Errorf("process client environment: %w", err)
	}
	if env.RelayURL != "" {
		if err := ValidateRelayURL(env.RelayURL); err != nil {
			return ClientEnv{}, err
		}
	}
	return env, nil
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	ListenAddr      string  `envconfig:"LISTEN_ADDR" default:":9090"`
	MaxQueueSize    int     `envconfig:"MAX_QUEUE_SIZE" default:"100000"`
	MaxMessageBytes int64   `envconfig:"MAX_MESSAGE_BYTES" default:"1048576"`
	SendBufferSize  int     `envconfig:"SEND_BUFFER_SIZE" default:"256"`
	UpgradeRate     float64 `envconfig:"UPGRADE_RATE" default:"10"`
	UpgradeBurst    int     `envconfig:"UPGRADE_BURST" default:"20"`

	AdvertiseMDNS bool   `envconfig:"ADVERTISE_MDNS" default:"true"`
	InstanceName  string `envconfig:"INSTANCE_NAME"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// LoadRelayConfig parses SECURICATOR_RELAY_* variables.
func LoadRelayConfig() (RelayConfig, error) {
	var cfg RelayConfig
	if err := envconfig.Process(RelayEnvPrefix, &cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("process relay environment: %w", err)
	}
	if cfg.MaxQueueSize <= 0 {
		return RelayConfig{}, fmt.Errorf("max queue size must be > 0, got %d", cfg.MaxQueueSize)
	}
	if cfg.MaxMessageBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("max message bytes must be > 0, got %d", cfg.MaxMessageBytes)
	}
	return cfg, nil
}
