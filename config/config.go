package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"securicator/crypto"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "securicator"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SECURICATOR_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceName string `json:"device_name"`
	// RelayURL is empty when the relay should be found with mDNS.
	RelayURL                 string `json:"relay_url"`
	EncryptionPrivateKeyPath string `json:"encryption_private_key_path"`
	SigningPrivateKeyPath    string `json:"signing_private_key_path"`
	SigningPublicKeyPath     string `json:"signing_public_key_path"`
}

// KeyPaths returns the identity key locations.
func (c *DeviceConfig) KeyPaths() crypto.KeyPaths {
	return crypto.KeyPaths{
		EncryptionPrivateKey: c.EncryptionPrivateKeyPath,
		SigningPrivateKey:    c.SigningPrivateKeyPath,
		SigningPublicKey:     c.SigningPublicKeyPath,
	}
}

// Validate checks fields that cannot be defaulted.
func (c *DeviceConfig) Validate() error {
	if c.RelayURL == "" {
		return nil
	}
	return ValidateRelayURL(c.RelayURL)
}

// ValidateRelayURL accepts ws and wss URLs with a host.
func ValidateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("relay url %q: host is required", raw)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECURICATOR_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist under dataDir,
// then returns the config and its path.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Securicator Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setDefault := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setDefault(&cfg.DeviceName, defaultDeviceName())
	setDefault(&cfg.EncryptionPrivateKeyPath, filepath.Join(keysDir, "rsa_private.pem"))
	setDefault(&cfg.SigningPrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setDefault(&cfg.SigningPublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))

	return updated
}
