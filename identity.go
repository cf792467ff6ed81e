package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"securicator/config"
	"securicator/crypto"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show, export or import the account keys",
	}
	cmd.AddCommand(newIdentityShowCmd())
	cmd.AddCommand(newIdentityExportCmd())
	cmd.AddCommand(newIdentityImportCmd())
	return cmd
}

func loadDeviceConfig() (*config.DeviceConfig, string, error) {
	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, "", err
	}
	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

func newIdentityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the public key and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadDeviceConfig()
			if err != nil {
				return err
			}
			identity, err := crypto.EnsureIdentity(cfg.KeyPaths())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(identity.Fingerprint()))
			fmt.Fprintf(out, "Signing Key:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(identity.SigningPublicKey())))
			fmt.Fprintf(out, "Relay URL:       %s\n", valueOrDefault(cfg.RelayURL, "(mDNS)"))
			fmt.Fprintf(out, "Config File:     %s\n", cfgPath)
			fmt.Fprintf(out, "Public Key:\n%s\n", identity.PublicKey())
			return nil
		},
	}
}

func newIdentityExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write both private keys to a bundle for another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadDeviceConfig()
			if err != nil {
				return err
			}
			identity, err := crypto.EnsureIdentity(cfg.KeyPaths())
			if err != nil {
				return err
			}
			bundle, err := identity.ExportBundle()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], bundle, 0o600); err != nil {
				return fmt.Errorf("write identity bundle: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s; keep it secret\n",
				crypto.FormatFingerprint(identity.Fingerprint()), args[0])
			return nil
		},
	}
}

func newIdentityImportCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace this device's keys with an exported bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadDeviceConfig()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read identity bundle: %w", err)
			}
			identity, err := crypto.ImportBundle(raw)
			if err != nil {
				return err
			}

			paths := cfg.KeyPaths()
			if _, err := os.Stat(paths.EncryptionPrivateKey); err == nil && !force {
				return fmt.Errorf("keys already exist at %s; pass --force to replace them", paths.EncryptionPrivateKey)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("check existing keys: %w", err)
			}

			if err := identity.Save(paths); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", crypto.FormatFingerprint(identity.Fingerprint()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing keys")
	return cmd
}

func valueOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
