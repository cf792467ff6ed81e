package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"securicator/config"
	"securicator/crypto"
	"securicator/discovery"
	"securicator/logging"
	"securicator/network"
	"securicator/storage"
	"securicator/syncengine"
	"securicator/ui"
)

func newRunCmd() *cobra.Command {
	var relayURL string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the chat client in this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadClientEnv()
			if err != nil {
				return err
			}
			if relayURL != "" {
				if err := config.ValidateRelayURL(relayURL); err != nil {
					return err
				}
				env.RelayURL = relayURL
			}
			return runClient(cmd.Context(), env)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay WebSocket URL (default: config, $SECURICATOR_RELAY_URL, then mDNS)")
	return cmd
}

func runClient(ctx context.Context, env config.ClientEnv) error {
	// Logs go to stderr so they do not interleave with the console on stdout.
	logger := logging.NewWithWriter(os.Stderr, "securicator", env.LogLevel, env.LogPretty)

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if env.Apply(cfg) {
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
	}

	identity, err := crypto.EnsureIdentity(cfg.KeyPaths())
	if err != nil {
		return fmt.Errorf("prepare identity: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("database close error")
		}
	}()
	logger.Debug().Str("db", dbPath).Str("config", cfgPath).Msg("storage ready")

	relayURL, err := resolveRelayURL(ctx, cfg.RelayURL, env, logger)
	if err != nil {
		return err
	}

	console := ui.NewConsole(ui.Options{
		In:     os.Stdin,
		Out:    os.Stdout,
		Color:  !color.NoColor,
		Logger: logger,
	})

	var engine *syncengine.Engine
	manager, err := network.NewConnectionManager(network.ConnectionOptions{
		URL:       relayURL,
		PublicKey: identity.PublicKey(),
		Handler: func(ctx context.Context, frame network.Frame) {
			engine.HandleFrame(ctx, frame)
		},
		OnConnected: func(ctx context.Context) {
			engine.OnConnected(ctx)
		},
		OnStateChange: func(state network.ConnectionState) {
			engine.OnConnectionStateChanged(state)
		},
		PingInterval: env.PingInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	engine, err = syncengine.New(syncengine.Options{
		Identity:          identity,
		Store:             store,
		Transport:         manager,
		Notifier:          console,
		Logger:            logger,
		HeartbeatInterval: env.HeartbeatInterval,
		ResendInterval:    env.ResendInterval,
		SyncInterval:      env.SyncInterval,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, quit := context.WithCancel(gctx)
	defer quit()

	g.Go(func() error {
		return manager.Run(runCtx)
	})
	g.Go(func() error {
		defer quit()
		return console.Run(runCtx, engine)
	})
	return g.Wait()
}

// resolveRelayURL prefers the configured URL and falls back to mDNS.
func resolveRelayURL(ctx context.Context, configured string, env config.ClientEnv, logger zerolog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}

	relay, err := discovery.FindRelay(ctx, discovery.Config{ScanTimeout: env.DiscoveryTimeout})
	if errors.Is(err, discovery.ErrNoRelay) {
		return "", fmt.Errorf("no relay configured and none found on the local network; pass --relay or set %s_RELAY_URL", config.ClientEnvPrefix)
	}
	if err != nil {
		return "", fmt.Errorf("discover relay: %w", err)
	}

	logger.Info().Str("relay", relay.InstanceName).Str("url", relay.URL()).Msg("using discovered relay")
	return relay.URL(), nil
}
