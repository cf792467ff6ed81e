package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"securicator/config"
	"securicator/discovery"
	"securicator/logging"
	"securicator/network"
)

func newRelayCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return runRelay(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides SECURICATOR_RELAY_LISTEN_ADDR)")
	return cmd
}

func runRelay(ctx context.Context, cfg config.RelayConfig) error {
	logger := logging.New("securicator-relay", cfg.LogLevel, cfg.LogPretty)

	relay := network.NewServer(network.ServerOptions{
		MaxQueueSize:    cfg.MaxQueueSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendBufferSize:  cfg.SendBufferSize,
		UpgradeRate:     cfg.UpgradeRate,
		UpgradeBurst:    cfg.UpgradeBurst,
		Logger:          logger,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	srv := &http.Server{Handler: relay.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", listener.Addr().String()).Msg("relay listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Close hijacked WebSocket connections first; Shutdown does not track them.
		if err := relay.Close(); err != nil {
			logger.Warn().Err(err).Msg("close relay connections")
		}
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.AdvertiseMDNS {
		g.Go(func() error {
			instance := cfg.InstanceName
			if instance == "" {
				instance, _ = os.Hostname()
			}
			if instance == "" {
				instance = "securicator relay"
			}
			err := discovery.Run(gctx, discovery.Config{
				RelayID:      uuid.NewString(),
				InstanceName: instance,
				Port:         port,
			})
			if err != nil {
				// The relay is still reachable by URL.
				logger.Warn().Err(err).Msg("mDNS advertisement failed")
			}
			return nil
		})
	}
	return g.Wait()
}
