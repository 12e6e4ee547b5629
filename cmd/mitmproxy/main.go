// Command mitmproxy runs the embeddable HTTPS forward proxy as a standalone
// binary: "serve" starts the proxy (and optional metrics listener), "gen-ca"
// writes a fresh local certificate authority to disk for serve to pick up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/relayhq/mitmproxy/pkg/catls"
	"github.com/relayhq/mitmproxy/pkg/config"
	"github.com/relayhq/mitmproxy/pkg/forward"
	"github.com/relayhq/mitmproxy/pkg/server"
	"github.com/relayhq/mitmproxy/pkg/tlsconfig"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	root := &cobra.Command{
		Use:           "mitmproxy",
		Short:         "An embeddable HTTPS forward proxy with transparent TLS interception",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newGenCACommand())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("mitmproxy exited with an error")
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func newGenCACommand() *cobra.Command {
	var keyPath, certPath, org, cn string
	cmd := &cobra.Command{
		Use:   "gen-ca",
		Short: "Generate a new local certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenCA(keyPath, certPath, org, cn)
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "mitmproxy-ca.key", "path to write the CA private key")
	cmd.Flags().StringVar(&certPath, "cert", "mitmproxy-ca.crt", "path to write the CA certificate")
	cmd.Flags().StringVar(&org, "org", catls.DefaultSubject.Organization, "CA certificate organization")
	cmd.Flags().StringVar(&cn, "cn", catls.DefaultSubject.CommonName, "CA certificate common name")
	return cmd
}

func runGenCA(keyPath, certPath, org, cn string) error {
	store, err := catls.GenerateCA(catls.Subject{Organization: org, CommonName: cn})
	if err != nil {
		return fmt.Errorf("generating CA: %w", err)
	}
	if err := store.SaveCA(keyPath, certPath); err != nil {
		return fmt.Errorf("saving CA: %w", err)
	}
	fmt.Printf("wrote CA key to %s and certificate to %s\n", keyPath, certPath)
	return nil
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.Logger = log.Level(level)

	store, err := loadOrGenerateCA(cfg)
	if err != nil {
		return err
	}
	store.SetClientProfile(tlsconfig.ProfileByName(cfg.TLSProfile))

	watcher, err := catls.WatchCAFiles(store, cfg.CAKeyPath, cfg.CACertPath, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("CA hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	var upstreamDialer forward.Dialer
	if cfg.UpstreamProxy != nil {
		upstreamDialer = forward.Dialer{
			Proxy: &forward.ProxyConfig{
				Type:     forward.ProxyType(cfg.UpstreamProxy.Type),
				Addr:     cfg.UpstreamProxy.Addr,
				Username: cfg.UpstreamProxy.Username,
				Password: cfg.UpstreamProxy.Password,
			},
			DialTimeout: cfg.DialTimeout,
		}
	}

	builder := forward.NewBuilder(forward.Hooks{}, forward.Options{
		DialTimeout:         cfg.DialTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		IdleReadTimeout:     cfg.IdleReadTimeout,
		Dialer:              upstreamDialer,
	})

	srv, err := server.Start(context.Background(), server.Config{
		ListenAddr:          cfg.ListenAddr,
		MetricsAddr:         cfg.MetricsAddr,
		MaintenanceInterval: cfg.LeafCacheSweepInterval,
	}, store, builder, log.Logger)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	waitForShutdown(srv)
	return nil
}

// loadOrGenerateCA adopts the CA at cfg.CAKeyPath/CACertPath if both files
// exist, otherwise generates a fresh CA and writes it to those paths so a
// subsequent run (or gen-ca's output) is picked up automatically.
func loadOrGenerateCA(cfg config.Config) (*catls.Store, error) {
	if fileExists(cfg.CAKeyPath) && fileExists(cfg.CACertPath) {
		keyPEM, err := os.ReadFile(cfg.CAKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA key: %w", err)
		}
		certPEM, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		store, err := catls.LoadCA(keyPEM, certPEM)
		if err != nil {
			return nil, fmt.Errorf("loading CA: %w", err)
		}
		return store, nil
	}

	store, err := catls.New()
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}
	if err := store.SaveCA(cfg.CAKeyPath, cfg.CACertPath); err != nil {
		return nil, fmt.Errorf("saving generated CA: %w", err)
	}
	log.Info().Str("key", cfg.CAKeyPath).Str("cert", cfg.CACertPath).Msg("generated new local CA")
	return store, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitForShutdown(srv *server.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down mitmproxy")
	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	srv.Wait()
	log.Info().Msg("mitmproxy stopped")
}
