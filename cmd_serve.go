package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsprackett/setupwatch/internal/config"
	"github.com/zsprackett/setupwatch/internal/export"
	"github.com/zsprackett/setupwatch/internal/hub"
	"github.com/zsprackett/setupwatch/internal/ingest"
	"github.com/zsprackett/setupwatch/internal/janitor"
	"github.com/zsprackett/setupwatch/internal/notify"
	"github.com/zsprackett/setupwatch/internal/security"
	"github.com/zsprackett/setupwatch/internal/store"
	"github.com/zsprackett/setupwatch/internal/telemetry"
	"github.com/zsprackett/setupwatch/internal/webserver"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion endpoint and broadcast hub",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := setupLogging(cfg)
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openDB(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()
	events := store.New(kv, cfg.Store.TTL)

	h := hub.New(events, hub.Config{PingInterval: hub.PingInterval}, logger)
	h.Start()
	defer h.Stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	instruments, err := telemetry.NewInstruments(provider.MeterProvider, h.ConnectionCount)
	if err != nil {
		return fmt.Errorf("telemetry instruments: %w", err)
	}

	secret, err := security.NewSecretMatcher(cfg.Ingest.Secret)
	if err != nil {
		return err
	}
	if !secret.Enabled() {
		logger.Warn("ingest secret not configured; POST /api/events is open")
	}

	var verifier *security.Verifier
	if cfg.Access.Enabled {
		verifier, err = newVerifier(cfg.Access)
		if err != nil {
			return err
		}
	}

	var hooks []ingest.Hook
	if cfg.Notifications.Enabled {
		hooks = append(hooks, notify.New(notify.Config{
			Enabled: true,
			Webhook: cfg.Notifications.Webhook,
			NtfyURL: cfg.Notifications.NtfyURL,
		}, logger))
	}
	if len(cfg.Export.KafkaBrokers) > 0 {
		sink, err := export.NewKafkaSink(cfg.Export.KafkaBrokers, cfg.Export.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka export: %w", err)
		}
		defer sink.Close()
		hooks = append(hooks, sink)
	}

	in := ingest.New(events, h, logger, ingest.Options{Hooks: hooks, Recorder: instruments})
	defer in.Wait()

	reaper := janitor.New(kv, cfg.Store.PurgeInterval, logger)
	reaper.Start()
	defer reaper.Stop()

	srv := webserver.New(webserver.Config{
		Port:           cfg.Webserver.Port,
		Host:           cfg.Webserver.Host,
		MaxBodyBytes:   cfg.Ingest.MaxBodyBytes,
		AllowedOrigins: cfg.Webserver.AllowedOrigins,
		TLS: webserver.TLSConfig{
			Mode:     cfg.Webserver.TLS.Mode,
			CertFile: cfg.Webserver.TLS.CertFile,
			KeyFile:  cfg.Webserver.TLS.KeyFile,
			CacheDir: cfg.Webserver.TLS.CacheDir,
		},
	}, webserver.Deps{
		Ingester: in,
		Hub:      h,
		Store:    events,
		Secret:   secret,
		Access:   verifier,
		Logger:   logger,
	})

	logger.Info("setupwatch started",
		"driver", cfg.Store.Driver,
		"ttl", cfg.Store.TTL,
		"access", verifier != nil,
		"hooks", len(hooks),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func newVerifier(cfg config.AccessConfig) (*security.Verifier, error) {
	ac := security.AccessConfig{
		Audience:   cfg.Audience,
		Issuer:     cfg.Issuer,
		HMACSecret: cfg.HMACSecret,
	}
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read access public key: %w", err)
		}
		ac.PublicKeyPEM = pem
	}
	return security.NewVerifier(ac)
}
