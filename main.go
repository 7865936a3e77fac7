package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsprackett/setupwatch/internal/applog"
	"github.com/zsprackett/setupwatch/internal/config"
	"github.com/zsprackett/setupwatch/internal/db"
)

const shutdownTimeout = 5 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "setupwatch",
	Short:         "Collect and stream device provisioning events",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}
	return cfg
}

// setupLogging installs the configured logger. The returned func flushes
// and closes the log file.
func setupLogging(cfg config.Config) (*slog.Logger, func()) {
	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:     cfg.LogDir,
		LogLevel:   cfg.LogLevel,
		RetainDays: cfg.LogRetainDays,
		Format:     cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		return slog.Default(), func() {}
	}
	return logger, func() { closer.Close() }
}

func openDB(ctx context.Context, cfg config.StoreConfig) (*db.DB, error) {
	var (
		store *db.DB
		err   error
	)
	switch cfg.Driver {
	case "postgres":
		store, err = db.OpenPostgres(ctx, cfg.DSN)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err = db.Open(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
