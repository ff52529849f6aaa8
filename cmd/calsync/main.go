package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SwitchbackTech/compass-sub004/internal/config"
	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	"github.com/SwitchbackTech/compass-sub004/internal/importer"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/maintenance"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/watch"
)

const version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:           "calsync",
	Short:         "Keep a local copy of Google calendars in sync",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().String("store", "", "store DSN (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components every subcommand is built from.
type app struct {
	cfg         *config.Config
	backend     store.Backend
	tokens      *gcal.TokenStore
	provider    *gcal.Client
	locker      *importer.RunLocker
	full        *importer.FullImporter
	incremental *importer.IncrementalImporter
	watches     *watch.Manager
	maint       *maintenance.Service

	closeLog func() error
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if dsn, _ := cmd.Flags().GetString("store"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if cmd.Flags().Lookup("listen") != nil {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	closeLog := appLog.Setup(appLog.Options{
		Level:      appLog.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	backend, err := store.Open(cfg.Store.DSN)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	tokens := &gcal.TokenStore{Dir: cfg.Google.TokenDir}
	provider := gcal.NewClient(gcal.Options{
		OAuth:        gcal.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, ""),
		Tokens:       tokens,
		Endpoint:     cfg.Google.Endpoint,
		MaxResults:   cfg.Google.MaxResults,
		MaxInstances: cfg.Recurrence.MaxInstances,
	})
	resolver := importer.NewResolver(provider, importer.ResolverOptions{
		LocalFallback: cfg.Recurrence.LocalFallback,
		Horizon:       time.Duration(cfg.Recurrence.HorizonDays) * 24 * time.Hour,
		MaxInstances:  cfg.Recurrence.MaxInstances,
	})

	a := &app{
		cfg:      cfg,
		backend:  backend,
		tokens:   tokens,
		provider: provider,
		locker:   importer.NewRunLocker(),
		closeLog: closeLog,
	}
	a.full = importer.NewFullImporter(provider, backend, cfg.Google.MaxResults)
	a.incremental = importer.NewIncrementalImporter(provider, backend, backend, resolver, cfg.Google.MaxResults)
	a.watches = watch.NewManager(provider, backend, watch.Options{
		CallbackURL: cfg.Watch.CallbackURL,
		Token:       cfg.Watch.ChannelToken,
		TTL:         cfg.Watch.ChannelTTL,
	})
	a.maint = maintenance.NewService(backend, backend, a.full, a.incremental, a.watches, a.locker, tokens, maintenance.Options{
		RenewBefore: cfg.Watch.RenewBefore,
		Concurrency: cfg.Maintenance.Concurrency,
		RunTimeout:  cfg.Maintenance.RunTimeout,
	})

	appLog.Debug("components ready",
		"store", redactDSN(cfg.Store.DSN),
		"callback_url", cfg.Watch.CallbackURL,
		"local_fallback", cfg.Recurrence.LocalFallback,
	)
	return a, nil
}

func (a *app) Close() error {
	err := a.backend.Close()
	return errors.Join(err, a.closeLog())
}

// redactDSN keeps the scheme of dsn only.
func redactDSN(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme + "://..."
	}
	return "..."
}
