package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/retry"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

var (
	version    = "dev"
	configPath string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mailbox delta sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "Path to TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mailsync %s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd(), syncCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config and configures logging from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg     config.Config
	store   *store.Store
	client  *aurinko.Client
	manager *mailsync.Manager
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	st, err := store.Open(ctx, store.Options{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.GetBusyTimeout(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}

	client := aurinko.NewClient(aurinko.Options{
		BaseURL:      cfg.Aurinko.BaseURL,
		ClientID:     cfg.Aurinko.ClientID,
		ClientSecret: cfg.Aurinko.ClientSecret,
		Timeout:      cfg.Aurinko.GetRequestTimeout(),
		Retry: retry.BackoffConfig{
			InitialInterval: cfg.Sync.GetRetryInitial(),
			MaxInterval:     cfg.Sync.GetRetryMax(),
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      cfg.Sync.GetRetryCount(),
		},
	})

	reconciler := reconcile.New(st, reconcile.Options{MaxMalformedRatio: cfg.Sync.MaxMalformedRatio})
	runner := mailsync.NewRunner(client, reconciler, st, mailsync.RunnerConfig{
		SyncOptions: aurinko.SyncOptions{
			DaysWithin: cfg.Aurinko.DaysWithin,
			BodyType:   cfg.Aurinko.BodyType,
		},
		WindowPollInterval: cfg.Sync.GetWindowPollInterval(),
		WindowMaxAttempts:  cfg.Sync.WindowMaxAttempts,
		MaxPages:           cfg.Sync.MaxPages,
	}, nil)

	return &app{
		cfg:     cfg,
		store:   st,
		client:  client,
		manager: mailsync.NewManager(st, runner, cfg.Sync.GetLeaseTTL(), nil),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
