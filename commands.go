package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func syncCmd() *cobra.Command {
	var (
		accountID string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "sync [auto|initial|incremental]",
		Short: "Run one sync for an account and exit",
		Long: `Run one sync for an account and exit.

The sync lease lives inside a single process, so this command cannot see a
run held by a separate serve process. It refuses accounts whose status is
SYNCING; pass --force only when no server is running against the database,
for example to recover an account left SYNCING by a crash.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(mailsync.ModeAuto), string(mailsync.ModeInitial), string(mailsync.ModeIncremental)},
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			}
			mode, ok := mailsync.ParseMode(raw)
			if !ok {
				return fmt.Errorf("unknown sync mode %q", raw)
			}
			if accountID == "" {
				return errors.New("--account is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			account, err := a.store.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if err := checkNotSyncing(account, force); err != nil {
				return err
			}

			res, err := a.manager.SyncAccount(ctx, accountID, mode)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{
					"account_id":   accountID,
					"mode":         res.Mode,
					"records":      res.Records,
					"persisted":    res.Persisted,
					"skipped":      res.Skipped,
					"pages":        res.Pages,
					"acknowledged": res.Acknowledged,
					"duration_ms":  res.Duration.Milliseconds(),
				})
				return nil
			}
			fmt.Printf("%s sync of %s: %d records, %d persisted, %d skipped over %d pages in %s\n",
				res.Mode, accountID, res.Records, res.Persisted, res.Skipped, res.Pages, res.Duration)
			return nil
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "Account id to sync")
	cmd.Flags().BoolVar(&force, "force", false, "Sync even if the account is marked SYNCING")
	return cmd
}

// checkNotSyncing rejects accounts another process may be syncing.
func checkNotSyncing(account *store.Account, force bool) error {
	if force || account.SyncStatus != store.StatusSyncing {
		return nil
	}
	return fmt.Errorf("account %s is already syncing; retry later or pass --force", account.ID)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(context.Background(), store.Options{
				Path:        cfg.Database.Path,
				BusyTimeout: cfg.Database.GetBusyTimeout(),
			})
			if err != nil {
				return err
			}
			defer st.Close()

			pending, err := st.PendingOutbox(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "path": cfg.Database.Path, "pending_outbox": pending})
				return nil
			}
			fmt.Printf("database %s is up to date (%d outbox events pending)\n", cfg.Database.Path, pending)
			return nil
		},
	}
}
