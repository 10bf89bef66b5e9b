package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/radiator/internal/config"
	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/syncer"
	"github.com/randalmurphal/radiator/internal/tracker"
)

func newSyncCmd() *cobra.Command {
	var (
		filter      string
		limit       int
		skipHistory bool
		forceFull   bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize tasks from the tracker into the local store",
		Long: `Sync searches the tracker with the given query filter, fetches each
matching task with its changelog, and mirrors tasks and status history
into the database. Incremental syncs are expressed through the filter,
e.g. --filter "Queue: CPO Updated: today()-7d..today()".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateForSync(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			database, err := db.OpenURL(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = database.Close() }()

			client, err := tracker.New(tracker.Config{
				BaseURL:        cfg.Tracker.BaseURL,
				Token:          cfg.Tracker.Token,
				OrgID:          cfg.Tracker.OrgID,
				RequestDelay:   cfg.Tracker.RequestDelay,
				ScrollPageSize: cfg.Tracker.ScrollPageSize,
				MaxConns:       cfg.Tracker.MaxWorkers + 2,
				Logger:         slog.Default(),
			})
			if err != nil {
				return err
			}

			s := syncer.New(database, client, slog.Default())
			result, err := s.Run(ctx, syncer.Options{
				Filter:           filter,
				Limit:            limit,
				SkipHistory:      skipHistory,
				ForceFullHistory: forceFull,
				Workers:          cfg.Tracker.MaxWorkers,
				LockPath:         cfg.LockPath,
				RunTimeout:       cfg.RunTimeout,
			})
			if err != nil {
				return err
			}

			c := result.Counters
			fmt.Printf("sync run %d completed: processed=%d created=%d updated=%d history=%d errors=%d\n",
				result.RunID, c.TasksProcessed, c.TasksCreated, c.TasksUpdated,
				c.HistoryProcessed, c.Errors)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "tracker query filter (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks to process (0 = all)")
	cmd.Flags().BoolVar(&skipHistory, "skip-history", false, "do not fetch changelogs or touch task history")
	cmd.Flags().BoolVar(&forceFull, "force-full-history", false, "explicitly request full history replacement (the default behavior)")
	_ = cmd.MarkFlagRequired("filter")
	return cmd
}
