package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/radiator/internal/config"
	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/report"
)

const dateLayout = "2006-01-02"

func openPipeline(cfg *config.Config, needQuarters bool, asOf string) (*report.Pipeline, func(), error) {
	engine, err := loadEngine(cfg, needQuarters)
	if err != nil {
		return nil, nil, err
	}
	if asOf != "" {
		t, err := time.Parse(dateLayout, asOf)
		if err != nil {
			return nil, nil, fmt.Errorf("parse --as-of: %w", err)
		}
		// Freeze at the end of the requested day.
		engine = engine.WithAsOf(t.AddDate(0, 0, 1).Add(-time.Second))
	}
	database, err := db.OpenURL(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	p := &report.Pipeline{DB: database, Engine: engine, Logger: slog.Default()}
	return p, func() { _ = database.Close() }, nil
}

func newTTMDetailsCmd() *cobra.Command {
	var (
		output    string
		asOf      string
		groupBy   string
		aggregate string
	)
	cmd := &cobra.Command{
		Use:   "ttm-details",
		Short: "Write the per-task delivery metrics CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if groupBy != "author" && groupBy != "team" {
				return fmt.Errorf("--group-by must be author or team")
			}
			p, closeFn, err := openPipeline(cfg, true, asOf)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := p.GenerateTTMDetails(cmd.Context(), report.TTMDetailsOptions{
				Output:     output,
				ReportsDir: cfg.ReportsDir,
				GroupBy:    groupBy,
				Aggregate:  aggregate,
			})
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d rows to %s\n", result.Rows, result.Path)
			if result.AggregatePath != "" {
				fmt.Printf("wrote aggregates to %s\n", result.AggregatePath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output CSV path (default: timestamped file under the reports dir)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "compute metrics as of this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&groupBy, "group-by", "author", "grouping dimension: author or team")
	cmd.Flags().StringVar(&aggregate, "aggregate", "", "also write per-quarter aggregates to this path")
	return cmd
}

func newSubepicReturnsCmd() *cobra.Command {
	var (
		output    string
		startDate string
	)
	cmd := &cobra.Command{
		Use:   "fullstack-subepic-returns",
		Short: "Write per-root downstream return counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, closeFn, err := openPipeline(cfg, false, "")
			if err != nil {
				return err
			}
			defer closeFn()

			opts := report.SubepicReturnsOptions{Output: output, ReportsDir: cfg.ReportsDir}
			if startDate != "" {
				t, err := time.Parse(dateLayout, startDate)
				if err != nil {
					return fmt.Errorf("parse --start-date: %w", err)
				}
				opts.StartDate = &t
			}
			result, err := p.GenerateSubepicReturns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d rows to %s\n", result.Rows, result.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output CSV path (default: timestamped file under the reports dir)")
	cmd.Flags().StringVar(&startDate, "start-date", "", "only include roots created on or after this date (YYYY-MM-DD)")
	return cmd
}

func newStatusTimeCmd() *cobra.Command {
	var (
		queue        string
		createdSince string
		output       string
	)
	cmd := &cobra.Command{
		Use:   "status-time",
		Short: "Write per-task time-in-status for a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, closeFn, err := openPipeline(cfg, false, "")
			if err != nil {
				return err
			}
			defer closeFn()

			opts := report.StatusTimeOptions{Queue: queue, Output: output, ReportsDir: cfg.ReportsDir}
			if createdSince != "" {
				t, err := time.Parse(dateLayout, createdSince)
				if err != nil {
					return fmt.Errorf("parse --created-since: %w", err)
				}
				opts.CreatedSince = &t
			}
			result, err := p.GenerateStatusTime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d rows to %s\n", result.Rows, result.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue key, e.g. CPO (required)")
	cmd.Flags().StringVar(&createdSince, "created-since", "", "only include tasks created on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&output, "output", "", "output CSV path (default: timestamped file under the reports dir)")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}
