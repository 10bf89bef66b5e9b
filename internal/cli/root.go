// Package cli wires the radiator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/radiator/internal/config"
	"github.com/randalmurphal/radiator/internal/lock"
	"github.com/randalmurphal/radiator/internal/metrics"
)

var version = "dev"

var debug bool

var rootCmd = &cobra.Command{
	Use:           "radiator",
	Short:         "Yandex Tracker synchronization and delivery metrics",
	Long:          "radiator mirrors tracker issues into a relational store and derives delivery-lifecycle metrics from their status history.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(debug)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newTTMDetailsCmd())
	rootCmd.AddCommand(newSubepicReturnsCmd())
	rootCmd.AddCommand(newStatusTimeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the CLI. The returned error is already logged; main only
// maps it to an exit code.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !isCancellation(err) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

// Exit codes of the sync contract.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitLocked    = 2
	ExitCancelled = 130
)

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, lock.ErrLocked):
		return ExitLocked
	case isCancellation(err):
		return ExitCancelled
	default:
		return ExitFailed
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// setupLogging routes info and below to stdout as progress lines and
// warnings and errors to stderr.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(&splitHandler{
		out: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		err: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}))
}

// splitHandler fans records out by level.
type splitHandler struct {
	out slog.Handler
	err slog.Handler
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.out.Enabled(ctx, level) || h.err.Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.err.Handle(ctx, r)
	}
	return h.out.Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}

// loadMapping reads the status mapping, falling back to the built-in
// defaults when no file is present.
func loadMapping(cfg *config.Config) (config.StatusMapping, error) {
	if _, err := os.Stat(cfg.StatusMappingFile); os.IsNotExist(err) {
		slog.Warn("status mapping file not found, using defaults", "path", cfg.StatusMappingFile)
		return config.DefaultStatusMapping(), nil
	}
	return config.LoadStatusMapping(cfg.StatusMappingFile)
}

// loadEngine assembles a metric engine from config. Quarters are required
// only by reports that bucket by quarter.
func loadEngine(cfg *config.Config, needQuarters bool) (*metrics.Engine, error) {
	mapping, err := loadMapping(cfg)
	if err != nil {
		return nil, err
	}
	var quarters config.Quarters
	if needQuarters {
		quarters, err = config.LoadQuarters(cfg.QuartersFile)
		if err != nil {
			return nil, err
		}
	}
	return metrics.NewEngine(mapping, quarters, cfg.MinStatusDuration), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("radiator", version)
		},
	}
}
