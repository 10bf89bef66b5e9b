// Package report produces the CSV outputs: per-task delivery metrics,
// downstream return counts, and time-in-status matrices. The three
// variants share one reader pipeline and differ only in their terminal
// sink.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/history"
	"github.com/randalmurphal/radiator/internal/metrics"
)

// Pipeline is the shared reader side: batched task and history loading in
// front of the metric engine.
type Pipeline struct {
	DB     *db.DB
	Engine *metrics.Engine
	Logger *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Histories loads the stored history for all keys in one query and
// converts rows to intervals.
func (p *Pipeline) Histories(ctx context.Context, keys []string) (map[string][]history.Interval, error) {
	rows, err := p.DB.HistoriesForKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]history.Interval, len(rows))
	for key, entries := range rows {
		out[key] = intervalsFromRows(entries)
	}
	return out, nil
}

func intervalsFromRows(entries []db.HistoryEntry) []history.Interval {
	ivs := make([]history.Interval, 0, len(entries))
	for _, e := range entries {
		ivs = append(ivs, history.Interval{
			Status:        e.Status,
			StatusDisplay: e.StatusDisplay,
			Start:         e.StartDate,
			End:           e.EndDate,
		})
	}
	return ivs
}

// timestampedPath builds dir/name_YYYYMMDD_HHMMSS.csv.
func timestampedPath(dir, name string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.csv", name, now.Format("20060102_150405")))
}

// createCSV opens a CSV writer at path, creating parent directories.
func createCSV(path string) (*csv.Writer, func() error, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create reports dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create report file: %w", err)
	}
	w := csv.NewWriter(f)
	closeFn := func() error {
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return fmt.Errorf("write report: %w", err)
		}
		return f.Close()
	}
	return w, closeFn, nil
}

func formatDays(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}
