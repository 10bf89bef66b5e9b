package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// StatusTimeOptions configures the per-task time-in-status matrix.
type StatusTimeOptions struct {
	Queue        string
	CreatedSince *time.Time
	Output       string
	ReportsDir   string
}

// StatusTimeResult reports what was written.
type StatusTimeResult struct {
	Path     string
	Rows     int
	Statuses []string
}

// GenerateStatusTime writes one row per task in the queue with a dynamic
// column per status seen, holding whole days spent in that status. Open
// intervals are measured to the engine's reference time.
func (p *Pipeline) GenerateStatusTime(ctx context.Context, opts StatusTimeOptions) (*StatusTimeResult, error) {
	if opts.Queue == "" {
		return nil, fmt.Errorf("status time report: queue is required")
	}
	tasks, err := p.DB.TasksInQueue(ctx, opts.Queue, opts.CreatedSince)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(tasks))
	for i, t := range tasks {
		keys[i] = t.Key
	}
	histories, err := p.Histories(ctx, keys)
	if err != nil {
		return nil, err
	}

	// First pass: the union of statuses present, for the column set.
	statusSet := map[string]bool{}
	perTask := make(map[string]map[string]int, len(tasks))
	for _, t := range tasks {
		days := map[string]int{}
		for _, iv := range p.Engine.Filter(histories[t.Key]) {
			name := iv.StatusDisplay
			if name == "" {
				name = iv.Status
			}
			statusSet[name] = true
			days[name] += int(iv.Duration(p.Engine.AsOf).Hours() / 24)
		}
		perTask[t.Key] = days
	}
	statuses := make([]string, 0, len(statusSet))
	for s := range statusSet {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	path := opts.Output
	if path == "" {
		path = timestampedPath(opts.ReportsDir, "status_time_"+opts.Queue, time.Now())
	}
	w, closeFn, err := createCSV(path)
	if err != nil {
		return nil, err
	}
	header := append([]string{"key", "summary", "status"}, statuses...)
	if err := w.Write(header); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("write header: %w", err)
	}

	rows := 0
	for _, t := range tasks {
		record := []string{t.Key, t.Summary, t.Status}
		for _, s := range statuses {
			record = append(record, strconv.Itoa(perTask[t.Key][s]))
		}
		if err := w.Write(record); err != nil {
			_ = closeFn()
			return nil, fmt.Errorf("write row for %s: %w", t.Key, err)
		}
		rows++
	}
	if err := closeFn(); err != nil {
		return nil, err
	}
	p.logger().Info("status time report written", "path", path, "rows", rows, "statuses", len(statuses))
	return &StatusTimeResult{Path: path, Rows: rows, Statuses: statuses}, nil
}
