package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/history"
	"github.com/randalmurphal/radiator/internal/metrics"
)

// downstreamReturnStatuses are the workflow stations of the delivery queue
// whose re-entries get their own column in the sub-epic report.
var downstreamReturnStatuses = []string{
	"InProgress", "Ревью", "Testing", "Внешний тест", "Апрув", "Регресс-тест", "Done",
}

// SubepicReturnsOptions configures the per-root downstream returns report.
type SubepicReturnsOptions struct {
	Output     string
	ReportsDir string

	// StartDate restricts roots to those created on or after it.
	StartDate *time.Time

	Hierarchy db.HierarchyQuery
}

// SubepicReturnsResult reports what was written.
type SubepicReturnsResult struct {
	Path string
	Rows int
}

// GenerateSubepicReturns writes one CSV row per upstream root: its linked
// sub-epics, the size of the downstream closure, and per-status return
// counts across that closure.
func (p *Pipeline) GenerateSubepicReturns(ctx context.Context, opts SubepicReturnsOptions) (*SubepicReturnsResult, error) {
	if opts.Hierarchy.QueuePrefix == "" {
		opts.Hierarchy.QueuePrefix = downstreamPrefix
	}

	roots, err := p.DB.TasksInQueue(ctx, strings.TrimSuffix(upstreamPrefix, "-"), opts.StartDate)
	if err != nil {
		return nil, err
	}

	// Keep only roots that actually link into the downstream queue.
	epicsByRoot := make(map[string][]string)
	var allEpics []string
	seen := map[string]bool{}
	var linked []*db.Task
	for _, t := range roots {
		epics := t.LinkedKeys(relatesLinkType, opts.Hierarchy.QueuePrefix)
		if len(epics) == 0 {
			continue
		}
		linked = append(linked, t)
		epicsByRoot[t.Key] = epics
		for _, ep := range epics {
			if !seen[ep] {
				seen[ep] = true
				allEpics = append(allEpics, ep)
			}
		}
	}

	downstream, err := p.DB.DownstreamKeysBatch(ctx, allEpics, opts.Hierarchy)
	if err != nil {
		return nil, err
	}
	var allKeys []string
	seenKey := map[string]bool{}
	for _, keys := range downstream {
		for _, k := range keys {
			if !seenKey[k] {
				seenKey[k] = true
				allKeys = append(allKeys, k)
			}
		}
	}
	histories, err := p.Histories(ctx, allKeys)
	if err != nil {
		return nil, err
	}

	path := opts.Output
	if path == "" {
		path = timestampedPath(opts.ReportsDir, "fullstack_subepic_returns", time.Now())
	}
	w, closeFn, err := createCSV(path)
	if err != nil {
		return nil, err
	}
	header := []string{"key", "summary", "epics", "downstream_tasks"}
	for _, s := range downstreamReturnStatuses {
		header = append(header, "returns_"+s)
	}
	header = append(header, "testing_returns", "external_test_returns")
	if err := w.Write(header); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("write header: %w", err)
	}

	rows := 0
	for _, t := range linked {
		keys := map[string]bool{}
		for _, ep := range epicsByRoot[t.Key] {
			for _, k := range downstream[ep] {
				keys[k] = true
			}
		}

		perStatus := make([]int, len(downstreamReturnStatuses))
		testing, external := 0, 0
		for k := range keys {
			h, ok := histories[k]
			if !ok {
				continue
			}
			filtered := p.Engine.Filter(h)
			for i, status := range downstreamReturnStatuses {
				perStatus[i] += statusReturns(filtered, status)
			}
			testing += p.Engine.TestingEntries(h)
			external += p.Engine.ExternalTestEntries(h)
		}

		record := []string{t.Key, t.Summary,
			strconv.Itoa(len(epicsByRoot[t.Key])), strconv.Itoa(len(keys))}
		for _, n := range perStatus {
			record = append(record, strconv.Itoa(n))
		}
		record = append(record, strconv.Itoa(testing), strconv.Itoa(external))
		if err := w.Write(record); err != nil {
			_ = closeFn()
			return nil, fmt.Errorf("write row for %s: %w", t.Key, err)
		}
		rows++
	}
	if err := closeFn(); err != nil {
		return nil, err
	}
	p.logger().Info("subepic returns report written", "path", path, "rows", rows)
	return &SubepicReturnsResult{Path: path, Rows: rows}, nil
}

// statusReturns counts re-entries into one named status over filtered
// history: entries beyond the first.
func statusReturns(h []history.Interval, status string) int {
	entries := metrics.CountEntries(h, func(iv history.Interval) bool {
		return iv.Status == status || iv.StatusDisplay == status
	})
	if entries <= 1 {
		return 0
	}
	return entries - 1
}
