package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/metrics"
)

// Upstream/downstream wiring of the organization's queues: product tasks
// live in CPO, delivery sub-epics in FULLSTACK, joined by relates links
// from the root and subtask links below.
const (
	upstreamPrefix   = "CPO-"
	downstreamPrefix = "FULLSTACK"
	relatesLinkType  = "relates"
)

var ttmDetailsHeader = []string{
	"key", "summary", "author", "team", "group_key",
	"quarter_ttd", "quarter_ttm",
	"ttd", "ttm", "devlt", "tail", "pause", "ttd_pause",
	"discovery_backlog_days", "ready_for_dev_days",
	"testing_returns", "external_test_returns",
}

// TTMDetailsOptions configures the per-task metrics report.
type TTMDetailsOptions struct {
	// Output is the CSV path; empty selects a timestamped file under
	// ReportsDir.
	Output     string
	ReportsDir string

	// GroupBy fills group_key: "author" (default) or "team".
	GroupBy string

	// Aggregate, when set, also writes per-quarter aggregate rows there.
	Aggregate string

	Hierarchy db.HierarchyQuery
}

// TTMDetailsResult reports what was written.
type TTMDetailsResult struct {
	Path          string
	AggregatePath string
	Rows          int
}

// GenerateTTMDetails writes the per-task detail CSV. Tasks are selected by
// their metric anchors falling inside the configured quarters; histories
// and downstream hierarchies are loaded in single batched queries.
func (p *Pipeline) GenerateTTMDetails(ctx context.Context, opts TTMDetailsOptions) (*TTMDetailsResult, error) {
	e := p.Engine
	if opts.GroupBy == "" {
		opts.GroupBy = "author"
	}
	if opts.Hierarchy.QueuePrefix == "" {
		opts.Hierarchy.QueuePrefix = downstreamPrefix
	}

	start, end := e.Quarters.Window()
	targets := append([]string{}, e.Mapping.Done...)
	targets = append(targets, e.Mapping.ReadyForDev)
	tasks, err := p.DB.TasksInPeriod(ctx, db.PeriodQuery{
		Start:          start,
		End:            end,
		TargetStatuses: targets,
		KeyPrefix:      upstreamPrefix,
		GroupBy:        opts.GroupBy,
	})
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

	returns, err := p.downstreamReturns(ctx, tasks, opts.Hierarchy)
	if err != nil {
		return nil, err
	}

	path := opts.Output
	if path == "" {
		path = timestampedPath(opts.ReportsDir, "ttm_details", time.Now())
	}
	w, closeFn, err := createCSV(path)
	if err != nil {
		return nil, err
	}
	if err := w.Write(ttmDetailsHeader); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("write header: %w", err)
	}

	agg := newAggregator()
	rows := 0
	for _, t := range tasks {
		h := histories[t.Key]
		m := e.Compute(t.CreatedAt, h)
		ret := returns[t.Key]

		groupKey := t.Author
		if opts.GroupBy == "team" {
			groupKey = t.Team
		}
		record := []string{
			t.Key, t.Summary, t.Author, t.Team, groupKey,
			m.QuarterTTD, m.QuarterTTM,
			formatDays(m.TTD), formatDays(m.TTM), formatDays(m.DevLT), formatDays(m.Tail),
			strconv.Itoa(m.Pause), strconv.Itoa(m.TTDPause),
			strconv.Itoa(m.DiscoveryBacklogDays), strconv.Itoa(m.ReadyForDevDays),
			strconv.Itoa(ret.testing), strconv.Itoa(ret.external),
		}
		if err := w.Write(record); err != nil {
			_ = closeFn()
			return nil, fmt.Errorf("write row for %s: %w", t.Key, err)
		}
		rows++
		agg.add(groupKey, m)
	}
	if err := closeFn(); err != nil {
		return nil, err
	}

	result := &TTMDetailsResult{Path: path, Rows: rows}
	if opts.Aggregate != "" {
		if err := agg.write(opts.Aggregate); err != nil {
			return nil, err
		}
		result.AggregatePath = opts.Aggregate
	}
	p.logger().Info("ttm details report written", "path", path, "rows", rows)
	return result, nil
}

type returnCounts struct {
	testing  int
	external int
}

// downstreamReturns resolves each root's downstream hierarchy and counts
// transitions into the testing and external-test statuses across it.
// Three queries total: the batched walk, then one batched history load.
func (p *Pipeline) downstreamReturns(ctx context.Context, tasks []*db.Task, hq db.HierarchyQuery) (map[string]returnCounts, error) {
	e := p.Engine
	result := make(map[string]returnCounts, len(tasks))

	epicsByRoot := make(map[string][]string, len(tasks))
	var allEpics []string
	seenEpic := map[string]bool{}
	for _, t := range tasks {
		epics := t.LinkedKeys(relatesLinkType, hq.QueuePrefix)
		epicsByRoot[t.Key] = epics
		for _, ep := range epics {
			if !seenEpic[ep] {
				seenEpic[ep] = true
				allEpics = append(allEpics, ep)
			}
		}
	}
	if len(allEpics) == 0 {
		return result, nil
	}

	downstream, err := p.DB.DownstreamKeysBatch(ctx, allEpics, hq)
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

	for root, epics := range epicsByRoot {
		var rc returnCounts
		counted := map[string]bool{}
		for _, ep := range epics {
			for _, key := range downstream[ep] {
				if counted[key] {
					continue
				}
				counted[key] = true
				h, ok := histories[key]
				if !ok {
					continue
				}
				rc.testing += e.TestingEntries(h)
				rc.external += e.ExternalTestEntries(h)
			}
		}
		result[root] = rc
	}
	return result, nil
}

// aggregator collects per-(quarter, group) series for the optional
// aggregate CSV. Pause series reuse the exact anchors the deductions
// used.
type aggregator struct {
	cells map[aggKey]*aggCell
}

type aggKey struct {
	quarter string
	group   string
	metric  string
}

type aggCell struct {
	values []int
	pauses []int
}

func newAggregator() *aggregator {
	return &aggregator{cells: make(map[aggKey]*aggCell)}
}

func (a *aggregator) add(group string, m metrics.TaskMetrics) {
	if m.TTD != nil && m.QuarterTTD != "" {
		a.push(aggKey{m.QuarterTTD, group, "ttd"}, *m.TTD, m.TTDPause)
	}
	if m.TTM != nil && m.QuarterTTM != "" {
		a.push(aggKey{m.QuarterTTM, group, "ttm"}, *m.TTM, m.Pause)
	}
}

func (a *aggregator) push(k aggKey, value, pause int) {
	cell := a.cells[k]
	if cell == nil {
		cell = &aggCell{}
		a.cells[k] = cell
	}
	cell.values = append(cell.values, value)
	cell.pauses = append(cell.pauses, pause)
}

func (a *aggregator) write(path string) error {
	w, closeFn, err := createCSV(path)
	if err != nil {
		return err
	}
	header := []string{"quarter", "group", "metric", "count", "mean", "p85", "pause_mean", "pause_p85"}
	if err := w.Write(header); err != nil {
		_ = closeFn()
		return fmt.Errorf("write aggregate header: %w", err)
	}

	keys := make([]aggKey, 0, len(a.cells))
	for k := range a.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].quarter != keys[j].quarter {
			return keys[i].quarter < keys[j].quarter
		}
		if keys[i].group != keys[j].group {
			return keys[i].group < keys[j].group
		}
		return keys[i].metric < keys[j].metric
	})

	for _, k := range keys {
		cell := a.cells[k]
		vs := metrics.Summarize(cell.values)
		ps := metrics.Summarize(cell.pauses)
		record := []string{
			k.quarter, k.group, k.metric,
			strconv.Itoa(vs.Count),
			strconv.FormatFloat(vs.Mean, 'f', 2, 64),
			strconv.FormatFloat(vs.P85, 'f', 2, 64),
			strconv.FormatFloat(ps.Mean, 'f', 2, 64),
			strconv.FormatFloat(ps.P85, 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			_ = closeFn()
			return fmt.Errorf("write aggregate row: %w", err)
		}
	}
	return closeFn()
}
