// Package metrics derives delivery-lifecycle metrics from reconstructed
// status history.
package metrics

import (
	"time"

	"github.com/randalmurphal/radiator/internal/config"
	"github.com/randalmurphal/radiator/internal/history"
)

// Engine computes per-task metrics against one mapping, quarter set, and
// reference time. AsOf is always injected; AsOfExplicit marks a historical
// cutoff requested by the caller, which changes open-interval handling.
type Engine struct {
	Mapping           config.StatusMapping
	Quarters          config.Quarters
	MinStatusDuration time.Duration
	AsOf              time.Time
	AsOfExplicit      bool
}

// TaskMetrics is the computed row for one task. Day metrics are nil when
// the task never reached the metric's anchor.
type TaskMetrics struct {
	TTD   *int
	TTM   *int
	DevLT *int
	Tail  *int

	// Pause is pause_up_to at TTM's anchor; TTDPause at TTD's anchor.
	// The same anchors the deductions use, so reported pauses always
	// match what was deducted.
	Pause    int
	TTDPause int

	DiscoveryBacklogDays int
	ReadyForDevDays      int

	QuarterTTD string
	QuarterTTM string
}

// NewEngine builds an engine with the wall clock as the reference time.
func NewEngine(mapping config.StatusMapping, quarters config.Quarters, minDuration time.Duration) *Engine {
	return &Engine{
		Mapping:           mapping,
		Quarters:          quarters,
		MinStatusDuration: minDuration,
		AsOf:              time.Now(),
	}
}

// WithAsOf returns a copy of the engine frozen at the given historical
// date.
func (e *Engine) WithAsOf(asOf time.Time) *Engine {
	clone := *e
	clone.AsOf = asOf
	clone.AsOfExplicit = true
	return &clone
}

// matchers bind a mapping set to both the system key and the display name
// carried by an interval.
func (e *Engine) isPause(iv history.Interval) bool {
	return e.Mapping.IsPause(iv.Status) || e.Mapping.IsPause(iv.StatusDisplay)
}

func (e *Engine) isDone(iv history.Interval) bool {
	return e.Mapping.IsDone(iv.Status) || e.Mapping.IsDone(iv.StatusDisplay)
}

func (e *Engine) isDiscovery(iv history.Interval) bool {
	return e.Mapping.IsDiscovery(iv.Status) || e.Mapping.IsDiscovery(iv.StatusDisplay)
}

func (e *Engine) isExternalTest(iv history.Interval) bool {
	return e.Mapping.IsExternalTest(iv.Status) || e.Mapping.IsExternalTest(iv.StatusDisplay)
}

func (e *Engine) isStatus(iv history.Interval, name string) bool {
	return iv.Status == name || iv.StatusDisplay == name
}

func (e *Engine) isReadyForDev(iv history.Interval) bool {
	return e.isStatus(iv, e.Mapping.ReadyForDev)
}

func (e *Engine) isInWork(iv history.Interval) bool {
	return e.isStatus(iv, e.Mapping.InWork)
}

// Filter prepares raw intervals for metric computation: sort, freeze at
// AsOf, drop bounces.
func (e *Engine) Filter(raw []history.Interval) []history.Interval {
	h := history.SortIntervals(raw)
	h = history.CutAsOf(h, e.AsOf)
	return history.DropShort(h, e.MinStatusDuration)
}

// firstMatch returns the first interval satisfying match, in start order.
// First entry is canonical: a task that regressed and re-entered a status
// keeps its original anchor.
func firstMatch(h []history.Interval, match func(history.Interval) bool) *history.Interval {
	for i := range h {
		if match(h[i]) {
			return &h[i]
		}
	}
	return nil
}

// firstExit returns the end of the first closed interval satisfying match.
func firstExit(h []history.Interval, match func(history.Interval) bool) *time.Time {
	for i := range h {
		if match(h[i]) && h[i].End != nil {
			return h[i].End
		}
	}
	return nil
}

// anchorEnd resolves an anchor interval's end moment: the entry moment,
// or AsOf when the interval is still open and a historical cutoff was
// requested.
func (e *Engine) anchorEnd(iv *history.Interval) time.Time {
	if iv.End == nil && e.AsOfExplicit {
		return e.AsOf
	}
	return iv.Start
}

// Compute derives all metrics for one task from its raw stored history.
func (e *Engine) Compute(createdAt time.Time, raw []history.Interval) TaskMetrics {
	var m TaskMetrics
	h := e.Filter(raw)

	ready := firstMatch(h, e.isReadyForDev)
	done := firstMatch(h, e.isDone)

	// TTD: creation to first entry into ready-for-dev, minus pauses up to
	// that anchor.
	if ready != nil {
		end := e.anchorEnd(ready)
		ttd := daysBetween(createdAt, end) - PauseUpToDays(h, end, e.isPause)
		if ttd < 0 {
			ttd = 0
		}
		m.TTD = &ttd
		if q, ok := e.Quarters.Find(end); ok {
			m.QuarterTTD = q.Name
		}
		m.TTDPause = PauseUpToDays(h, end, e.isPause)
	} else {
		m.TTDPause = PauseUpToDays(h, e.AsOf, e.isPause)
	}

	// TTM: creation to first entry into a done status.
	if done != nil {
		end := done.Start
		ttm := daysBetween(createdAt, end) - PauseUpToDays(h, end, e.isPause)
		if ttm < 0 {
			ttm = 0
		}
		m.TTM = &ttm
		if q, ok := e.Quarters.Find(end); ok {
			m.QuarterTTM = q.Name
		}
		m.Pause = PauseUpToDays(h, end, e.isPause)
	} else {
		m.Pause = PauseUpToDays(h, e.AsOf, e.isPause)
	}

	// DevLT: first entry into in-work to first entry into external test.
	inWork := firstMatch(h, e.isInWork)
	extTest := firstMatch(h, e.isExternalTest)
	if inWork != nil && extTest != nil {
		start := inWork.Start
		end := e.anchorEnd(extTest)
		if !end.Before(start) {
			devlt := daysBetween(start, end) - PauseBetweenDays(h, start, end, e.isPause)
			if devlt < 0 {
				devlt = 0
			}
			m.DevLT = &devlt
		}
	}

	// Tail: first exit from external test to the first done entry after
	// it. A task that left external test but is not yet done measures to
	// AsOf under a historical cutoff.
	if exit := firstExit(h, e.isExternalTest); exit != nil {
		var end *time.Time
		for i := range h {
			if e.isDone(h[i]) && !h[i].Start.Before(*exit) {
				end = &h[i].Start
				break
			}
		}
		if end == nil && e.AsOfExplicit {
			end = &e.AsOf
		}
		if end != nil && !end.Before(*exit) {
			tail := daysBetween(*exit, *end) - PauseBetweenDays(h, *exit, *end, e.isPause)
			if tail < 0 {
				tail = 0
			}
			m.Tail = &tail
		}
	}

	// Cumulative status residencies, open intervals measured to AsOf.
	for _, iv := range h {
		if e.isDiscovery(iv) {
			m.DiscoveryBacklogDays += wholeDays(iv.Duration(e.AsOf))
		}
		if e.isReadyForDev(iv) {
			m.ReadyForDevDays += wholeDays(iv.Duration(e.AsOf))
		}
	}

	return m
}

// CountEntries counts transitions into intervals satisfying match: an
// entry is an interval whose predecessor does not match. Callers pass
// filtered history; the same cut and bounce rules apply to entry counts
// as to every other metric.
func CountEntries(h []history.Interval, match func(history.Interval) bool) int {
	h = history.SortIntervals(h)
	count := 0
	prev := false
	for _, iv := range h {
		cur := match(iv)
		if cur && !prev {
			count++
		}
		prev = cur
	}
	return count
}

// TestingEntries counts entries into the configured testing status over
// the filtered history.
func (e *Engine) TestingEntries(raw []history.Interval) int {
	return CountEntries(e.Filter(raw), func(iv history.Interval) bool { return e.isStatus(iv, e.Mapping.Testing) })
}

// ExternalTestEntries counts entries into any external-test status over
// the filtered history.
func (e *Engine) ExternalTestEntries(raw []history.Interval) int {
	return CountEntries(e.Filter(raw), e.isExternalTest)
}
