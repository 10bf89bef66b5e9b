// Package history turns a changelog into status intervals and provides the
// metric-side filters over them. Everything here is pure: same input, same
// output.
package history

import (
	"sort"
	"time"

	"github.com/randalmurphal/radiator/internal/tracker"
)

// Interval is one span during which a task held one status. End nil means
// the status is still current.
type Interval struct {
	Status        string
	StatusDisplay string
	Start         time.Time
	End           *time.Time
}

// Duration returns the interval length, measuring open intervals up to
// asOf.
func (iv Interval) Duration(asOf time.Time) time.Duration {
	end := asOf
	if iv.End != nil {
		end = *iv.End
	}
	d := end.Sub(iv.Start)
	if d < 0 {
		return 0
	}
	return d
}

// Rebuild replays changelog events into a closed sequence of intervals,
// the last one open. The initial interval starts at the task's creation
// and carries the first event's from-status, or the current status when no
// status change was ever recorded. Malformed events (no usable to-status)
// are skipped and counted.
func Rebuild(events []tracker.ChangeEvent, createdAt time.Time, currentStatus, currentDisplay string) (intervals []Interval, skipped int) {
	changes := make([]tracker.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if ev.Status == nil {
			continue
		}
		if ev.At.IsZero() || ev.Status.To == "" {
			skipped++
			continue
		}
		changes = append(changes, ev)
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].At.Before(changes[j].At) })

	if len(changes) == 0 {
		if currentStatus == "" {
			return nil, skipped
		}
		return []Interval{{
			Status:        currentStatus,
			StatusDisplay: currentDisplay,
			Start:         createdAt,
		}}, skipped
	}

	first := changes[0]
	if first.Status.From != "" {
		end := first.At
		intervals = append(intervals, Interval{
			Status:        first.Status.From,
			StatusDisplay: first.Status.FromDisplay,
			Start:         createdAt,
			End:           &end,
		})
	}
	for i, ev := range changes {
		iv := Interval{
			Status:        ev.Status.To,
			StatusDisplay: ev.Status.ToDisplay,
			Start:         ev.At,
		}
		if i+1 < len(changes) {
			end := changes[i+1].At
			iv.End = &end
		}
		intervals = append(intervals, iv)
	}
	return intervals, skipped
}
