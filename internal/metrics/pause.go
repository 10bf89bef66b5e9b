package metrics

import (
	"time"

	"github.com/randalmurphal/radiator/internal/history"
)

// wholeDays truncates a duration to whole days, clamped at zero.
func wholeDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

func daysBetween(a, b time.Time) int {
	return wholeDays(b.Sub(a))
}

// PauseUpToDays sums, in whole days, the time spent in pause intervals
// that start before d. An interval crossing d contributes only its portion
// before d.
func PauseUpToDays(h []history.Interval, d time.Time, isPause func(history.Interval) bool) int {
	total := 0
	for _, iv := range h {
		if !isPause(iv) || !iv.Start.Before(d) {
			continue
		}
		end := d
		if iv.End != nil && iv.End.Before(d) {
			end = *iv.End
		}
		total += daysBetween(iv.Start, end)
	}
	return total
}

// PauseBetweenDays is PauseUpToDays restricted to [a, b].
func PauseBetweenDays(h []history.Interval, a, b time.Time, isPause func(history.Interval) bool) int {
	total := 0
	for _, iv := range h {
		if !isPause(iv) {
			continue
		}
		start := iv.Start
		if start.Before(a) {
			start = a
		}
		end := b
		if iv.End != nil && iv.End.Before(b) {
			end = *iv.End
		}
		if end.After(start) {
			total += daysBetween(start, end)
		}
	}
	return total
}
