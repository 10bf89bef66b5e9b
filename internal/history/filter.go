package history

import (
	"sort"
	"time"
)

// CutAsOf freezes the history at asOf: intervals starting later are
// dropped, and an interval crossing asOf becomes open. Used by
// as-of-date reports.
func CutAsOf(in []Interval, asOf time.Time) []Interval {
	out := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.Start.After(asOf) {
			continue
		}
		if iv.End != nil && iv.End.After(asOf) {
			iv.End = nil
		}
		out = append(out, iv)
	}
	return out
}

// DropShort removes closed intervals shorter than threshold. These are
// accidental clicks and near-instant flips that would corrupt
// first-entry reasoning; storage keeps them, metrics do not. Open
// intervals always survive. The filter never invents a status the input
// did not contain.
func DropShort(in []Interval, threshold time.Duration) []Interval {
	out := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.End != nil && iv.End.Sub(iv.Start) < threshold {
			continue
		}
		out = append(out, iv)
	}
	return out
}

// SortIntervals returns a copy sorted by start date. Rebuild emits sorted
// intervals; rows loaded from storage pass through here to restore the
// invariant.
func SortIntervals(in []Interval) []Interval {
	out := make([]Interval, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
