package metrics

import (
	"testing"
	"time"

	"github.com/randalmurphal/radiator/internal/config"
	"github.com/randalmurphal/radiator/internal/history"
)

func testMapping() config.StatusMapping {
	return config.StatusMapping{
		Discovery:    []string{"Discovery"},
		Done:         []string{"Done"},
		Pause:        []string{"Paused"},
		ExternalTest: []string{"External test"},
		ReadyForDev:  "Ready for dev",
		InWork:       "In progress",
		Testing:      "Testing",
	}
}

func testQuarters() config.Quarters {
	return config.Quarters{
		{Name: "2025Q1", Start: date(2025, 1, 1), End: date(2025, 3, 31)},
		{Name: "2025Q2", Start: date(2025, 4, 1), End: date(2025, 6, 30)},
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func closed(status string, start, end time.Time) history.Interval {
	return history.Interval{Status: status, StatusDisplay: status, Start: start, End: &end}
}

func open(status string, start time.Time) history.Interval {
	return history.Interval{Status: status, StatusDisplay: status, Start: start}
}

func newTestEngine() *Engine {
	return NewEngine(testMapping(), testQuarters(), 5*time.Minute)
}

func TestTTDBasic(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("Open", date(2025, 1, 1), date(2025, 1, 5)),
		closed("Discovery", date(2025, 1, 5), date(2025, 1, 15)),
		open("Ready for dev", date(2025, 1, 15)),
	}
	m := newTestEngine().Compute(created, h)
	if m.TTD == nil || *m.TTD != 14 {
		t.Fatalf("expected TTD 14, got %v", m.TTD)
	}
	if m.TTDPause != 0 {
		t.Errorf("expected no pause, got %d", m.TTDPause)
	}
	if m.QuarterTTD != "2025Q1" {
		t.Errorf("wrong TTD quarter: %q", m.QuarterTTD)
	}
	if m.DiscoveryBacklogDays != 10 {
		t.Errorf("expected 10 discovery days, got %d", m.DiscoveryBacklogDays)
	}
}

func TestTTDPauseDeduction(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("Open", date(2025, 1, 1), date(2025, 1, 5)),
		closed("Discovery", date(2025, 1, 5), date(2025, 1, 8)),
		closed("Paused", date(2025, 1, 8), date(2025, 1, 10)),
		closed("Discovery", date(2025, 1, 10), date(2025, 1, 15)),
		open("Ready for dev", date(2025, 1, 15)),
	}
	m := newTestEngine().Compute(created, h)
	if m.TTD == nil || *m.TTD != 12 {
		t.Fatalf("expected TTD 12 after pause deduction, got %v", m.TTD)
	}
	if m.TTDPause != 2 {
		t.Errorf("expected 2 pause days at the TTD anchor, got %d", m.TTDPause)
	}
}

func TestTTDBounceFilter(t *testing.T) {
	created := date(2025, 1, 1)
	blipEnd := date(2025, 1, 6).Add(2 * time.Minute)
	h := []history.Interval{
		closed("Open", date(2025, 1, 1), date(2025, 1, 5)),
		closed("Discovery", date(2025, 1, 5), date(2025, 1, 6)),
		closed("Ready for dev", date(2025, 1, 6), blipEnd),
		closed("Discovery", blipEnd, date(2025, 1, 15)),
		open("Ready for dev", date(2025, 1, 15)),
	}
	m := newTestEngine().Compute(created, h)
	if m.TTD == nil || *m.TTD != 14 {
		t.Fatalf("a 2-minute blip must not anchor TTD, got %v", m.TTD)
	}
}

func TestTTDAsOfSubstitution(t *testing.T) {
	created := date(2025, 12, 1)
	h := []history.Interval{open("Ready for dev", date(2025, 12, 1))}

	// A wall-clock run anchors at the entry moment.
	m := newTestEngine().Compute(created, h)
	if m.TTD == nil || *m.TTD != 0 {
		t.Fatalf("default run should anchor at the entry moment, got %v", m.TTD)
	}

	// An explicit historical cutoff measures the open interval to it.
	m = newTestEngine().WithAsOf(date(2026, 1, 18)).Compute(created, h)
	if m.TTD == nil || *m.TTD != 48 {
		t.Fatalf("expected TTD 48 under as-of, got %v", m.TTD)
	}
	later := newTestEngine().WithAsOf(date(2026, 2, 6)).Compute(created, h)
	if later.TTD == nil || *later.TTD <= *m.TTD {
		t.Errorf("later as-of must yield strictly larger TTD: %v vs %v", later.TTD, m.TTD)
	}
}

func TestTTMAndQuarters(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("Open", date(2025, 1, 1), date(2025, 1, 10)),
		closed("Ready for dev", date(2025, 1, 10), date(2025, 2, 1)),
		closed("In progress", date(2025, 2, 1), date(2025, 3, 1)),
		closed("Paused", date(2025, 3, 1), date(2025, 3, 6)),
		closed("In progress", date(2025, 3, 6), date(2025, 4, 10)),
		open("Done", date(2025, 4, 10)),
	}
	m := newTestEngine().Compute(created, h)
	if m.TTM == nil || *m.TTM != 94 {
		t.Fatalf("expected TTM 94 (99 elapsed minus 5 paused), got %v", m.TTM)
	}
	if m.Pause != 5 {
		t.Errorf("expected 5 pause days at the TTM anchor, got %d", m.Pause)
	}
	// The two anchors fall in different quarters.
	if m.QuarterTTD != "2025Q1" || m.QuarterTTM != "2025Q2" {
		t.Errorf("quarter bucketing wrong: ttd=%q ttm=%q", m.QuarterTTD, m.QuarterTTM)
	}
}

func TestTTMNotReached(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("Open", date(2025, 1, 1), date(2025, 1, 3)),
		closed("Paused", date(2025, 1, 3), date(2025, 1, 7)),
		open("In progress", date(2025, 1, 7)),
	}
	m := newTestEngine().WithAsOf(date(2025, 2, 1)).Compute(created, h)
	if m.TTM != nil {
		t.Errorf("TTM must be nil before any done entry, got %v", m.TTM)
	}
	// Pause is still reported, measured to the reference time.
	if m.Pause != 4 {
		t.Errorf("expected 4 pause days, got %d", m.Pause)
	}
}

func TestDevLT(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("Ready for dev", date(2025, 1, 1), date(2025, 1, 10)),
		closed("In progress", date(2025, 1, 10), date(2025, 1, 14)),
		closed("Paused", date(2025, 1, 14), date(2025, 1, 16)),
		closed("In progress", date(2025, 1, 16), date(2025, 1, 20)),
		open("External test", date(2025, 1, 20)),
	}
	m := newTestEngine().Compute(created, h)
	if m.DevLT == nil || *m.DevLT != 8 {
		t.Fatalf("expected DevLT 8 (10 elapsed minus 2 paused), got %v", m.DevLT)
	}
}

func TestTail(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("In progress", date(2025, 1, 1), date(2025, 1, 20)),
		closed("External test", date(2025, 1, 20), date(2025, 1, 25)),
		closed("Testing", date(2025, 1, 25), date(2025, 1, 27)),
		open("Done", date(2025, 1, 27)),
	}
	m := newTestEngine().Compute(created, h)
	if m.Tail == nil || *m.Tail != 2 {
		t.Fatalf("expected Tail 2, got %v", m.Tail)
	}

	// No done entry yet: tail only exists under a historical cutoff.
	notDone := []history.Interval{
		closed("External test", date(2025, 1, 20), date(2025, 1, 25)),
		open("Testing", date(2025, 1, 25)),
	}
	m = newTestEngine().Compute(created, notDone)
	if m.Tail != nil {
		t.Errorf("wall-clock run must not fabricate a tail end, got %v", m.Tail)
	}
	m = newTestEngine().WithAsOf(date(2025, 1, 31)).Compute(created, notDone)
	if m.Tail == nil || *m.Tail != 6 {
		t.Errorf("expected Tail 6 measured to as-of, got %v", m.Tail)
	}
}

func TestFirstEntryIsCanonical(t *testing.T) {
	created := date(2025, 1, 1)
	h := []history.Interval{
		closed("Open", date(2025, 1, 1), date(2025, 1, 5)),
		closed("Ready for dev", date(2025, 1, 5), date(2025, 1, 10)),
		closed("Open", date(2025, 1, 10), date(2025, 1, 20)),
		open("Ready for dev", date(2025, 1, 20)),
	}
	m := newTestEngine().Compute(created, h)
	if m.TTD == nil || *m.TTD != 4 {
		t.Errorf("a regressed task keeps its first anchor, got %v", m.TTD)
	}
	if m.ReadyForDevDays < 5 {
		t.Errorf("ready residency is cumulative across both visits, got %d", m.ReadyForDevDays)
	}
}

func TestCountEntries(t *testing.T) {
	e := newTestEngine()
	h := []history.Interval{
		closed("In progress", date(2025, 1, 1), date(2025, 1, 5)),
		closed("Testing", date(2025, 1, 5), date(2025, 1, 7)),
		closed("In progress", date(2025, 1, 7), date(2025, 1, 9)),
		closed("Testing", date(2025, 1, 9), date(2025, 1, 11)),
		open("Done", date(2025, 1, 11)),
	}
	if n := e.TestingEntries(h); n != 2 {
		t.Errorf("expected 2 testing entries, got %d", n)
	}
	// Adjacent same-status rows collapse into one entry.
	adjacent := []history.Interval{
		closed("Testing", date(2025, 1, 1), date(2025, 1, 2)),
		closed("Testing", date(2025, 1, 2), date(2025, 1, 3)),
	}
	if n := e.TestingEntries(adjacent); n != 1 {
		t.Errorf("adjacent rows should count once, got %d", n)
	}
	if n := e.ExternalTestEntries(h); n != 0 {
		t.Errorf("no external-test entries expected, got %d", n)
	}
}

func TestEntryCountsAreFiltered(t *testing.T) {
	e := newTestEngine()
	blipEnd := date(2025, 1, 5).Add(2 * time.Minute)
	h := []history.Interval{
		closed("In progress", date(2025, 1, 1), date(2025, 1, 5)),
		closed("Testing", date(2025, 1, 5), blipEnd),
		closed("In progress", blipEnd, date(2025, 1, 10)),
		closed("Testing", date(2025, 1, 10), date(2025, 1, 12)),
		open("Done", date(2025, 1, 12)),
	}
	// A 2-minute blip into Testing is not an entry.
	if n := e.TestingEntries(h); n != 1 {
		t.Errorf("bounce counted as an entry: got %d, want 1", n)
	}

	// Entries after a historical cutoff do not count.
	h2 := []history.Interval{
		closed("Testing", date(2025, 1, 5), date(2025, 1, 7)),
		closed("In progress", date(2025, 1, 7), date(2025, 1, 10)),
		open("Testing", date(2025, 1, 10)),
	}
	if n := e.TestingEntries(h2); n != 2 {
		t.Errorf("wall-clock count: got %d, want 2", n)
	}
	if n := e.WithAsOf(date(2025, 1, 8)).TestingEntries(h2); n != 1 {
		t.Errorf("entry past the cutoff counted: got %d, want 1", n)
	}
}

func TestStatusMatchByDisplayName(t *testing.T) {
	created := date(2025, 1, 1)
	// System key unknown to the mapping; display name matches.
	h := []history.Interval{
		{Status: "readyForDev", StatusDisplay: "Ready for dev", Start: date(2025, 1, 8)},
	}
	m := newTestEngine().Compute(created, h)
	if m.TTD == nil || *m.TTD != 7 {
		t.Errorf("display-name matching failed: %v", m.TTD)
	}
}
