package report

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/radiator/internal/config"
	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/metrics"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

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

func seedTask(t *testing.T, d *db.DB, task *db.Task, entries []db.HistoryEntry) {
	t.Helper()
	ctx := context.Background()
	if _, err := d.UpsertTask(ctx, task); err != nil {
		t.Fatalf("upsert %s: %v", task.Key, err)
	}
	for i := range entries {
		entries[i].TrackerID = task.TrackerID
	}
	if err := d.ReplaceHistory(ctx, task.ID, task.TrackerID, entries); err != nil {
		t.Fatalf("history for %s: %v", task.Key, err)
	}
}

func entry(status string, start time.Time, end *time.Time) db.HistoryEntry {
	return db.HistoryEntry{Status: status, StatusDisplay: status, StartDate: start, EndDate: end}
}

func ptr(t time.Time) *time.Time { return &t }

// newTestPipeline seeds one upstream root with a two-level downstream
// hierarchy behind it.
func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "report.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	root := &db.Task{
		TrackerID: "id-cpo-100", Key: "CPO-100", Summary: "checkout redesign",
		Status: "Done", Author: "Alice", Team: "core",
		Links:     `[{"type":{"id":"relates"},"direction":"outward","object":{"key":"FULLSTACK-1"}}]`,
		CreatedAt: date(2025, 1, 1), UpdatedAt: date(2025, 3, 1),
	}
	seedTask(t, d, root, []db.HistoryEntry{
		entry("Open", date(2025, 1, 1), ptr(date(2025, 1, 5))),
		entry("Ready for dev", date(2025, 1, 5), ptr(date(2025, 2, 1))),
		entry("In progress", date(2025, 2, 1), ptr(date(2025, 3, 1))),
		entry("Done", date(2025, 3, 1), nil),
	})

	epic := &db.Task{
		TrackerID: "id-fs-1", Key: "FULLSTACK-1", Summary: "delivery epic",
		Status: "Done", CreatedAt: date(2025, 1, 1), UpdatedAt: date(2025, 3, 1),
	}
	seedTask(t, d, epic, []db.HistoryEntry{
		entry("Done", date(2025, 1, 1), nil),
	})

	child := &db.Task{
		TrackerID: "id-fs-2", Key: "FULLSTACK-2", Summary: "backend part",
		Status: "Done",
		Links:  `[{"type":{"id":"subtask"},"direction":"inward","object":{"key":"FULLSTACK-1"}}]`,
		CreatedAt: date(2025, 1, 1), UpdatedAt: date(2025, 2, 1),
	}
	seedTask(t, d, child, []db.HistoryEntry{
		entry("InProgress", date(2025, 1, 1), ptr(date(2025, 1, 10))),
		entry("Testing", date(2025, 1, 10), ptr(date(2025, 1, 12))),
		entry("InProgress", date(2025, 1, 12), ptr(date(2025, 1, 15))),
		entry("Testing", date(2025, 1, 15), ptr(date(2025, 1, 20))),
		entry("Done", date(2025, 1, 20), nil),
	})

	quarters := config.Quarters{
		{Name: "2025Q1", Start: date(2025, 1, 1), End: date(2025, 3, 31)},
		{Name: "2025Q2", Start: date(2025, 4, 1), End: date(2025, 6, 30)},
	}
	engine := metrics.NewEngine(testMapping(), quarters, 5*time.Minute).WithAsOf(date(2025, 6, 30))
	return &Pipeline{DB: d, Engine: engine, Logger: slog.New(slog.DiscardHandler)}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}

func column(t *testing.T, header []string, name string) int {
	t.Helper()
	for i, h := range header {
		if h == name {
			return i
		}
	}
	t.Fatalf("column %q not in header %v", name, header)
	return -1
}

func TestGenerateTTMDetails(t *testing.T) {
	p := newTestPipeline(t)
	out := filepath.Join(t.TempDir(), "details.csv")
	agg := filepath.Join(t.TempDir(), "agg.csv")

	res, err := p.GenerateTTMDetails(context.Background(), TTMDetailsOptions{
		Output:    out,
		Aggregate: agg,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Rows != 1 {
		t.Fatalf("expected 1 row, got %d", res.Rows)
	}

	records := readCSV(t, out)
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row, got %d records", len(records))
	}
	header, row := records[0], records[1]
	get := func(name string) string { return row[column(t, header, name)] }

	if get("key") != "CPO-100" || get("group_key") != "Alice" {
		t.Errorf("identity columns: %v", row)
	}
	if get("ttd") != "4" {
		t.Errorf("ttd: %q", get("ttd"))
	}
	if get("ttm") != "59" {
		t.Errorf("ttm: %q", get("ttm"))
	}
	if get("quarter_ttd") != "2025Q1" || get("quarter_ttm") != "2025Q1" {
		t.Errorf("quarters: %v", row)
	}
	// Returns counted over the whole downstream closure.
	if get("testing_returns") != "2" {
		t.Errorf("testing returns: %q", get("testing_returns"))
	}

	aggRecords := readCSV(t, agg)
	if len(aggRecords) != 3 {
		t.Fatalf("expected header + ttd + ttm aggregate rows, got %d", len(aggRecords))
	}
	aggHeader := aggRecords[0]
	for _, r := range aggRecords[1:] {
		if r[column(t, aggHeader, "group")] != "Alice" || r[column(t, aggHeader, "count")] != "1" {
			t.Errorf("aggregate row: %v", r)
		}
	}
}

func TestGenerateTTMDetailsGroupByTeam(t *testing.T) {
	p := newTestPipeline(t)
	out := filepath.Join(t.TempDir(), "details.csv")

	_, err := p.GenerateTTMDetails(context.Background(), TTMDetailsOptions{Output: out, GroupBy: "team"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	records := readCSV(t, out)
	if got := records[1][column(t, records[0], "group_key")]; got != "core" {
		t.Errorf("group_key should be the team: %q", got)
	}
}

func TestGenerateSubepicReturns(t *testing.T) {
	p := newTestPipeline(t)
	out := filepath.Join(t.TempDir(), "subepic.csv")

	res, err := p.GenerateSubepicReturns(context.Background(), SubepicReturnsOptions{Output: out})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Rows != 1 {
		t.Fatalf("expected 1 row, got %d", res.Rows)
	}

	records := readCSV(t, out)
	header, row := records[0], records[1]
	get := func(name string) string { return row[column(t, header, name)] }

	if get("key") != "CPO-100" || get("epics") != "1" || get("downstream_tasks") != "2" {
		t.Errorf("hierarchy columns: %v", row)
	}
	// Two entries into each station mean one return.
	if get("returns_Testing") != "1" || get("returns_InProgress") != "1" {
		t.Errorf("per-status returns: %v", row)
	}
	if get("returns_Done") != "0" {
		t.Errorf("single entry is no return: %q", get("returns_Done"))
	}
	if get("testing_returns") != "2" {
		t.Errorf("testing entries: %q", get("testing_returns"))
	}
}

func TestGenerateStatusTime(t *testing.T) {
	p := newTestPipeline(t)
	out := filepath.Join(t.TempDir(), "status.csv")

	res, err := p.GenerateStatusTime(context.Background(), StatusTimeOptions{Queue: "CPO", Output: out})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Rows != 1 {
		t.Fatalf("expected 1 row, got %d", res.Rows)
	}

	records := readCSV(t, out)
	header, row := records[0], records[1]
	get := func(name string) string { return row[column(t, header, name)] }

	if get("key") != "CPO-100" || get("status") != "Done" {
		t.Errorf("identity columns: %v", row)
	}
	if get("Ready for dev") != "27" {
		t.Errorf("ready-for-dev days: %q", get("Ready for dev"))
	}
	if get("In progress") != "28" {
		t.Errorf("in-progress days: %q", get("In progress"))
	}
	// The open interval is measured to the report's reference date.
	if get("Done") != "121" {
		t.Errorf("done days: %q", get("Done"))
	}
}

func TestGenerateStatusTimeRequiresQueue(t *testing.T) {
	p := newTestPipeline(t)
	if _, err := p.GenerateStatusTime(context.Background(), StatusTimeOptions{}); err == nil {
		t.Fatal("missing queue must fail")
	}
}

func TestTimestampedPath(t *testing.T) {
	now := time.Date(2025, 3, 4, 15, 6, 7, 0, time.UTC)
	got := timestampedPath("reports", "ttm_details", now)
	want := filepath.Join("reports", "ttm_details_20250304_150607.csv")
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}
