package db

import (
	"context"
	"testing"
	"time"
)

func mustUpsert(t *testing.T, d *DB, task *Task) *Task {
	t.Helper()
	if _, err := d.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("upsert %s: %v", task.Key, err)
	}
	return task
}

func TestReplaceHistoryIdempotent(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	task := mustUpsert(t, d, testTask("CPO-20"))

	end := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	entries := []HistoryEntry{
		{TrackerID: task.TrackerID, Status: "open", StatusDisplay: "Открыт",
			StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: &end},
		{TrackerID: task.TrackerID, Status: "inProgress", StatusDisplay: "В работе",
			StartDate: end},
	}

	for i := 0; i < 2; i++ {
		if err := d.ReplaceHistory(ctx, task.ID, task.TrackerID, entries); err != nil {
			t.Fatalf("replace history (pass %d): %v", i+1, err)
		}
	}

	got, err := d.HistoryForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows after replay, got %d", len(got))
	}
	if got[0].Status != "open" || got[0].EndDate == nil || !got[0].EndDate.Equal(end) {
		t.Errorf("first row mismatch: %+v", got[0])
	}
	if got[1].Status != "inProgress" || got[1].EndDate != nil {
		t.Errorf("second row should be open-ended: %+v", got[1])
	}

	// Sorted, non-overlapping, at most one open interval.
	openCount := 0
	for i, e := range got {
		if e.EndDate == nil {
			openCount++
			continue
		}
		if i+1 < len(got) && e.EndDate.After(got[i+1].StartDate) {
			t.Errorf("intervals overlap at %d", i)
		}
	}
	if openCount > 1 {
		t.Errorf("more than one open interval: %d", openCount)
	}
}

func TestHistoriesForKeys(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	a := mustUpsert(t, d, testTask("CPO-30"))
	b := mustUpsert(t, d, testTask("CPO-31"))
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, task := range []*Task{a, b} {
		err := d.ReplaceHistory(ctx, task.ID, task.TrackerID, []HistoryEntry{
			{TrackerID: task.TrackerID, Status: "open", StartDate: start},
		})
		if err != nil {
			t.Fatalf("replace history: %v", err)
		}
	}

	got, err := d.HistoriesForKeys(ctx, []string{"CPO-30", "CPO-31", "CPO-404"})
	if err != nil {
		t.Fatalf("histories for keys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got))
	}
	if len(got["CPO-30"]) != 1 || len(got["CPO-31"]) != 1 {
		t.Errorf("unexpected history sizes: %v", got)
	}
	if _, ok := got["CPO-404"]; ok {
		t.Error("unknown key should be absent, not empty")
	}
}

func TestCleanupDuplicateHistory(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	task := mustUpsert(t, d, testTask("CPO-40"))

	// Insert duplicates directly; ReplaceHistory cannot produce them.
	insert := func(createdAt string) {
		_, err := d.DB().ExecContext(ctx, `
			INSERT INTO task_history (task_id, tracker_id, status, status_display, start_date, end_date, created_at)
			VALUES (?, ?, 'open', '', '2025-01-01T00:00:00Z', NULL, ?)`,
			task.ID, task.TrackerID, createdAt)
		if err != nil {
			t.Fatalf("insert duplicate: %v", err)
		}
	}
	insert("2025-01-01T00:00:00Z")
	insert("2025-01-02T00:00:00Z")
	insert("2025-01-03T00:00:00Z")

	removed, err := d.CleanupDuplicateHistory(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 rows removed, got %d", removed)
	}

	rows, err := d.HistoryForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after cleanup, got %d", len(rows))
	}
	// The oldest row by insertion time survives.
	if !rows[0].CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("wrong survivor: created_at=%v", rows[0].CreatedAt)
	}

	// Idempotent.
	removed, err = d.CleanupDuplicateHistory(ctx)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if removed != 0 {
		t.Errorf("second cleanup removed %d rows", removed)
	}
}
