package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/radiator/internal/db/driver"
)

// HistoryEntry is one interval during which a task held one status.
// EndDate nil means the task is still in that status.
type HistoryEntry struct {
	ID            int64
	TaskID        int64
	TrackerID     string
	Status        string
	StatusDisplay string
	StartDate     time.Time
	EndDate       *time.Time
	CreatedAt     time.Time
}

// ReplaceHistoryTx deletes all history rows for a task and inserts the new
// set, inside the caller's transaction. Changelog replay is authoritative,
// so partial appends are not supported.
func (d *DB) ReplaceHistoryTx(ctx context.Context, tx driver.Tx, taskID int64, trackerID string, entries []HistoryEntry) error {
	if _, err := tx.Exec(ctx, d.rebind(`DELETE FROM task_history WHERE task_id = ?`), taskID); err != nil {
		return fmt.Errorf("delete history for task %d: %w", taskID, err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(ctx, d.rebind(`
			INSERT INTO task_history (task_id, tracker_id, status, status_display, start_date, end_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			taskID, trackerID, e.Status, e.StatusDisplay,
			formatTime(e.StartDate), formatTimePtr(e.EndDate),
			formatTime(time.Now())); err != nil {
			return fmt.Errorf("insert history for task %d: %w", taskID, err)
		}
	}
	return nil
}

// ReplaceHistory runs ReplaceHistoryTx in its own transaction.
func (d *DB) ReplaceHistory(ctx context.Context, taskID int64, trackerID string, entries []HistoryEntry) error {
	return d.RunInTx(ctx, func(tx driver.Tx) error {
		return d.ReplaceHistoryTx(ctx, tx, taskID, trackerID, entries)
	})
}

const historyColumns = `id, task_id, tracker_id, status, status_display, start_date, end_date, created_at`

// HistoryForTask returns the task's history sorted by start date.
func (d *DB) HistoryForTask(ctx context.Context, taskID int64) ([]HistoryEntry, error) {
	rows, err := d.drv.Query(ctx, d.rebind(`
		SELECT `+historyColumns+` FROM task_history
		WHERE task_id = ? ORDER BY start_date, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("history for task %d: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

// HistoriesForKeys loads history for many tasks in one join, keyed by task
// key. Keys without a stored task are simply absent from the result.
func (d *DB) HistoriesForKeys(ctx context.Context, keys []string) (map[string][]HistoryEntry, error) {
	result := make(map[string][]HistoryEntry, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	var b strings.Builder
	b.WriteString(`SELECT t.key, h.id, h.task_id, h.tracker_id, h.status, h.status_display,
		h.start_date, h.end_date, h.created_at
		FROM task_history h
		JOIN tasks t ON t.id = h.task_id
		WHERE t.key IN (`)
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, k)
	}
	b.WriteString(`) ORDER BY t.key, h.start_date, h.id`)

	rows, err := d.drv.Query(ctx, d.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("histories for keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		e, err := scanHistoryEntry(rows, &key)
		if err != nil {
			return nil, err
		}
		result[key] = append(result[key], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate histories: %w", err)
	}
	return result, nil
}

// CleanupDuplicateHistory removes rows duplicated on
// (task_id, status, start_date), keeping the oldest by insertion time.
// Single statement, idempotent.
func (d *DB) CleanupDuplicateHistory(ctx context.Context) (int64, error) {
	res, err := d.drv.Exec(ctx, `
		DELETE FROM task_history WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY task_id, status, start_date
					ORDER BY created_at ASC, id ASC
				) AS rn
				FROM task_history
			) ranked
			WHERE rn > 1
		)`)
	if err != nil {
		return 0, fmt.Errorf("cleanup duplicate history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup duplicate history: rows affected: %w", err)
	}
	return n, nil
}

func scanHistoryEntry(rows *sql.Rows, key *string) (HistoryEntry, error) {
	var e HistoryEntry
	var display, start, end, created sql.NullString
	dest := []any{&e.ID, &e.TaskID, &e.TrackerID, &e.Status, &display, &start, &end, &created}
	if key != nil {
		dest = append([]any{key}, dest...)
	}
	if err := rows.Scan(dest...); err != nil {
		return e, fmt.Errorf("scan history entry: %w", err)
	}
	e.StatusDisplay = display.String
	var err error
	if e.StartDate, err = scanTime(start); err != nil {
		return e, fmt.Errorf("parse start_date: %w", err)
	}
	if e.EndDate, err = scanTimePtr(end); err != nil {
		return e, fmt.Errorf("parse end_date: %w", err)
	}
	if e.CreatedAt, err = scanTime(created); err != nil {
		return e, fmt.Errorf("parse created_at: %w", err)
	}
	return e, nil
}

func scanHistory(rows *sql.Rows) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows, nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
