package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// SyncRun is one row of the append-only sync audit log.
type SyncRun struct {
	ID           int64
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       string
	Counters     RunCounters
	ErrorMessage string
}

// RunCounters aggregates per-run bookkeeping.
type RunCounters struct {
	TasksProcessed   int
	TasksCreated     int
	TasksUpdated     int
	HistoryProcessed int
	Errors           int
}

// StartRun inserts a running sync_runs row and returns its id.
func (d *DB) StartRun(ctx context.Context) (int64, error) {
	var id int64
	row := d.drv.QueryRow(ctx, d.rebind(`
		INSERT INTO sync_runs (started_at, status) VALUES (?, ?) RETURNING id`),
		formatTime(time.Now()), RunStatusRunning)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("start sync run: %w", err)
	}
	return id, nil
}

// CompleteRun finalizes a run as completed with its counters.
func (d *DB) CompleteRun(ctx context.Context, id int64, c RunCounters) error {
	return d.finalizeRun(ctx, id, RunStatusCompleted, "", c)
}

// FailRun finalizes a run as failed with a short reason.
func (d *DB) FailRun(ctx context.Context, id int64, reason string, c RunCounters) error {
	return d.finalizeRun(ctx, id, RunStatusFailed, reason, c)
}

func (d *DB) finalizeRun(ctx context.Context, id int64, status, reason string, c RunCounters) error {
	if _, err := d.drv.Exec(ctx, d.rebind(`
		UPDATE sync_runs SET completed_at = ?, status = ?, error_message = ?,
			tasks_processed = ?, tasks_created = ?, tasks_updated = ?,
			history_entries_processed = ?, errors_count = ?
		WHERE id = ?`),
		formatTime(time.Now()), status, nullIfEmpty(reason),
		c.TasksProcessed, c.TasksCreated, c.TasksUpdated,
		c.HistoryProcessed, c.Errors, id); err != nil {
		return fmt.Errorf("finalize sync run %d: %w", id, err)
	}
	return nil
}

// GetRun returns one run, or nil if absent.
func (d *DB) GetRun(ctx context.Context, id int64) (*SyncRun, error) {
	row := d.drv.QueryRow(ctx, d.rebind(`
		SELECT id, started_at, completed_at, status, tasks_processed, tasks_created,
			tasks_updated, history_entries_processed, errors_count, error_message
		FROM sync_runs WHERE id = ?`), id)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run %d: %w", id, err)
	}
	return r, nil
}

// LastCompletedRun returns the most recent completed run, or nil.
func (d *DB) LastCompletedRun(ctx context.Context) (*SyncRun, error) {
	row := d.drv.QueryRow(ctx, d.rebind(`
		SELECT id, started_at, completed_at, status, tasks_processed, tasks_created,
			tasks_updated, history_entries_processed, errors_count, error_message
		FROM sync_runs WHERE status = ?
		ORDER BY completed_at DESC LIMIT 1`), RunStatusCompleted)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed run: %w", err)
	}
	return r, nil
}

// SweepOrphanRuns marks running rows older than maxAge as failed. Covers
// processes that died without finalizing their row.
func (d *DB) SweepOrphanRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := d.drv.Exec(ctx, d.rebind(`
		UPDATE sync_runs SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ? AND started_at < ?`),
		RunStatusFailed, "orphaned", formatTime(time.Now()),
		RunStatusRunning, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep orphan runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep orphan runs: rows affected: %w", err)
	}
	return n, nil
}

func scanRun(scan func(...any) error) (*SyncRun, error) {
	var r SyncRun
	var started, completed, errMsg sql.NullString
	if err := scan(&r.ID, &started, &completed, &r.Status,
		&r.Counters.TasksProcessed, &r.Counters.TasksCreated, &r.Counters.TasksUpdated,
		&r.Counters.HistoryProcessed, &r.Counters.Errors, &errMsg); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = scanTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.CompletedAt, err = scanTimePtr(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	r.ErrorMessage = errMsg.String
	return &r, nil
}
