package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/radiator/internal/db/driver"
	"github.com/tidwall/gjson"
)

// Task is one issue mirrored from the remote tracker.
type Task struct {
	ID             int64
	TrackerID      string
	Key            string
	Summary        string
	Description    string
	Status         string
	Author         string
	Assignee       string
	BusinessClient string
	Team           string
	Prodteam       string
	ProfitForecast string
	// Links is the raw JSON array of issue links as returned by the
	// tracker, kept verbatim so the hierarchy walk can expand it in SQL.
	Links      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSyncAt *time.Time
}

// LinkedKeys returns the keys of linked issues matching the given link
// type whose key starts with prefix. Both directions are accepted.
func (t *Task) LinkedKeys(typeID, prefix string) []string {
	if t.Links == "" {
		return nil
	}
	var keys []string
	gjson.Parse(t.Links).ForEach(func(_, link gjson.Result) bool {
		if link.Get("type.id").String() != typeID {
			return true
		}
		key := link.Get("object.key").String()
		if key != "" && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

const taskColumns = `id, tracker_id, key, summary, description, status,
	author, assignee, business_client, team, prodteam, profit_forecast,
	links, created_at, updated_at, last_sync_at`

// UpsertTaskTx inserts or updates a task by its tracker id inside tx.
// It reports whether a new row was created and backfills t.ID.
func (d *DB) UpsertTaskTx(ctx context.Context, tx driver.Tx, t *Task) (created bool, err error) {
	return d.upsertTask(ctx, tx, t)
}

// UpsertTask is UpsertTaskTx outside a caller-managed transaction.
func (d *DB) UpsertTask(ctx context.Context, t *Task) (created bool, err error) {
	return d.upsertTask(ctx, d.drv, t)
}

func (d *DB) upsertTask(ctx context.Context, q querier, t *Task) (bool, error) {
	var existingID int64
	row := q.QueryRow(ctx, d.rebind(`SELECT id FROM tasks WHERE tracker_id = ?`), t.TrackerID)
	err := row.Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		res := q.QueryRow(ctx, d.rebind(`
			INSERT INTO tasks (tracker_id, key, summary, description, status,
				author, assignee, business_client, team, prodteam, profit_forecast,
				links, created_at, updated_at, last_sync_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			t.TrackerID, t.Key, t.Summary, t.Description, t.Status,
			t.Author, t.Assignee, t.BusinessClient, t.Team, t.Prodteam, t.ProfitForecast,
			nullIfEmpty(t.Links), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
			formatTimePtr(t.LastSyncAt))
		if err := res.Scan(&t.ID); err != nil {
			return false, fmt.Errorf("insert task %s: %w", t.Key, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup task %s: %w", t.TrackerID, err)
	}

	t.ID = existingID
	if _, err := q.Exec(ctx, d.rebind(`
		UPDATE tasks SET key = ?, summary = ?, description = ?, status = ?,
			author = ?, assignee = ?, business_client = ?, team = ?,
			prodteam = ?, profit_forecast = ?, links = ?,
			created_at = ?, updated_at = ?, last_sync_at = ?
		WHERE id = ?`),
		t.Key, t.Summary, t.Description, t.Status,
		t.Author, t.Assignee, t.BusinessClient, t.Team,
		t.Prodteam, t.ProfitForecast, nullIfEmpty(t.Links),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.LastSyncAt), existingID); err != nil {
		return false, fmt.Errorf("update task %s: %w", t.Key, err)
	}
	return false, nil
}

// TouchLastSyncTx stamps last_sync_at for a task inside tx.
func (d *DB) TouchLastSyncTx(ctx context.Context, tx driver.Tx, taskID int64, at time.Time) error {
	if _, err := tx.Exec(ctx, d.rebind(`UPDATE tasks SET last_sync_at = ? WHERE id = ?`),
		formatTime(at), taskID); err != nil {
		return fmt.Errorf("touch last_sync_at for task %d: %w", taskID, err)
	}
	return nil
}

// GetTaskByKey returns the task with the given human key, or nil.
func (d *DB) GetTaskByKey(ctx context.Context, key string) (*Task, error) {
	row := d.drv.QueryRow(ctx, d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE key = ?`), key)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", key, err)
	}
	return t, nil
}

// GetTaskByTrackerID returns the task with the given natural id, or nil.
func (d *DB) GetTaskByTrackerID(ctx context.Context, trackerID string) (*Task, error) {
	row := d.drv.QueryRow(ctx, d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE tracker_id = ?`), trackerID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task by tracker id %s: %w", trackerID, err)
	}
	return t, nil
}

// PeriodQuery selects tasks whose anchor status history falls in a window.
type PeriodQuery struct {
	Start          time.Time
	End            time.Time
	TargetStatuses []string // statuses whose entry anchors the metric
	KeyPrefix      string   // e.g. "CPO-"
	GroupBy        string   // "author" or "team"; that column must be non-empty
}

// TasksInPeriod returns the distinct tasks with a history entry into one of
// the target statuses inside the window. Targets match either the system
// status key or the localized display name, same as the metric engine's
// anchor matching. One query regardless of result size.
func (d *DB) TasksInPeriod(ctx context.Context, pq PeriodQuery) ([]*Task, error) {
	if len(pq.TargetStatuses) == 0 {
		return nil, fmt.Errorf("tasks in period: no target statuses")
	}
	var b strings.Builder
	args := make([]any, 0, 2*len(pq.TargetStatuses)+4)
	inList := func(col string) {
		b.WriteString(col + " IN (")
		for i, s := range pq.TargetStatuses {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, s)
		}
		b.WriteString(")")
	}
	b.WriteString(`SELECT DISTINCT t.id, t.tracker_id, t.key, t.summary, t.description, t.status,
		t.author, t.assignee, t.business_client, t.team, t.prodteam, t.profit_forecast,
		t.links, t.created_at, t.updated_at, t.last_sync_at
		FROM tasks t
		JOIN task_history h ON h.task_id = t.id
		WHERE (`)
	inList("h.status")
	b.WriteString(" OR ")
	inList("h.status_display")
	b.WriteString(`) AND h.start_date >= ? AND h.start_date <= ?`)
	args = append(args, formatTime(pq.Start), formatTime(pq.End))
	if pq.KeyPrefix != "" {
		b.WriteString(` AND t.key LIKE ?`)
		args = append(args, pq.KeyPrefix+"%")
	}
	switch pq.GroupBy {
	case "author":
		b.WriteString(` AND t.author IS NOT NULL AND t.author != ''`)
	case "team":
		b.WriteString(` AND t.team IS NOT NULL AND t.team != ''`)
	}
	b.WriteString(` ORDER BY t.key`)

	rows, err := d.drv.Query(ctx, d.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("tasks in period: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// TasksInQueue returns tasks whose key starts with the queue prefix,
// optionally restricted by creation date.
func (d *DB) TasksInQueue(ctx context.Context, queuePrefix string, createdSince *time.Time) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE key LIKE ?`
	args := []any{queuePrefix + "-%"}
	if createdSince != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*createdSince))
	}
	query += ` ORDER BY key`
	rows, err := d.drv.Query(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("tasks in queue %s: %w", queuePrefix, err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanTask reads one task row given a Scan function, so it works for both
// sql.Row and sql.Rows.
func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var author, assignee, client, team, prodteam, profit, links sql.NullString
	var createdAt, updatedAt, lastSyncAt sql.NullString
	if err := scan(&t.ID, &t.TrackerID, &t.Key, &t.Summary, &t.Description, &t.Status,
		&author, &assignee, &client, &team, &prodteam, &profit,
		&links, &createdAt, &updatedAt, &lastSyncAt); err != nil {
		return nil, err
	}
	t.Author = author.String
	t.Assignee = assignee.String
	t.BusinessClient = client.String
	t.Team = team.String
	t.Prodteam = prodteam.String
	t.ProfitForecast = profit.String
	t.Links = links.String
	var err error
	if t.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", t.Key, err)
	}
	if t.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", t.Key, err)
	}
	if t.LastSyncAt, err = scanTimePtr(lastSyncAt); err != nil {
		return nil, fmt.Errorf("parse last_sync_at for %s: %w", t.Key, err)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
