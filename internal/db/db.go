// Package db is the persistence layer: tasks, status history, and the
// sync run log, over SQLite or PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/radiator/internal/db/driver"
)

//go:embed schema
var schemaFS embed.FS

// schemaType is the migration filename prefix ({type}_NNN.sql).
const schemaType = "radiator"

// timeFormat is how timestamps are stored. RFC3339 text sorts
// lexicographically in time order, which the window queries rely on.
const timeFormat = time.RFC3339

// DB wraps a dialect driver and exposes the store operations.
type DB struct {
	drv driver.Driver
}

// Open opens a SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	return OpenDSN(driver.DialectSQLite, path)
}

// OpenDSN opens a database for the given dialect and DSN and applies
// migrations.
func OpenDSN(dialect driver.Dialect, dsn string) (*DB, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	d := &DB{drv: drv}
	if err := d.Migrate(context.Background()); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return d, nil
}

// OpenURL opens a database from a connection string. Strings starting with
// postgres:// or postgresql:// select PostgreSQL; anything else is treated
// as a SQLite path.
func OpenURL(url string) (*DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return OpenDSN(driver.DialectPostgres, url)
	}
	return OpenDSN(driver.DialectSQLite, url)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.drv.Close()
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.drv.Migrate(ctx, schemaFS, schemaType); err != nil {
		return fmt.Errorf("migrate %s schema: %w", schemaType, err)
	}
	return nil
}

// Dialect returns the active SQL dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.drv.Dialect()
}

// DB returns the underlying sql.DB.
func (d *DB) DB() *sql.DB {
	return d.drv.DB()
}

// querier is satisfied by both the driver and an open transaction, so
// store operations can run in either scope.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// RunInTx executes fn inside a transaction, committing on nil and rolling
// back on error.
func (d *DB) RunInTx(ctx context.Context, fn func(tx driver.Tx) error) error {
	tx, err := d.drv.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to the dialect's form. Queries in this
// package never contain a literal question mark.
func (d *DB) rebind(query string) string {
	if d.drv.Dialect() != driver.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// formatTimePtr returns a driver value for a nullable timestamp.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Migration-era rows may carry a space separator.
		t, err = time.Parse("2006-01-02 15:04:05", s)
	}
	return t, err
}

// scanTime parses a NullString column into a time, zero when NULL.
func scanTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// scanTimePtr parses a nullable timestamp column.
func scanTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
