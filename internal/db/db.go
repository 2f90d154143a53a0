// Package db implements the migration store: extracted source entities,
// transformed target payloads, entity mappings, batch progress, migration
// state, workflow events, and validation results.
//
// SQLite is the default backend (a single local file per migration
// workspace). PostgreSQL is supported for shared stores via the same Driver
// interface.
package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// DB wraps a database driver with schema management.
type DB struct {
	drv driver.Driver
}

// Open opens a SQLite store at the given path, creating it if needed, and
// applies pending schema migrations.
func Open(path string) (*DB, error) {
	return OpenWithDialect(driver.DialectSQLite, path)
}

// OpenInMemory opens an in-memory SQLite store. Used by tests.
func OpenInMemory() (*DB, error) {
	return OpenWithDialect(driver.DialectSQLite, ":memory:")
}

// OpenWithDialect opens a store using the given dialect and DSN, and applies
// pending schema migrations.
func OpenWithDialect(dialect driver.Dialect, dsn string) (*DB, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, err
	}

	d := &DB{drv: drv}
	if err := d.Migrate(); err != nil {
		drv.Close()
		return nil, err
	}
	return d, nil
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate() error {
	return d.drv.Migrate(context.Background(), &embedFSAdapter{fs: schemaFiles})
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.drv.Close()
}

// Dialect returns the SQL dialect of the underlying driver.
func (d *DB) Dialect() driver.Dialect {
	return d.drv.Dialect()
}

// Placeholder returns the parameter placeholder for position i (1-based).
func (d *DB) Placeholder(i int) string {
	return d.drv.Placeholder(i)
}

// Now returns the current-timestamp SQL expression for the dialect.
func (d *DB) Now() string {
	return d.drv.Now()
}

// UpsertConflict returns the dialect's INSERT conflict clause.
func (d *DB) UpsertConflict(columns []string, updates []string) string {
	return d.drv.UpsertConflict(columns, updates)
}

// DB returns the underlying *sql.DB for advanced operations.
func (d *DB) DB() *sql.DB {
	return d.drv.DB()
}

// Exec executes a query without returning rows.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.drv.Exec(context.Background(), query, args...)
}

// ExecContext executes a query without returning rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.drv.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.drv.Query(context.Background(), query, args...)
}

// QueryContext executes a query that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.drv.Query(ctx, query, args...)
}

// QueryRow executes a query expected to return at most one row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.drv.QueryRow(context.Background(), query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.drv.QueryRow(ctx, query, args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context) (driver.Tx, error) {
	return d.drv.BeginTx(ctx)
}

// nowString returns the canonical stored form of the current time.
func nowString() string {
	return driver.FormatTime(time.Now())
}

// embedFSAdapter adapts embed.FS to the driver.SchemaFS interface.
type embedFSAdapter struct {
	fs embed.FS
}

func (a *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := a.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, e := range entries {
		result[i] = dirEntryAdapter{e}
	}
	return result, nil
}

func (a *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return a.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	entry fs.DirEntry
}

func (d dirEntryAdapter) Name() string { return d.entry.Name() }
func (d dirEntryAdapter) IsDir() bool  { return d.entry.IsDir() }

// notFoundErr reports whether err is sql.ErrNoRows.
func notFoundErr(err error) bool {
	return err == sql.ErrNoRows
}

// scanNullString converts a sql.NullString to a plain string.
func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullable converts an empty string to NULL for storage.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
