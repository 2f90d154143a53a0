// Package driver defines the database driver abstraction for the migration
// store. Two implementations exist: SQLite (default, zero-config local file)
// and PostgreSQL (shared store for team-operated migrations).
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect identifies the SQL dialect for query building.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Driver abstracts database operations across SQLite and PostgreSQL.
type Driver interface {
	// Open establishes a connection to the database.
	Open(ctx context.Context, dsn string) error

	// Close closes the database connection.
	Close() error

	// Exec executes a query without returning rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// Query executes a query that returns rows.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row

	// BeginTx starts a transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// Migrate applies schema migrations from the embedded filesystem.
	// Each driver selects the files carrying its dialect prefix.
	Migrate(ctx context.Context, schemaFS SchemaFS) error

	// Dialect returns the SQL dialect for query building.
	Dialect() Dialect

	// Placeholder returns the parameter placeholder for position i (1-based).
	// SQLite uses ?, PostgreSQL uses $1, $2, etc.
	Placeholder(i int) string

	// Now returns the current-timestamp SQL expression for this dialect.
	Now() string

	// UpsertConflict returns the conflict clause for INSERT ... ON CONFLICT.
	UpsertConflict(columns []string, updates []string) string

	// DB returns the underlying *sql.DB for advanced operations.
	DB() *sql.DB
}

// Tx represents a database transaction.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// SchemaFS is the interface for embedded schema filesystems.
type SchemaFS interface {
	ReadDir(name string) ([]DirEntry, error)
	ReadFile(name string) ([]byte, error)
}

// DirEntry is a minimal directory entry interface.
type DirEntry interface {
	Name() string
	IsDir() bool
}

// New creates a driver for the given dialect.
func New(dialect Dialect) (Driver, error) {
	switch dialect {
	case DialectSQLite:
		return NewSQLiteDriver(), nil
	case DialectPostgres:
		return NewPostgresDriver(), nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
}

// ParseDialect converts a string to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unknown dialect: %s (supported: sqlite, postgres)", s)
	}
}

// sqlTx wraps *sql.Tx to implement the Tx interface.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

// FormatTime renders a timestamp in the canonical storage format. All
// timestamps are stored as UTC RFC 3339 strings in both dialects so rows
// stay portable between them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp, tolerating the formats SQLite and
// PostgreSQL render by default.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, f := range formats {
		t, err := time.Parse(f, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, lastErr)
}
