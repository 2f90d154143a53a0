package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/randalmurphal/tmig/internal/db/driver"
	"github.com/randalmurphal/tmig/internal/domain"
)

// TxRunner abstracts transaction execution so higher layers can group store
// writes atomically without knowing the driver.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides query operations within a transaction. The context passed
// to RunInTx is carried by the TxOps so callers inside the closure do not
// thread it through every call.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	ctx     context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

// QueryRow executes a single-row query within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Context returns the context the transaction was started with.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the SQL dialect of the transaction's connection.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// Placeholder returns the parameter placeholder for position i (1-based).
func (t *TxOps) Placeholder(i int) string {
	if t.dialect == driver.DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// UpsertConflict returns the INSERT conflict clause. Both dialects accept
// the same ON CONFLICT syntax including the excluded. prefix.
func (t *TxOps) UpsertConflict(columns []string, updates []string) string {
	if len(updates) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(columns, ", "))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(columns, ", "), strings.Join(updates, ", "))
}

// ProjectDB is a store handle bound to a single source project. All reads
// and writes are scoped by the project key.
type ProjectDB struct {
	*DB
	projectKey string
}

// NewProjectDB binds a store handle to the given project key.
func NewProjectDB(d *DB, projectKey string) *ProjectDB {
	return &ProjectDB{DB: d, projectKey: projectKey}
}

// ProjectKey returns the bound project key.
func (p *ProjectDB) ProjectKey() string {
	return p.projectKey
}

// RunInTx executes fn within a transaction. The transaction is rolled back
// if fn returns an error and committed otherwise.
func (p *ProjectDB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := p.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	ops := &TxOps{tx: tx, dialect: p.Dialect(), ctx: ctx}
	if err := fn(ops); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// SaveProject upserts the project row. CreatedAt is preserved on update.
func (p *ProjectDB) SaveProject(pr *domain.Project) error {
	now := nowString()
	_, err := p.Exec(fmt.Sprintf(`
		INSERT INTO projects (key, name, description, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		%s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4), p.Placeholder(5),
		p.UpsertConflict([]string{"key"}, []string{
			"name = excluded.name",
			"description = excluded.description",
			"updated_at = excluded.updated_at",
		})),
		p.projectKey, pr.Name, pr.Description, now, now)
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.projectKey, err)
	}
	return nil
}

// GetProject returns the project row, or nil if it has not been saved.
func (p *ProjectDB) GetProject() (*domain.Project, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT key, name, description, created_at, updated_at
		FROM projects WHERE key = %s`, p.Placeholder(1)),
		p.projectKey)

	pr, err := scanProject(row)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", p.projectKey, err)
	}
	return pr, nil
}

// ProjectExists reports whether the project row has been saved.
func (p *ProjectDB) ProjectExists() (bool, error) {
	var n int
	err := p.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM projects WHERE key = %s`, p.Placeholder(1)),
		p.projectKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check project %s: %w", p.projectKey, err)
	}
	return n > 0, nil
}

// DeleteProject removes the project row and every row that references it.
func (p *ProjectDB) DeleteProject() error {
	_, err := p.Exec(fmt.Sprintf(`DELETE FROM projects WHERE key = %s`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", p.projectKey, err)
	}
	return nil
}

// ListProjects returns all saved projects ordered by key.
func (d *DB) ListProjects() ([]*domain.Project, error) {
	rows, err := d.Query(`
		SELECT key, name, description, created_at, updated_at
		FROM projects ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	return projects, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var pr domain.Project
	var createdAt, updatedAt string
	if err := row.Scan(&pr.Key, &pr.Name, &pr.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if pr.CreatedAt, err = driver.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if pr.UpdatedAt, err = driver.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &pr, nil
}

