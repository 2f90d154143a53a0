package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
)

// WorkflowEvent is one persisted audit-trail entry. Events are written
// append-only; the live feed goes through the events package and a
// persistent publisher flushes batches into this table.
type WorkflowEvent struct {
	ID           int64
	ProjectKey   string
	Phase        string
	Status       string
	Message      string
	EntityType   string
	EntityCount  int
	BatchNumber  *int
	TotalBatches *int
	Metadata     map[string]any
	CreatedAt    time.Time
}

// SaveWorkflowEvent persists a single event.
func (d *DB) SaveWorkflowEvent(e *WorkflowEvent) error {
	return d.SaveWorkflowEvents([]*WorkflowEvent{e})
}

// SaveWorkflowEvents persists a batch of events in one transaction.
func (d *DB) SaveWorkflowEvents(events []*WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx := context.Background()
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}

	ph := func(i int) string { return d.Placeholder(i) }
	for _, e := range events {
		metadata := "{}"
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("marshal event metadata: %w", err)
			}
			metadata = string(b)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO workflow_events (project_key, phase, status, message,
				entity_type, entity_count, batch_number, total_batches, metadata, created_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8), ph(9), ph(10)),
			e.ProjectKey, e.Phase, e.Status, e.Message,
			e.EntityType, e.EntityCount, e.BatchNumber, e.TotalBatches,
			metadata, driver.FormatTime(createdAt))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save workflow event: %w", err)
		}
	}
	return tx.Commit()
}

// EventQuery filters QueryWorkflowEvents. Zero values match everything.
type EventQuery struct {
	ProjectKey string
	Phase      string
	Status     string
	Since      time.Time
	Limit      int
}

// QueryWorkflowEvents returns events matching the query ordered oldest
// first.
func (d *DB) QueryWorkflowEvents(q EventQuery) ([]*WorkflowEvent, error) {
	var conds []string
	var args []any
	n := 0
	add := func(cond string, arg any) {
		n++
		conds = append(conds, fmt.Sprintf(cond, d.Placeholder(n)))
		args = append(args, arg)
	}

	if q.ProjectKey != "" {
		add("project_key = %s", q.ProjectKey)
	}
	if q.Phase != "" {
		add("phase = %s", q.Phase)
	}
	if q.Status != "" {
		add("status = %s", q.Status)
	}
	if !q.Since.IsZero() {
		add("created_at >= %s", driver.FormatTime(q.Since))
	}

	query := `
		SELECT id, project_key, phase, status, message, entity_type,
			entity_count, batch_number, total_batches, metadata, created_at
		FROM workflow_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []*WorkflowEvent
	for rows.Next() {
		var e WorkflowEvent
		var metadata, createdAt string
		if err := rows.Scan(&e.ID, &e.ProjectKey, &e.Phase, &e.Status, &e.Message,
			&e.EntityType, &e.EntityCount, &e.BatchNumber, &e.TotalBatches,
			&metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		if e.CreatedAt, err = driver.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("event created_at: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountWorkflowEvents returns the number of persisted events for a project.
func (d *DB) CountWorkflowEvents(projectKey string) (int, error) {
	var n int
	err := d.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*) FROM workflow_events WHERE project_key = %s`, d.Placeholder(1)),
		projectKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workflow events: %w", err)
	}
	return n, nil
}

// DeleteWorkflowEvents removes all events for a project.
func (d *DB) DeleteWorkflowEvents(projectKey string) error {
	_, err := d.Exec(fmt.Sprintf(`
		DELETE FROM workflow_events WHERE project_key = %s`, d.Placeholder(1)),
		projectKey)
	if err != nil {
		return fmt.Errorf("delete workflow events: %w", err)
	}
	return nil
}
