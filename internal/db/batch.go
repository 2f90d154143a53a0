package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
	"github.com/randalmurphal/tmig/internal/domain"
)

// Batch row statuses. A partial batch had at least one item succeed
// and at least one fail; it stays on the resume worklist.
const (
	BatchNotStarted = "not_started"
	BatchInProgress = "in_progress"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
)

// EntityBatch is one persisted batch of the per-entity-type processing plan.
// Batch numbers are zero-based and unique per (project, entity type).
type EntityBatch struct {
	ProjectKey     string
	EntityType     domain.EntityType
	BatchNumber    int
	TotalBatches   int
	ItemsCount     int
	ProcessedCount int
	Status         string
	ErrorMessage   string
	IsIncremental  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Complete reports whether the batch finished successfully.
func (b *EntityBatch) Complete() bool {
	return b.Status == BatchCompleted
}

// ReplaceEntityBatches atomically replaces the batch plan for one entity
// type. Used when a new plan does not match the persisted one.
func (p *ProjectDB) ReplaceEntityBatches(ctx context.Context, entityType domain.EntityType, batches []*EntityBatch) error {
	return p.RunInTx(ctx, func(tx *TxOps) error {
		_, err := tx.Exec(fmt.Sprintf(`
			DELETE FROM entity_batches WHERE project_key = %s AND entity_type = %s`,
			tx.Placeholder(1), tx.Placeholder(2)),
			p.projectKey, string(entityType))
		if err != nil {
			return fmt.Errorf("clear batches for %s: %w", entityType, err)
		}

		now := nowString()
		for _, b := range batches {
			_, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO entity_batches (project_key, entity_type, batch_number,
					total_batches, items_count, processed_count, status,
					error_message, is_incremental, created_at, updated_at)
				VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
				tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
				tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7), tx.Placeholder(8),
				tx.Placeholder(9), tx.Placeholder(10), tx.Placeholder(11)),
				p.projectKey, string(entityType), b.BatchNumber,
				b.TotalBatches, b.ItemsCount, b.ProcessedCount, b.Status,
				nullable(b.ErrorMessage), b.IsIncremental, now, now)
			if err != nil {
				return fmt.Errorf("insert batch %s/%d: %w", entityType, b.BatchNumber, err)
			}
		}
		return nil
	})
}

// UpdateEntityBatch updates the mutable fields of one batch row.
func (p *ProjectDB) UpdateEntityBatch(b *EntityBatch) error {
	_, err := p.Exec(fmt.Sprintf(`
		UPDATE entity_batches
		SET processed_count = %s, status = %s, error_message = %s, updated_at = %s
		WHERE project_key = %s AND entity_type = %s AND batch_number = %s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4),
		p.Placeholder(5), p.Placeholder(6), p.Placeholder(7)),
		b.ProcessedCount, b.Status, nullable(b.ErrorMessage), nowString(),
		p.projectKey, string(b.EntityType), b.BatchNumber)
	if err != nil {
		return fmt.Errorf("update batch %s/%d: %w", b.EntityType, b.BatchNumber, err)
	}
	return nil
}

// UpsertEntityBatchStatus writes the mutable fields of one batch row,
// inserting the row when the plan does not contain it yet. The conflict
// branch leaves total_batches and items_count untouched.
func (p *ProjectDB) UpsertEntityBatchStatus(b *EntityBatch) error {
	now := nowString()
	_, err := p.Exec(fmt.Sprintf(`
		INSERT INTO entity_batches (project_key, entity_type, batch_number,
			total_batches, items_count, processed_count, status,
			error_message, is_incremental, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		%s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4),
		p.Placeholder(5), p.Placeholder(6), p.Placeholder(7), p.Placeholder(8),
		p.Placeholder(9), p.Placeholder(10), p.Placeholder(11),
		p.UpsertConflict(
			[]string{"project_key", "entity_type", "batch_number"},
			[]string{
				"processed_count = excluded.processed_count",
				"status = excluded.status",
				"error_message = excluded.error_message",
				"updated_at = excluded.updated_at",
			})),
		p.projectKey, string(b.EntityType), b.BatchNumber,
		b.TotalBatches, b.ItemsCount, b.ProcessedCount, b.Status,
		nullable(b.ErrorMessage), b.IsIncremental, now, now)
	if err != nil {
		return fmt.Errorf("upsert batch %s/%d: %w", b.EntityType, b.BatchNumber, err)
	}
	return nil
}

// GetEntityBatches returns the batch plan for one entity type ordered by
// batch number.
func (p *ProjectDB) GetEntityBatches(entityType domain.EntityType) ([]*EntityBatch, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT project_key, entity_type, batch_number, total_batches, items_count,
			processed_count, status, error_message, is_incremental, created_at, updated_at
		FROM entity_batches
		WHERE project_key = %s AND entity_type = %s
		ORDER BY batch_number`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("get batches for %s: %w", entityType, err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// GetIncompleteBatches returns batches not yet completed for one entity type
// ordered by batch number. This is the resume worklist.
func (p *ProjectDB) GetIncompleteBatches(entityType domain.EntityType) ([]*EntityBatch, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT project_key, entity_type, batch_number, total_batches, items_count,
			processed_count, status, error_message, is_incremental, created_at, updated_at
		FROM entity_batches
		WHERE project_key = %s AND entity_type = %s AND status != %s
		ORDER BY batch_number`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3)),
		p.projectKey, string(entityType), BatchCompleted)
	if err != nil {
		return nil, fmt.Errorf("get incomplete batches for %s: %w", entityType, err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// BatchProgress summarizes one entity type's batch plan.
type BatchProgress struct {
	EntityType     domain.EntityType
	TotalBatches   int
	CompletedCount int
	FailedCount    int
	ItemsTotal     int
	ItemsProcessed int
}

// GetBatchProgress returns per-entity-type progress summaries for all
// planned batches.
func (p *ProjectDB) GetBatchProgress() (map[domain.EntityType]*BatchProgress, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT entity_type,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = %s THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = %s THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(items_count), 0),
			COALESCE(SUM(processed_count), 0)
		FROM entity_batches
		WHERE project_key = %s
		GROUP BY entity_type`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3)),
		BatchCompleted, BatchFailed, p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get batch progress: %w", err)
	}
	defer rows.Close()

	progress := make(map[domain.EntityType]*BatchProgress)
	for rows.Next() {
		var bp BatchProgress
		var et string
		if err := rows.Scan(&et, &bp.TotalBatches, &bp.CompletedCount,
			&bp.FailedCount, &bp.ItemsTotal, &bp.ItemsProcessed); err != nil {
			return nil, fmt.Errorf("scan batch progress: %w", err)
		}
		bp.EntityType = domain.EntityType(et)
		progress[bp.EntityType] = &bp
	}
	return progress, rows.Err()
}

// DeleteEntityBatches removes the batch plan for one entity type.
func (p *ProjectDB) DeleteEntityBatches(entityType domain.EntityType) error {
	_, err := p.Exec(fmt.Sprintf(`
		DELETE FROM entity_batches WHERE project_key = %s AND entity_type = %s`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, string(entityType))
	if err != nil {
		return fmt.Errorf("delete batches for %s: %w", entityType, err)
	}
	return nil
}

func scanBatches(rows *sql.Rows) ([]*EntityBatch, error) {
	var batches []*EntityBatch
	for rows.Next() {
		var b EntityBatch
		var et, createdAt, updatedAt string
		var errMsg sql.NullString
		if err := rows.Scan(&b.ProjectKey, &et, &b.BatchNumber, &b.TotalBatches,
			&b.ItemsCount, &b.ProcessedCount, &b.Status, &errMsg,
			&b.IsIncremental, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.EntityType = domain.EntityType(et)
		b.ErrorMessage = scanNullString(errMsg)
		var err error
		if b.CreatedAt, err = driver.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if b.UpdatedAt, err = driver.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}
