// Package tracker maintains the persisted batch plan that lets an
// interrupted phase resume at batch granularity. Each tracker instance
// covers one entity type of one project.
package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
)

// Tracker records batch progress for one (project, entity type) pair.
type Tracker struct {
	store  *db.ProjectDB
	entity domain.EntityType
	logger *slog.Logger
}

// New returns a tracker bound to the store's project and the given
// entity type.
func New(store *db.ProjectDB, entity domain.EntityType) *Tracker {
	return &Tracker{store: store, entity: entity, logger: slog.Default()}
}

// EntityType returns the entity type this tracker covers.
func (t *Tracker) EntityType() domain.EntityType { return t.entity }

// InitializeBatches ensures the persisted plan covers totalItems split
// into batches of batchSize, numbered from zero with the last batch
// short.
func (t *Tracker) InitializeBatches(ctx context.Context, totalItems, batchSize int, incremental bool) ([]*db.EntityBatch, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("initialize batches for %s: batch size %d < 1", t.entity, batchSize)
	}
	if totalItems < 0 {
		return nil, fmt.Errorf("initialize batches for %s: negative item count %d", t.entity, totalItems)
	}
	var sizes []int
	for remaining := totalItems; remaining > 0; remaining -= batchSize {
		n := batchSize
		if remaining < n {
			n = remaining
		}
		sizes = append(sizes, n)
	}
	return t.InitializePlan(ctx, sizes, incremental)
}

// InitializePlan ensures the persisted plan has one row per entry of
// sizes, numbered from zero. A persisted plan with identical geometry
// is reused as-is so completed batches keep their status across
// resumes; a plan with different geometry is replaced and all progress
// resets.
func (t *Tracker) InitializePlan(ctx context.Context, sizes []int, incremental bool) ([]*db.EntityBatch, error) {
	for i, n := range sizes {
		if n < 1 {
			return nil, fmt.Errorf("initialize plan for %s: batch %d has %d items", t.entity, i, n)
		}
	}
	want := planRows(t.store.ProjectKey(), t.entity, sizes, incremental)

	existing, err := t.store.GetEntityBatches(t.entity)
	if err != nil {
		return nil, err
	}
	if planMatches(existing, want) {
		t.logger.Debug("reusing persisted batch plan",
			"entity_type", t.entity, "batches", len(existing))
		return existing, nil
	}

	if err := t.store.ReplaceEntityBatches(ctx, t.entity, want); err != nil {
		return nil, err
	}
	return t.store.GetEntityBatches(t.entity)
}

// UpdateBatchStatus upserts one batch's progress. Repeating a call with
// the same values is a no-op beyond the updated_at touch. Totals set at
// initialization are never changed here.
func (t *Tracker) UpdateBatchStatus(batchNumber, processedCount int, status string, batchErr error) error {
	msg := ""
	if batchErr != nil {
		msg = batchErr.Error()
	}
	return t.store.UpsertEntityBatchStatus(&db.EntityBatch{
		EntityType:     t.entity,
		BatchNumber:    batchNumber,
		ProcessedCount: processedCount,
		Status:         status,
		ErrorMessage:   msg,
	})
}

// PendingBatches returns batches still to process, in batch order:
// everything not_started, in_progress, or failed.
func (t *Tracker) PendingBatches() ([]*db.EntityBatch, error) {
	return t.store.GetIncompleteBatches(t.entity)
}

// Batches returns the full plan in batch order.
func (t *Tracker) Batches() ([]*db.EntityBatch, error) {
	return t.store.GetEntityBatches(t.entity)
}

// Progress summarizes the plan, or nil when no batches exist.
func (t *Tracker) Progress() (*db.BatchProgress, error) {
	all, err := t.store.GetBatchProgress()
	if err != nil {
		return nil, err
	}
	return all[t.entity], nil
}

func planRows(projectKey string, entity domain.EntityType, sizes []int, incremental bool) []*db.EntityBatch {
	if len(sizes) == 0 {
		return nil
	}
	rows := make([]*db.EntityBatch, 0, len(sizes))
	for i, count := range sizes {
		rows = append(rows, &db.EntityBatch{
			ProjectKey:    projectKey,
			EntityType:    entity,
			BatchNumber:   i,
			TotalBatches:  len(sizes),
			ItemsCount:    count,
			Status:        db.BatchNotStarted,
			IsIncremental: incremental,
		})
	}
	return rows
}

// planMatches reports whether the persisted plan has the same geometry
// as the wanted one. Statuses and processed counts are ignored; they are
// exactly what a resume must preserve.
func planMatches(existing, want []*db.EntityBatch) bool {
	if len(existing) != len(want) {
		return false
	}
	for i := range want {
		if existing[i].BatchNumber != want[i].BatchNumber ||
			existing[i].TotalBatches != want[i].TotalBatches ||
			existing[i].ItemsCount != want[i].ItemsCount ||
			existing[i].IsIncremental != want[i].IsIncremental {
			return false
		}
	}
	return true
}
