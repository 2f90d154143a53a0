package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	store := db.NewTestProjectDB(t, "DEMO")
	return New(store, domain.EntityTestCases)
}

func TestInitializeBatchesRowMath(t *testing.T) {
	tr := newTracker(t)

	batches, err := tr.InitializeBatches(context.Background(), 25, 10, false)
	if err != nil {
		t.Fatalf("InitializeBatches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}

	want := []struct{ number, total, items int }{
		{0, 3, 10},
		{1, 3, 10},
		{2, 3, 5},
	}
	for i, w := range want {
		b := batches[i]
		if b.BatchNumber != w.number || b.TotalBatches != w.total || b.ItemsCount != w.items {
			t.Errorf("batch %d = (%d, %d, %d), want (%d, %d, %d)",
				i, b.BatchNumber, b.TotalBatches, b.ItemsCount, w.number, w.total, w.items)
		}
		if b.Status != db.BatchNotStarted {
			t.Errorf("batch %d status = %s, want %s", i, b.Status, db.BatchNotStarted)
		}
	}
}

func TestInitializeBatchesExactDivision(t *testing.T) {
	tr := newTracker(t)

	batches, err := tr.InitializeBatches(context.Background(), 20, 10, false)
	if err != nil {
		t.Fatalf("InitializeBatches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if batches[1].ItemsCount != 10 {
		t.Errorf("last batch items = %d, want 10", batches[1].ItemsCount)
	}
}

func TestInitializeBatchesReusesMatchingPlan(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(0, 10, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}

	batches, err := tr.InitializeBatches(ctx, 25, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if batches[0].Status != db.BatchCompleted || batches[0].ProcessedCount != 10 {
		t.Errorf("batch 0 = (%s, %d), completed progress lost on re-init",
			batches[0].Status, batches[0].ProcessedCount)
	}
}

func TestInitializeBatchesReplacesChangedPlan(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(0, 10, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}

	batches, err := tr.InitializeBatches(ctx, 25, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 5 {
		t.Fatalf("got %d batches, want 5", len(batches))
	}
	for _, b := range batches {
		if b.Status != db.BatchNotStarted || b.ProcessedCount != 0 {
			t.Errorf("batch %d = (%s, %d), want fresh plan", b.BatchNumber, b.Status, b.ProcessedCount)
		}
	}
}

func TestInitializeBatchesIncrementalFlagChangesPlan(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(0, 10, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}

	batches, err := tr.InitializeBatches(ctx, 25, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if batches[0].Status != db.BatchNotStarted {
		t.Error("incremental re-init reused the full-run plan")
	}
	if !batches[0].IsIncremental {
		t.Error("incremental flag not persisted")
	}
}

func TestInitializeBatchesValidation(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if _, err := tr.InitializeBatches(ctx, 10, 0, false); err == nil {
		t.Error("batch size 0 accepted")
	}
	if _, err := tr.InitializeBatches(ctx, -1, 10, false); err == nil {
		t.Error("negative item count accepted")
	}

	// Zero items clears any stale plan.
	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}
	batches, err := tr.InitializeBatches(ctx, 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches for zero items, want 0", len(batches))
	}
}

func TestInitializePlanUnevenSizes(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	batches, err := tr.InitializePlan(ctx, []int{4, 9, 2}, false)
	if err != nil {
		t.Fatalf("InitializePlan: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for i, items := range []int{4, 9, 2} {
		if batches[i].ItemsCount != items || batches[i].TotalBatches != 3 {
			t.Errorf("batch %d = (%d items, %d total), want (%d, 3)",
				i, batches[i].ItemsCount, batches[i].TotalBatches, items)
		}
	}

	if err := tr.UpdateBatchStatus(1, 9, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}
	batches, err = tr.InitializePlan(ctx, []int{4, 9, 2}, false)
	if err != nil {
		t.Fatal(err)
	}
	if batches[1].Status != db.BatchCompleted {
		t.Error("matching plan re-init lost batch progress")
	}

	if _, err := tr.InitializePlan(ctx, []int{4, 0, 2}, false); err == nil {
		t.Error("empty batch size accepted")
	}
}

func TestUpdateBatchStatusIdempotent(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}

	if err := tr.UpdateBatchStatus(1, 4, db.BatchFailed, errors.New("target rejected batch")); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(1, 4, db.BatchFailed, errors.New("target rejected batch")); err != nil {
		t.Fatal(err)
	}

	batches, err := tr.Batches()
	if err != nil {
		t.Fatal(err)
	}
	b := batches[1]
	if b.Status != db.BatchFailed || b.ProcessedCount != 4 {
		t.Errorf("batch 1 = (%s, %d), want (failed, 4)", b.Status, b.ProcessedCount)
	}
	if b.ErrorMessage != "target rejected batch" {
		t.Errorf("error message = %q", b.ErrorMessage)
	}
	if b.TotalBatches != 3 || b.ItemsCount != 10 {
		t.Errorf("totals changed: (%d, %d), want (3, 10)", b.TotalBatches, b.ItemsCount)
	}

	// A later successful pass clears the error.
	if err := tr.UpdateBatchStatus(1, 10, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}
	batches, _ = tr.Batches()
	if batches[1].ErrorMessage != "" {
		t.Errorf("error message = %q, want cleared", batches[1].ErrorMessage)
	}
}

func TestUpdateBatchStatusOutsidePlanInserts(t *testing.T) {
	tr := newTracker(t)

	if err := tr.UpdateBatchStatus(7, 2, db.BatchInProgress, nil); err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}

	pending, err := tr.PendingBatches()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].BatchNumber != 7 {
		t.Errorf("pending = %+v, want inserted batch 7", pending)
	}
}

func TestPendingBatches(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(0, 10, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(1, 3, db.BatchFailed, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(2, 1, db.BatchInProgress, nil); err != nil {
		t.Fatal(err)
	}

	pending, err := tr.PendingBatches()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d batches, want 2", len(pending))
	}
	if pending[0].BatchNumber != 1 || pending[1].BatchNumber != 2 {
		t.Errorf("pending numbers = %d, %d, want 1, 2", pending[0].BatchNumber, pending[1].BatchNumber)
	}
}

func TestProgress(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	if p, err := tr.Progress(); err != nil || p != nil {
		t.Fatalf("empty progress = (%v, %v), want (nil, nil)", p, err)
	}

	if _, err := tr.InitializeBatches(ctx, 25, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(0, 10, db.BatchCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.UpdateBatchStatus(1, 3, db.BatchFailed, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	p, err := tr.Progress()
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalBatches != 3 || p.CompletedCount != 1 || p.FailedCount != 1 {
		t.Errorf("progress = %+v", p)
	}
	if p.ItemsTotal != 25 || p.ItemsProcessed != 13 {
		t.Errorf("items = (%d, %d), want (25, 13)", p.ItemsTotal, p.ItemsProcessed)
	}
}
