package db

import (
	"testing"
	"time"
)

func TestMigrationStateRoundTrip(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")

	st, err := p.GetMigrationState()
	if err != nil {
		t.Fatalf("GetMigrationState empty: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state before first save, got %+v", st)
	}

	lastRun := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	want := &MigrationState{
		ExtractionStatus:     "completed",
		TransformationStatus: "in_progress",
		LoadingStatus:        "not_started",
		RollbackStatus:       "not_started",
		ErrorMessage:         "",
		IsIncremental:        true,
		MetaData:             map[string]any{"extracted_total": float64(120)},
		LastRunAt:            &lastRun,
	}
	if err := p.SaveMigrationState(want); err != nil {
		t.Fatalf("SaveMigrationState: %v", err)
	}

	got, err := p.GetMigrationState()
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if got == nil {
		t.Fatal("state missing after save")
	}
	if got.ExtractionStatus != "completed" || got.TransformationStatus != "in_progress" {
		t.Errorf("statuses wrong: %+v", got)
	}
	if !got.IsIncremental {
		t.Error("incremental flag lost")
	}
	if got.MetaData["extracted_total"] != float64(120) {
		t.Errorf("metadata = %+v", got.MetaData)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(lastRun) {
		t.Errorf("last run = %v, want %v", got.LastRunAt, lastRun)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}

	// Upsert overwrites.
	want.LoadingStatus = "failed"
	want.ErrorMessage = "target down"
	if err := p.SaveMigrationState(want); err != nil {
		t.Fatalf("SaveMigrationState update: %v", err)
	}
	got, err = p.GetMigrationState()
	if err != nil {
		t.Fatalf("GetMigrationState after update: %v", err)
	}
	if got.LoadingStatus != "failed" || got.ErrorMessage != "target down" {
		t.Errorf("update lost: %+v", got)
	}
}
