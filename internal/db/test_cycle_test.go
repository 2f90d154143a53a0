package db

import (
	"context"
	"testing"
	"time"

	"github.com/randalmurphal/tmig/internal/domain"
)

func TestTestCycleRoundTrip(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 15, 17, 0, 0, 0, time.UTC)
	cycles := []*domain.TestCycle{
		{ID: "cy-1", Key: "DEMO-R1", FolderID: "f1", Name: "Sprint 1",
			Description: "regression", PlannedStart: &start, PlannedEnd: &end, Status: "Done"},
		{ID: "cy-2", Name: "Ad hoc"},
	}
	if err := p.SaveTestCycles(ctx, cycles); err != nil {
		t.Fatalf("SaveTestCycles: %v", err)
	}

	got, err := p.GetTestCycles()
	if err != nil {
		t.Fatalf("GetTestCycles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d cycles, want 2", len(got))
	}
	if got[0].PlannedStart == nil || !got[0].PlannedStart.Equal(start) {
		t.Errorf("planned start = %v, want %v", got[0].PlannedStart, start)
	}
	if got[1].PlannedStart != nil {
		t.Errorf("expected nil planned start, got %v", got[1].PlannedStart)
	}

	one, err := p.GetTestCycle("cy-1")
	if err != nil {
		t.Fatalf("GetTestCycle: %v", err)
	}
	if one == nil || one.Name != "Sprint 1" {
		t.Errorf("GetTestCycle = %+v", one)
	}

	missing, err := p.GetTestCycle("nope")
	if err != nil {
		t.Fatalf("GetTestCycle missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing cycle")
	}
}
