package events

import "testing"

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		name       string
		event      Event
		wantStatus string
	}{
		{"started", PhaseStarted("DEMO", "extract"), StatusStarted},
		{"completed", PhaseCompleted("DEMO", "extract"), StatusCompleted},
		{"partial", PhasePartial("DEMO", "load", "2 of 3 batches completed"), StatusPartial},
		{"failed", PhaseFailed("DEMO", "load", nil), StatusFailed},
		{"skipped", PhaseSkipped("DEMO", "extract"), StatusSkipped},
		{"rolled back", PhaseRolledBack("DEMO", "load", "target artifacts deleted"), StatusRolledBack},
		{"warning", Warning("DEMO", "load", "execution skipped"), StatusWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.event.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", tt.event.Status, tt.wantStatus)
			}
			if tt.event.ProjectKey != "DEMO" {
				t.Errorf("ProjectKey = %s, want DEMO", tt.event.ProjectKey)
			}
			if tt.event.Message == "" && tt.name != "failed" {
				t.Error("Message should not be empty")
			}
			if tt.event.Time.IsZero() {
				t.Error("Time should be set")
			}
		})
	}
}

func TestBatchProgress(t *testing.T) {
	e := BatchProgress("DEMO", "load", "test_cases", 1, 3, 10, "batch 1/3 loaded")

	if e.EntityType != "test_cases" {
		t.Errorf("EntityType = %s, want test_cases", e.EntityType)
	}
	if e.BatchNumber == nil || *e.BatchNumber != 1 {
		t.Errorf("BatchNumber = %v, want 1", e.BatchNumber)
	}
	if e.TotalBatches == nil || *e.TotalBatches != 3 {
		t.Errorf("TotalBatches = %v, want 3", e.TotalBatches)
	}
	if e.EntityCount != 10 {
		t.Errorf("EntityCount = %d, want 10", e.EntityCount)
	}
}

func TestWithMetadata(t *testing.T) {
	e := PhaseCompleted("DEMO", "extract").WithMetadata(map[string]any{"folders": 3})
	if e.Metadata["folders"] != 3 {
		t.Errorf("Metadata[folders] = %v, want 3", e.Metadata["folders"])
	}
}

func TestPhaseFailedMessage(t *testing.T) {
	e := PhaseFailed("DEMO", "load", errTest)
	want := "load phase failed: boom"
	if e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errTest = testErr("boom")
