package db

import (
	"context"
	"testing"

	"github.com/randalmurphal/tmig/internal/domain"
)

func TestTransformedModulesOrderedByLevel(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	mods := []TransformedModule{
		{SourceFolderID: "f3", ParentSourceID: "f1", Level: 1, Payload: []byte(`{"name":"child"}`)},
		{SourceFolderID: "f1", Level: 0, Payload: []byte(`{"name":"root"}`)},
		{SourceFolderID: "f9", ParentSourceID: "f3", Level: 2, Payload: []byte(`{"name":"leaf"}`)},
	}
	if err := p.SaveTransformedModules(ctx, mods); err != nil {
		t.Fatalf("SaveTransformedModules: %v", err)
	}

	got, err := p.GetTransformedModules()
	if err != nil {
		t.Fatalf("GetTransformedModules: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d modules, want 3", len(got))
	}
	for i, want := range []int{0, 1, 2} {
		if got[i].Level != want {
			t.Errorf("module %d level = %d, want %d", i, got[i].Level, want)
		}
	}
}

func TestTransformedEntitiesUpsert(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	if err := p.SaveTransformedTestCases(ctx, []TransformedEntity{
		{SourceID: "tc-1", SourceFolderID: "f1", Payload: []byte(`{"v":1}`)},
	}); err != nil {
		t.Fatalf("SaveTransformedTestCases: %v", err)
	}
	if err := p.SaveTransformedTestCases(ctx, []TransformedEntity{
		{SourceID: "tc-1", SourceFolderID: "f1", Payload: []byte(`{"v":2}`)},
	}); err != nil {
		t.Fatalf("SaveTransformedTestCases upsert: %v", err)
	}

	got, err := p.GetTransformedTestCases()
	if err != nil {
		t.Fatalf("GetTransformedTestCases: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entities, want 1", len(got))
	}
	if string(got[0].Payload) != `{"v":2}` {
		t.Errorf("payload not upserted: %s", got[0].Payload)
	}
}

func TestTransformedRunsAndCounts(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	if err := p.SaveTransformedTestRuns(ctx, []TransformedRun{
		{SourceExecutionID: "ex-1", SourceCaseID: "tc-1", SourceCycleID: "cy-1",
			Payload: []byte(`{"run":1}`), LogPayload: []byte(`{"status":"PASSED"}`)},
	}); err != nil {
		t.Fatalf("SaveTransformedTestRuns: %v", err)
	}
	if err := p.SaveTransformedTestCycles(ctx, []TransformedEntity{
		{SourceID: "cy-1", Payload: []byte(`{}`)},
	}); err != nil {
		t.Fatalf("SaveTransformedTestCycles: %v", err)
	}

	runs, err := p.GetTransformedTestRuns()
	if err != nil {
		t.Fatalf("GetTransformedTestRuns: %v", err)
	}
	if len(runs) != 1 || string(runs[0].LogPayload) != `{"status":"PASSED"}` {
		t.Errorf("runs wrong: %+v", runs)
	}

	counts, err := p.GetTransformedCounts()
	if err != nil {
		t.Fatalf("GetTransformedCounts: %v", err)
	}
	if counts[domain.EntityTestExecutions] != 1 || counts[domain.EntityTestCycles] != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if counts[domain.EntityFolders] != 0 {
		t.Errorf("folder count = %d, want 0", counts[domain.EntityFolders])
	}
}

func TestTransformedProjectAndDelete(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	none, err := p.GetTransformedProject()
	if err != nil {
		t.Fatalf("GetTransformedProject empty: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil payload, got %s", none)
	}

	if err := p.SaveTransformedProject([]byte(`{"name":"DEMO"}`)); err != nil {
		t.Fatalf("SaveTransformedProject: %v", err)
	}
	got, err := p.GetTransformedProject()
	if err != nil {
		t.Fatalf("GetTransformedProject: %v", err)
	}
	if string(got) != `{"name":"DEMO"}` {
		t.Errorf("payload = %s", got)
	}

	if err := p.DeleteTransformed(ctx); err != nil {
		t.Fatalf("DeleteTransformed: %v", err)
	}
	got, err = p.GetTransformedProject()
	if err != nil {
		t.Fatalf("GetTransformedProject after delete: %v", err)
	}
	if got != nil {
		t.Error("transformed project survived delete")
	}
}
