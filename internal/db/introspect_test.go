package db

import (
	"context"
	"testing"

	"github.com/randalmurphal/tmig/internal/domain"
)

func seedIntegrityFixture(t *testing.T, p *ProjectDB) {
	t.Helper()
	ctx := context.Background()

	if err := p.SaveFolders(ctx, []*domain.Folder{
		{ID: "f1", Name: "Root", Kind: domain.FolderTestCase},
		{ID: "f2", ParentID: "f1", Name: "Child", Kind: domain.FolderTestCase},
		{ID: "f3", ParentID: "gone", Name: "Orphan", Kind: domain.FolderTestCase},
	}); err != nil {
		t.Fatalf("SaveFolders: %v", err)
	}
	if err := p.SaveTestCases(ctx, []*domain.TestCase{
		{ID: "tc-1", Key: "DEMO-T1", FolderID: "f1", Name: "dup"},
		{ID: "tc-2", Key: "DEMO-T2", FolderID: "f1", Name: "dup"},
		{ID: "tc-3", Key: "DEMO-T2", FolderID: "missing", Name: "other"},
	}); err != nil {
		t.Fatalf("SaveTestCases: %v", err)
	}
	if err := p.SaveTestCycles(ctx, []*domain.TestCycle{
		{ID: "cy-1", FolderID: "f2", Name: "Cycle"},
	}); err != nil {
		t.Fatalf("SaveTestCycles: %v", err)
	}
	if err := p.SaveTestExecutions(ctx, []*domain.TestExecution{
		{ID: "ex-1", TestCycleID: "cy-1", TestCaseID: "tc-1", Status: "Pass"},
		{ID: "ex-2", TestCycleID: "cy-gone", TestCaseID: "tc-gone", Status: "Fail"},
	}); err != nil {
		t.Fatalf("SaveTestExecutions: %v", err)
	}
}

func TestEntityCounts(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	seedIntegrityFixture(t, p)

	counts, err := p.GetSourceEntityCounts()
	if err != nil {
		t.Fatalf("GetSourceEntityCounts: %v", err)
	}
	want := map[domain.EntityType]int{
		domain.EntityFolders:        3,
		domain.EntityTestCases:      3,
		domain.EntityTestCycles:     1,
		domain.EntityTestExecutions: 2,
	}
	for et, n := range want {
		if counts[et] != n {
			t.Errorf("%s count = %d, want %d", et, counts[et], n)
		}
	}
}

func TestEntityExists(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	seedIntegrityFixture(t, p)

	ok, err := p.EntityExists(domain.EntityTestCases, "tc-1")
	if err != nil {
		t.Fatalf("EntityExists: %v", err)
	}
	if !ok {
		t.Error("tc-1 should exist")
	}
	ok, err = p.EntityExists(domain.EntityTestCases, "tc-99")
	if err != nil {
		t.Fatalf("EntityExists missing: %v", err)
	}
	if ok {
		t.Error("tc-99 should not exist")
	}
}

func TestFindMissingRefs(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	seedIntegrityFixture(t, p)

	orphans, err := p.FindOrphanFolders()
	if err != nil {
		t.Fatalf("FindOrphanFolders: %v", err)
	}
	if len(orphans) != 1 || orphans[0].EntityID != "f3" || orphans[0].MissingID != "gone" {
		t.Errorf("orphans = %+v", orphans)
	}

	caseRefs, err := p.FindCasesWithMissingFolder()
	if err != nil {
		t.Fatalf("FindCasesWithMissingFolder: %v", err)
	}
	if len(caseRefs) != 1 || caseRefs[0].EntityID != "tc-3" {
		t.Errorf("case refs = %+v", caseRefs)
	}

	execRefs, err := p.FindExecutionsWithMissingRefs()
	if err != nil {
		t.Fatalf("FindExecutionsWithMissingRefs: %v", err)
	}
	if len(execRefs) != 2 {
		t.Fatalf("got %d exec refs, want 2 (case and cycle)", len(execRefs))
	}
	for _, ref := range execRefs {
		if ref.EntityID != "ex-2" {
			t.Errorf("unexpected entity %s in %+v", ref.EntityID, ref)
		}
	}
}

func TestFindDuplicates(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	seedIntegrityFixture(t, p)

	names, err := p.FindDuplicateCaseNames()
	if err != nil {
		t.Fatalf("FindDuplicateCaseNames: %v", err)
	}
	if len(names) != 1 || names[0].Value != "dup" || names[0].Count != 2 {
		t.Errorf("duplicate names = %+v", names)
	}

	keys, err := p.FindDuplicateCaseKeys()
	if err != nil {
		t.Fatalf("FindDuplicateCaseKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].Value != "DEMO-T2" || keys[0].Count != 2 {
		t.Errorf("duplicate keys = %+v", keys)
	}
}

func TestDeleteExtracted(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	seedIntegrityFixture(t, p)

	if err := p.DeleteExtracted(context.Background()); err != nil {
		t.Fatalf("DeleteExtracted: %v", err)
	}

	counts, err := p.GetSourceEntityCounts()
	if err != nil {
		t.Fatalf("GetSourceEntityCounts: %v", err)
	}
	for et, n := range counts {
		if n != 0 {
			t.Errorf("%s count = %d after delete", et, n)
		}
	}
}
