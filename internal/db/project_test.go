package db

import (
	"context"
	"errors"
	"testing"

	"github.com/randalmurphal/tmig/internal/domain"
)

func TestProjectRoundTrip(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")

	got, err := p.GetProject()
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got == nil {
		t.Fatal("expected project row")
	}
	if got.Key != "DEMO" {
		t.Errorf("key = %q, want DEMO", got.Key)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	// Upsert keeps created_at, updates the rest.
	if err := p.SaveProject(&domain.Project{Key: "DEMO", Name: "Demo Project", Description: "d"}); err != nil {
		t.Fatalf("SaveProject update: %v", err)
	}
	got2, err := p.GetProject()
	if err != nil {
		t.Fatalf("GetProject after update: %v", err)
	}
	if got2.Name != "Demo Project" || got2.Description != "d" {
		t.Errorf("update not applied: %+v", got2)
	}
	if !got2.CreatedAt.Equal(got.CreatedAt) {
		t.Errorf("created_at changed on update: %v -> %v", got.CreatedAt, got2.CreatedAt)
	}
}

func TestGetProjectMissing(t *testing.T) {
	d := NewTestDB(t)
	p := NewProjectDB(d, "NOPE")

	got, err := p.GetProject()
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing project, got %+v", got)
	}

	exists, err := p.ProjectExists()
	if err != nil {
		t.Fatalf("ProjectExists: %v", err)
	}
	if exists {
		t.Error("ProjectExists = true for missing project")
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	if err := p.SaveFolders(ctx, []*domain.Folder{{ID: "f1", Name: "Root", Kind: domain.FolderTestCase}}); err != nil {
		t.Fatalf("SaveFolders: %v", err)
	}
	if err := p.SaveMigrationState(&MigrationState{ExtractionStatus: "completed"}); err != nil {
		t.Fatalf("SaveMigrationState: %v", err)
	}

	if err := p.DeleteProject(); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	folders, err := p.GetFolders()
	if err != nil {
		t.Fatalf("GetFolders: %v", err)
	}
	if len(folders) != 0 {
		t.Errorf("folders not cascaded: %d left", len(folders))
	}
	st, err := p.GetMigrationState()
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if st != nil {
		t.Error("migration state not cascaded")
	}
}

func TestListProjects(t *testing.T) {
	d := NewTestDB(t)
	for _, key := range []string{"B", "A"} {
		p := NewProjectDB(d, key)
		if err := p.SaveProject(&domain.Project{Key: key, Name: key}); err != nil {
			t.Fatalf("SaveProject %s: %v", key, err)
		}
	}

	projects, err := d.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	if projects[0].Key != "A" || projects[1].Key != "B" {
		t.Errorf("not ordered by key: %s, %s", projects[0].Key, projects[1].Key)
	}
}

func TestRunInTxRollback(t *testing.T) {
	p := NewTestProjectDB(t, "DEMO")
	ctx := context.Background()

	boom := errors.New("boom")
	err := p.RunInTx(ctx, func(tx *TxOps) error {
		if err := saveFolderTx(tx, "DEMO", &domain.Folder{ID: "f1", Name: "Root", Kind: domain.FolderTestCase}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx error = %v, want boom", err)
	}

	folders, err := p.GetFolders()
	if err != nil {
		t.Fatalf("GetFolders: %v", err)
	}
	if len(folders) != 0 {
		t.Errorf("rollback did not discard writes: %d folders", len(folders))
	}
}
