package db

import (
	"testing"

	"github.com/randalmurphal/tmig/internal/domain"
)

// NewTestDB returns an in-memory store for tests. The store is closed when
// the test finishes.
func NewTestDB(t testing.TB) *DB {
	t.Helper()
	d, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// NewTestProjectDB returns an in-memory store bound to projectKey with the
// project row already saved, so child rows satisfy foreign keys.
func NewTestProjectDB(t testing.TB, projectKey string) *ProjectDB {
	t.Helper()
	p := NewProjectDB(NewTestDB(t), projectKey)
	if err := p.SaveProject(&domain.Project{Key: projectKey, Name: projectKey}); err != nil {
		t.Fatalf("save test project: %v", err)
	}
	return p
}
