package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/state"
)

// seedCompletedRun writes the store footprint of one finished run: all
// phases completed, two folders and one case through the pipeline, one
// unresolved warning and a persisted validation report.
func seedCompletedRun(t *testing.T, store *db.DB) {
	t.Helper()
	ctx := context.Background()
	project := db.NewProjectDB(store, "DEMO")

	m, err := state.Load(project)
	require.NoError(t, err)
	require.NoError(t, m.UpdateExtractionStatus(state.StatusCompleted, nil))
	require.NoError(t, m.UpdateTransformationStatus(state.StatusCompleted, nil))
	require.NoError(t, m.UpdateLoadingStatus(state.StatusCompleted, nil))
	require.NoError(t, m.RecordRun(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))

	require.NoError(t, project.SaveFolders(ctx, []*domain.Folder{
		{ID: "f-1", ProjectKey: "DEMO", Name: "Root", Kind: domain.FolderTestCase},
		{ID: "f-2", ProjectKey: "DEMO", ParentID: "f-1", Name: "Auth", Kind: domain.FolderTestCase},
	}))
	require.NoError(t, project.SaveTestCases(ctx, []*domain.TestCase{
		{ID: "tc-1", Key: "DEMO-T1", ProjectKey: "DEMO", FolderID: "f-2", Name: "Login works"},
	}))
	require.NoError(t, project.SaveTransformedTestCases(ctx, []db.TransformedEntity{
		{SourceID: "tc-1", SourceFolderID: "f-2", Payload: []byte(`{"name":"Login works"}`)},
	}))
	for i, id := range []string{"f-1", "f-2"} {
		require.NoError(t, project.SaveEntityMapping(&db.EntityMapping{
			MappingType: db.MappingFolderToModule, SourceID: id, TargetID: int64(100 + i),
		}))
	}
	require.NoError(t, project.SaveEntityMapping(&db.EntityMapping{
		MappingType: db.MappingCaseToCase, SourceID: "tc-1", TargetID: 200,
	}))

	require.NoError(t, store.SaveWorkflowEvents([]*db.WorkflowEvent{
		{ProjectKey: "DEMO", Phase: "extract", Status: "started", Message: "extract phase started"},
		{ProjectKey: "DEMO", Phase: "extract", Status: "completed", Message: "extract phase completed",
			Metadata: map[string]any{"duration_ms": int64(1200)}},
		{ProjectKey: "DEMO", Phase: "transform", Status: "completed", Message: "transform phase completed",
			Metadata: map[string]any{"duration_ms": int64(300)}},
		{ProjectKey: "DEMO", Phase: "load", Status: "completed", Message: "load phase completed",
			Metadata: map[string]any{"duration_ms": int64(2500)}},
		{ProjectKey: "DEMO", Phase: "validate", Status: "completed", Message: "validate phase completed",
			Metadata: map[string]any{"duration_ms": int64(90)}},
	}))

	require.NoError(t, project.SaveValidationIssues(ctx, []*db.ValidationIssue{
		{ID: "i-1", Level: "warning", Scope: "test_case", Phase: "post_migration",
			RuleID: "test_case_key_format", Message: "key deviates from convention"},
	}))
	require.NoError(t, project.SaveValidationReport(&db.ValidationReport{
		ID: "r-1", Phase: "post_migration", Summary: map[string]any{"total_issues": 1},
	}))
}

func TestBuildFreshProject(t *testing.T) {
	store := db.NewTestDB(t)

	r, err := Build(store, "DEMO", Options{})
	require.NoError(t, err)

	assert.Equal(t, "not_started", r.Status)
	require.Len(t, r.Summary.Phases, 4)
	for _, ph := range r.Summary.Phases {
		assert.Equal(t, "not_started", ph.Status, ph.Name)
		assert.Equal(t, "-", ph.Duration())
	}
	require.Len(t, r.Summary.Entities, 4)
	for _, ent := range r.Summary.Entities {
		assert.Zero(t, ent.Extracted, ent.Name)
		assert.Zero(t, ent.Mapped, ent.Name)
	}
	assert.Empty(t, r.Events)
	assert.Zero(t, r.Validation.TotalIssues)
	assert.Nil(t, r.Summary.LastRunAt)
}

func TestBuildCompletedRun(t *testing.T) {
	store := db.NewTestDB(t)
	seedCompletedRun(t, store)

	r, err := Build(store, "DEMO", Options{Config: map[string]any{"batch_size": 50}})
	require.NoError(t, err)

	assert.Equal(t, "completed", r.Status)
	require.Len(t, r.Summary.Phases, 4, "no rollback row without a rollback")

	byName := make(map[string]PhaseRow, len(r.Summary.Phases))
	for _, ph := range r.Summary.Phases {
		byName[ph.Name] = ph
	}
	assert.Equal(t, "completed", byName["extract"].Status)
	assert.Equal(t, int64(1200), byName["extract"].DurationMS)
	assert.Equal(t, "1.2s", byName["extract"].Duration())
	assert.Equal(t, "completed", byName["validate"].Status)

	byEntity := make(map[string]EntityRow, len(r.Summary.Entities))
	for _, ent := range r.Summary.Entities {
		byEntity[ent.Name] = ent
	}
	assert.Equal(t, 2, byEntity["folders"].Extracted)
	assert.Equal(t, 2, byEntity["folders"].Mapped)
	assert.Equal(t, 1, byEntity["test_cases"].Extracted)
	assert.Equal(t, 1, byEntity["test_cases"].Transformed)
	assert.Equal(t, 1, byEntity["test_cases"].Mapped)

	require.NotNil(t, r.Summary.LastRunAt)
	assert.Equal(t, 1, r.Validation.TotalIssues)
	require.Len(t, r.Validation.Levels, 1)
	assert.Equal(t, LevelRow{Level: "warning", Count: 1}, r.Validation.Levels[0])
	assert.NotNil(t, r.Validation.LastReportAt)

	require.NotEmpty(t, r.Events)
	last := r.Events[len(r.Events)-1]
	assert.Equal(t, "validate", last.Phase)
	assert.Equal(t, "completed", last.Status)

	assert.Equal(t, 50, r.Configuration["batch_size"])
}

func TestBuildIncludesRollbackRow(t *testing.T) {
	store := db.NewTestDB(t)
	seedCompletedRun(t, store)
	project := db.NewProjectDB(store, "DEMO")

	m, err := state.Load(project)
	require.NoError(t, err)
	for _, ph := range []state.Phase{state.PhaseLoad, state.PhaseTransform, state.PhaseExtract} {
		require.NoError(t, m.UpdatePhaseStatus(ph, state.StatusRolledBack, nil))
	}
	require.NoError(t, m.UpdateRollbackStatus(state.StatusCompleted, nil))

	r, err := Build(store, "DEMO", Options{})
	require.NoError(t, err)

	assert.Equal(t, "rolled_back", r.Status)
	require.Len(t, r.Summary.Phases, 5)
	rollback := r.Summary.Phases[4]
	assert.Equal(t, "rollback", rollback.Name)
	assert.Equal(t, "completed", rollback.Status)
}

func TestOverallStatus(t *testing.T) {
	ns := string(state.StatusNotStarted)
	done := string(state.StatusCompleted)

	tests := []struct {
		name string
		s    db.MigrationState
		want string
	}{
		{"fresh", db.MigrationState{ExtractionStatus: ns, TransformationStatus: ns, LoadingStatus: ns, RollbackStatus: ns}, "not_started"},
		{"all completed", db.MigrationState{ExtractionStatus: done, TransformationStatus: done, LoadingStatus: done, RollbackStatus: ns}, "completed"},
		{"load running", db.MigrationState{ExtractionStatus: done, TransformationStatus: done, LoadingStatus: "in_progress", RollbackStatus: ns}, "in_progress"},
		{"load failed", db.MigrationState{ExtractionStatus: done, TransformationStatus: done, LoadingStatus: "failed", RollbackStatus: ns}, "failed"},
		{"load partial", db.MigrationState{ExtractionStatus: done, TransformationStatus: done, LoadingStatus: "partial", RollbackStatus: ns}, "partial"},
		{"stopped midway", db.MigrationState{ExtractionStatus: done, TransformationStatus: ns, LoadingStatus: ns, RollbackStatus: ns}, "partial"},
		{"rolled back", db.MigrationState{ExtractionStatus: "rolled_back", TransformationStatus: "rolled_back", LoadingStatus: "rolled_back", RollbackStatus: done}, "rolled_back"},
		{"rollback running", db.MigrationState{ExtractionStatus: done, TransformationStatus: done, LoadingStatus: done, RollbackStatus: "in_progress"}, "in_progress"},
		{"rollback left residue", db.MigrationState{ExtractionStatus: "rolled_back", TransformationStatus: "rolled_back", LoadingStatus: "rolled_back", RollbackStatus: "partial"}, "partial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overallStatus(tt.s))
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	store := db.NewTestDB(t)
	seedCompletedRun(t, store)

	r, err := Build(store, "DEMO", Options{})
	require.NoError(t, err)
	out, err := r.Render(FormatMarkdown)
	require.NoError(t, err)

	md := string(out)
	assert.Contains(t, md, "# Migration Report: DEMO")
	assert.Contains(t, md, "| Status | completed |")
	assert.Contains(t, md, "| extract | completed | 1.2s |")
	assert.Contains(t, md, "| test_cases | 1 | 1 | 1 |")
	assert.Contains(t, md, "| warning | 1 |")
	assert.Contains(t, md, "## Recent Events")
}

func TestRenderText(t *testing.T) {
	store := db.NewTestDB(t)
	seedCompletedRun(t, store)

	r, err := Build(store, "DEMO", Options{})
	require.NoError(t, err)
	out, err := r.Render(FormatText)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "Migration report: DEMO")
	assert.Contains(t, text, "Status:    completed")
	assert.Contains(t, text, "extracted=1 transformed=1 mapped=1")
	assert.Contains(t, text, "Unresolved issues: 1")
}

func TestRenderJSON(t *testing.T) {
	store := db.NewTestDB(t)
	seedCompletedRun(t, store)

	r, err := Build(store, "DEMO", Options{})
	require.NoError(t, err)
	out, err := r.Render(FormatJSON)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "DEMO", decoded["project_key"])
	assert.Equal(t, "completed", decoded["status"])
	summary, ok := decoded["summary"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, summary["phases"])
}

func TestWriteFile(t *testing.T) {
	store := db.NewTestDB(t)
	seedCompletedRun(t, store)

	r, err := Build(store, "DEMO", Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	name := Filename("DEMO", FormatMarkdown, r.GeneratedAt)
	assert.Regexp(t, `^report_DEMO_\d{8}T\d{6}Z\.md$`, name)

	path := filepath.Join(dir, name)
	require.NoError(t, r.WriteFile(path, FormatMarkdown))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(got), "# Migration Report: DEMO")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"md", FormatMarkdown, false},
		{"markdown", FormatMarkdown, false},
		{"TXT", FormatText, false},
		{"plain", FormatText, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
