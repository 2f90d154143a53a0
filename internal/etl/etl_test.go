package etl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/qtest"
	"github.com/randalmurphal/tmig/internal/retry"
	"github.com/randalmurphal/tmig/internal/state"
	"github.com/randalmurphal/tmig/internal/zephyr"
)

type harness struct {
	store  *db.ProjectDB
	source *zephyr.Fake
	target *qtest.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:  db.NewTestProjectDB(t, "DEMO"),
		source: zephyr.NewFake(domain.Project{Key: "DEMO", Name: "Demo project"}),
		target: qtest.NewFake(qtest.Project{ID: 900, Name: "Demo target"}),
	}
}

func (h *harness) executor(t *testing.T, opts ...func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		Store:           h.store,
		Source:          h.source,
		Target:          h.target,
		Retry:           retry.New(retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond}),
		TargetProjectID: 900,
		BatchSize:       2,
		MaxWorkers:      2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

// seedSource loads the fake with a small nested project: three folders,
// two cases with steps and an attachment each, one cycle and two
// executions.
func (h *harness) seedSource() {
	h.source.AddFolders(
		&domain.Folder{ID: "f-1", ProjectKey: "DEMO", Name: "Root", Kind: domain.FolderTestCase},
		&domain.Folder{ID: "f-2", ProjectKey: "DEMO", ParentID: "f-1", Name: "Auth", Kind: domain.FolderTestCase},
		&domain.Folder{ID: "f-3", ProjectKey: "DEMO", Name: "Cycles", Kind: domain.FolderTestCycle},
	)
	h.source.AddTestCase(
		&domain.TestCase{
			ID: "tc-1", Key: "DEMO-T1", ProjectKey: "DEMO", FolderID: "f-2",
			Name: "Login works", Priority: "High",
			Attachments: []domain.Attachment{
				{ID: "att-1", RelatedType: domain.RelatedTestCase, RelatedID: "tc-1", Filename: "evidence.png"},
			},
		},
		domain.TestStep{ID: "s-1", TestCaseID: "tc-1", Order: 1, Description: "open login page"},
		domain.TestStep{ID: "s-2", TestCaseID: "tc-1", Order: 2, Description: "submit credentials", ExpectedResult: "dashboard shown"},
	)
	h.source.AddTestCase(
		&domain.TestCase{
			ID: "tc-2", Key: "DEMO-T2", ProjectKey: "DEMO", FolderID: "f-2",
			Name: "Logout works", Priority: "Low",
			Attachments: []domain.Attachment{
				{ID: "att-2", RelatedType: domain.RelatedTestCase, RelatedID: "tc-2", Filename: "trace.log"},
			},
		},
		domain.TestStep{ID: "s-3", TestCaseID: "tc-2", Order: 1, Description: "press logout"},
		domain.TestStep{ID: "s-4", TestCaseID: "tc-2", Order: 2, Description: "session gone", ExpectedResult: "login page shown"},
	)
	h.source.PutAttachment("att-1", []byte("png-bytes"))
	h.source.PutAttachment("att-2", []byte("log-bytes"))
	h.source.AddCycles(
		&domain.TestCycle{ID: "cy-1", Key: "DEMO-C1", ProjectKey: "DEMO", FolderID: "f-3", Name: "Sprint 1"},
	)
	h.source.AddExecutions(
		&domain.TestExecution{
			ID: "ex-1", ProjectKey: "DEMO", TestCycleID: "cy-1", TestCaseID: "tc-1", Status: "Pass",
			StepResults: []domain.StepResult{{Order: 1, Status: "Pass"}, {Order: 2, Status: "Pass"}},
		},
		&domain.TestExecution{
			ID: "ex-2", ProjectKey: "DEMO", TestCycleID: "cy-1", TestCaseID: "tc-2", Status: "Fail",
			Comment: "logout button missing",
		},
	)
}

// migrate drives extract, transform and load the way the orchestrator
// does: plans cleared before each fresh phase.
func migrate(t *testing.T, e *Executor) {
	t.Helper()
	ctx := context.Background()

	out, err := e.Extract(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, out.Status(), "extract: %+v", out)

	require.NoError(t, e.ClearPlans())
	out, err = e.Transform(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, out.Status(), "transform: %+v", out)

	require.NoError(t, e.ClearPlans())
	out, err = e.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, out.Status(), "load: %+v", out)
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)
	ctx := context.Background()

	out, err := e.Extract(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out[domain.EntityFolders].Succeeded)
	assert.Equal(t, 2, out[domain.EntityTestCases].Succeeded)
	assert.Equal(t, 1, out[domain.EntityTestCycles].Succeeded)
	assert.Equal(t, 2, out[domain.EntityTestExecutions].Succeeded)

	// Extracted cases carry their steps and attachment bytes.
	tc, err := h.store.GetTestCase("tc-1")
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Len(t, tc.Steps, 2)
	atts, err := h.store.GetAttachments(domain.RelatedTestCase, "tc-1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, []byte("png-bytes"), atts[0].Content)

	require.NoError(t, e.ClearPlans())
	out, err = e.Transform(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, out.Status())

	require.NoError(t, e.ClearPlans())
	out, err = e.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, out.Status())
	assert.Equal(t, 3, out[domain.EntityFolders].Succeeded)
	assert.Equal(t, 2, out[domain.EntityTestCases].Succeeded)

	// The target mirrors the source shape.
	modules := h.target.Modules()
	require.Len(t, modules, 3)
	byName := make(map[string]*qtest.Module, len(modules))
	for _, m := range modules {
		byName[m.Name] = m
	}
	require.Contains(t, byName, "Root")
	require.Contains(t, byName, "Auth")
	assert.Equal(t, byName["Root"].ID, byName["Auth"].ParentID, "Auth module must hang under Root")
	assert.Zero(t, byName["Root"].ParentID)

	cases := h.target.TestCases()
	require.Len(t, cases, 2)
	for _, tc := range cases {
		assert.Equal(t, byName["Auth"].ID, tc.ParentID)
		assert.Len(t, tc.Steps, 2)
	}

	cycles := h.target.TestCycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, byName["Cycles"].ID, cycles[0].ParentID)

	runs := h.target.TestRuns()
	require.Len(t, runs, 2)
	logByRunName := make(map[string]string, len(runs))
	for _, run := range runs {
		logs := h.target.TestLogs(run.ID)
		require.Len(t, logs, 1)
		logByRunName[run.Name] = logs[0].Status
	}
	assert.Equal(t, qtest.RunPassed, logByRunName["Login works"])
	assert.Equal(t, qtest.RunFailed, logByRunName["Logout works"])

	uploads := h.target.Attachments()
	require.Len(t, uploads, 2)
	for _, up := range uploads {
		assert.Equal(t, qtest.ObjectTestCase, up.ObjectType)
		assert.EqualValues(t, 9, up.Size)
	}

	// Mappings exist for every created entity.
	counts, err := h.store.GetMappingCounts()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[db.MappingFolderToModule])
	assert.Equal(t, 2, counts[db.MappingCaseToCase])
	assert.Equal(t, 1, counts[db.MappingCycleToCycle])
	assert.Equal(t, 2, counts[db.MappingExecutionToRun])

	// Runs reference the mapped target ids.
	caseID, ok, err := h.store.GetMappedTargetID(db.MappingCaseToCase, "tc-1")
	require.NoError(t, err)
	require.True(t, ok)
	cycleID, _, err := h.store.GetMappedTargetID(db.MappingCycleToCycle, "cy-1")
	require.NoError(t, err)
	var loginRun *qtest.TestRun
	for _, run := range runs {
		if run.Name == "Login works" {
			loginRun = run
		}
	}
	require.NotNil(t, loginRun)
	assert.Equal(t, caseID, loginRun.TestCaseID)
	assert.Equal(t, cycleID, loginRun.TestCycleID)
}

func TestLoadReRunCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)
	migrate(t, e)

	created := h.target.Calls("CreateTestCase")
	moduleCalls := h.target.Calls("CreateModule")

	// Same plan, everything completed: the re-run only counts.
	out, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, out.Status())
	assert.Equal(t, 2, out[domain.EntityTestCases].Succeeded)

	assert.Equal(t, created, h.target.Calls("CreateTestCase"))
	assert.Equal(t, moduleCalls, h.target.Calls("CreateModule"))
	assert.Len(t, h.target.TestCases(), 2)
}

func TestRollbackLoadDeletesEverything(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)
	migrate(t, e)

	out, err := e.RollbackLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out[domain.EntityTestExecutions].Succeeded)
	assert.Equal(t, 3, out[domain.EntityFolders].Succeeded)

	assert.Empty(t, h.target.TestRuns())
	assert.Empty(t, h.target.TestCycles())
	assert.Empty(t, h.target.TestCases())
	assert.Empty(t, h.target.Modules())

	// Mappings survive as audit rows, flagged rolled back.
	for _, mt := range db.RollbackOrder() {
		active, err := h.store.GetActiveMappings(mt)
		require.NoError(t, err)
		assert.Empty(t, active, "active mappings remain for %s", mt)
	}
	m, err := h.store.GetEntityMapping(db.MappingCaseToCase, "tc-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.RolledBack)
}

func TestRollbackLoadReportsResidue(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)
	migrate(t, e)

	h.target.SetError("DeleteModule", errors.New("permission denied"))

	out, err := e.RollbackLoad(context.Background())
	require.Error(t, err)
	mig := migerrors.AsMigError(err)
	require.NotNil(t, mig)
	assert.Equal(t, migerrors.CodeRollbackResidue, mig.Code)

	// Children were still deleted; only modules remain.
	assert.Empty(t, h.target.TestRuns())
	assert.Empty(t, h.target.TestCases())
	assert.Len(t, h.target.Modules(), 3)
	assert.Equal(t, 3, out[domain.EntityFolders].Failed)

	// Residue mappings are rolled back with the failure recorded.
	active, err := h.store.GetActiveMappings(db.MappingFolderToModule)
	require.NoError(t, err)
	assert.Empty(t, active)
	m, err := h.store.GetEntityMapping(db.MappingFolderToModule, "f-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.RolledBack)
	assert.Contains(t, m.Details, "delete failed")
}

func TestRollbackLoadToleratesMissingTargets(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)
	migrate(t, e)

	// Someone deleted a run out of band; rollback treats the 404 as done.
	runs := h.target.TestRuns()
	require.NotEmpty(t, runs)
	require.NoError(t, h.target.DeleteTestRun(context.Background(), runs[0].ID))

	_, err := e.RollbackLoad(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.target.TestRuns())

	active, err := h.store.GetActiveMappings(db.MappingExecutionToRun)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRollbackTransformAndExtractDropRows(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)
	ctx := context.Background()

	_, err := e.Extract(ctx)
	require.NoError(t, err)
	require.NoError(t, e.ClearPlans())
	_, err = e.Transform(ctx)
	require.NoError(t, err)

	require.NoError(t, e.RollbackTransform(ctx))
	rows, err := h.store.GetTransformedModules()
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, e.RollbackExtract(ctx))
	folders, err := h.store.GetFolders()
	require.NoError(t, err)
	assert.Empty(t, folders)
	cases, err := h.store.GetTestCases()
	require.NoError(t, err)
	assert.Empty(t, cases)
}
