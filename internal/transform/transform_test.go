package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/qtest"
)

func TestMapPriorityTable(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"highest", 1},
		{"critical", 1},
		{"blocker", 1},
		{"high", 2},
		{"major", 2},
		{"medium", 3},
		{"low", 4},
		{"minor", 4},
		{"lowest", 5},
		{"trivial", 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapPriority(tt.name), "priority %q", tt.name)
	}

	assert.Equal(t, DefaultPriorityID, MapPriority("unknown"))
	assert.Equal(t, DefaultPriorityID, MapPriority(""))
	assert.Equal(t, 1, MapPriority("Critical"), "lookup is case-insensitive")
	assert.Equal(t, 2, MapPriority(" High "), "whitespace trimmed")
}

func TestMapStatusTable(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"pass", qtest.RunPassed},
		{"fail", qtest.RunFailed},
		{"wip", qtest.RunInProgress},
		{"in_progress", qtest.RunInProgress},
		{"executing", qtest.RunInProgress},
		{"incomplete", qtest.RunInProgress},
		{"blocked", qtest.RunBlocked},
		{"unexecuted", qtest.RunNotRun},
		{"not_executed", qtest.RunNotRun},
		{"not_tested", qtest.RunNotRun},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapStatus(tt.name), "status %q", tt.name)
	}

	assert.Equal(t, qtest.RunNotRun, MapStatus("mystery"))
	assert.Equal(t, qtest.RunInProgress, MapStatus("In Progress"), "display names normalize")
	assert.Equal(t, qtest.RunNotRun, MapStatus("Not Executed"))
}

func TestCombineTestData(t *testing.T) {
	assert.Equal(t, "click login\n\nTest Data: user=admin",
		CombineTestData("click login", "user=admin"))
	assert.Equal(t, "click login", CombineTestData("click login", ""))
	assert.Equal(t, "Test Data: user=admin", CombineTestData("", "user=admin"))
}

func TestStepsSortAndRenumber(t *testing.T) {
	steps := Steps([]domain.TestStep{
		{Order: 3, Description: "third"},
		{Order: 1, Description: "first", TestData: "d1", ExpectedResult: "ok"},
		{Order: 2, Description: "second"},
	})

	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, "first\n\nTest Data: d1", steps[0].Description)
	assert.Equal(t, "ok", steps[0].Expected)
	assert.Equal(t, "second", steps[1].Description)
	assert.Equal(t, 3, steps[2].Order)
	assert.Nil(t, Steps(nil))
}

func TestFieldMapperMappedFields(t *testing.T) {
	fm := NewFieldMapper(map[string]TargetField{
		"Component": {ID: 101, Name: "Component", Kind: domain.FieldString},
		"Estimate":  {ID: 102, Name: "Story Points", Kind: domain.FieldNumber},
	}, false)

	props := fm.Map(domain.Fields{
		"component": domain.String("auth"),
		"Estimate":  domain.Number(2.5),
		"Dropped":   domain.String("nope"),
	})

	require.Len(t, props, 2, "strict mapper drops unmapped fields")
	assert.Equal(t, int64(102), props[0].FieldID)
	assert.Equal(t, "Story Points", props[0].FieldName)
	assert.Equal(t, 2.5, props[0].FieldValue, "numeric fields stay numeric")
	assert.Equal(t, "auth", props[1].FieldValue)
}

func TestFieldMapperNumericCoercion(t *testing.T) {
	fm := NewFieldMapper(map[string]TargetField{
		"Points": {ID: 1, Name: "Points", Kind: domain.FieldNumber},
	}, false)

	props := fm.Map(domain.Fields{"Points": domain.String("42")})
	require.Len(t, props, 1)
	assert.Equal(t, 42.0, props[0].FieldValue, "numeric strings parse to numbers")

	props = fm.Map(domain.Fields{"Points": domain.String("N/A")})
	require.Len(t, props, 1)
	assert.Equal(t, "N/A", props[0].FieldValue, "unparsable values fall back to string")
}

func TestFieldMapperPassThroughAndEmpty(t *testing.T) {
	fm := NewFieldMapper(nil, true)

	props := fm.Map(domain.Fields{
		"B Tag":  domain.List("smoke", "auth"),
		"A Flag": domain.Bool(false),
		"Blank":  domain.String("  "),
	})

	require.Len(t, props, 2, "empty values dropped")
	assert.Equal(t, "A Flag", props[0].FieldName, "output sorted by name")
	assert.Equal(t, false, props[0].FieldValue, "false is content, not empty")
	assert.Equal(t, []string{"smoke", "auth"}, props[1].FieldValue)

	assert.Nil(t, fm.Map(nil))
}

func TestCaseTransform(t *testing.T) {
	fm := NewFieldMapper(nil, true)
	tc := &domain.TestCase{
		ID:           "tc-1",
		Key:          "DEMO-T1",
		Name:         "Login",
		Objective:    "verify login",
		Precondition: "account exists",
		Priority:     "Blocker",
		Steps: []domain.TestStep{
			{Order: 1, Description: "open", TestData: "url=/login"},
		},
		CustomFields: domain.Fields{"Component": domain.String("auth")},
	}

	out := Case(tc, 4200, fm)
	assert.Equal(t, int64(4200), out.ParentID)
	assert.Equal(t, "Login", out.Name)
	assert.Equal(t, "verify login", out.Description)
	assert.Equal(t, "account exists", out.Precondition)
	assert.Equal(t, 1, out.PriorityID)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, "open\n\nTest Data: url=/login", out.Steps[0].Description)
	require.Len(t, out.Properties, 1)
	assert.Equal(t, "auth", out.Properties[0].FieldValue)
}

func TestCycleTransformPreservesDates(t *testing.T) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 5, 14, 0, 0, 0, 0, time.UTC)
	fm := NewFieldMapper(nil, true)

	out := Cycle(&domain.TestCycle{
		Name:         "Sprint 1",
		Description:  "first sprint",
		PlannedStart: &start,
		PlannedEnd:   &end,
	}, 4300, fm)

	assert.Equal(t, int64(4300), out.ParentID)
	require.NotNil(t, out.StartDate)
	assert.True(t, out.StartDate.Equal(start))
	require.NotNil(t, out.EndDate)
	assert.True(t, out.EndDate.Equal(end))
}

func TestRunNaming(t *testing.T) {
	fm := NewFieldMapper(nil, true)
	te := &domain.TestExecution{ID: "ex-1"}

	run := Run(te, "Login", 5001, 6001, fm)
	assert.Equal(t, "Login", run.Name)
	assert.Equal(t, int64(5001), run.TestCaseID)
	assert.Equal(t, int64(6001), run.TestCycleID)

	run = Run(te, "", 5001, 6001, fm)
	assert.Equal(t, "ex-1", run.Name, "missing case name falls back to execution id")
}

func TestLogTransform(t *testing.T) {
	log := Log(&domain.TestExecution{
		Status:     "Fail",
		ExecutedBy: "user-9",
		Comment:    "flaky network",
		StepResults: []domain.StepResult{
			{Order: 1, Status: "Pass", ActualResult: "ok"},
			{Order: 2, Status: "", ActualResult: "not reached"},
		},
	})

	assert.Equal(t, qtest.RunFailed, log.Status)
	assert.Equal(t, "user-9", log.ExecutedBy)
	assert.Equal(t, "flaky network", log.Note)
	require.Len(t, log.StepLogs, 2)
	assert.Equal(t, qtest.RunPassed, log.StepLogs[0].Status)
	assert.Equal(t, qtest.RunFailed, log.StepLogs[1].Status,
		"stepless status inherits the execution status")
}

func TestProjectTransform(t *testing.T) {
	out := Project(&domain.Project{Key: "DEMO", Name: "Demo", Description: "d"}, 77)
	assert.Equal(t, int64(77), out.ID)
	assert.Equal(t, "Demo", out.Name)
	assert.Equal(t, "d", out.Description)
}
