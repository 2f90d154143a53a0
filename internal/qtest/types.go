// Package qtest implements the target test-management client: typed
// create/delete calls, test log submission and attachment upload. The
// HTTP implementation wraps calls in a circuit breaker; Fake backs
// tests and dry runs.
package qtest

import "time"

// Property is one custom field value on a target entity.
type Property struct {
	FieldID    int64  `json:"field_id,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
	FieldValue any    `json:"field_value"`
}

// Module is a container node in the target project tree. ParentID zero
// means a root module.
type Module struct {
	ID          int64  `json:"id,omitempty"`
	ParentID    int64  `json:"parent_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TestStep is one ordered step of a target test case.
type TestStep struct {
	Order       int    `json:"order"`
	Description string `json:"description"`
	Expected    string `json:"expected,omitempty"`
}

// TestCase is a target test case payload. ParentID references the
// containing module.
type TestCase struct {
	ID           int64      `json:"id,omitempty"`
	ParentID     int64      `json:"parent_id,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Precondition string     `json:"precondition,omitempty"`
	PriorityID   int        `json:"priority_id,omitempty"`
	Properties   []Property `json:"properties,omitempty"`
	Steps        []TestStep `json:"test_steps,omitempty"`
}

// TestCycle is a target test cycle payload.
type TestCycle struct {
	ID          int64      `json:"id,omitempty"`
	ParentID    int64      `json:"parent_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Properties  []Property `json:"properties,omitempty"`
}

// TestRun binds a test case into a cycle for execution.
type TestRun struct {
	ID          int64      `json:"id,omitempty"`
	Name        string     `json:"name"`
	TestCaseID  int64      `json:"test_case_id"`
	TestCycleID int64      `json:"test_cycle_id"`
	Properties  []Property `json:"properties,omitempty"`
}

// Run statuses accepted by the target in test logs.
const (
	RunPassed     = "PASSED"
	RunFailed     = "FAILED"
	RunInProgress = "IN_PROGRESS"
	RunBlocked    = "BLOCKED"
	RunNotRun     = "NOT_RUN"
)

// StepLog is the per-step outcome inside a test log.
type StepLog struct {
	Order        int    `json:"order"`
	Status       string `json:"status"`
	ActualResult string `json:"actual_result,omitempty"`
}

// TestLog is the result record submitted against a test run.
type TestLog struct {
	Status     string     `json:"status"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ExecutedBy string     `json:"executed_by,omitempty"`
	Note       string     `json:"note,omitempty"`
	StepLogs   []StepLog  `json:"test_step_logs,omitempty"`
}

// Project identifies the target project migrations load into.
type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
