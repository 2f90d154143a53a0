// Package domain defines the normalized test-management entities that flow
// through the migration pipeline. Source payloads are normalized into these
// records once, at the extraction boundary; everything downstream (batching,
// validation, transformation) works on them.
package domain

import "time"

// EntityType identifies a migratable entity family. It keys batch rows,
// mappings and progress counters.
type EntityType string

const (
	EntityFolders        EntityType = "folders"
	EntityTestCases      EntityType = "test_cases"
	EntityTestCycles     EntityType = "test_cycles"
	EntityTestExecutions EntityType = "test_executions"
)

// ValidEntityTypes returns all entity types in extraction order.
func ValidEntityTypes() []EntityType {
	return []EntityType{EntityFolders, EntityTestCases, EntityTestCycles, EntityTestExecutions}
}

// IsValidEntityType returns true if t is a known entity type.
func IsValidEntityType(t EntityType) bool {
	switch t {
	case EntityFolders, EntityTestCases, EntityTestCycles, EntityTestExecutions:
		return true
	default:
		return false
	}
}

// Project is the root anchor for a migration; one active migration per key.
type Project struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// FolderKind classifies what a folder contains.
type FolderKind string

const (
	FolderTestCase  FolderKind = "TEST_CASE"
	FolderTestPlan  FolderKind = "TEST_PLAN"
	FolderTestCycle FolderKind = "TEST_CYCLE"
)

// Folder is one node of the per-project folder forest. ParentID is empty for
// roots; parents always precede children in extraction order.
type Folder struct {
	ID         string     `json:"id"`
	ProjectKey string     `json:"project_key"`
	ParentID   string     `json:"parent_id,omitempty"`
	Name       string     `json:"name"`
	Kind       FolderKind `json:"kind"`
}

// TestStep is one ordered step of a test case. Order is 1-based.
type TestStep struct {
	ID             string `json:"id"`
	TestCaseID     string `json:"test_case_id"`
	Order          int    `json:"order"`
	Description    string `json:"description"`
	ExpectedResult string `json:"expected_result,omitempty"`
	TestData       string `json:"test_data,omitempty"`
}

// TestCase is a source test case with its steps and attachments inlined.
type TestCase struct {
	ID           string       `json:"id"`
	Key          string       `json:"key"`
	ProjectKey   string       `json:"project_key"`
	FolderID     string       `json:"folder_id,omitempty"`
	Name         string       `json:"name"`
	Objective    string       `json:"objective,omitempty"`
	Precondition string       `json:"precondition,omitempty"`
	Priority     string       `json:"priority,omitempty"`
	Status       string       `json:"status,omitempty"`
	Steps        []TestStep   `json:"steps,omitempty"`
	CustomFields Fields       `json:"custom_fields,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// SizeHint weighs a test case for size-based batching: the case itself plus
// its steps and attachments.
func (tc *TestCase) SizeHint() int {
	return 1 + len(tc.Steps) + len(tc.Attachments)
}

// TestCycle groups executions; dates are optional planning metadata.
type TestCycle struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	ProjectKey   string     `json:"project_key"`
	FolderID     string     `json:"folder_id,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	PlannedStart *time.Time `json:"planned_start,omitempty"`
	PlannedEnd   *time.Time `json:"planned_end,omitempty"`
	Status       string     `json:"status,omitempty"`
	CustomFields Fields     `json:"custom_fields,omitempty"`
}

// StepResult is the outcome of a single step within an execution. A missing
// Status inherits the execution's overall status at transform time.
type StepResult struct {
	Order        int    `json:"order"`
	Status       string `json:"status,omitempty"`
	ActualResult string `json:"actual_result,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// TestExecution is one run of a test case within a cycle.
type TestExecution struct {
	ID           string       `json:"id"`
	ProjectKey   string       `json:"project_key"`
	TestCycleID  string       `json:"test_cycle_id"`
	TestCaseID   string       `json:"test_case_id"`
	Status       string       `json:"status,omitempty"`
	ExecutedBy   string       `json:"executed_by,omitempty"`
	Environment  string       `json:"environment,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	StepResults  []StepResult `json:"step_results,omitempty"`
	CustomFields Fields       `json:"custom_fields,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// SizeHint weighs an execution for size-based batching.
func (te *TestExecution) SizeHint() int {
	return 1 + len(te.StepResults) + len(te.Attachments)
}

// RelatedType identifies what an attachment hangs off.
type RelatedType string

const (
	RelatedTestCase      RelatedType = "TestCase"
	RelatedTestExecution RelatedType = "TestExecution"
	RelatedTestStep      RelatedType = "TestStep"
)

// Attachment is binary content related to a case, execution or step.
// Content is populated when the bytes were streamed from the source;
// otherwise ContentURL points at the origin.
type Attachment struct {
	ID          string      `json:"id"`
	RelatedType RelatedType `json:"related_type"`
	RelatedID   string      `json:"related_id"`
	Filename    string      `json:"filename"`
	Size        int64       `json:"size"`
	ContentURL  string      `json:"content_url,omitempty"`
	Content     []byte      `json:"-"`
}
