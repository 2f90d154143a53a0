package transform

import (
	"sort"

	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/qtest"
)

// Project shapes the target project row. The id comes from target
// config; name and description are copied from the source.
func Project(p *domain.Project, targetID int64) *qtest.Project {
	return &qtest.Project{
		ID:          targetID,
		Name:        p.Name,
		Description: p.Description,
	}
}

// Module shapes a folder into a target module payload. The parent
// module id is resolved by the caller from the folder mapping; zero
// means root.
func Module(f *domain.Folder, parentModuleID int64) *qtest.Module {
	return &qtest.Module{
		ParentID: parentModuleID,
		Name:     f.Name,
	}
}

// CombineTestData merges a step's test data into its description in
// the form "<desc>\n\nTest Data: <data>".
func CombineTestData(description, testData string) string {
	if testData == "" {
		return description
	}
	if description == "" {
		return "Test Data: " + testData
	}
	return description + "\n\nTest Data: " + testData
}

// Steps converts source steps into target steps ordered by their
// source order and renumbered contiguously from 1.
func Steps(steps []domain.TestStep) []qtest.TestStep {
	if len(steps) == 0 {
		return nil
	}
	sorted := append([]domain.TestStep(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	out := make([]qtest.TestStep, len(sorted))
	for i, s := range sorted {
		out[i] = qtest.TestStep{
			Order:       i + 1,
			Description: CombineTestData(s.Description, s.TestData),
			Expected:    s.ExpectedResult,
		}
	}
	return out
}

// Case shapes a test case into a target payload: priority translated
// through the table, steps converted, custom fields mapped to
// properties, and the module reference attached.
func Case(tc *domain.TestCase, moduleID int64, fm *FieldMapper) *qtest.TestCase {
	return &qtest.TestCase{
		ParentID:     moduleID,
		Name:         tc.Name,
		Description:  tc.Objective,
		Precondition: tc.Precondition,
		PriorityID:   MapPriority(tc.Priority),
		Properties:   fm.Map(tc.CustomFields),
		Steps:        Steps(tc.Steps),
	}
}

// Cycle shapes a test cycle into a target payload, preserving planned
// dates.
func Cycle(cy *domain.TestCycle, moduleID int64, fm *FieldMapper) *qtest.TestCycle {
	return &qtest.TestCycle{
		ParentID:    moduleID,
		Name:        cy.Name,
		Description: cy.Description,
		StartDate:   cy.PlannedStart,
		EndDate:     cy.PlannedEnd,
		Properties:  fm.Map(cy.CustomFields),
	}
}

// Run shapes an execution into a target run binding the mapped case
// and cycle ids. The run is named after its case.
func Run(te *domain.TestExecution, caseName string, caseID, cycleID int64, fm *FieldMapper) *qtest.TestRun {
	name := caseName
	if name == "" {
		name = te.ID
	}
	return &qtest.TestRun{
		Name:        name,
		TestCaseID:  caseID,
		TestCycleID: cycleID,
		Properties:  fm.Map(te.CustomFields),
	}
}

// Log shapes an execution's outcome into a target test log. Step
// results missing a status inherit the execution's overall status.
func Log(te *domain.TestExecution) *qtest.TestLog {
	overall := MapStatus(te.Status)
	log := &qtest.TestLog{
		Status:     overall,
		ExecutedBy: te.ExecutedBy,
		Note:       te.Comment,
	}
	for i, sr := range te.StepResults {
		status := overall
		if sr.Status != "" {
			status = MapStatus(sr.Status)
		}
		order := sr.Order
		if order == 0 {
			order = i + 1
		}
		log.StepLogs = append(log.StepLogs, qtest.StepLog{
			Order:        order,
			Status:       status,
			ActualResult: sr.ActualResult,
		})
	}
	return log
}
