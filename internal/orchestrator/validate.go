package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/tmig/internal/domain"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/state"
	"github.com/randalmurphal/tmig/internal/validation"
)

// hookPhases names the rule phases that run after each ETL phase.
// Rules for pre_migration anchor after extract: that is the first
// point the extracted source data they inspect exists in the store.
var hookPhases = map[Phase][]validation.Phase{
	PhaseExtract:   {validation.PhasePreMigration, validation.PhaseExtraction},
	PhaseTransform: {validation.PhaseTransformation},
	PhaseLoad:      {validation.PhaseLoading},
}

// postPhaseValidation runs the rule phases hooked to ph and stops the
// run when they surface critical findings. Error and warning findings
// persist but let the run continue to the closing validate.
func (o *Orchestrator) postPhaseValidation(ctx context.Context, v *validation.Manager, ph Phase) error {
	if v == nil {
		return nil
	}
	for _, vp := range hookPhases[ph] {
		if err := o.validatePass(ctx, v, vp); err != nil {
			return fmt.Errorf("validation after %s: %w", ph, err)
		}
	}
	if err := v.Flush(ctx); err != nil {
		o.log.Warn("could not persist validation issues", "error", err)
	}
	if v.HasCriticalIssues() {
		err := migerrors.ErrValidationBlocked(v.CountByLevel(validation.LevelCritical))
		o.log.Error("critical validation issues, stopping run", "phase", ph)
		o.pub.Publish(events.PhaseFailed(o.cfg.ProjectKey, string(PhaseValidate), err))
		return err
	}
	return nil
}

// runValidate executes the post-migration rule phase, persists a
// report, and reconciles the loading status with what the rules found.
func (o *Orchestrator) runValidate(ctx context.Context, m *state.Machine, v *validation.Manager) error {
	key := o.cfg.ProjectKey
	if v == nil {
		o.log.Info("validation disabled, skipping")
		o.pub.Publish(events.PhaseSkipped(key, string(PhaseValidate)))
		return nil
	}

	o.pub.Publish(events.PhaseStarted(key, string(PhaseValidate)))
	start := time.Now()

	if err := o.validatePass(ctx, v, validation.PhasePostMigration); err != nil {
		o.pub.Publish(events.PhaseFailed(key, string(PhaseValidate), err))
		return fmt.Errorf("validate: %w", err)
	}
	if err := v.Flush(ctx); err != nil {
		o.log.Warn("could not persist validation issues", "error", err)
	}
	o.met.ObservePhase(string(PhaseValidate), time.Since(start))

	report := v.BuildReport(key, validation.ReportOptions{IncludeDetails: true})
	if _, err := v.SaveReport(ctx, report, validation.PhasePostMigration); err != nil {
		o.log.Warn("could not save validation report", "error", err)
	}
	o.writeReportFile(report)

	switch {
	case report.HasCriticalIssues:
		err := migerrors.ErrValidationBlocked(report.CriticalIssueCount)
		o.pub.Publish(events.PhaseFailed(key, string(PhaseValidate), err))
		return err
	case report.HasErrorIssues:
		msg := fmt.Sprintf("%d error-level validation issues found", report.ErrorIssueCount)
		o.log.Warn("validation found errors", "issues", report.ErrorIssueCount)
		if m.LoadingStatus() == state.StatusCompleted {
			if err := m.UpdateLoadingStatus(state.StatusPartial, errors.New(msg)); err != nil {
				return err
			}
		}
		o.pub.Publish(events.PhasePartial(key, string(PhaseValidate), msg))
		return nil
	default:
		o.log.Info("validation passed", "issues", report.TotalIssues)
		o.pub.Publish(events.PhaseCompleted(key, string(PhaseValidate)))
		return nil
	}
}

func (o *Orchestrator) writeReportFile(report *validation.Report) {
	if o.cfg.OutputDir == "" {
		return
	}
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		o.log.Warn("could not create output directory", "dir", o.cfg.OutputDir, "error", err)
		return
	}
	name := fmt.Sprintf("validation_%s_%s.json",
		o.cfg.ProjectKey, report.GeneratedAt.UTC().Format("20060102T150405Z"))
	path := filepath.Join(o.cfg.OutputDir, name)
	if err := report.WriteFile(path); err != nil {
		o.log.Warn("could not write validation report file", "path", path, "error", err)
		return
	}
	o.log.Info("validation report written", "path", path)
}

// validatePass runs every registered scope for one rule phase against
// the entities in the store. Scopes with no enabled rules for the
// phase are not loaded at all.
func (o *Orchestrator) validatePass(ctx context.Context, v *validation.Manager, phase validation.Phase) error {
	reg := v.Registry()
	ps := string(phase)
	has := func(scope validation.Scope) bool {
		return len(reg.RulesFor(scope, ps)) > 0
	}
	base := validation.Context{Store: o.project, FieldMapper: o.fields}
	post := phase == validation.PhasePostMigration

	var project *domain.Project
	if has(validation.ScopeProject) || has(validation.ScopeRelationship) ||
		has(validation.ScopeSystem) || has(validation.ScopeDatabase) {
		p, err := o.project.GetProject()
		if err != nil {
			return fmt.Errorf("load project: %w", err)
		}
		if p == nil {
			return migerrors.ErrProjectNotFound(o.cfg.ProjectKey)
		}
		project = p
	}

	if has(validation.ScopeProject) {
		vctx := base
		if _, err := v.Execute(ctx, project, validation.ScopeProject, ps, &vctx); err != nil {
			return err
		}
	}

	if has(validation.ScopeFolder) {
		folders, err := o.project.GetFolders()
		if err != nil {
			return fmt.Errorf("load folders: %w", err)
		}
		for _, f := range folders {
			vctx := base
			if _, err := v.Execute(ctx, f, validation.ScopeFolder, ps, &vctx); err != nil {
				return err
			}
		}
	}

	caseScopes := has(validation.ScopeTestCase) || has(validation.ScopeTestCaseStep) ||
		has(validation.ScopeCustomField) || has(validation.ScopeAttachment)
	var cases []*domain.TestCase
	if caseScopes {
		var err error
		cases, err = o.project.GetTestCases()
		if err != nil {
			return fmt.Errorf("load test cases: %w", err)
		}
	}

	if has(validation.ScopeTestCase) {
		siblings := make([]any, len(cases))
		for i, tc := range cases {
			siblings[i] = tc
		}
		var targets map[string]map[string]any
		if post {
			var err error
			targets, err = o.transformedCaseDocs()
			if err != nil {
				return err
			}
		}
		for _, tc := range cases {
			vctx := base
			vctx.Siblings = siblings
			if post {
				// A case without a transformed row compares against an
				// empty document, so the name check reports the loss.
				vctx.SourceEntity = tc
				vctx.TargetEntity = orEmpty(targets[tc.ID])
			}
			if _, err := v.Execute(ctx, tc, validation.ScopeTestCase, ps, &vctx); err != nil {
				return err
			}
		}
	}

	if has(validation.ScopeTestCaseStep) {
		for _, tc := range cases {
			for i := range tc.Steps {
				vctx := base
				if _, err := v.Execute(ctx, &tc.Steps[i], validation.ScopeTestCaseStep, ps, &vctx); err != nil {
					return err
				}
			}
		}
	}

	if has(validation.ScopeTestCycle) {
		cycles, err := o.project.GetTestCycles()
		if err != nil {
			return fmt.Errorf("load test cycles: %w", err)
		}
		var targets map[string]map[string]any
		if post {
			targets, err = o.transformedCycleDocs()
			if err != nil {
				return err
			}
		}
		for _, cy := range cycles {
			vctx := base
			if post {
				vctx.SourceEntity = cy
				vctx.TargetEntity = orEmpty(targets[cy.ID])
			}
			if _, err := v.Execute(ctx, cy, validation.ScopeTestCycle, ps, &vctx); err != nil {
				return err
			}
		}
	}

	execScopes := has(validation.ScopeTestExecution) || has(validation.ScopeCustomField) ||
		has(validation.ScopeAttachment)
	var executions []*domain.TestExecution
	if execScopes {
		var err error
		executions, err = o.project.GetTestExecutions()
		if err != nil {
			return fmt.Errorf("load test executions: %w", err)
		}
	}

	if has(validation.ScopeTestExecution) {
		var targets map[string]map[string]any
		if post {
			var err error
			targets, err = o.transformedRunDocs()
			if err != nil {
				return err
			}
		}
		for _, ex := range executions {
			vctx := base
			if post {
				vctx.SourceEntity = ex
				vctx.TargetEntity = orEmpty(targets[ex.ID])
			}
			if _, err := v.Execute(ctx, ex, validation.ScopeTestExecution, ps, &vctx); err != nil {
				return err
			}
		}
	}

	if has(validation.ScopeAttachment) {
		for _, tc := range cases {
			if err := o.validateAttachments(ctx, v, ps, base, domain.RelatedTestCase, tc.ID); err != nil {
				return err
			}
		}
		for _, ex := range executions {
			if err := o.validateAttachments(ctx, v, ps, base, domain.RelatedTestExecution, ex.ID); err != nil {
				return err
			}
		}
	}

	if has(validation.ScopeCustomField) {
		for _, tc := range cases {
			vctx := base
			if _, err := v.Execute(ctx, tc, validation.ScopeCustomField, ps, &vctx); err != nil {
				return err
			}
		}
		for _, ex := range executions {
			vctx := base
			if _, err := v.Execute(ctx, ex, validation.ScopeCustomField, ps, &vctx); err != nil {
				return err
			}
		}
	}

	for _, scope := range []validation.Scope{validation.ScopeRelationship,
		validation.ScopeSystem, validation.ScopeDatabase} {
		if !has(scope) {
			continue
		}
		vctx := base
		if _, err := v.Execute(ctx, project, scope, ps, &vctx); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) validateAttachments(ctx context.Context, v *validation.Manager, ps string,
	base validation.Context, related domain.RelatedType, relatedID string) error {
	atts, err := o.project.ListAttachmentRecords(related, relatedID)
	if err != nil {
		return fmt.Errorf("load attachments for %s %s: %w", related, relatedID, err)
	}
	for i := range atts {
		vctx := base
		if _, err := v.Execute(ctx, &atts[i], validation.ScopeAttachment, ps, &vctx); err != nil {
			return err
		}
	}
	return nil
}

// transformedCaseDocs loads the transformed test case payloads keyed
// by source id, decoded for field-level comparison.
func (o *Orchestrator) transformedCaseDocs() (map[string]map[string]any, error) {
	rows, err := o.project.GetTransformedTestCases()
	if err != nil {
		return nil, fmt.Errorf("load transformed test cases: %w", err)
	}
	docs := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		doc := map[string]any{}
		if err := json.Unmarshal(row.Payload, &doc); err != nil {
			return nil, fmt.Errorf("decode transformed test case %s: %w", row.SourceID, err)
		}
		docs[row.SourceID] = doc
	}
	return docs, nil
}

func (o *Orchestrator) transformedCycleDocs() (map[string]map[string]any, error) {
	rows, err := o.project.GetTransformedTestCycles()
	if err != nil {
		return nil, fmt.Errorf("load transformed test cycles: %w", err)
	}
	docs := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		doc := map[string]any{}
		if err := json.Unmarshal(row.Payload, &doc); err != nil {
			return nil, fmt.Errorf("decode transformed test cycle %s: %w", row.SourceID, err)
		}
		docs[row.SourceID] = doc
	}
	return docs, nil
}

// transformedRunDocs merges each run payload with its log payload so
// status rules see the executed status next to the run fields.
func (o *Orchestrator) transformedRunDocs() (map[string]map[string]any, error) {
	rows, err := o.project.GetTransformedTestRuns()
	if err != nil {
		return nil, fmt.Errorf("load transformed test runs: %w", err)
	}
	docs := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		doc := map[string]any{}
		if err := json.Unmarshal(row.Payload, &doc); err != nil {
			return nil, fmt.Errorf("decode transformed test run %s: %w", row.SourceExecutionID, err)
		}
		if len(row.LogPayload) > 0 {
			logDoc := map[string]any{}
			if err := json.Unmarshal(row.LogPayload, &logDoc); err != nil {
				return nil, fmt.Errorf("decode transformed test log %s: %w", row.SourceExecutionID, err)
			}
			for k, val := range logDoc {
				if _, exists := doc[k]; !exists {
					doc[k] = val
				}
			}
		}
		docs[row.SourceExecutionID] = doc
	}
	return docs, nil
}

func orEmpty(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	return doc
}
