package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/batch"
	"github.com/randalmurphal/tmig/internal/domain"
)

// Extract runs the extract phase: the project row first, then folders,
// test cases, cycles and executions in dependency order. Per-entity
// failures land in the outcome; a returned error means the phase could
// not run at all.
func (e *Executor) Extract(ctx context.Context) (PhaseOutcome, error) {
	if _, err := e.ExtractProject(ctx); err != nil {
		return nil, err
	}

	out := PhaseOutcome{}
	ops := []struct {
		entity domain.EntityType
		run    func(context.Context) (Result, error)
	}{
		{domain.EntityFolders, e.ExtractFolders},
		{domain.EntityTestCases, e.ExtractTestCases},
		{domain.EntityTestCycles, e.ExtractTestCycles},
		{domain.EntityTestExecutions, e.ExtractTestExecutions},
	}
	for _, op := range ops {
		res, err := op.run(ctx)
		if err != nil {
			return out, fmt.Errorf("extract %s: %w", op.entity, err)
		}
		out[op.entity] = res
	}
	return out, nil
}

// ExtractProject fetches the source project and persists its row.
// Everything else hangs off it, so a failure here fails the phase.
func (e *Executor) ExtractProject(ctx context.Context) (*domain.Project, error) {
	key := e.store.ProjectKey()
	var project *domain.Project
	err := e.retry.Do(ctx, "source.GetProject", func() error {
		var err error
		project, err = e.source.GetProject(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch project %s: %w", key, err)
	}
	if err := e.store.SaveProject(project); err != nil {
		return nil, err
	}
	e.log.Info("project extracted", "project_key", project.Key, "name", project.Name)
	return project, nil
}

// ExtractFolders lists source folders and persists them batch-wise, one
// store transaction per batch.
func (e *Executor) ExtractFolders(ctx context.Context) (Result, error) {
	if err := e.ensureIncremental(ctx); err != nil {
		return Result{}, err
	}
	var folders []*domain.Folder
	err := e.retry.Do(ctx, "source.GetFolders", func() error {
		var err error
		folders, err = e.source.GetFolders(ctx)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("list folders: %w", err)
	}
	if e.inc != nil {
		folders = filterByID(folders, e.inc.folders, func(f *domain.Folder) string { return f.ID })
	}

	return runBatches(ctx, e, "extract", domain.EntityFolders,
		batch.NewFixed[*domain.Folder](e.batchSize), folders,
		func(ctx context.Context, items []*domain.Folder) tally {
			var tl tally
			if err := e.store.SaveFolders(ctx, items); err != nil {
				tl.failed = len(items)
				tl.firstErr = err
				return tl
			}
			tl.ok = len(items)
			return tl
		})
}

// ExtractTestCases extracts each listed case: ordered steps come from a
// per-case sub-request, attachment bytes stream from the source, and
// the case persists atomically with its steps and attachment records.
func (e *Executor) ExtractTestCases(ctx context.Context) (Result, error) {
	if err := e.ensureIncremental(ctx); err != nil {
		return Result{}, err
	}
	cases, err := e.listTestCases(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list test cases: %w", err)
	}
	if e.inc != nil {
		cases = filterByID(cases, e.inc.cases, func(tc *domain.TestCase) string { return tc.ID })
	}

	return runBatches(ctx, e, "extract", domain.EntityTestCases,
		batch.NewSize[*domain.TestCase](e.batchSize, nil), cases,
		func(ctx context.Context, items []*domain.TestCase) tally {
			return forEachParallel(ctx, e, items, e.extractOneCase)
		})
}

func (e *Executor) extractOneCase(ctx context.Context, tc *domain.TestCase) error {
	err := e.retry.Do(ctx, "source.GetTestSteps", func() error {
		steps, err := e.source.GetTestSteps(ctx, tc.ID)
		if err != nil {
			return err
		}
		tc.Steps = steps
		return nil
	})
	if err != nil {
		return opError("fetch steps for case", tc.ID, err)
	}

	for i := range tc.Attachments {
		if err := e.downloadAttachment(ctx, &tc.Attachments[i]); err != nil {
			return opError("download attachment for case", tc.ID, err)
		}
	}

	if err := e.store.SaveTestCase(ctx, tc); err != nil {
		return err
	}
	return e.saveAttachmentContent(ctx, domain.RelatedTestCase, tc.ID, tc.Attachments)
}

// ExtractTestCycles lists source cycles and persists them batch-wise.
func (e *Executor) ExtractTestCycles(ctx context.Context) (Result, error) {
	if err := e.ensureIncremental(ctx); err != nil {
		return Result{}, err
	}
	var cycles []*domain.TestCycle
	err := e.retry.Do(ctx, "source.GetTestCycles", func() error {
		var err error
		cycles, err = e.source.GetTestCycles(ctx)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("list test cycles: %w", err)
	}
	if e.inc != nil {
		cycles = filterByID(cycles, e.inc.cycles, func(cy *domain.TestCycle) string { return cy.ID })
	}

	return runBatches(ctx, e, "extract", domain.EntityTestCycles,
		batch.NewFixed[*domain.TestCycle](e.batchSize), cycles,
		func(ctx context.Context, items []*domain.TestCycle) tally {
			var tl tally
			if err := e.store.SaveTestCycles(ctx, items); err != nil {
				tl.failed = len(items)
				tl.firstErr = err
				return tl
			}
			tl.ok = len(items)
			return tl
		})
}

// ExtractTestExecutions extracts executions with their step results
// inline and their attachment bytes streamed from the source.
func (e *Executor) ExtractTestExecutions(ctx context.Context) (Result, error) {
	if err := e.ensureIncremental(ctx); err != nil {
		return Result{}, err
	}
	executions, err := e.listExecutions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list test executions: %w", err)
	}
	if e.inc != nil {
		executions = filterByID(executions, e.inc.executions, func(te *domain.TestExecution) string { return te.ID })
	}

	return runBatches(ctx, e, "extract", domain.EntityTestExecutions,
		batch.NewSize[*domain.TestExecution](e.batchSize, nil), executions,
		func(ctx context.Context, items []*domain.TestExecution) tally {
			return forEachParallel(ctx, e, items, e.extractOneExecution)
		})
}

func (e *Executor) extractOneExecution(ctx context.Context, te *domain.TestExecution) error {
	for i := range te.Attachments {
		if err := e.downloadAttachment(ctx, &te.Attachments[i]); err != nil {
			return opError("download attachment for execution", te.ID, err)
		}
	}
	if err := e.store.SaveTestExecution(ctx, te); err != nil {
		return err
	}
	return e.saveAttachmentContent(ctx, domain.RelatedTestExecution, te.ID, te.Attachments)
}

// downloadAttachment fills in one attachment's bytes unless they are
// already present or the record carries no source id to fetch by.
func (e *Executor) downloadAttachment(ctx context.Context, att *domain.Attachment) error {
	if len(att.Content) > 0 || att.ID == "" {
		return nil
	}
	return e.retry.Do(ctx, "source.DownloadAttachment", func() error {
		content, err := e.source.DownloadAttachment(ctx, att.ID)
		if err != nil {
			return err
		}
		att.Content = content
		att.Size = int64(len(content))
		return nil
	})
}

// saveAttachmentContent persists downloaded bytes for the records the
// entity save already wrote.
func (e *Executor) saveAttachmentContent(ctx context.Context, rt domain.RelatedType, relatedID string, atts []domain.Attachment) error {
	for i := range atts {
		if atts[i].Content == nil {
			continue
		}
		if err := e.store.SaveAttachment(ctx, rt, relatedID, &atts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) listTestCases(ctx context.Context) ([]*domain.TestCase, error) {
	if e.inc != nil && e.inc.caseList != nil {
		return e.inc.caseList, nil
	}
	var cases []*domain.TestCase
	err := e.retry.Do(ctx, "source.GetTestCases", func() error {
		var err error
		cases, err = e.source.GetTestCases(ctx)
		return err
	})
	return cases, err
}

func (e *Executor) listExecutions(ctx context.Context) ([]*domain.TestExecution, error) {
	if e.inc != nil && e.inc.execList != nil {
		return e.inc.execList, nil
	}
	var executions []*domain.TestExecution
	err := e.retry.Do(ctx, "source.GetTestExecutions", func() error {
		var err error
		executions, err = e.source.GetTestExecutions(ctx)
		return err
	})
	return executions, err
}

// incrementalSet narrows an incremental run to changed entities plus
// the dependencies later phases need: folders of changed test cases,
// and the cases and cycles changed executions reference.
type incrementalSet struct {
	folders    map[string]bool
	cases      map[string]bool
	cycles     map[string]bool
	executions map[string]bool

	// Listings walked during resolution, kept so the extract operations
	// do not list the source a second time.
	caseList []*domain.TestCase
	execList []*domain.TestExecution
}

// ensureIncremental resolves the incremental id sets once per run. Full
// runs leave e.inc nil and extraction covers everything.
func (e *Executor) ensureIncremental(ctx context.Context) error {
	if !e.incremental || e.inc != nil {
		return nil
	}

	changed := make(map[domain.EntityType]map[string]bool, 4)
	for _, entity := range domain.ValidEntityTypes() {
		var ids map[string]bool
		err := e.retry.Do(ctx, "source.ChangedIDs", func() error {
			var err error
			ids, err = e.source.ChangedIDs(ctx, entity, e.since)
			return err
		})
		if err != nil {
			return fmt.Errorf("changed %s since %s: %w", entity, e.since.Format(time.RFC3339), err)
		}
		if ids == nil {
			ids = map[string]bool{}
		}
		changed[entity] = ids
	}

	set := &incrementalSet{
		folders:    changed[domain.EntityFolders],
		cases:      changed[domain.EntityTestCases],
		cycles:     changed[domain.EntityTestCycles],
		executions: changed[domain.EntityTestExecutions],
	}

	var err error
	if set.execList, err = e.listExecutions(ctx); err != nil {
		return fmt.Errorf("resolve execution dependencies: %w", err)
	}
	for _, te := range set.execList {
		if !set.executions[te.ID] {
			continue
		}
		if te.TestCaseID != "" {
			set.cases[te.TestCaseID] = true
		}
		if te.TestCycleID != "" {
			set.cycles[te.TestCycleID] = true
		}
	}

	if set.caseList, err = e.listTestCases(ctx); err != nil {
		return fmt.Errorf("resolve case dependencies: %w", err)
	}
	for _, tc := range set.caseList {
		if set.cases[tc.ID] && tc.FolderID != "" {
			set.folders[tc.FolderID] = true
		}
	}

	e.inc = set
	e.log.Info("incremental scope resolved",
		"since", e.since,
		"folders", len(set.folders),
		"test_cases", len(set.cases),
		"test_cycles", len(set.cycles),
		"test_executions", len(set.executions))
	return nil
}
