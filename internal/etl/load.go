package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/randalmurphal/tmig/internal/batch"
	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/qtest"
	"github.com/randalmurphal/tmig/internal/util"
)

// Load runs the load phase: modules level by level, then test cases,
// cycles and executions. Every created target entity is recorded as an
// entity mapping the moment its id is known; mapped entities are
// skipped on re-runs.
func (e *Executor) Load(ctx context.Context) (PhaseOutcome, error) {
	out := PhaseOutcome{}
	ops := []struct {
		entity domain.EntityType
		run    func(context.Context) (Result, error)
	}{
		{domain.EntityFolders, e.LoadModules},
		{domain.EntityTestCases, e.LoadTestCases},
		{domain.EntityTestCycles, e.LoadTestCycles},
		{domain.EntityTestExecutions, e.LoadTestExecutions},
	}
	for _, op := range ops {
		res, err := op.run(ctx)
		if err != nil {
			return out, fmt.Errorf("load %s: %w", op.entity, err)
		}
		out[op.entity] = res
	}
	return out, nil
}

// levelStrategy partitions transformed modules into one batch per BFS
// level. Levels run in order so parent modules exist before their
// children load; within a level modules load concurrently.
type levelStrategy struct{}

func (levelStrategy) Name() string { return "module_level" }

func (levelStrategy) Partition(items []db.TransformedModule) [][]db.TransformedModule {
	var batches [][]db.TransformedModule
	for _, m := range items {
		if n := len(batches); n == 0 || batches[n-1][0].Level != m.Level {
			batches = append(batches, []db.TransformedModule{m})
		} else {
			batches[n-1] = append(batches[n-1], m)
		}
	}
	return batches
}

var _ batch.Strategy[db.TransformedModule] = levelStrategy{}

// LoadModules creates target modules from the transformed folder rows,
// one batch per BFS level, roots first.
func (e *Executor) LoadModules(ctx context.Context) (Result, error) {
	rows, err := e.store.GetTransformedModules()
	if err != nil {
		return Result{}, err
	}

	return runBatches(ctx, e, "load", domain.EntityFolders, levelStrategy{}, rows,
		func(ctx context.Context, items []db.TransformedModule) tally {
			return forEachParallel(ctx, e, items, e.loadOneModule)
		})
}

func (e *Executor) loadOneModule(ctx context.Context, row db.TransformedModule) error {
	if _, ok, err := e.store.GetMappedTargetID(db.MappingFolderToModule, row.SourceFolderID); err != nil {
		return err
	} else if ok {
		e.log.Debug("module already mapped, skipping", "source_folder_id", row.SourceFolderID)
		return errSkipped
	}

	var module qtest.Module
	if err := json.Unmarshal(row.Payload, &module); err != nil {
		return opError("decode module payload", row.SourceFolderID, err)
	}
	if row.ParentSourceID != "" {
		parentID, ok, err := e.store.GetMappedTargetID(db.MappingFolderToModule, row.ParentSourceID)
		if err != nil {
			return err
		}
		if !ok {
			e.log.Warn("parent module not mapped, attaching to project root",
				"source_folder_id", row.SourceFolderID, "parent_source_id", row.ParentSourceID)
		}
		module.ParentID = parentID
	}

	var created *qtest.Module
	err := e.retry.Do(ctx, "target.CreateModule", func() error {
		var err error
		created, err = e.target.CreateModule(ctx, &module)
		return err
	})
	if err != nil {
		return opError("create module", row.SourceFolderID, err)
	}
	return e.saveMapping(db.MappingFolderToModule, row.SourceFolderID, created.ID)
}

// LoadTestCases creates target test cases from the transformed rows.
// Cases in a batch load concurrently; each case's attachments upload
// sequentially after it is created and mapped.
func (e *Executor) LoadTestCases(ctx context.Context) (Result, error) {
	rows, err := e.store.GetTransformedTestCases()
	if err != nil {
		return Result{}, err
	}

	return runBatches(ctx, e, "load", domain.EntityTestCases,
		batch.NewFixed[db.TransformedEntity](e.batchSize), rows,
		func(ctx context.Context, items []db.TransformedEntity) tally {
			return forEachParallel(ctx, e, items, e.loadOneCase)
		})
}

func (e *Executor) loadOneCase(ctx context.Context, row db.TransformedEntity) error {
	if _, ok, err := e.store.GetMappedTargetID(db.MappingCaseToCase, row.SourceID); err != nil {
		return err
	} else if ok {
		e.log.Debug("test case already mapped, skipping", "source_id", row.SourceID)
		return errSkipped
	}

	var tc qtest.TestCase
	if err := json.Unmarshal(row.Payload, &tc); err != nil {
		return opError("decode test case payload", row.SourceID, err)
	}
	moduleID, err := e.moduleFor(row.SourceFolderID, row.SourceID)
	if err != nil {
		return err
	}
	tc.ParentID = moduleID

	var created *qtest.TestCase
	err = e.retry.Do(ctx, "target.CreateTestCase", func() error {
		var err error
		created, err = e.target.CreateTestCase(ctx, &tc)
		return err
	})
	if err != nil {
		return opError("create test case", row.SourceID, err)
	}
	if err := e.saveMapping(db.MappingCaseToCase, row.SourceID, created.ID); err != nil {
		return err
	}
	return e.uploadAttachments(ctx, domain.RelatedTestCase, row.SourceID, "tc", qtest.ObjectTestCase, created.ID)
}

// LoadTestCycles creates target test cycles from the transformed rows.
func (e *Executor) LoadTestCycles(ctx context.Context) (Result, error) {
	rows, err := e.store.GetTransformedTestCycles()
	if err != nil {
		return Result{}, err
	}

	return runBatches(ctx, e, "load", domain.EntityTestCycles,
		batch.NewFixed[db.TransformedEntity](e.batchSize), rows,
		func(ctx context.Context, items []db.TransformedEntity) tally {
			return forEachParallel(ctx, e, items, e.loadOneCycle)
		})
}

func (e *Executor) loadOneCycle(ctx context.Context, row db.TransformedEntity) error {
	if _, ok, err := e.store.GetMappedTargetID(db.MappingCycleToCycle, row.SourceID); err != nil {
		return err
	} else if ok {
		e.log.Debug("test cycle already mapped, skipping", "source_id", row.SourceID)
		return errSkipped
	}

	var cy qtest.TestCycle
	if err := json.Unmarshal(row.Payload, &cy); err != nil {
		return opError("decode test cycle payload", row.SourceID, err)
	}
	moduleID, err := e.moduleFor(row.SourceFolderID, row.SourceID)
	if err != nil {
		return err
	}
	cy.ParentID = moduleID

	var created *qtest.TestCycle
	err = e.retry.Do(ctx, "target.CreateTestCycle", func() error {
		var err error
		created, err = e.target.CreateTestCycle(ctx, &cy)
		return err
	})
	if err != nil {
		return opError("create test cycle", row.SourceID, err)
	}
	return e.saveMapping(db.MappingCycleToCycle, row.SourceID, created.ID)
}

// LoadTestExecutions creates a target run and submits its result log
// for every transformed execution. Executions whose case or cycle never
// got a mapping are skipped with a warning.
func (e *Executor) LoadTestExecutions(ctx context.Context) (Result, error) {
	rows, err := e.store.GetTransformedTestRuns()
	if err != nil {
		return Result{}, err
	}

	return runBatches(ctx, e, "load", domain.EntityTestExecutions,
		batch.NewFixed[db.TransformedRun](e.batchSize), rows,
		func(ctx context.Context, items []db.TransformedRun) tally {
			return forEachParallel(ctx, e, items, e.loadOneRun)
		})
}

func (e *Executor) loadOneRun(ctx context.Context, row db.TransformedRun) error {
	if _, ok, err := e.store.GetMappedTargetID(db.MappingExecutionToRun, row.SourceExecutionID); err != nil {
		return err
	} else if ok {
		e.log.Debug("execution already mapped, skipping", "source_execution_id", row.SourceExecutionID)
		return errSkipped
	}

	caseID, caseOK, err := e.store.GetMappedTargetID(db.MappingCaseToCase, row.SourceCaseID)
	if err != nil {
		return err
	}
	cycleID, cycleOK, err := e.store.GetMappedTargetID(db.MappingCycleToCycle, row.SourceCycleID)
	if err != nil {
		return err
	}
	if !caseOK || !cycleOK {
		e.log.Warn("execution missing case or cycle mapping, skipping",
			"source_execution_id", row.SourceExecutionID,
			"source_case_id", row.SourceCaseID, "case_mapped", caseOK,
			"source_cycle_id", row.SourceCycleID, "cycle_mapped", cycleOK)
		return errSkipped
	}

	var run qtest.TestRun
	if err := json.Unmarshal(row.Payload, &run); err != nil {
		return opError("decode test run payload", row.SourceExecutionID, err)
	}
	run.TestCaseID = caseID
	run.TestCycleID = cycleID

	var created *qtest.TestRun
	err = e.retry.Do(ctx, "target.CreateTestRun", func() error {
		var err error
		created, err = e.target.CreateTestRun(ctx, &run)
		return err
	})
	if err != nil {
		return opError("create test run", row.SourceExecutionID, err)
	}

	var tlog qtest.TestLog
	if err := json.Unmarshal(row.LogPayload, &tlog); err != nil {
		return opError("decode test log payload", row.SourceExecutionID, err)
	}
	err = e.retry.Do(ctx, "target.SubmitTestLog", func() error {
		return e.target.SubmitTestLog(ctx, created.ID, &tlog)
	})
	if err != nil {
		return opError("submit test log for execution", row.SourceExecutionID, err)
	}

	if err := e.saveMapping(db.MappingExecutionToRun, row.SourceExecutionID, created.ID); err != nil {
		return err
	}
	return e.uploadAttachments(ctx, domain.RelatedTestExecution, row.SourceExecutionID, "exec", qtest.ObjectTestRun, created.ID)
}

// saveMapping records a created target entity. The mapping row is the
// idempotency point: once present, re-runs skip the entity.
func (e *Executor) saveMapping(mt db.MappingType, sourceID string, targetID int64) error {
	return e.store.SaveEntityMapping(&db.EntityMapping{
		MappingType: mt,
		SourceID:    sourceID,
		TargetID:    targetID,
	})
}

// moduleFor resolves the target module a loaded entity belongs in. An
// empty or unmapped folder reference falls back to the project root.
func (e *Executor) moduleFor(folderID, entityID string) (int64, error) {
	if folderID == "" {
		return 0, nil
	}
	id, ok, err := e.store.GetMappedTargetID(db.MappingFolderToModule, folderID)
	if err != nil {
		return 0, err
	}
	if !ok {
		e.log.Warn("folder not mapped to a module, loading at project root",
			"source_folder_id", folderID, "entity_id", entityID)
		return 0, nil
	}
	return id, nil
}

// uploadAttachments pushes an entity's stored attachment bytes to the
// target one by one. When an attachments dir is configured the bytes
// are also staged on disk under the prefix_sourceID_filename layout.
func (e *Executor) uploadAttachments(ctx context.Context, rt domain.RelatedType, sourceID, prefix string, objType qtest.ObjectType, objectID int64) error {
	atts, err := e.store.GetAttachments(rt, sourceID)
	if err != nil {
		return err
	}
	for i := range atts {
		att := &atts[i]
		if att.Content == nil {
			e.log.Warn("attachment content never downloaded, skipping upload",
				"related_id", sourceID, "filename", att.Filename)
			continue
		}
		if e.attachmentsDir != "" {
			if err := e.stageAttachment(prefix, sourceID, att); err != nil {
				return opError("stage attachment for", sourceID, err)
			}
		}
		err := e.retry.Do(ctx, "target.UploadAttachment", func() error {
			return e.target.UploadAttachment(ctx, objType, objectID, att.Filename, bytes.NewReader(att.Content))
		})
		if err != nil {
			return opError("upload attachment for", sourceID, err)
		}
	}
	return nil
}

// stageAttachment writes attachment bytes under the attachments dir.
func (e *Executor) stageAttachment(prefix, sourceID string, att *domain.Attachment) error {
	if err := os.MkdirAll(e.attachmentsDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%s", prefix, sourceID, att.Filename)
	return util.AtomicWriteFile(filepath.Join(e.attachmentsDir, name), att.Content, 0o644)
}
