package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/tmig/internal/batch"
	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/transform"
)

// Transform runs the transform phase over the extracted rows: the
// project first, then folders into leveled modules, cases, cycles and
// executions into run/log pairs. Payloads persist keyed by source id;
// target ids are resolved later, at load.
func (e *Executor) Transform(ctx context.Context) (PhaseOutcome, error) {
	if err := e.TransformProject(ctx); err != nil {
		return nil, err
	}

	out := PhaseOutcome{}
	ops := []struct {
		entity domain.EntityType
		run    func(context.Context) (Result, error)
	}{
		{domain.EntityFolders, e.TransformFolders},
		{domain.EntityTestCases, e.TransformTestCases},
		{domain.EntityTestCycles, e.TransformTestCycles},
		{domain.EntityTestExecutions, e.TransformTestExecutions},
	}
	for _, op := range ops {
		res, err := op.run(ctx)
		if err != nil {
			return out, fmt.Errorf("transform %s: %w", op.entity, err)
		}
		out[op.entity] = res
	}
	return out, nil
}

// TransformProject shapes the extracted project into the target project
// row. The target id comes from configuration; name and description are
// copied from the source.
func (e *Executor) TransformProject(ctx context.Context) error {
	project, err := e.store.GetProject()
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("transform project: no extracted project for %s", e.store.ProjectKey())
	}
	payload, err := json.Marshal(transform.Project(project, e.targetProjectID))
	if err != nil {
		return fmt.Errorf("marshal transformed project: %w", err)
	}
	return e.store.SaveTransformedProject(payload)
}

// TransformFolders shapes the folder forest into module payloads with
// BFS levels, roots at level zero, so the load phase can create parents
// before children.
func (e *Executor) TransformFolders(ctx context.Context) (Result, error) {
	folders, err := e.store.GetFolders()
	if err != nil {
		return Result{}, err
	}
	rows := moduleLevels(folders, e.log)

	return runBatches(ctx, e, "transform", domain.EntityFolders,
		batch.NewFixed[db.TransformedModule](e.batchSize), rows,
		func(ctx context.Context, items []db.TransformedModule) tally {
			if err := e.store.SaveTransformedModules(ctx, items); err != nil {
				return tally{failed: len(items), firstErr: err}
			}
			return tally{ok: len(items)}
		})
}

// moduleLevels assigns each folder its BFS depth and shapes it into a
// transformed module row. A folder whose parent is not in the set
// becomes a root; its module attaches to a prior run's mapping or the
// project root when loaded.
func moduleLevels(folders []*domain.Folder, logger *slog.Logger) []db.TransformedModule {
	byID := make(map[string]*domain.Folder, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}

	children := make(map[string][]*domain.Folder)
	var work []*domain.Folder
	for _, f := range folders {
		if f.ParentID == "" || byID[f.ParentID] == nil {
			work = append(work, f)
		} else {
			children[f.ParentID] = append(children[f.ParentID], f)
		}
	}

	var rows []db.TransformedModule
	visited := make(map[string]bool, len(folders))
	for level := 0; len(work) > 0; level++ {
		var next []*domain.Folder
		for _, f := range work {
			visited[f.ID] = true
			rows = append(rows, moduleRow(f, level, byID))
			next = append(next, children[f.ID]...)
		}
		work = next
	}

	// Folders left unvisited sit on a parent cycle. Treat them as roots
	// so the forest still loads; their parent link is dropped.
	for _, f := range folders {
		if !visited[f.ID] {
			logger.Warn("folder parent chain unresolvable, treating as root",
				"folder_id", f.ID, "parent_id", f.ParentID)
			rows = append(rows, moduleRow(f, 0, nil))
		}
	}
	return rows
}

func moduleRow(f *domain.Folder, level int, byID map[string]*domain.Folder) db.TransformedModule {
	parent := ""
	if byID != nil && byID[f.ParentID] != nil {
		parent = f.ParentID
	}
	payload, _ := json.Marshal(transform.Module(f, 0))
	return db.TransformedModule{
		SourceFolderID: f.ID,
		ParentSourceID: parent,
		Level:          level,
		Payload:        payload,
	}
}

// TransformTestCases translates extracted cases into target payloads:
// priority through the table, steps renumbered with test data folded
// into descriptions, custom fields mapped to properties.
func (e *Executor) TransformTestCases(ctx context.Context) (Result, error) {
	cases, err := e.store.GetTestCases()
	if err != nil {
		return Result{}, err
	}

	return runBatches(ctx, e, "transform", domain.EntityTestCases,
		batch.NewFixed[*domain.TestCase](e.batchSize), cases,
		func(ctx context.Context, items []*domain.TestCase) tally {
			var tl tally
			rows := make([]db.TransformedEntity, 0, len(items))
			for _, tc := range items {
				payload, err := json.Marshal(transform.Case(tc, 0, e.fields))
				if err != nil {
					tl.add(opError("transform case", tc.ID, err))
					continue
				}
				rows = append(rows, db.TransformedEntity{
					SourceID:       tc.ID,
					SourceFolderID: tc.FolderID,
					Payload:        payload,
				})
			}
			if err := e.store.SaveTransformedTestCases(ctx, rows); err != nil {
				return tally{failed: len(items), firstErr: err}
			}
			tl.ok = len(rows)
			return tl
		})
}

// TransformTestCycles translates extracted cycles into target payloads
// preserving planned dates.
func (e *Executor) TransformTestCycles(ctx context.Context) (Result, error) {
	cycles, err := e.store.GetTestCycles()
	if err != nil {
		return Result{}, err
	}

	return runBatches(ctx, e, "transform", domain.EntityTestCycles,
		batch.NewFixed[*domain.TestCycle](e.batchSize), cycles,
		func(ctx context.Context, items []*domain.TestCycle) tally {
			var tl tally
			rows := make([]db.TransformedEntity, 0, len(items))
			for _, cy := range items {
				payload, err := json.Marshal(transform.Cycle(cy, 0, e.fields))
				if err != nil {
					tl.add(opError("transform cycle", cy.ID, err))
					continue
				}
				rows = append(rows, db.TransformedEntity{
					SourceID:       cy.ID,
					SourceFolderID: cy.FolderID,
					Payload:        payload,
				})
			}
			if err := e.store.SaveTransformedTestCycles(ctx, rows); err != nil {
				return tally{failed: len(items), firstErr: err}
			}
			tl.ok = len(rows)
			return tl
		})
}

// TransformTestExecutions translates executions into run payloads named
// after their case plus the test log carrying mapped statuses. The
// bound case and cycle target ids are resolved at load.
func (e *Executor) TransformTestExecutions(ctx context.Context) (Result, error) {
	executions, err := e.store.GetTestExecutions()
	if err != nil {
		return Result{}, err
	}
	cases, err := e.store.GetTestCases()
	if err != nil {
		return Result{}, err
	}
	names := make(map[string]string, len(cases))
	for _, tc := range cases {
		names[tc.ID] = tc.Name
	}

	return runBatches(ctx, e, "transform", domain.EntityTestExecutions,
		batch.NewFixed[*domain.TestExecution](e.batchSize), executions,
		func(ctx context.Context, items []*domain.TestExecution) tally {
			var tl tally
			rows := make([]db.TransformedRun, 0, len(items))
			for _, te := range items {
				run, err := json.Marshal(transform.Run(te, names[te.TestCaseID], 0, 0, e.fields))
				if err != nil {
					tl.add(opError("transform execution", te.ID, err))
					continue
				}
				log, err := json.Marshal(transform.Log(te))
				if err != nil {
					tl.add(opError("transform execution log", te.ID, err))
					continue
				}
				rows = append(rows, db.TransformedRun{
					SourceExecutionID: te.ID,
					SourceCaseID:      te.TestCaseID,
					SourceCycleID:     te.TestCycleID,
					Payload:           run,
					LogPayload:        log,
				})
			}
			if err := e.store.SaveTransformedTestRuns(ctx, rows); err != nil {
				return tally{failed: len(items), firstErr: err}
			}
			tl.ok = len(rows)
			return tl
		})
}
