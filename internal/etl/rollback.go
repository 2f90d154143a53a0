package etl

import (
	"context"
	"fmt"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
)

// RollbackLoad deletes everything the load phase created on the target,
// children before parents: runs, then cycles, cases and modules. Every
// mapping is marked rolled back. A target delete that fails after
// retries leaves its mapping rolled back with the failure recorded in
// details, and the call reports the residue.
func (e *Executor) RollbackLoad(ctx context.Context) (PhaseOutcome, error) {
	out := PhaseOutcome{}
	residue := 0
	for _, mt := range db.RollbackOrder() {
		res, err := e.rollbackMappings(ctx, mt)
		if err != nil {
			return out, fmt.Errorf("rollback %s: %w", mt, err)
		}
		out[entityForMapping(mt)] = res
		residue += res.Failed
	}
	if residue > 0 {
		return out, migerrors.ErrRollbackResidue(residue)
	}
	return out, nil
}

func (e *Executor) rollbackMappings(ctx context.Context, mt db.MappingType) (Result, error) {
	mappings, err := e.store.GetActiveMappings(mt)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, m := range mappings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		delErr := e.retry.Do(ctx, "target.Delete", func() error {
			return e.deleteTarget(ctx, mt, m.TargetID)
		})
		if delErr != nil && !migerrors.IsNotFound(delErr) {
			e.log.Error("target delete failed, leaving residue",
				"mapping_type", mt, "source_id", m.SourceID,
				"target_id", m.TargetID, "error", delErr)
			if err := e.store.MarkMappingRolledBack(mt, m.SourceID,
				fmt.Sprintf("delete failed: %v", delErr)); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}
		if err := e.store.MarkMappingRolledBack(mt, m.SourceID, ""); err != nil {
			return res, err
		}
		res.Succeeded++
	}
	if res.Total() > 0 {
		e.log.Info("mappings rolled back", "mapping_type", mt,
			"deleted", res.Succeeded, "residue", res.Failed)
	}
	return res, nil
}

func (e *Executor) deleteTarget(ctx context.Context, mt db.MappingType, targetID int64) error {
	switch mt {
	case db.MappingExecutionToRun:
		return e.target.DeleteTestRun(ctx, targetID)
	case db.MappingCycleToCycle:
		return e.target.DeleteTestCycle(ctx, targetID)
	case db.MappingCaseToCase:
		return e.target.DeleteTestCase(ctx, targetID)
	case db.MappingFolderToModule:
		return e.target.DeleteModule(ctx, targetID)
	default:
		return fmt.Errorf("unknown mapping type %q", mt)
	}
}

func entityForMapping(mt db.MappingType) domain.EntityType {
	switch mt {
	case db.MappingExecutionToRun:
		return domain.EntityTestExecutions
	case db.MappingCycleToCycle:
		return domain.EntityTestCycles
	case db.MappingCaseToCase:
		return domain.EntityTestCases
	default:
		return domain.EntityFolders
	}
}

// RollbackTransform drops all transformed payload rows so a later
// transform starts clean.
func (e *Executor) RollbackTransform(ctx context.Context) error {
	if err := e.store.DeleteTransformed(ctx); err != nil {
		return fmt.Errorf("rollback transform: %w", err)
	}
	e.log.Info("transformed rows dropped")
	return nil
}

// RollbackExtract drops all extracted source rows, attachment content
// included.
func (e *Executor) RollbackExtract(ctx context.Context) error {
	if err := e.store.DeleteExtracted(ctx); err != nil {
		return fmt.Errorf("rollback extract: %w", err)
	}
	e.log.Info("extracted rows dropped")
	return nil
}
