package orchestrator

import (
	"context"
	"errors"
	"fmt"

	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/state"
)

// Rollback undoes the phases that achieved completed or partial, in
// reverse order: load, transform, extract. Target entities are deleted
// through their mappings, then the transformed and extracted rows are
// dropped. Deletions that fail leave their mapping marked rolled_back
// with the failure recorded, and the rollback finishes partial.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	if err := o.begin(); err != nil {
		return err
	}
	defer o.end()

	if !o.cfg.RollbackEnabled {
		return fmt.Errorf("rollback is disabled for project %s", o.cfg.ProjectKey)
	}

	release, err := o.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	machine, err := state.Load(o.project)
	if err != nil {
		return fmt.Errorf("load migration state: %w", err)
	}
	if err := o.recoverInterrupted(machine); err != nil {
		return err
	}
	if !machine.CanRollback() {
		return migerrors.ErrStateViolation("rollback", "extract, transform or load")
	}

	exec, err := o.newExecutor(machine)
	if err != nil {
		return err
	}

	targets := machine.RollbackTargets()
	if err := machine.UpdateRollbackStatus(state.StatusInProgress, nil); err != nil {
		return err
	}
	key := o.cfg.ProjectKey
	o.log.Info("rollback starting", "targets", phaseNames(asPhases(targets)))
	o.pub.Publish(events.PhaseStarted(key, "rollback"))

	residue := 0
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return o.failRollback(machine, err)
		}
		var msg string
		switch target {
		case state.PhaseLoad:
			out, rbErr := exec.RollbackLoad(ctx)
			if rbErr != nil && !errors.Is(rbErr, &migerrors.MigError{Code: migerrors.CodeRollbackResidue}) {
				return o.failRollback(machine, fmt.Errorf("rollback load: %w", rbErr))
			}
			sum := out.Overall()
			residue += sum.Failed
			msg = fmt.Sprintf("%d target entities deleted, %d left behind", sum.Succeeded, sum.Failed)
		case state.PhaseTransform:
			if rbErr := exec.RollbackTransform(ctx); rbErr != nil {
				return o.failRollback(machine, fmt.Errorf("rollback transform: %w", rbErr))
			}
			msg = "transformed rows dropped"
		case state.PhaseExtract:
			if rbErr := exec.RollbackExtract(ctx); rbErr != nil {
				return o.failRollback(machine, fmt.Errorf("rollback extract: %w", rbErr))
			}
			msg = "extracted rows dropped"
		}
		if err := machine.UpdatePhaseStatus(target, state.StatusRolledBack, nil); err != nil {
			return err
		}
		o.log.Info("phase rolled back", "phase", target, "result", msg)
		o.pub.Publish(events.PhaseRolledBack(key, string(target), msg))
	}

	if err := exec.ClearPlans(); err != nil {
		o.log.Warn("could not clear batch plans after rollback", "error", err)
	}

	if residue > 0 {
		resErr := migerrors.ErrRollbackResidue(residue)
		if err := machine.UpdateRollbackStatus(state.StatusPartial, resErr); err != nil {
			return err
		}
		o.pub.Publish(events.PhasePartial(key, "rollback", resErr.Error()))
		return resErr
	}
	if err := machine.UpdateRollbackStatus(state.StatusCompleted, nil); err != nil {
		return err
	}
	o.log.Info("rollback completed")
	o.pub.Publish(events.PhaseCompleted(key, "rollback"))
	return nil
}

func (o *Orchestrator) failRollback(m *state.Machine, cause error) error {
	if err := m.UpdateRollbackStatus(state.StatusFailed, cause); err != nil {
		o.log.Error("could not persist rollback failure", "error", err)
	}
	o.pub.Publish(events.PhaseFailed(o.cfg.ProjectKey, "rollback", cause))
	return cause
}

func asPhases(phases []state.Phase) []Phase {
	out := make([]Phase, len(phases))
	for i, ph := range phases {
		out[i] = Phase(ph)
	}
	return out
}
