// Package state drives the per-project migration phase state machine.
// Statuses persist through the store so an interrupted run resumes from
// the last recorded phase.
package state

import (
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/db"
)

// Phase names the workflow phases that carry a persisted status.
type Phase string

const (
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
	PhaseRollback  Phase = "rollback"
)

// Status is the lifecycle state of one phase.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted,
		StatusPartial, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// canStart reports whether a phase may move to in_progress from s.
func canStart(s Status) bool {
	return s == StatusNotStarted || s == StatusFailed || s == StatusPartial
}

// Machine holds the loaded state of one project and persists every
// transition.
type Machine struct {
	store *db.ProjectDB
	row   *db.MigrationState
}

// Load reads the persisted state. An absent row means no phase has run;
// all statuses start as not_started.
func Load(store *db.ProjectDB) (*Machine, error) {
	row, err := store.GetMigrationState()
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &db.MigrationState{
			ProjectKey:           store.ProjectKey(),
			ExtractionStatus:     string(StatusNotStarted),
			TransformationStatus: string(StatusNotStarted),
			LoadingStatus:        string(StatusNotStarted),
			RollbackStatus:       string(StatusNotStarted),
		}
	}
	return &Machine{store: store, row: row}, nil
}

// Refresh re-reads the persisted row, discarding unsaved local changes.
func (m *Machine) Refresh() error {
	fresh, err := Load(m.store)
	if err != nil {
		return err
	}
	m.row = fresh.row
	return nil
}

// PhaseStatus returns the current status of a phase.
func (m *Machine) PhaseStatus(phase Phase) Status {
	switch phase {
	case PhaseExtract:
		return Status(m.row.ExtractionStatus)
	case PhaseTransform:
		return Status(m.row.TransformationStatus)
	case PhaseLoad:
		return Status(m.row.LoadingStatus)
	case PhaseRollback:
		return Status(m.row.RollbackStatus)
	}
	return StatusNotStarted
}

func (m *Machine) ExtractionStatus() Status     { return Status(m.row.ExtractionStatus) }
func (m *Machine) TransformationStatus() Status { return Status(m.row.TransformationStatus) }
func (m *Machine) LoadingStatus() Status        { return Status(m.row.LoadingStatus) }
func (m *Machine) RollbackStatus() Status       { return Status(m.row.RollbackStatus) }

// ErrorMessage returns the last persisted failure message.
func (m *Machine) ErrorMessage() string { return m.row.ErrorMessage }

// UpdatePhaseStatus persists a phase transition. Moving to in_progress
// is legal only from not_started, failed, or partial. The stored error
// message takes cause's text, and clears when a phase completes cleanly.
func (m *Machine) UpdatePhaseStatus(phase Phase, status Status, cause error) error {
	if !status.Valid() {
		return fmt.Errorf("update %s: unknown status %q", phase, status)
	}
	cur := m.PhaseStatus(phase)
	if status == StatusInProgress && !canStart(cur) {
		return fmt.Errorf("phase %s cannot start from %s", phase, cur)
	}

	switch phase {
	case PhaseExtract:
		m.row.ExtractionStatus = string(status)
	case PhaseTransform:
		m.row.TransformationStatus = string(status)
	case PhaseLoad:
		m.row.LoadingStatus = string(status)
	case PhaseRollback:
		m.row.RollbackStatus = string(status)
	default:
		return fmt.Errorf("update: unknown phase %q", phase)
	}

	switch {
	case cause != nil:
		m.row.ErrorMessage = cause.Error()
	case status == StatusCompleted:
		m.row.ErrorMessage = ""
	}
	return m.save()
}

// UpdateExtractionStatus persists the extract phase status.
func (m *Machine) UpdateExtractionStatus(status Status, cause error) error {
	return m.UpdatePhaseStatus(PhaseExtract, status, cause)
}

// UpdateTransformationStatus persists the transform phase status.
func (m *Machine) UpdateTransformationStatus(status Status, cause error) error {
	return m.UpdatePhaseStatus(PhaseTransform, status, cause)
}

// UpdateLoadingStatus persists the load phase status.
func (m *Machine) UpdateLoadingStatus(status Status, cause error) error {
	return m.UpdatePhaseStatus(PhaseLoad, status, cause)
}

// UpdateRollbackStatus persists the rollback phase status.
func (m *Machine) UpdateRollbackStatus(status Status, cause error) error {
	return m.UpdatePhaseStatus(PhaseRollback, status, cause)
}

// CanExtract reports whether extraction may start.
func (m *Machine) CanExtract() bool {
	return canStart(m.ExtractionStatus())
}

// CanTransform reports whether transformation may start: extraction must
// have completed.
func (m *Machine) CanTransform() bool {
	return m.ExtractionStatus() == StatusCompleted && canStart(m.TransformationStatus())
}

// CanLoad reports whether loading may start: transformation must have
// completed.
func (m *Machine) CanLoad() bool {
	return m.TransformationStatus() == StatusCompleted && canStart(m.LoadingStatus())
}

// CanRollback reports whether any phase left artifacts to roll back.
func (m *Machine) CanRollback() bool {
	return len(m.RollbackTargets()) > 0 && m.RollbackStatus() != StatusInProgress
}

// RollbackTargets lists the phases that achieved completed or partial,
// in reverse execution order: load, transform, extract.
func (m *Machine) RollbackTargets() []Phase {
	var targets []Phase
	for _, p := range []Phase{PhaseLoad, PhaseTransform, PhaseExtract} {
		s := m.PhaseStatus(p)
		if s == StatusCompleted || s == StatusPartial {
			targets = append(targets, p)
		}
	}
	return targets
}

// IncompletePhases lists run phases not yet completed, in canonical
// order. This is the resume worklist; validate is the caller's to add.
func (m *Machine) IncompletePhases() []Phase {
	var phases []Phase
	for _, p := range []Phase{PhaseExtract, PhaseTransform, PhaseLoad} {
		if m.PhaseStatus(p) != StatusCompleted {
			phases = append(phases, p)
		}
	}
	return phases
}

// Rearm returns the run phases to not_started so a new pass can
// execute them again, clearing any recorded failure. Mappings and the
// run watermark survive, so a rerun skips entities that already
// reached the target.
func (m *Machine) Rearm() error {
	m.row.ExtractionStatus = string(StatusNotStarted)
	m.row.TransformationStatus = string(StatusNotStarted)
	m.row.LoadingStatus = string(StatusNotStarted)
	m.row.ErrorMessage = ""
	return m.save()
}

// IsIncremental reports whether the current run only migrates entities
// changed since the last one.
func (m *Machine) IsIncremental() bool { return m.row.IsIncremental }

// SetIncremental persists the incremental flag.
func (m *Machine) SetIncremental(incremental bool) error {
	m.row.IsIncremental = incremental
	return m.save()
}

// LastRunAt returns the completion time of the last successful run, or
// nil before the first one.
func (m *Machine) LastRunAt() *time.Time { return m.row.LastRunAt }

// RecordRun persists the run completion timestamp incremental mode cuts
// over on.
func (m *Machine) RecordRun(t time.Time) error {
	utc := t.UTC()
	m.row.LastRunAt = &utc
	return m.save()
}

// Metadata returns the free-form state metadata, never nil.
func (m *Machine) Metadata() map[string]any {
	if m.row.MetaData == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m.row.MetaData))
	for k, v := range m.row.MetaData {
		out[k] = v
	}
	return out
}

// SetMetadata persists one metadata key.
func (m *Machine) SetMetadata(key string, value any) error {
	if m.row.MetaData == nil {
		m.row.MetaData = make(map[string]any)
	}
	m.row.MetaData[key] = value
	return m.save()
}

// Snapshot returns a copy of the persisted row.
func (m *Machine) Snapshot() db.MigrationState {
	snap := *m.row
	return snap
}

func (m *Machine) save() error {
	m.row.ProjectKey = m.store.ProjectKey()
	return m.store.SaveMigrationState(m.row)
}
