// Package events provides workflow event types and publishing infrastructure
// for tmig. Events are the sole stream consumers use to observe migration
// progress; the persistent publisher also appends them to the store.
package events

import (
	"time"
)

// Status values carried by workflow events.
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusRolledBack = "rolled_back"
	StatusWarning    = "warning"
)

// Event is one workflow event. Phase and status use the orchestrator's
// vocabulary; batch and entity fields are set when the event reports
// batch-level progress.
type Event struct {
	ProjectKey   string         `json:"project_key"`
	Phase        string         `json:"phase"`
	Status       string         `json:"status"`
	Message      string         `json:"message,omitempty"`
	EntityType   string         `json:"entity_type,omitempty"`
	EntityCount  int            `json:"entity_count,omitempty"`
	BatchNumber  *int           `json:"batch_number,omitempty"`
	TotalBatches *int           `json:"total_batches,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Time         time.Time      `json:"time"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(projectKey, phase, status, message string) Event {
	return Event{
		ProjectKey: projectKey,
		Phase:      phase,
		Status:     status,
		Message:    message,
		Time:       time.Now(),
	}
}

// PhaseStarted reports a phase entering in_progress.
func PhaseStarted(projectKey, phase string) Event {
	return NewEvent(projectKey, phase, StatusStarted, phase+" phase started")
}

// PhaseCompleted reports a phase reaching completed.
func PhaseCompleted(projectKey, phase string) Event {
	return NewEvent(projectKey, phase, StatusCompleted, phase+" phase completed")
}

// PhasePartial reports a phase finishing with partial success.
func PhasePartial(projectKey, phase, message string) Event {
	return NewEvent(projectKey, phase, StatusPartial, message)
}

// PhaseFailed reports a phase failure.
func PhaseFailed(projectKey, phase string, err error) Event {
	msg := phase + " phase failed"
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return NewEvent(projectKey, phase, StatusFailed, msg)
}

// PhaseSkipped reports a phase skipped because it already completed.
func PhaseSkipped(projectKey, phase string) Event {
	return NewEvent(projectKey, phase, StatusSkipped, phase+" phase already completed, skipping")
}

// PhaseRolledBack reports a phase whose artifacts were rolled back.
func PhaseRolledBack(projectKey, phase, message string) Event {
	return NewEvent(projectKey, phase, StatusRolledBack, message)
}

// BatchProgress reports progress on one batch of an entity type.
func BatchProgress(projectKey, phase, entityType string, batchNumber, totalBatches, count int, message string) Event {
	e := NewEvent(projectKey, phase, StatusInProgress, message)
	e.EntityType = entityType
	e.EntityCount = count
	e.BatchNumber = &batchNumber
	e.TotalBatches = &totalBatches
	return e
}

// EntityProgress reports an entity-type level count (e.g. extracted totals).
func EntityProgress(projectKey, phase, entityType string, count int, message string) Event {
	e := NewEvent(projectKey, phase, StatusInProgress, message)
	e.EntityType = entityType
	e.EntityCount = count
	return e
}

// Warning reports a non-fatal problem.
func Warning(projectKey, phase, message string) Event {
	return NewEvent(projectKey, phase, StatusWarning, message)
}

// WithMetadata returns a copy of the event with the metadata attached.
func (e Event) WithMetadata(meta map[string]any) Event {
	e.Metadata = meta
	return e
}
