package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/state"
)

// Progress is a point-in-time view of a project's migration, built
// from the store. It feeds the status command and the status API.
type Progress struct {
	ProjectKey string            `json:"project_key"`
	State      db.MigrationState `json:"state"`

	SourceCounts      map[domain.EntityType]int `json:"source_counts"`
	TransformedCounts map[domain.EntityType]int `json:"transformed_counts"`
	MappingCounts     map[db.MappingType]int    `json:"mapping_counts"`

	Batches           map[domain.EntityType]*db.BatchProgress `json:"batches,omitempty"`
	IncompleteBatches map[domain.EntityType]int               `json:"incomplete_batches,omitempty"`

	PhaseDurationMS map[string]int64 `json:"phase_duration_ms,omitempty"`
	IssueCounts     map[string]int   `json:"validation_issue_counts,omitempty"`

	AttachmentsTotal      int `json:"attachments_total"`
	AttachmentsDownloaded int `json:"attachments_downloaded"`
}

// Snapshot assembles the current migration progress straight from the
// store. Read-only commands use it without constructing an orchestrator,
// which would demand live source and target clients.
func Snapshot(store *db.DB, projectKey string) (*Progress, error) {
	project := db.NewProjectDB(store, projectKey)
	machine, err := state.Load(project)
	if err != nil {
		return nil, fmt.Errorf("load migration state: %w", err)
	}

	p := &Progress{
		ProjectKey: projectKey,
		State:      machine.Snapshot(),
	}
	if p.SourceCounts, err = project.GetSourceEntityCounts(); err != nil {
		return nil, fmt.Errorf("count source entities: %w", err)
	}
	if p.TransformedCounts, err = project.GetTransformedCounts(); err != nil {
		return nil, fmt.Errorf("count transformed entities: %w", err)
	}
	if p.MappingCounts, err = project.GetMappingCounts(); err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}
	if p.Batches, err = project.GetBatchProgress(); err != nil {
		return nil, fmt.Errorf("load batch progress: %w", err)
	}
	p.IncompleteBatches = make(map[domain.EntityType]int)
	for et, bp := range p.Batches {
		if left := bp.TotalBatches - bp.CompletedCount; left > 0 {
			p.IncompleteBatches[et] = left
		}
	}
	if p.IssueCounts, err = project.GetValidationIssueCounts(); err != nil {
		return nil, fmt.Errorf("count validation issues: %w", err)
	}
	if p.AttachmentsTotal, p.AttachmentsDownloaded, err = project.CountAttachments(); err != nil {
		return nil, fmt.Errorf("count attachments: %w", err)
	}
	if p.PhaseDurationMS, err = PhaseDurations(store, projectKey); err != nil {
		return nil, err
	}
	return p, nil
}

// Progress assembles the current migration progress for the project.
func (o *Orchestrator) Progress() (*Progress, error) {
	return Snapshot(o.cfg.Store, o.cfg.ProjectKey)
}

// PhaseDurations reads the per-phase elapsed times the event publisher
// stamps on terminal events. The latest event per phase wins, so re-runs
// report their own duration.
func PhaseDurations(store *db.DB, projectKey string) (map[string]int64, error) {
	rows, err := store.QueryWorkflowEvents(db.EventQuery{ProjectKey: projectKey})
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	durations := make(map[string]int64)
	for _, ev := range rows {
		if ms, ok := durationMS(ev.Metadata); ok {
			durations[ev.Phase] = ms
		}
	}
	if len(durations) == 0 {
		return nil, nil
	}
	return durations, nil
}

// durationMS extracts the duration stamp from event metadata. Numbers
// decoded from stored JSON arrive as float64.
func durationMS(meta map[string]any) (int64, bool) {
	raw, ok := meta["duration_ms"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// RecentEvents returns the newest limit events for the project, oldest
// first. A non-positive limit returns everything.
func RecentEvents(store *db.DB, projectKey string, limit int) ([]*db.WorkflowEvent, error) {
	rows, err := store.QueryWorkflowEvents(db.EventQuery{ProjectKey: projectKey})
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

// RecentEvents returns the newest limit events for this project.
func (o *Orchestrator) RecentEvents(limit int) ([]*db.WorkflowEvent, error) {
	return RecentEvents(o.cfg.Store, o.cfg.ProjectKey, limit)
}
