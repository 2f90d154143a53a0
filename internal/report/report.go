// Package report builds the workflow report for a migration project:
// one structured record carrying the run status, per-phase outcomes,
// entity counts, validation findings and the recent event tail. The
// record renders to JSON, Markdown or plain text.
package report

import (
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/orchestrator"
	"github.com/randalmurphal/tmig/internal/state"
	"github.com/randalmurphal/tmig/internal/validation"
)

// Report is the workflow summary record for one project.
type Report struct {
	ProjectKey    string         `json:"project_key"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Status        string         `json:"status"`
	Summary       Summary        `json:"summary"`
	Validation    Validation     `json:"validation"`
	Events        []EventRow     `json:"events,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// Summary aggregates the run outcome: phase statuses with durations and
// per-entity counts through the pipeline.
type Summary struct {
	Phases                []PhaseRow  `json:"phases"`
	Entities              []EntityRow `json:"entities"`
	AttachmentsTotal      int         `json:"attachments_total"`
	AttachmentsDownloaded int         `json:"attachments_downloaded"`
	Incremental           bool        `json:"incremental"`
	LastRunAt             *time.Time  `json:"last_run_at,omitempty"`
	Error                 string      `json:"error,omitempty"`
}

// PhaseRow is one phase outcome. DurationMS is zero when the phase never
// finished or predates event duration stamping.
type PhaseRow struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Duration renders the elapsed time for templates, "-" when unknown.
func (p PhaseRow) Duration() string {
	if p.DurationMS <= 0 {
		return "-"
	}
	return (time.Duration(p.DurationMS) * time.Millisecond).String()
}

// EntityRow tracks one entity type through extract, transform and load.
type EntityRow struct {
	Name           string `json:"name"`
	Extracted      int    `json:"extracted"`
	Transformed    int    `json:"transformed"`
	Mapped         int    `json:"mapped"`
	PendingBatches int    `json:"pending_batches,omitempty"`
}

// Validation summarizes unresolved findings by level plus the latest
// persisted validation report, when one exists.
type Validation struct {
	TotalIssues  int        `json:"total_issues"`
	Levels       []LevelRow `json:"levels,omitempty"`
	LastReportAt *time.Time `json:"last_report_at,omitempty"`
}

// LevelRow is an unresolved issue count for one severity level.
type LevelRow struct {
	Level string `json:"level"`
	Count int    `json:"count"`
}

// EventRow is one workflow event trimmed for reporting.
type EventRow struct {
	Time       time.Time `json:"time"`
	Phase      string    `json:"phase"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	EntityType string    `json:"entity_type,omitempty"`
}

// When renders the event time for templates.
func (e EventRow) When() string {
	return e.Time.Format("2006-01-02 15:04:05")
}

// Options tunes Build. Zero values take defaults.
type Options struct {
	MaxEvents int            // event tail length, default 50
	Config    map[string]any // configuration echo carried into the record
}

// mappingFor pairs each entity type with the mapping type its load
// writes.
var mappingFor = map[domain.EntityType]db.MappingType{
	domain.EntityFolders:        db.MappingFolderToModule,
	domain.EntityTestCases:      db.MappingCaseToCase,
	domain.EntityTestCycles:     db.MappingCycleToCycle,
	domain.EntityTestExecutions: db.MappingExecutionToRun,
}

// Build assembles the report for a project from the store.
func Build(store *db.DB, projectKey string, opts Options) (*Report, error) {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 50
	}

	snap, err := orchestrator.Snapshot(store, projectKey)
	if err != nil {
		return nil, err
	}
	events, err := orchestrator.RecentEvents(store, projectKey, opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	project := db.NewProjectDB(store, projectKey)

	r := &Report{
		ProjectKey:    projectKey,
		GeneratedAt:   time.Now().UTC(),
		Status:        overallStatus(snap.State),
		Configuration: opts.Config,
	}
	r.Summary = Summary{
		Phases:                phaseRows(store, projectKey, snap),
		Entities:              entityRows(snap),
		AttachmentsTotal:      snap.AttachmentsTotal,
		AttachmentsDownloaded: snap.AttachmentsDownloaded,
		Incremental:           snap.State.IsIncremental,
		LastRunAt:             snap.State.LastRunAt,
		Error:                 snap.State.ErrorMessage,
	}

	r.Validation.Levels = levelRows(snap.IssueCounts)
	for _, lv := range r.Validation.Levels {
		r.Validation.TotalIssues += lv.Count
	}
	if reports, err := project.GetValidationReports(1); err != nil {
		return nil, err
	} else if len(reports) > 0 {
		at := reports[0].CreatedAt
		r.Validation.LastReportAt = &at
	}

	r.Events = make([]EventRow, 0, len(events))
	for _, ev := range events {
		r.Events = append(r.Events, EventRow{
			Time:       ev.CreatedAt,
			Phase:      ev.Phase,
			Status:     ev.Status,
			Message:    ev.Message,
			EntityType: ev.EntityType,
		})
	}
	return r, nil
}

// overallStatus folds the per-phase statuses into one word. An active
// phase wins, then rollback's outcome, then failure, then partial. A run
// stopped between phases reads as partial.
func overallStatus(s db.MigrationState) string {
	run := []string{s.ExtractionStatus, s.TransformationStatus, s.LoadingStatus}

	all := func(status state.Status) bool {
		for _, st := range run {
			if st != string(status) {
				return false
			}
		}
		return true
	}
	any := func(status state.Status) bool {
		for _, st := range run {
			if st == string(status) {
				return true
			}
		}
		return false
	}

	switch {
	case s.RollbackStatus == string(state.StatusInProgress) || any(state.StatusInProgress):
		return string(state.StatusInProgress)
	case s.RollbackStatus == string(state.StatusCompleted):
		return string(state.StatusRolledBack)
	case s.RollbackStatus == string(state.StatusFailed) || any(state.StatusFailed):
		return string(state.StatusFailed)
	case s.RollbackStatus == string(state.StatusPartial) || any(state.StatusPartial):
		return string(state.StatusPartial)
	case all(state.StatusCompleted):
		return string(state.StatusCompleted)
	case all(state.StatusNotStarted):
		return string(state.StatusNotStarted)
	default:
		return string(state.StatusPartial)
	}
}

// phaseRows lists the run phases in execution order, the validate
// outcome read from its events, and rollback when it ran.
func phaseRows(store *db.DB, projectKey string, snap *orchestrator.Progress) []PhaseRow {
	dur := snap.PhaseDurationMS
	rows := []PhaseRow{
		{Name: "extract", Status: snap.State.ExtractionStatus, DurationMS: dur["extract"]},
		{Name: "transform", Status: snap.State.TransformationStatus, DurationMS: dur["transform"]},
		{Name: "load", Status: snap.State.LoadingStatus, DurationMS: dur["load"]},
	}

	rows = append(rows, PhaseRow{
		Name:       "validate",
		Status:     lastPhaseEventStatus(store, projectKey, "validate"),
		DurationMS: dur["validate"],
	})
	if snap.State.RollbackStatus != string(state.StatusNotStarted) {
		rows = append(rows, PhaseRow{
			Name:       "rollback",
			Status:     snap.State.RollbackStatus,
			DurationMS: dur["rollback"],
		})
	}
	return rows
}

// lastPhaseEventStatus returns the status of the newest event for a
// phase. Phases without a state column, like validate, record their
// outcome only in the event log.
func lastPhaseEventStatus(store *db.DB, projectKey, phase string) string {
	rows, err := store.QueryWorkflowEvents(db.EventQuery{ProjectKey: projectKey, Phase: phase})
	if err != nil || len(rows) == 0 {
		return string(state.StatusNotStarted)
	}
	return rows[len(rows)-1].Status
}

func entityRows(snap *orchestrator.Progress) []EntityRow {
	rows := make([]EntityRow, 0, 4)
	for _, et := range domain.ValidEntityTypes() {
		rows = append(rows, EntityRow{
			Name:           string(et),
			Extracted:      snap.SourceCounts[et],
			Transformed:    snap.TransformedCounts[et],
			Mapped:         snap.MappingCounts[mappingFor[et]],
			PendingBatches: snap.IncompleteBatches[et],
		})
	}
	return rows
}

// levelRows orders unresolved issue counts from info up to critical,
// dropping empty levels.
func levelRows(counts map[string]int) []LevelRow {
	if len(counts) == 0 {
		return nil
	}
	rows := make([]LevelRow, 0, len(counts))
	for _, lv := range validation.Levels() {
		if n := counts[string(lv)]; n > 0 {
			rows = append(rows, LevelRow{Level: string(lv), Count: n})
		}
	}
	return rows
}

// Filename returns the conventional report file name for a project.
func Filename(projectKey string, f Format, at time.Time) string {
	return fmt.Sprintf("report_%s_%s%s", projectKey, at.UTC().Format("20060102T150405Z"), f.Ext())
}
