package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/util"
)

// DefaultMaxIssuesPerLevel caps the issues embedded per level in a detailed
// report. The full set stays in the store; the report is a summary artifact.
const DefaultMaxIssuesPerLevel = 100

// Report summarizes one validation pass.
type Report struct {
	ProjectKey    string        `json:"project_key"`
	TotalIssues   int           `json:"total_issues"`
	CountsByLevel map[Level]int `json:"counts_by_level"`
	CountsByScope map[Scope]int `json:"counts_by_scope"`
	CountsByPhase map[Phase]int `json:"counts_by_phase"`

	CriticalIssueCount int `json:"critical_issue_count"`
	ErrorIssueCount    int `json:"error_issue_count"`
	WarningIssueCount  int `json:"warning_issue_count"`
	InfoIssueCount     int `json:"info_issue_count"`

	HasCriticalIssues bool `json:"has_critical_issues"`
	HasErrorIssues    bool `json:"has_error_issues"`

	GeneratedAt time.Time `json:"generated_at"`

	// IssuesByLevel is populated only when the report includes details.
	IssuesByLevel map[Level]*LevelDetail `json:"issues_by_level,omitempty"`
}

// LevelDetail lists the findings at one level, truncated to the report's
// per-level cap.
type LevelDetail struct {
	Count     int      `json:"count"`
	Truncated bool     `json:"truncated"`
	Issues    []*Issue `json:"issues"`
}

// ReportOptions controls report building.
type ReportOptions struct {
	// IncludeDetails embeds per-level issue lists.
	IncludeDetails bool
	// MaxIssuesPerLevel caps each embedded list; zero means
	// DefaultMaxIssuesPerLevel.
	MaxIssuesPerLevel int
}

// BuildReport snapshots the manager's tally into a report.
func (m *Manager) BuildReport(projectKey string, opts ReportOptions) *Report {
	maxPerLevel := opts.MaxIssuesPerLevel
	if maxPerLevel <= 0 {
		maxPerLevel = DefaultMaxIssuesPerLevel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Report{
		ProjectKey:    projectKey,
		TotalIssues:   len(m.issues),
		CountsByLevel: make(map[Level]int, len(m.byLevel)),
		CountsByScope: make(map[Scope]int, len(m.byScope)),
		CountsByPhase: make(map[Phase]int, len(m.byPhase)),
		GeneratedAt:   time.Now(),
	}
	for l, n := range m.byLevel {
		r.CountsByLevel[l] = n
	}
	for s, n := range m.byScope {
		r.CountsByScope[s] = n
	}
	for p, n := range m.byPhase {
		r.CountsByPhase[p] = n
	}
	r.CriticalIssueCount = m.byLevel[LevelCritical]
	r.ErrorIssueCount = m.byLevel[LevelError]
	r.WarningIssueCount = m.byLevel[LevelWarning]
	r.InfoIssueCount = m.byLevel[LevelInfo]
	r.HasCriticalIssues = r.CriticalIssueCount > 0
	r.HasErrorIssues = r.ErrorIssueCount > 0 || r.CriticalIssueCount > 0

	if opts.IncludeDetails {
		r.IssuesByLevel = make(map[Level]*LevelDetail)
		for _, level := range Levels() {
			if m.byLevel[level] == 0 {
				continue
			}
			r.IssuesByLevel[level] = &LevelDetail{Count: m.byLevel[level]}
		}
		for _, issue := range m.issues {
			detail := r.IssuesByLevel[issue.Level]
			if detail == nil {
				continue
			}
			if len(detail.Issues) >= maxPerLevel {
				detail.Truncated = true
				continue
			}
			detail.Issues = append(detail.Issues, issue)
		}
	}
	return r
}

// SaveReport persists the report summary for the given phase. Returns the
// stored report id.
func (m *Manager) SaveReport(ctx context.Context, r *Report, phase Phase) (string, error) {
	if m.store == nil {
		return "", fmt.Errorf("save validation report: no store")
	}

	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode validation report: %w", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(b, &summary); err != nil {
		return "", fmt.Errorf("encode validation report: %w", err)
	}

	id := uuid.NewString()
	if err := m.store.SaveValidationReport(&db.ValidationReport{
		ID:         id,
		ProjectKey: m.store.ProjectKey(),
		Phase:      string(phase),
		Summary:    summary,
		CreatedAt:  r.GeneratedAt,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// WriteFile writes the report as indented JSON to path.
func (r *Report) WriteFile(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode validation report: %w", err)
	}
	if err := util.AtomicWriteFile(path, append(b, '\n'), 0644); err != nil {
		return fmt.Errorf("write validation report: %w", err)
	}
	return nil
}
