package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
)

// ValidationIssue is one persisted finding. Level, scope and phase values
// are owned by the validation package; the store treats them as strings.
type ValidationIssue struct {
	ID         string
	ProjectKey string
	Level      string
	Scope      string
	Phase      string
	RuleID     string
	Message    string
	EntityType string
	EntityID   string
	FieldName  string
	Details    map[string]any
	Resolved   bool
	CreatedAt  time.Time
}

// ValidationReport is a persisted summary of one validation pass.
type ValidationReport struct {
	ID         string
	ProjectKey string
	Phase      string
	Summary    map[string]any
	CreatedAt  time.Time
}

// ValidationRuleRow persists per-rule enablement and configuration.
type ValidationRuleRow struct {
	ID          string
	Name        string
	Description string
	Scope       string
	Phase       string
	Level       string
	Enabled     bool
	Config      map[string]any
}

// SaveValidationIssues persists findings in one transaction.
func (p *ProjectDB) SaveValidationIssues(ctx context.Context, issues []*ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, issue := range issues {
			details := "{}"
			if len(issue.Details) > 0 {
				b, err := json.Marshal(issue.Details)
				if err != nil {
					return fmt.Errorf("marshal issue details: %w", err)
				}
				details = string(b)
			}
			createdAt := issue.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}

			_, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO validation_issues (id, project_key, level, scope, phase,
					rule_id, message, entity_type, entity_id, field_name, details,
					resolved, created_at)
				VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
				%s`,
				tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
				tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7), tx.Placeholder(8),
				tx.Placeholder(9), tx.Placeholder(10), tx.Placeholder(11), tx.Placeholder(12),
				tx.Placeholder(13),
				tx.UpsertConflict([]string{"id"}, []string{
					"message = excluded.message",
					"details = excluded.details",
					"resolved = excluded.resolved",
				})),
				issue.ID, p.projectKey, issue.Level, issue.Scope, issue.Phase,
				issue.RuleID, issue.Message, issue.EntityType, issue.EntityID,
				issue.FieldName, details, issue.Resolved, driver.FormatTime(createdAt))
			if err != nil {
				return fmt.Errorf("save validation issue %s: %w", issue.ID, err)
			}
		}
		return nil
	})
}

// IssueQuery filters GetValidationIssues. Zero values match everything.
type IssueQuery struct {
	Level      string
	Phase      string
	EntityType string
	Resolved   *bool
	Limit      int
}

// GetValidationIssues returns findings matching the query, newest last.
func (p *ProjectDB) GetValidationIssues(q IssueQuery) ([]*ValidationIssue, error) {
	conds := []string{}
	args := []any{}
	n := 0
	add := func(cond string, arg any) {
		n++
		conds = append(conds, fmt.Sprintf(cond, p.Placeholder(n)))
		args = append(args, arg)
	}

	add("project_key = %s", p.projectKey)
	if q.Level != "" {
		add("level = %s", q.Level)
	}
	if q.Phase != "" {
		add("phase = %s", q.Phase)
	}
	if q.EntityType != "" {
		add("entity_type = %s", q.EntityType)
	}
	if q.Resolved != nil {
		add("resolved = %s", *q.Resolved)
	}

	query := `
		SELECT id, project_key, level, scope, phase, rule_id, message,
			entity_type, entity_id, field_name, details, resolved, created_at
		FROM validation_issues
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := p.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query validation issues: %w", err)
	}
	defer rows.Close()

	var issues []*ValidationIssue
	for rows.Next() {
		var issue ValidationIssue
		var details, createdAt string
		if err := rows.Scan(&issue.ID, &issue.ProjectKey, &issue.Level, &issue.Scope,
			&issue.Phase, &issue.RuleID, &issue.Message, &issue.EntityType,
			&issue.EntityID, &issue.FieldName, &details, &issue.Resolved,
			&createdAt); err != nil {
			return nil, fmt.Errorf("scan validation issue: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &issue.Details); err != nil {
				return nil, fmt.Errorf("unmarshal issue details: %w", err)
			}
		}
		if issue.CreatedAt, err = driver.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("issue created_at: %w", err)
		}
		issues = append(issues, &issue)
	}
	return issues, rows.Err()
}

// GetValidationIssueCounts returns unresolved finding counts per level.
func (p *ProjectDB) GetValidationIssueCounts() (map[string]int, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT level, COUNT(*)
		FROM validation_issues
		WHERE project_key = %s AND resolved = %s
		GROUP BY level`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, false)
	if err != nil {
		return nil, fmt.Errorf("count validation issues: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan issue count: %w", err)
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// ResolveValidationIssues marks all findings for one entity as resolved.
// Used when a re-run fixes the entity.
func (p *ProjectDB) ResolveValidationIssues(entityType, entityID string) error {
	_, err := p.Exec(fmt.Sprintf(`
		UPDATE validation_issues SET resolved = %s
		WHERE project_key = %s AND entity_type = %s AND entity_id = %s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4)),
		true, p.projectKey, entityType, entityID)
	if err != nil {
		return fmt.Errorf("resolve issues for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// DeleteValidationIssues removes all findings for the project.
func (p *ProjectDB) DeleteValidationIssues() error {
	_, err := p.Exec(fmt.Sprintf(`DELETE FROM validation_issues WHERE project_key = %s`,
		p.Placeholder(1)), p.projectKey)
	if err != nil {
		return fmt.Errorf("delete validation issues: %w", err)
	}
	return nil
}

// SaveValidationReport persists a validation pass summary.
func (p *ProjectDB) SaveValidationReport(r *ValidationReport) error {
	summary := "{}"
	if len(r.Summary) > 0 {
		b, err := json.Marshal(r.Summary)
		if err != nil {
			return fmt.Errorf("marshal report summary: %w", err)
		}
		summary = string(b)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := p.Exec(fmt.Sprintf(`
		INSERT INTO validation_reports (id, project_key, phase, summary, created_at)
		VALUES (%s, %s, %s, %s, %s)`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4),
		p.Placeholder(5)),
		r.ID, p.projectKey, r.Phase, summary, driver.FormatTime(createdAt))
	if err != nil {
		return fmt.Errorf("save validation report %s: %w", r.ID, err)
	}
	return nil
}

// GetValidationReports returns report summaries newest first.
func (p *ProjectDB) GetValidationReports(limit int) ([]*ValidationReport, error) {
	query := fmt.Sprintf(`
		SELECT id, project_key, phase, summary, created_at
		FROM validation_reports WHERE project_key = %s
		ORDER BY created_at DESC, id DESC`, p.Placeholder(1))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.Query(query, p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("query validation reports: %w", err)
	}
	defer rows.Close()

	var reports []*ValidationReport
	for rows.Next() {
		var r ValidationReport
		var summary, createdAt string
		if err := rows.Scan(&r.ID, &r.ProjectKey, &r.Phase, &summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan validation report: %w", err)
		}
		if summary != "" && summary != "{}" {
			if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
				return nil, fmt.Errorf("unmarshal report summary: %w", err)
			}
		}
		if r.CreatedAt, err = driver.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("report created_at: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

// SaveValidationRule upserts a rule's persisted enablement and config.
func (d *DB) SaveValidationRule(r *ValidationRuleRow) error {
	config := "{}"
	if len(r.Config) > 0 {
		b, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("marshal rule config: %w", err)
		}
		config = string(b)
	}

	_, err := d.Exec(fmt.Sprintf(`
		INSERT INTO validation_rules (id, name, description, scope, phase, level, enabled, config)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		%s`,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		d.Placeholder(5), d.Placeholder(6), d.Placeholder(7), d.Placeholder(8),
		d.UpsertConflict([]string{"id"}, []string{
			"name = excluded.name",
			"description = excluded.description",
			"scope = excluded.scope",
			"phase = excluded.phase",
			"level = excluded.level",
			"enabled = excluded.enabled",
			"config = excluded.config",
		})),
		r.ID, r.Name, r.Description, r.Scope, r.Phase, r.Level, r.Enabled, config)
	if err != nil {
		return fmt.Errorf("save validation rule %s: %w", r.ID, err)
	}
	return nil
}

// GetValidationRules returns all persisted rule rows ordered by id.
func (d *DB) GetValidationRules() ([]*ValidationRuleRow, error) {
	rows, err := d.Query(`
		SELECT id, name, description, scope, phase, level, enabled, config
		FROM validation_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query validation rules: %w", err)
	}
	defer rows.Close()

	var rules []*ValidationRuleRow
	for rows.Next() {
		var r ValidationRuleRow
		var config string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Scope, &r.Phase,
			&r.Level, &r.Enabled, &config); err != nil {
			return nil, fmt.Errorf("scan validation rule: %w", err)
		}
		if config != "" && config != "{}" {
			if err := json.Unmarshal([]byte(config), &r.Config); err != nil {
				return nil, fmt.Errorf("unmarshal rule config: %w", err)
			}
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}
