package db

import (
	"context"
	"fmt"

	"github.com/randalmurphal/tmig/internal/domain"
)

// Transformed entities are stored as target-shaped JSON payloads keyed by
// source id. The load phase unmarshals them, creates the target entity, and
// records the mapping; keeping payloads in the store makes loading resumable
// without re-running the transform.

// TransformedModule is a folder transformed into a target module payload.
// Level is the BFS depth in the folder forest (roots are level 0), so the
// load phase can create parents before children.
type TransformedModule struct {
	SourceFolderID string
	ParentSourceID string
	Level          int
	Payload        []byte
}

// TransformedEntity is a transformed test case or cycle payload.
type TransformedEntity struct {
	SourceID       string
	SourceFolderID string
	Payload        []byte
}

// TransformedRun is a transformed execution: the run payload plus its
// result log payload.
type TransformedRun struct {
	SourceExecutionID string
	SourceCaseID      string
	SourceCycleID     string
	Payload           []byte
	LogPayload        []byte
}

// SaveTransformedProject upserts the transformed project payload.
func (p *ProjectDB) SaveTransformedProject(payload []byte) error {
	_, err := p.Exec(fmt.Sprintf(`
		INSERT INTO transformed_projects (project_key, payload)
		VALUES (%s, %s)
		%s`,
		p.Placeholder(1), p.Placeholder(2),
		p.UpsertConflict([]string{"project_key"}, []string{"payload = excluded.payload"})),
		p.projectKey, string(payload))
	if err != nil {
		return fmt.Errorf("save transformed project: %w", err)
	}
	return nil
}

// GetTransformedProject returns the transformed project payload, or nil if
// the project has not been transformed.
func (p *ProjectDB) GetTransformedProject() ([]byte, error) {
	var payload string
	err := p.QueryRow(fmt.Sprintf(`
		SELECT payload FROM transformed_projects WHERE project_key = %s`, p.Placeholder(1)),
		p.projectKey).Scan(&payload)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transformed project: %w", err)
	}
	return []byte(payload), nil
}

// SaveTransformedModules upserts transformed modules in one transaction.
func (p *ProjectDB) SaveTransformedModules(ctx context.Context, modules []TransformedModule) error {
	if len(modules) == 0 {
		return nil
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, m := range modules {
			_, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO transformed_modules (project_key, source_folder_id,
					parent_source_id, level, payload)
				VALUES (%s, %s, %s, %s, %s)
				%s`,
				tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3),
				tx.Placeholder(4), tx.Placeholder(5),
				tx.UpsertConflict([]string{"project_key", "source_folder_id"}, []string{
					"parent_source_id = excluded.parent_source_id",
					"level = excluded.level",
					"payload = excluded.payload",
				})),
				p.projectKey, m.SourceFolderID, m.ParentSourceID, m.Level, string(m.Payload))
			if err != nil {
				return fmt.Errorf("save transformed module %s: %w", m.SourceFolderID, err)
			}
		}
		return nil
	})
}

// GetTransformedModules returns transformed modules ordered by level then
// source id, so parents come before children.
func (p *ProjectDB) GetTransformedModules() ([]TransformedModule, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT source_folder_id, parent_source_id, level, payload
		FROM transformed_modules WHERE project_key = %s
		ORDER BY level, source_folder_id`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get transformed modules: %w", err)
	}
	defer rows.Close()

	var modules []TransformedModule
	for rows.Next() {
		var m TransformedModule
		var payload string
		if err := rows.Scan(&m.SourceFolderID, &m.ParentSourceID, &m.Level, &payload); err != nil {
			return nil, fmt.Errorf("scan transformed module: %w", err)
		}
		m.Payload = []byte(payload)
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// SaveTransformedTestCases upserts transformed test case payloads.
func (p *ProjectDB) SaveTransformedTestCases(ctx context.Context, entities []TransformedEntity) error {
	return p.saveTransformedEntities(ctx, "transformed_test_cases", "source_case_id", entities)
}

// GetTransformedTestCases returns transformed test case payloads ordered by
// source id.
func (p *ProjectDB) GetTransformedTestCases() ([]TransformedEntity, error) {
	return p.getTransformedEntities("transformed_test_cases", "source_case_id")
}

// SaveTransformedTestCycles upserts transformed test cycle payloads.
func (p *ProjectDB) SaveTransformedTestCycles(ctx context.Context, entities []TransformedEntity) error {
	return p.saveTransformedEntities(ctx, "transformed_test_cycles", "source_cycle_id", entities)
}

// GetTransformedTestCycles returns transformed test cycle payloads ordered
// by source id.
func (p *ProjectDB) GetTransformedTestCycles() ([]TransformedEntity, error) {
	return p.getTransformedEntities("transformed_test_cycles", "source_cycle_id")
}

func (p *ProjectDB) saveTransformedEntities(ctx context.Context, table, idColumn string, entities []TransformedEntity) error {
	if len(entities) == 0 {
		return nil
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, e := range entities {
			_, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO %s (project_key, %s, source_folder_id, payload)
				VALUES (%s, %s, %s, %s)
				%s`,
				table, idColumn,
				tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
				tx.UpsertConflict([]string{"project_key", idColumn}, []string{
					"source_folder_id = excluded.source_folder_id",
					"payload = excluded.payload",
				})),
				p.projectKey, e.SourceID, e.SourceFolderID, string(e.Payload))
			if err != nil {
				return fmt.Errorf("save transformed entity %s: %w", e.SourceID, err)
			}
		}
		return nil
	})
}

func (p *ProjectDB) getTransformedEntities(table, idColumn string) ([]TransformedEntity, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT %s, source_folder_id, payload
		FROM %s WHERE project_key = %s
		ORDER BY %s`,
		idColumn, table, p.Placeholder(1), idColumn),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get transformed entities from %s: %w", table, err)
	}
	defer rows.Close()

	var entities []TransformedEntity
	for rows.Next() {
		var e TransformedEntity
		var payload string
		if err := rows.Scan(&e.SourceID, &e.SourceFolderID, &payload); err != nil {
			return nil, fmt.Errorf("scan transformed entity: %w", err)
		}
		e.Payload = []byte(payload)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SaveTransformedTestRuns upserts transformed run payloads.
func (p *ProjectDB) SaveTransformedTestRuns(ctx context.Context, runs []TransformedRun) error {
	if len(runs) == 0 {
		return nil
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, r := range runs {
			_, err := tx.Exec(fmt.Sprintf(`
				INSERT INTO transformed_test_runs (project_key, source_execution_id,
					source_case_id, source_cycle_id, payload, log_payload)
				VALUES (%s, %s, %s, %s, %s, %s)
				%s`,
				tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3),
				tx.Placeholder(4), tx.Placeholder(5), tx.Placeholder(6),
				tx.UpsertConflict([]string{"project_key", "source_execution_id"}, []string{
					"source_case_id = excluded.source_case_id",
					"source_cycle_id = excluded.source_cycle_id",
					"payload = excluded.payload",
					"log_payload = excluded.log_payload",
				})),
				p.projectKey, r.SourceExecutionID, r.SourceCaseID, r.SourceCycleID,
				string(r.Payload), string(r.LogPayload))
			if err != nil {
				return fmt.Errorf("save transformed run %s: %w", r.SourceExecutionID, err)
			}
		}
		return nil
	})
}

// GetTransformedTestRuns returns transformed run payloads ordered by source
// execution id.
func (p *ProjectDB) GetTransformedTestRuns() ([]TransformedRun, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT source_execution_id, source_case_id, source_cycle_id, payload, log_payload
		FROM transformed_test_runs WHERE project_key = %s
		ORDER BY source_execution_id`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get transformed runs: %w", err)
	}
	defer rows.Close()

	var runs []TransformedRun
	for rows.Next() {
		var r TransformedRun
		var payload, logPayload string
		if err := rows.Scan(&r.SourceExecutionID, &r.SourceCaseID, &r.SourceCycleID,
			&payload, &logPayload); err != nil {
			return nil, fmt.Errorf("scan transformed run: %w", err)
		}
		r.Payload = []byte(payload)
		r.LogPayload = []byte(logPayload)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetTransformedCounts returns transformed row counts per entity type.
func (p *ProjectDB) GetTransformedCounts() (map[domain.EntityType]int, error) {
	tables := map[domain.EntityType]string{
		domain.EntityFolders:        "transformed_modules",
		domain.EntityTestCases:      "transformed_test_cases",
		domain.EntityTestCycles:     "transformed_test_cycles",
		domain.EntityTestExecutions: "transformed_test_runs",
	}
	counts := make(map[domain.EntityType]int, len(tables))
	for et, table := range tables {
		var n int
		err := p.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE project_key = %s`,
			table, p.Placeholder(1)), p.projectKey).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[et] = n
	}
	return counts, nil
}

// DeleteTransformed removes all transformed payloads for the project.
func (p *ProjectDB) DeleteTransformed(ctx context.Context) error {
	tables := []string{
		"transformed_test_runs",
		"transformed_test_cycles",
		"transformed_test_cases",
		"transformed_modules",
		"transformed_projects",
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, table := range tables {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE project_key = %s`,
				table, tx.Placeholder(1)), p.projectKey); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
}
