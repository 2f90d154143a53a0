package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
)

// MappingType classifies a source-to-target identity mapping.
type MappingType string

const (
	MappingFolderToModule MappingType = "folder_to_module"
	MappingCaseToCase     MappingType = "testcase_to_testcase"
	MappingCycleToCycle   MappingType = "cycle_to_cycle"
	MappingExecutionToRun MappingType = "execution_to_run"
)

// RollbackOrder returns mapping types in deletion order: children before
// parents so the target never holds orphans mid-rollback.
func RollbackOrder() []MappingType {
	return []MappingType{
		MappingExecutionToRun,
		MappingCycleToCycle,
		MappingCaseToCase,
		MappingFolderToModule,
	}
}

// EntityMapping records that a source entity was created on the target.
// A mapping is written exactly when the target id becomes known, which makes
// re-runs idempotent: mapped entities are skipped, not recreated. Rolled
// back mappings are kept as an audit trail rather than deleted.
type EntityMapping struct {
	ProjectKey  string
	MappingType MappingType
	SourceID    string
	TargetID    int64
	RolledBack  bool
	Details     string
	CreatedAt   time.Time
}

// SaveEntityMapping upserts a mapping. Re-creating an entity after rollback
// overwrites the old target id and clears the rolled-back flag.
func (p *ProjectDB) SaveEntityMapping(m *EntityMapping) error {
	_, err := p.Exec(fmt.Sprintf(`
		INSERT INTO entity_mappings (project_key, mapping_type, source_id,
			target_id, rolled_back, details, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		%s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4),
		p.Placeholder(5), p.Placeholder(6), p.Placeholder(7),
		p.UpsertConflict([]string{"project_key", "mapping_type", "source_id"}, []string{
			"target_id = excluded.target_id",
			"rolled_back = excluded.rolled_back",
			"details = excluded.details",
			"created_at = excluded.created_at",
		})),
		p.projectKey, string(m.MappingType), m.SourceID,
		m.TargetID, false, m.Details, nowString())
	if err != nil {
		return fmt.Errorf("save mapping %s/%s: %w", m.MappingType, m.SourceID, err)
	}
	return nil
}

// SaveEntityMappingTx is SaveEntityMapping within an existing transaction.
func SaveEntityMappingTx(tx *TxOps, projectKey string, m *EntityMapping) error {
	_, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO entity_mappings (project_key, mapping_type, source_id,
			target_id, rolled_back, details, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		%s`,
		tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
		tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7),
		tx.UpsertConflict([]string{"project_key", "mapping_type", "source_id"}, []string{
			"target_id = excluded.target_id",
			"rolled_back = excluded.rolled_back",
			"details = excluded.details",
			"created_at = excluded.created_at",
		})),
		projectKey, string(m.MappingType), m.SourceID,
		m.TargetID, false, m.Details, nowString())
	if err != nil {
		return fmt.Errorf("save mapping %s/%s: %w", m.MappingType, m.SourceID, err)
	}
	return nil
}

// GetEntityMapping returns one mapping regardless of rolled-back state, or
// nil if the source entity was never mapped.
func (p *ProjectDB) GetEntityMapping(mt MappingType, sourceID string) (*EntityMapping, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT project_key, mapping_type, source_id, target_id, rolled_back, details, created_at
		FROM entity_mappings
		WHERE project_key = %s AND mapping_type = %s AND source_id = %s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3)),
		p.projectKey, string(mt), sourceID)

	m, err := scanMapping(row)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %s/%s: %w", mt, sourceID, err)
	}
	return m, nil
}

// GetMappedTargetID returns the target id for a source entity if an active
// (not rolled back) mapping exists.
func (p *ProjectDB) GetMappedTargetID(mt MappingType, sourceID string) (int64, bool, error) {
	m, err := p.GetEntityMapping(mt, sourceID)
	if err != nil {
		return 0, false, err
	}
	if m == nil || m.RolledBack {
		return 0, false, nil
	}
	return m.TargetID, true, nil
}

// GetActiveMappings returns all active mappings of one type ordered by
// source id.
func (p *ProjectDB) GetActiveMappings(mt MappingType) ([]*EntityMapping, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT project_key, mapping_type, source_id, target_id, rolled_back, details, created_at
		FROM entity_mappings
		WHERE project_key = %s AND mapping_type = %s AND rolled_back = %s
		ORDER BY source_id`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3)),
		p.projectKey, string(mt), false)
	if err != nil {
		return nil, fmt.Errorf("get mappings %s: %w", mt, err)
	}
	defer rows.Close()
	return scanMappings(rows)
}

// GetMappingsForRollback returns all active mappings ordered children before
// parents: runs, cycles, cases, modules.
func (p *ProjectDB) GetMappingsForRollback() ([]*EntityMapping, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT project_key, mapping_type, source_id, target_id, rolled_back, details, created_at
		FROM entity_mappings
		WHERE project_key = %s AND rolled_back = %s
		ORDER BY CASE mapping_type
			WHEN 'execution_to_run' THEN 0
			WHEN 'cycle_to_cycle' THEN 1
			WHEN 'testcase_to_testcase' THEN 2
			WHEN 'folder_to_module' THEN 3
			ELSE 4 END, source_id`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, false)
	if err != nil {
		return nil, fmt.Errorf("get mappings for rollback: %w", err)
	}
	defer rows.Close()
	return scanMappings(rows)
}

// MarkMappingRolledBack flags a mapping as rolled back, keeping the row as
// an audit record. Details may carry the reason a target delete failed.
func (p *ProjectDB) MarkMappingRolledBack(mt MappingType, sourceID, details string) error {
	_, err := p.Exec(fmt.Sprintf(`
		UPDATE entity_mappings SET rolled_back = %s, details = %s
		WHERE project_key = %s AND mapping_type = %s AND source_id = %s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3),
		p.Placeholder(4), p.Placeholder(5)),
		true, details, p.projectKey, string(mt), sourceID)
	if err != nil {
		return fmt.Errorf("mark mapping rolled back %s/%s: %w", mt, sourceID, err)
	}
	return nil
}

// GetMappingCounts returns active mapping counts per type.
func (p *ProjectDB) GetMappingCounts() (map[MappingType]int, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT mapping_type, COUNT(*)
		FROM entity_mappings
		WHERE project_key = %s AND rolled_back = %s
		GROUP BY mapping_type`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, false)
	if err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[MappingType]int)
	for rows.Next() {
		var mt string
		var n int
		if err := rows.Scan(&mt, &n); err != nil {
			return nil, fmt.Errorf("scan mapping count: %w", err)
		}
		counts[MappingType(mt)] = n
	}
	return counts, rows.Err()
}

// DeleteEntityMappings removes all mapping rows for the project.
func (p *ProjectDB) DeleteEntityMappings() error {
	_, err := p.Exec(fmt.Sprintf(`DELETE FROM entity_mappings WHERE project_key = %s`,
		p.Placeholder(1)), p.projectKey)
	if err != nil {
		return fmt.Errorf("delete mappings: %w", err)
	}
	return nil
}

func scanMapping(row rowScanner) (*EntityMapping, error) {
	var m EntityMapping
	var mt, createdAt string
	if err := row.Scan(&m.ProjectKey, &mt, &m.SourceID, &m.TargetID,
		&m.RolledBack, &m.Details, &createdAt); err != nil {
		return nil, err
	}
	m.MappingType = MappingType(mt)
	var err error
	if m.CreatedAt, err = driver.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMappings(rows *sql.Rows) ([]*EntityMapping, error) {
	var mappings []*EntityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
