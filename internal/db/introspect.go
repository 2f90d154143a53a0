package db

import (
	"database/sql"
	"fmt"

	"github.com/randalmurphal/tmig/internal/db/driver"
	"github.com/randalmurphal/tmig/internal/domain"
)

// Introspection queries backing the validation rules: counts, existence,
// referential integrity and duplicate detection over the extracted tables.

func entityTable(entityType domain.EntityType) (string, bool) {
	switch entityType {
	case domain.EntityFolders:
		return "folders", true
	case domain.EntityTestCases:
		return "test_cases", true
	case domain.EntityTestCycles:
		return "test_cycles", true
	case domain.EntityTestExecutions:
		return "test_executions", true
	default:
		return "", false
	}
}

// CountEntities returns the number of extracted rows for one entity type.
func (p *ProjectDB) CountEntities(entityType domain.EntityType) (int, error) {
	table, ok := entityTable(entityType)
	if !ok {
		return 0, fmt.Errorf("unknown entity type: %s", entityType)
	}
	var n int
	err := p.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE project_key = %s`,
		table, p.Placeholder(1)), p.projectKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// GetSourceEntityCounts returns extracted row counts for every entity type.
func (p *ProjectDB) GetSourceEntityCounts() (map[domain.EntityType]int, error) {
	counts := make(map[domain.EntityType]int, 4)
	for _, et := range domain.ValidEntityTypes() {
		n, err := p.CountEntities(et)
		if err != nil {
			return nil, err
		}
		counts[et] = n
	}
	return counts, nil
}

// EntityExists reports whether an extracted entity with the given source id
// exists.
func (p *ProjectDB) EntityExists(entityType domain.EntityType, id string) (bool, error) {
	table, ok := entityTable(entityType)
	if !ok {
		return false, fmt.Errorf("unknown entity type: %s", entityType)
	}
	var n int
	err := p.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE project_key = %s AND id = %s`,
		table, p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s %s: %w", table, id, err)
	}
	return n > 0, nil
}

// MissingRef records an entity whose reference points at a row that was
// never extracted.
type MissingRef struct {
	EntityID  string
	RefField  string
	MissingID string
}

// FindCasesWithMissingFolder returns cases whose folder_id does not resolve.
// Cases without a folder are fine.
func (p *ProjectDB) FindCasesWithMissingFolder() ([]MissingRef, error) {
	return p.findMissingFolderRefs("test_cases")
}

// FindCyclesWithMissingFolder returns cycles whose folder_id does not
// resolve.
func (p *ProjectDB) FindCyclesWithMissingFolder() ([]MissingRef, error) {
	return p.findMissingFolderRefs("test_cycles")
}

func (p *ProjectDB) findMissingFolderRefs(table string) ([]MissingRef, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT t.id, t.folder_id
		FROM %s t
		LEFT JOIN folders f ON f.project_key = t.project_key AND f.id = t.folder_id
		WHERE t.project_key = %s AND t.folder_id != '' AND f.id IS NULL
		ORDER BY t.id`,
		table, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("find missing folder refs in %s: %w", table, err)
	}
	defer rows.Close()

	var refs []MissingRef
	for rows.Next() {
		ref := MissingRef{RefField: "folder_id"}
		if err := rows.Scan(&ref.EntityID, &ref.MissingID); err != nil {
			return nil, fmt.Errorf("scan missing ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// FindOrphanFolders returns folders whose parent_id does not resolve.
func (p *ProjectDB) FindOrphanFolders() ([]MissingRef, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT c.id, c.parent_id
		FROM folders c
		LEFT JOIN folders pa ON pa.project_key = c.project_key AND pa.id = c.parent_id
		WHERE c.project_key = %s AND c.parent_id != '' AND pa.id IS NULL
		ORDER BY c.id`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("find orphan folders: %w", err)
	}
	defer rows.Close()

	var refs []MissingRef
	for rows.Next() {
		ref := MissingRef{RefField: "parent_id"}
		if err := rows.Scan(&ref.EntityID, &ref.MissingID); err != nil {
			return nil, fmt.Errorf("scan orphan folder: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// FindExecutionsWithMissingRefs returns executions whose case or cycle
// reference does not resolve.
func (p *ProjectDB) FindExecutionsWithMissingRefs() ([]MissingRef, error) {
	var refs []MissingRef

	caseRefs, err := p.findExecutionRefs(
		"test_case_id", "test_cases")
	if err != nil {
		return nil, err
	}
	refs = append(refs, caseRefs...)

	cycleRefs, err := p.findExecutionRefs(
		"test_cycle_id", "test_cycles")
	if err != nil {
		return nil, err
	}
	return append(refs, cycleRefs...), nil
}

func (p *ProjectDB) findExecutionRefs(refColumn, refTable string) ([]MissingRef, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT e.id, e.%s
		FROM test_executions e
		LEFT JOIN %s r ON r.project_key = e.project_key AND r.id = e.%s
		WHERE e.project_key = %s AND e.%s != '' AND r.id IS NULL
		ORDER BY e.id`,
		refColumn, refTable, refColumn, p.Placeholder(1), refColumn),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("find missing %s refs: %w", refColumn, err)
	}
	defer rows.Close()

	var refs []MissingRef
	for rows.Next() {
		ref := MissingRef{RefField: refColumn}
		if err := rows.Scan(&ref.EntityID, &ref.MissingID); err != nil {
			return nil, fmt.Errorf("scan missing ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Duplicate records entities sharing a value that should be distinct.
// IDs is a comma-joined list of the colliding source ids.
type Duplicate struct {
	Value string
	Scope string
	Count int
	IDs   string
}

// FindDuplicateCaseNames returns case names that repeat within one folder.
func (p *ProjectDB) FindDuplicateCaseNames() ([]Duplicate, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT name, folder_id, COUNT(*), %s
		FROM test_cases
		WHERE project_key = %s
		GROUP BY folder_id, name
		HAVING COUNT(*) > 1
		ORDER BY folder_id, name`,
		p.groupConcat("id"), p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("find duplicate case names: %w", err)
	}
	defer rows.Close()
	return scanDuplicates(rows)
}

// FindDuplicateCaseKeys returns case keys shared by more than one case.
func (p *ProjectDB) FindDuplicateCaseKeys() ([]Duplicate, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT case_key, '', COUNT(*), %s
		FROM test_cases
		WHERE project_key = %s AND case_key != ''
		GROUP BY case_key
		HAVING COUNT(*) > 1
		ORDER BY case_key`,
		p.groupConcat("id"), p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("find duplicate case keys: %w", err)
	}
	defer rows.Close()
	return scanDuplicates(rows)
}

func (p *ProjectDB) groupConcat(column string) string {
	if p.Dialect() == driver.DialectPostgres {
		return fmt.Sprintf("STRING_AGG(%s, ',')", column)
	}
	return fmt.Sprintf("GROUP_CONCAT(%s)", column)
}

func scanDuplicates(rows *sql.Rows) ([]Duplicate, error) {
	var dups []Duplicate
	for rows.Next() {
		var d Duplicate
		if err := rows.Scan(&d.Value, &d.Scope, &d.Count, &d.IDs); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		dups = append(dups, d)
	}
	return dups, rows.Err()
}
