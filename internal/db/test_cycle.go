package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
	"github.com/randalmurphal/tmig/internal/domain"
)

// SaveTestCycles upserts extracted test cycles in a single transaction.
func (p *ProjectDB) SaveTestCycles(ctx context.Context, cycles []*domain.TestCycle) error {
	if len(cycles) == 0 {
		return nil
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, cy := range cycles {
			if err := saveTestCycleTx(tx, p.projectKey, cy); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveTestCycleTx(tx *TxOps, projectKey string, cy *domain.TestCycle) error {
	fields, err := marshalFields(cy.CustomFields)
	if err != nil {
		return fmt.Errorf("marshal custom fields for cycle %s: %w", cy.ID, err)
	}

	_, err = tx.Exec(fmt.Sprintf(`
		INSERT INTO test_cycles (id, project_key, cycle_key, folder_id, name,
			description, planned_start, planned_end, status, custom_fields)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		%s`,
		tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
		tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7), tx.Placeholder(8),
		tx.Placeholder(9), tx.Placeholder(10),
		tx.UpsertConflict([]string{"project_key", "id"}, []string{
			"cycle_key = excluded.cycle_key",
			"folder_id = excluded.folder_id",
			"name = excluded.name",
			"description = excluded.description",
			"planned_start = excluded.planned_start",
			"planned_end = excluded.planned_end",
			"status = excluded.status",
			"custom_fields = excluded.custom_fields",
		})),
		cy.ID, projectKey, cy.Key, cy.FolderID, cy.Name,
		cy.Description, timePtrString(cy.PlannedStart), timePtrString(cy.PlannedEnd),
		cy.Status, fields)
	if err != nil {
		return fmt.Errorf("save test cycle %s: %w", cy.ID, err)
	}
	return nil
}

// GetTestCycles returns all extracted test cycles ordered by id.
func (p *ProjectDB) GetTestCycles() ([]*domain.TestCycle, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT id, cycle_key, folder_id, name, description,
			planned_start, planned_end, status, custom_fields
		FROM test_cycles WHERE project_key = %s ORDER BY id`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get test cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*domain.TestCycle
	for rows.Next() {
		cy, err := scanTestCycle(rows, p.projectKey)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, cy)
	}
	return cycles, rows.Err()
}

// GetTestCycle returns one test cycle by source id, or nil if not extracted.
func (p *ProjectDB) GetTestCycle(id string) (*domain.TestCycle, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT id, cycle_key, folder_id, name, description,
			planned_start, planned_end, status, custom_fields
		FROM test_cycles WHERE project_key = %s AND id = %s`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, id)

	cy, err := scanTestCycle(row, p.projectKey)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test cycle %s: %w", id, err)
	}
	return cy, nil
}

func scanTestCycle(row rowScanner, projectKey string) (*domain.TestCycle, error) {
	cy := &domain.TestCycle{ProjectKey: projectKey}
	var fields string
	var start, end sql.NullString
	err := row.Scan(&cy.ID, &cy.Key, &cy.FolderID, &cy.Name, &cy.Description,
		&start, &end, &cy.Status, &fields)
	if err != nil {
		return nil, err
	}
	if cy.PlannedStart, err = parseTimePtr(start); err != nil {
		return nil, fmt.Errorf("cycle %s planned_start: %w", cy.ID, err)
	}
	if cy.PlannedEnd, err = parseTimePtr(end); err != nil {
		return nil, fmt.Errorf("cycle %s planned_end: %w", cy.ID, err)
	}
	if cy.CustomFields, err = unmarshalFields(fields); err != nil {
		return nil, fmt.Errorf("unmarshal custom fields for cycle %s: %w", cy.ID, err)
	}
	return cy, nil
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return driver.FormatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := driver.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
