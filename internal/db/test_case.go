package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/tmig/internal/domain"
)

// SaveTestCases persists extracted test cases. Each case is saved in its own
// transaction so a mid-batch failure leaves prior cases durable.
func (p *ProjectDB) SaveTestCases(ctx context.Context, cases []*domain.TestCase) error {
	for _, tc := range cases {
		if err := p.SaveTestCase(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// SaveTestCase upserts one test case with its steps and attachment records
// atomically. Steps are replaced wholesale. Attachment records are upserted
// by filename; previously downloaded content is left untouched.
func (p *ProjectDB) SaveTestCase(ctx context.Context, tc *domain.TestCase) error {
	fields, err := marshalFields(tc.CustomFields)
	if err != nil {
		return fmt.Errorf("marshal custom fields for case %s: %w", tc.ID, err)
	}

	return p.RunInTx(ctx, func(tx *TxOps) error {
		_, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO test_cases (id, project_key, case_key, folder_id, name,
				objective, precondition, priority, status, custom_fields)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			%s`,
			tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
			tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7), tx.Placeholder(8),
			tx.Placeholder(9), tx.Placeholder(10),
			tx.UpsertConflict([]string{"project_key", "id"}, []string{
				"case_key = excluded.case_key",
				"folder_id = excluded.folder_id",
				"name = excluded.name",
				"objective = excluded.objective",
				"precondition = excluded.precondition",
				"priority = excluded.priority",
				"status = excluded.status",
				"custom_fields = excluded.custom_fields",
			})),
			tc.ID, p.projectKey, tc.Key, tc.FolderID, tc.Name,
			tc.Objective, tc.Precondition, tc.Priority, tc.Status, fields)
		if err != nil {
			return fmt.Errorf("save test case %s: %w", tc.ID, err)
		}

		_, err = tx.Exec(fmt.Sprintf(`
			DELETE FROM test_steps WHERE project_key = %s AND test_case_id = %s`,
			tx.Placeholder(1), tx.Placeholder(2)),
			p.projectKey, tc.ID)
		if err != nil {
			return fmt.Errorf("clear steps for case %s: %w", tc.ID, err)
		}

		for _, step := range tc.Steps {
			_, err = tx.Exec(fmt.Sprintf(`
				INSERT INTO test_steps (id, project_key, test_case_id, step_order,
					description, expected_result, test_data)
				VALUES (%s, %s, %s, %s, %s, %s, %s)`,
				tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
				tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7)),
				step.ID, p.projectKey, tc.ID, step.Order,
				step.Description, step.ExpectedResult, step.TestData)
			if err != nil {
				return fmt.Errorf("save step %d for case %s: %w", step.Order, tc.ID, err)
			}
		}

		for _, att := range tc.Attachments {
			if err := saveAttachmentRecordTx(tx, p.projectKey, domain.RelatedTestCase, tc.ID, att); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTestCases returns all extracted test cases with steps and attachment
// records (content not included) ordered by case key.
func (p *ProjectDB) GetTestCases() ([]*domain.TestCase, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT id, case_key, folder_id, name, objective, precondition,
			priority, status, custom_fields
		FROM test_cases WHERE project_key = %s ORDER BY case_key`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get test cases: %w", err)
	}
	defer rows.Close()

	var cases []*domain.TestCase
	byID := make(map[string]*domain.TestCase)
	for rows.Next() {
		tc, err := scanTestCase(rows, p.projectKey)
		if err != nil {
			return nil, err
		}
		cases = append(cases, tc)
		byID[tc.ID] = tc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.attachSteps(byID); err != nil {
		return nil, err
	}
	if err := p.attachAttachmentRecords(domain.RelatedTestCase, func(id string) *[]domain.Attachment {
		if tc, ok := byID[id]; ok {
			return &tc.Attachments
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return cases, nil
}

// GetTestCase returns one test case by source id with steps and attachment
// records, or nil if not extracted.
func (p *ProjectDB) GetTestCase(id string) (*domain.TestCase, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT id, case_key, folder_id, name, objective, precondition,
			priority, status, custom_fields
		FROM test_cases WHERE project_key = %s AND id = %s`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, id)

	tc, err := scanTestCase(row, p.projectKey)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test case %s: %w", id, err)
	}

	byID := map[string]*domain.TestCase{tc.ID: tc}
	if err := p.attachSteps(byID); err != nil {
		return nil, err
	}
	records, err := p.ListAttachmentRecords(domain.RelatedTestCase, tc.ID)
	if err != nil {
		return nil, err
	}
	tc.Attachments = records
	return tc, nil
}

func scanTestCase(row rowScanner, projectKey string) (*domain.TestCase, error) {
	tc := &domain.TestCase{ProjectKey: projectKey}
	var fields string
	err := row.Scan(&tc.ID, &tc.Key, &tc.FolderID, &tc.Name, &tc.Objective,
		&tc.Precondition, &tc.Priority, &tc.Status, &fields)
	if err != nil {
		return nil, err
	}
	if tc.CustomFields, err = unmarshalFields(fields); err != nil {
		return nil, fmt.Errorf("unmarshal custom fields for case %s: %w", tc.ID, err)
	}
	return tc, nil
}

// attachSteps loads steps for the given cases in one query.
func (p *ProjectDB) attachSteps(byID map[string]*domain.TestCase) error {
	if len(byID) == 0 {
		return nil
	}
	rows, err := p.Query(fmt.Sprintf(`
		SELECT id, test_case_id, step_order, description, expected_result, test_data
		FROM test_steps WHERE project_key = %s
		ORDER BY test_case_id, step_order`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return fmt.Errorf("get test steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step domain.TestStep
		if err := rows.Scan(&step.ID, &step.TestCaseID, &step.Order,
			&step.Description, &step.ExpectedResult, &step.TestData); err != nil {
			return fmt.Errorf("scan test step: %w", err)
		}
		if tc, ok := byID[step.TestCaseID]; ok {
			tc.Steps = append(tc.Steps, step)
		}
	}
	return rows.Err()
}

func marshalFields(f domain.Fields) (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalFields(s string) (domain.Fields, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var f domain.Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	return f, nil
}
