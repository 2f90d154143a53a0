package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/tmig/internal/domain"
)

// SaveTestExecutions persists extracted executions. Each execution is saved
// in its own transaction together with its attachment records.
func (p *ProjectDB) SaveTestExecutions(ctx context.Context, executions []*domain.TestExecution) error {
	for _, te := range executions {
		if err := p.SaveTestExecution(ctx, te); err != nil {
			return err
		}
	}
	return nil
}

// SaveTestExecution upserts one execution with its attachment records.
func (p *ProjectDB) SaveTestExecution(ctx context.Context, te *domain.TestExecution) error {
	fields, err := marshalFields(te.CustomFields)
	if err != nil {
		return fmt.Errorf("marshal custom fields for execution %s: %w", te.ID, err)
	}
	results, err := marshalStepResults(te.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results for execution %s: %w", te.ID, err)
	}

	return p.RunInTx(ctx, func(tx *TxOps) error {
		_, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO test_executions (id, project_key, test_cycle_id, test_case_id,
				status, executed_by, environment, comment, step_results, custom_fields)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			%s`,
			tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
			tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7), tx.Placeholder(8),
			tx.Placeholder(9), tx.Placeholder(10),
			tx.UpsertConflict([]string{"project_key", "id"}, []string{
				"test_cycle_id = excluded.test_cycle_id",
				"test_case_id = excluded.test_case_id",
				"status = excluded.status",
				"executed_by = excluded.executed_by",
				"environment = excluded.environment",
				"comment = excluded.comment",
				"step_results = excluded.step_results",
				"custom_fields = excluded.custom_fields",
			})),
			te.ID, p.projectKey, te.TestCycleID, te.TestCaseID,
			te.Status, te.ExecutedBy, te.Environment, te.Comment, results, fields)
		if err != nil {
			return fmt.Errorf("save test execution %s: %w", te.ID, err)
		}

		for _, att := range te.Attachments {
			if err := saveAttachmentRecordTx(tx, p.projectKey, domain.RelatedTestExecution, te.ID, att); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTestExecutions returns all extracted executions with attachment records
// (content not included) ordered by id.
func (p *ProjectDB) GetTestExecutions() ([]*domain.TestExecution, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT id, test_cycle_id, test_case_id, status, executed_by,
			environment, comment, step_results, custom_fields
		FROM test_executions WHERE project_key = %s ORDER BY id`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get test executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.TestExecution
	byID := make(map[string]*domain.TestExecution)
	for rows.Next() {
		te, err := scanTestExecution(rows, p.projectKey)
		if err != nil {
			return nil, err
		}
		executions = append(executions, te)
		byID[te.ID] = te
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.attachAttachmentRecords(domain.RelatedTestExecution, func(id string) *[]domain.Attachment {
		if te, ok := byID[id]; ok {
			return &te.Attachments
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return executions, nil
}

// GetTestExecution returns one execution by source id, or nil if not
// extracted.
func (p *ProjectDB) GetTestExecution(id string) (*domain.TestExecution, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT id, test_cycle_id, test_case_id, status, executed_by,
			environment, comment, step_results, custom_fields
		FROM test_executions WHERE project_key = %s AND id = %s`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, id)

	te, err := scanTestExecution(row, p.projectKey)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test execution %s: %w", id, err)
	}
	records, err := p.ListAttachmentRecords(domain.RelatedTestExecution, te.ID)
	if err != nil {
		return nil, err
	}
	te.Attachments = records
	return te, nil
}

func scanTestExecution(row rowScanner, projectKey string) (*domain.TestExecution, error) {
	te := &domain.TestExecution{ProjectKey: projectKey}
	var fields, results string
	err := row.Scan(&te.ID, &te.TestCycleID, &te.TestCaseID, &te.Status,
		&te.ExecutedBy, &te.Environment, &te.Comment, &results, &fields)
	if err != nil {
		return nil, err
	}
	if te.StepResults, err = unmarshalStepResults(results); err != nil {
		return nil, fmt.Errorf("unmarshal step results for execution %s: %w", te.ID, err)
	}
	if te.CustomFields, err = unmarshalFields(fields); err != nil {
		return nil, fmt.Errorf("unmarshal custom fields for execution %s: %w", te.ID, err)
	}
	return te, nil
}

func marshalStepResults(results []domain.StepResult) (string, error) {
	if len(results) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStepResults(s string) ([]domain.StepResult, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var results []domain.StepResult
	if err := json.Unmarshal([]byte(s), &results); err != nil {
		return nil, err
	}
	return results, nil
}
