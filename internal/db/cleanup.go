package db

import (
	"context"
	"fmt"
)

// DeleteExtracted removes all extracted source rows for the project: the
// prelude to a full (non-incremental) re-extract. Transformed payloads,
// mappings and control rows are untouched.
func (p *ProjectDB) DeleteExtracted(ctx context.Context) error {
	tables := []string{
		"test_executions",
		"test_cycles",
		"test_cases", // cascades test_steps
		"attachments",
		"folders",
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
