package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/tmig/internal/db/driver"
)

// MigrationState is the persisted per-project phase ledger. Phase status
// values are owned by the state package; the store treats them as strings.
type MigrationState struct {
	ProjectKey           string
	ExtractionStatus     string
	TransformationStatus string
	LoadingStatus        string
	RollbackStatus       string
	ErrorMessage         string
	IsIncremental        bool
	MetaData             map[string]any
	LastRunAt            *time.Time
	UpdatedAt            time.Time
}

// GetMigrationState returns the state row, or nil if no migration has been
// started for the project.
func (p *ProjectDB) GetMigrationState() (*MigrationState, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT project_key, extraction_status, transformation_status,
			loading_status, rollback_status, error_message, is_incremental,
			meta_data, last_run_at, updated_at
		FROM migration_state WHERE project_key = %s`, p.Placeholder(1)),
		p.projectKey)

	var s MigrationState
	var errMsg, lastRun sql.NullString
	var metaData, updatedAt string
	err := row.Scan(&s.ProjectKey, &s.ExtractionStatus, &s.TransformationStatus,
		&s.LoadingStatus, &s.RollbackStatus, &errMsg, &s.IsIncremental,
		&metaData, &lastRun, &updatedAt)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get migration state: %w", err)
	}

	s.ErrorMessage = scanNullString(errMsg)
	if metaData != "" && metaData != "{}" {
		// Corrupt metadata degrades to empty rather than blocking the run.
		if err := json.Unmarshal([]byte(metaData), &s.MetaData); err != nil {
			s.MetaData = nil
		}
	}
	if s.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return nil, fmt.Errorf("state last_run_at: %w", err)
	}
	if s.UpdatedAt, err = driver.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("state updated_at: %w", err)
	}
	return &s, nil
}

// SaveMigrationState upserts the state row. UpdatedAt is set to now.
func (p *ProjectDB) SaveMigrationState(s *MigrationState) error {
	metaData := "{}"
	if len(s.MetaData) > 0 {
		b, err := json.Marshal(s.MetaData)
		if err != nil {
			return fmt.Errorf("marshal state metadata: %w", err)
		}
		metaData = string(b)
	}

	_, err := p.Exec(fmt.Sprintf(`
		INSERT INTO migration_state (project_key, extraction_status,
			transformation_status, loading_status, rollback_status,
			error_message, is_incremental, meta_data, last_run_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		%s`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3), p.Placeholder(4),
		p.Placeholder(5), p.Placeholder(6), p.Placeholder(7), p.Placeholder(8),
		p.Placeholder(9), p.Placeholder(10),
		p.UpsertConflict([]string{"project_key"}, []string{
			"extraction_status = excluded.extraction_status",
			"transformation_status = excluded.transformation_status",
			"loading_status = excluded.loading_status",
			"rollback_status = excluded.rollback_status",
			"error_message = excluded.error_message",
			"is_incremental = excluded.is_incremental",
			"meta_data = excluded.meta_data",
			"last_run_at = excluded.last_run_at",
			"updated_at = excluded.updated_at",
		})),
		p.projectKey, s.ExtractionStatus, s.TransformationStatus,
		s.LoadingStatus, s.RollbackStatus, nullable(s.ErrorMessage),
		s.IsIncremental, metaData, timePtrString(s.LastRunAt), nowString())
	if err != nil {
		return fmt.Errorf("save migration state: %w", err)
	}
	return nil
}

// DeleteMigrationState removes the state row.
func (p *ProjectDB) DeleteMigrationState() error {
	_, err := p.Exec(fmt.Sprintf(`DELETE FROM migration_state WHERE project_key = %s`,
		p.Placeholder(1)), p.projectKey)
	if err != nil {
		return fmt.Errorf("delete migration state: %w", err)
	}
	return nil
}
