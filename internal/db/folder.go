package db

import (
	"context"
	"fmt"

	"github.com/randalmurphal/tmig/internal/domain"
)

// SaveFolders upserts extracted folders in a single transaction.
func (p *ProjectDB) SaveFolders(ctx context.Context, folders []*domain.Folder) error {
	if len(folders) == 0 {
		return nil
	}
	return p.RunInTx(ctx, func(tx *TxOps) error {
		for _, f := range folders {
			if err := saveFolderTx(tx, p.projectKey, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveFolderTx(tx *TxOps, projectKey string, f *domain.Folder) error {
	_, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO folders (id, project_key, parent_id, name, kind)
		VALUES (%s, %s, %s, %s, %s)
		%s`,
		tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4), tx.Placeholder(5),
		tx.UpsertConflict([]string{"project_key", "id"}, []string{
			"parent_id = excluded.parent_id",
			"name = excluded.name",
			"kind = excluded.kind",
		})),
		f.ID, projectKey, f.ParentID, f.Name, string(f.Kind))
	if err != nil {
		return fmt.Errorf("save folder %s: %w", f.ID, err)
	}
	return nil
}

// GetFolders returns all extracted folders for the project ordered by id.
func (p *ProjectDB) GetFolders() ([]*domain.Folder, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT id, parent_id, name, kind
		FROM folders WHERE project_key = %s ORDER BY id`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("get folders: %w", err)
	}
	defer rows.Close()

	var folders []*domain.Folder
	for rows.Next() {
		f := &domain.Folder{ProjectKey: p.projectKey}
		var kind string
		if err := rows.Scan(&f.ID, &f.ParentID, &f.Name, &kind); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		f.Kind = domain.FolderKind(kind)
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolder returns one folder by source id, or nil if not extracted.
func (p *ProjectDB) GetFolder(id string) (*domain.Folder, error) {
	row := p.QueryRow(fmt.Sprintf(`
		SELECT id, parent_id, name, kind
		FROM folders WHERE project_key = %s AND id = %s`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, id)

	f := &domain.Folder{ProjectKey: p.projectKey}
	var kind string
	err := row.Scan(&f.ID, &f.ParentID, &f.Name, &kind)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get folder %s: %w", id, err)
	}
	f.Kind = domain.FolderKind(kind)
	return f, nil
}
