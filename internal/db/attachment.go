package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/randalmurphal/tmig/internal/domain"
)

// saveAttachmentRecordTx upserts attachment metadata. Existing content bytes
// are left untouched so a re-extract does not discard downloads.
func saveAttachmentRecordTx(tx *TxOps, projectKey string, relatedType domain.RelatedType, relatedID string, att domain.Attachment) error {
	_, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO attachments (source_id, project_key, related_type, related_id,
			filename, size, content_url, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		%s`,
		tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3), tx.Placeholder(4),
		tx.Placeholder(5), tx.Placeholder(6), tx.Placeholder(7), tx.Placeholder(8),
		tx.UpsertConflict(
			[]string{"project_key", "related_type", "related_id", "filename"},
			[]string{
				"source_id = excluded.source_id",
				"size = excluded.size",
				"content_url = excluded.content_url",
			})),
		att.ID, projectKey, string(relatedType), relatedID,
		att.Filename, att.Size, att.ContentURL, nowString())
	if err != nil {
		return fmt.Errorf("save attachment record %s/%s: %w", relatedID, att.Filename, err)
	}
	return nil
}

// SaveAttachment upserts an attachment including its content bytes. The
// dedupe key is (related_type, related_id, filename).
func (p *ProjectDB) SaveAttachment(ctx context.Context, relatedType domain.RelatedType, relatedID string, att *domain.Attachment) error {
	return p.RunInTx(ctx, func(tx *TxOps) error {
		if err := saveAttachmentRecordTx(tx, p.projectKey, relatedType, relatedID, *att); err != nil {
			return err
		}
		if att.Content == nil {
			return nil
		}
		_, err := tx.Exec(fmt.Sprintf(`
			UPDATE attachments SET content = %s, size = %s
			WHERE project_key = %s AND related_type = %s AND related_id = %s AND filename = %s`,
			tx.Placeholder(1), tx.Placeholder(2), tx.Placeholder(3),
			tx.Placeholder(4), tx.Placeholder(5), tx.Placeholder(6)),
			att.Content, int64(len(att.Content)), p.projectKey,
			string(relatedType), relatedID, att.Filename)
		if err != nil {
			return fmt.Errorf("save attachment content %s/%s: %w", relatedID, att.Filename, err)
		}
		return nil
	})
}

// GetAttachments returns attachments for one entity including content bytes.
func (p *ProjectDB) GetAttachments(relatedType domain.RelatedType, relatedID string) ([]domain.Attachment, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT source_id, related_type, related_id, filename, size, content_url, content
		FROM attachments
		WHERE project_key = %s AND related_type = %s AND related_id = %s
		ORDER BY filename`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3)),
		p.projectKey, string(relatedType), relatedID)
	if err != nil {
		return nil, fmt.Errorf("get attachments for %s: %w", relatedID, err)
	}
	defer rows.Close()

	var atts []domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		var rt string
		if err := rows.Scan(&att.ID, &rt, &att.RelatedID, &att.Filename,
			&att.Size, &att.ContentURL, &att.Content); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		att.RelatedType = domain.RelatedType(rt)
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

// ListAttachmentRecords returns attachment metadata for one entity without
// loading content bytes.
func (p *ProjectDB) ListAttachmentRecords(relatedType domain.RelatedType, relatedID string) ([]domain.Attachment, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT source_id, related_type, related_id, filename, size, content_url
		FROM attachments
		WHERE project_key = %s AND related_type = %s AND related_id = %s
		ORDER BY filename`,
		p.Placeholder(1), p.Placeholder(2), p.Placeholder(3)),
		p.projectKey, string(relatedType), relatedID)
	if err != nil {
		return nil, fmt.Errorf("list attachment records for %s: %w", relatedID, err)
	}
	defer rows.Close()
	return scanAttachmentRecords(rows)
}

// ListPendingAttachments returns records whose content has not been
// downloaded yet but that carry a source URL to fetch it from.
func (p *ProjectDB) ListPendingAttachments() ([]domain.Attachment, error) {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT source_id, related_type, related_id, filename, size, content_url
		FROM attachments
		WHERE project_key = %s AND content IS NULL AND content_url != ''
		ORDER BY related_type, related_id, filename`, p.Placeholder(1)),
		p.projectKey)
	if err != nil {
		return nil, fmt.Errorf("list pending attachments: %w", err)
	}
	defer rows.Close()
	return scanAttachmentRecords(rows)
}

// attachAttachmentRecords loads metadata for all entities of one related
// type in a single query and hands each record to the resolver.
func (p *ProjectDB) attachAttachmentRecords(relatedType domain.RelatedType, resolve func(relatedID string) *[]domain.Attachment) error {
	rows, err := p.Query(fmt.Sprintf(`
		SELECT source_id, related_type, related_id, filename, size, content_url
		FROM attachments
		WHERE project_key = %s AND related_type = %s
		ORDER BY related_id, filename`,
		p.Placeholder(1), p.Placeholder(2)),
		p.projectKey, string(relatedType))
	if err != nil {
		return fmt.Errorf("load attachment records: %w", err)
	}
	defer rows.Close()

	records, err := scanAttachmentRecords(rows)
	if err != nil {
		return err
	}
	for _, att := range records {
		if target := resolve(att.RelatedID); target != nil {
			*target = append(*target, att)
		}
	}
	return nil
}

func scanAttachmentRecords(rows *sql.Rows) ([]domain.Attachment, error) {
	var atts []domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		var rt string
		if err := rows.Scan(&att.ID, &rt, &att.RelatedID, &att.Filename,
			&att.Size, &att.ContentURL); err != nil {
			return nil, fmt.Errorf("scan attachment record: %w", err)
		}
		att.RelatedType = domain.RelatedType(rt)
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

// CountAttachments returns the number of attachment records, and how many
// of them have content downloaded.
func (p *ProjectDB) CountAttachments() (total int, downloaded int, err error) {
	err = p.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN content IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM attachments WHERE project_key = %s`, p.Placeholder(1)),
		p.projectKey).Scan(&total, &downloaded)
	if err != nil {
		return 0, 0, fmt.Errorf("count attachments: %w", err)
	}
	return total, downloaded, nil
}
