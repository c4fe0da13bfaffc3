package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// AuditStore is the append-only audit log. It deliberately has no update or
// delete methods.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes e and fills in its id and timestamp.
func (s *AuditStore) Append(ctx context.Context, e *models.AuditEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (record_id, project, action, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RecordID, e.Project, string(e.Action), e.Actor, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ByRecord returns entries for a record, newest first.
func (s *AuditStore) ByRecord(ctx context.Context, recordID string, limit int) ([]models.AuditEntry, error) {
	return s.query(ctx, `WHERE record_id = ?`, recordID, limit)
}

// ByProject returns entries for a project, newest first.
func (s *AuditStore) ByProject(ctx context.Context, project string, limit int) ([]models.AuditEntry, error) {
	return s.query(ctx, `WHERE project = ?`, project, limit)
}

func (s *AuditStore) query(ctx context.Context, where, key string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, record_id, project, action, actor, detail, created_at
		FROM audit_log %s
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, where), key, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Project, &e.Action, &e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
