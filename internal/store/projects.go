package store

import (
	"context"
	"fmt"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// ProjectStore tracks the project labels records are scoped to.
type ProjectStore struct {
	db *DB
}

func NewProjectStore(db *DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// Touch registers name if it doesn't exist, or bumps last_activity_at if it
// does. The empty project is never registered.
func (s *ProjectStore) Touch(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, created_at, last_activity_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_activity_at = excluded.last_activity_at
	`, name, now, now)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// List returns all projects with their live record counts, most recently
// active first.
func (s *ProjectStore) List(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.created_at, p.last_activity_at,
			(SELECT COUNT(*) FROM records r WHERE r.project = p.name AND r.state != 'purged')
		FROM projects p
		ORDER BY p.last_activity_at DESC, p.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.Name, &p.CreatedAt, &p.LastActivityAt, &p.RecordCount); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
