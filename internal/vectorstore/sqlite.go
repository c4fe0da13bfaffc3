package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// SQLiteIndex keeps vectors in the local database and scores them with a
// brute-force cosine scan after pushing filters into SQL. It is the default
// backend for single-node deployments.
type SQLiteIndex struct {
	db *store.DB
}

func NewSQLiteIndex(db *store.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

var _ backend.VectorIndex = (*SQLiteIndex)(nil)

func (s *SQLiteIndex) Upsert(ctx context.Context, id string, vector []float32, meta backend.Metadata) error {
	tags, _ := json.Marshal(meta.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vectors (id, embedding, record_type, project, tags, created_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			record_type = excluded.record_type,
			project = excluded.project,
			tags = excluded.tags,
			created_at = excluded.created_at,
			archived = excluded.archived
	`, id, search.Float32ToBytes(vector), string(meta.Type), meta.Project, string(tags), meta.CreatedAt, meta.Archived)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, filters models.Filters, k int) ([]backend.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	conds, args := vectorFilterSQL(filters)
	q := "SELECT id, embedding FROM vectors"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var hits []backend.Hit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		hits = append(hits, backend.Hit{ID: id, Score: search.CosineSimilarity(vector, search.BytesToFloat32(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return backend.Rank(hits), nil
}

func (s *SQLiteIndex) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func vectorFilterSQL(f models.Filters) ([]string, []any) {
	var conds []string
	var args []any
	if !f.IncludeArchived {
		conds = append(conds, "archived = 0")
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, fmt.Sprintf("record_type IN (%s)", strings.Join(ph, ",")))
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	for _, tag := range f.Tags {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(vectors.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if f.CreatedAfter > 0 {
		conds = append(conds, "created_at > ?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore > 0 {
		conds = append(conds, "created_at < ?")
		args = append(args, f.CreatedBefore)
	}
	return conds, args
}
