package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// CoAccessStore counts how often two records are returned by the same search.
// Pairs are stored once with a_id < b_id.
type CoAccessStore struct {
	db *DB
}

func NewCoAccessStore(db *DB) *CoAccessStore {
	return &CoAccessStore{db: db}
}

// Record bumps the counter of every unordered pair in ids.
func (s *CoAccessStore) Record(ctx context.Context, ids []string) error {
	if len(ids) < 2 {
		return nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	now := time.Now().Unix()

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO co_access (a_id, b_id, count, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(a_id, b_id) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare co-access upsert: %w", err)
		}
		defer stmt.Close()
		for i := 0; i < len(sorted); i++ {
			for j := i + 1; j < len(sorted); j++ {
				if sorted[i] == sorted[j] {
					continue
				}
				if _, err := stmt.ExecContext(ctx, sorted[i], sorted[j], now); err != nil {
					return fmt.Errorf("record co-access: %w", err)
				}
			}
		}
		return nil
	})
}

// Count returns the total co-access count of pairs involving id.
func (s *CoAccessStore) Count(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM co_access WHERE a_id = ? OR b_id = ?
	`, id, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count co-access: %w", err)
	}
	return n, nil
}
