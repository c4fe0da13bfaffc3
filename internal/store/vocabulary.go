package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VocabularyStore keeps the set of terms seen in admitted content. Query
// expansion corrects typos against it.
type VocabularyStore struct {
	db *DB
}

func NewVocabularyStore(db *DB) *VocabularyStore {
	return &VocabularyStore{db: db}
}

// Add increments the frequency of every term.
func (s *VocabularyStore) Add(ctx context.Context, terms []string) error {
	if len(terms) == 0 {
		return nil
	}
	now := time.Now().Unix()
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO vocabulary (term, frequency, updated_at) VALUES (?, 1, ?)
			ON CONFLICT(term) DO UPDATE SET frequency = frequency + 1, updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare vocabulary insert: %w", err)
		}
		defer stmt.Close()
		for _, t := range terms {
			if _, err := stmt.ExecContext(ctx, t, now); err != nil {
				return fmt.Errorf("add vocabulary term: %w", err)
			}
		}
		return nil
	})
}

// Terms returns up to limit terms, most frequent first.
func (s *VocabularyStore) Terms(ctx context.Context, limit int) (map[string]int, error) {
	if limit <= 0 {
		limit = 20000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT term, frequency FROM vocabulary ORDER BY frequency DESC, term ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list vocabulary: %w", err)
	}
	defer rows.Close()

	terms := make(map[string]int)
	for rows.Next() {
		var term string
		var freq int
		if err := rows.Scan(&term, &freq); err != nil {
			return nil, fmt.Errorf("scan vocabulary term: %w", err)
		}
		terms[term] = freq
	}
	return terms, rows.Err()
}
