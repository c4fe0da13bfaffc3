package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// LexicalIndex handles keyword search via SQLite FTS5 and implements
// backend.LexicalIndex.
type LexicalIndex struct {
	db *DB
}

func NewLexicalIndex(db *DB) *LexicalIndex {
	return &LexicalIndex{db: db}
}

var _ backend.LexicalIndex = (*LexicalIndex)(nil)

// Upsert replaces the indexed text for id. Filter metadata is read from the
// records table at query time, so meta only contributes tags to the text.
func (s *LexicalIndex) Upsert(ctx context.Context, id, text string, meta backend.Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lexical upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear lexical entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO records_fts (id, content, tags) VALUES (?, ?, ?)`,
		id, text, strings.Join(meta.Tags, " ")); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert lexical entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lexical upsert: %w", err)
	}
	return nil
}

// Delete removes id from the index. Deleting a missing id is not an error.
func (s *LexicalIndex) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete lexical entry: %w", err)
	}
	return nil
}

// Has reports whether id is present in the index.
func (s *LexicalIndex) Has(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records_fts WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check lexical entry: %w", err)
	}
	return n > 0, nil
}

// Query performs BM25 full-text search with filters pushed into the join
// against records. Hits are ordered best first.
func (s *LexicalIndex) Query(ctx context.Context, text string, filters models.Filters, k int) ([]backend.Hit, error) {
	match := MatchExpression(text)
	if match == "" || k <= 0 {
		return nil, nil
	}

	conds, args := FilterSQL("r.", filters)
	args = append([]any{match}, args...)
	args = append(args, k)

	// bm25() returns negative values where more negative = better match,
	// so we negate to get positive scores where higher = better.
	q := fmt.Sprintf(`
		SELECT r.id, -bm25(records_fts) AS score
		FROM records_fts
		JOIN records r ON r.id = records_fts.id
		WHERE records_fts MATCH ?
		  AND %s
		ORDER BY bm25(records_fts), r.id
		LIMIT ?
	`, strings.Join(conds, " AND "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []backend.Hit
	for rows.Next() {
		var h backend.Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return backend.Rank(hits), nil
}

// MatchExpression turns free text into an FTS5 query: each word becomes a
// quoted term and terms are OR-ed so partial matches still rank.
func MatchExpression(text string) string {
	words := Tokenize(text)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
