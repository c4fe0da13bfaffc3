package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// DefaultNodeBudget caps how many distinct records one traversal may visit.
const DefaultNodeBudget = 500

// GraphStore handles typed edges on SQLite and implements backend.GraphStore.
type GraphStore struct {
	db         *DB
	nodeBudget int
}

func NewGraphStore(db *DB) *GraphStore {
	return &GraphStore{db: db, nodeBudget: DefaultNodeBudget}
}

var _ backend.GraphStore = (*GraphStore)(nil)

// AddEdge inserts e. An existing (source, target, type) triple is left
// untouched, whatever its provenance or weight.
func (s *GraphStore) AddEdge(ctx context.Context, e models.Edge) (bool, error) {
	return addEdge(ctx, s.db, e)
}

// AddEdgeTx is AddEdge inside a transaction.
func (s *GraphStore) AddEdgeTx(ctx context.Context, tx *sql.Tx, e models.Edge) (bool, error) {
	return addEdge(ctx, tx, e)
}

func addEdge(ctx context.Context, q querier, e models.Edge) (bool, error) {
	if e.SourceID == e.TargetID {
		return false, fmt.Errorf("add edge: self-link on %s", e.SourceID)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Provenance == "" {
		e.Provenance = models.ProvenanceManual
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO edges (source_id, target_id, edge_type, provenance, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, edge_type) DO NOTHING
	`, e.SourceID, e.TargetID, string(e.Type), string(e.Provenance), e.Weight, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("add edge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasEdge reports whether the exact triple exists.
func (s *GraphStore) HasEdge(ctx context.Context, sourceID, targetID string, t models.EdgeType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges WHERE source_id = ? AND target_id = ? AND edge_type = ?
	`, sourceID, targetID, string(t)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has edge: %w", err)
	}
	return n > 0, nil
}

// Edges returns every edge touching id, strongest first.
func (s *GraphStore) Edges(ctx context.Context, id string) ([]models.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, edge_type, provenance, weight, created_at
		FROM edges
		WHERE source_id = ? OR target_id = ?
		ORDER BY weight DESC, id ASC
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("get edges: %w", err)
	}
	defer rows.Close()

	var edges []models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Type, &e.Provenance, &e.Weight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CountEdges returns how many edges touch id.
func (s *GraphStore) CountEdges(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges WHERE source_id = ? OR target_id = ?`, id, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}

// Total returns the number of edges in the graph.
func (s *GraphStore) Total(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}

// Traverse walks edges in both directions from id breadth-first, up to
// maxHops and the node budget. The start id is not returned. Cycles are
// harmless because every node is visited once.
func (s *GraphStore) Traverse(ctx context.Context, id string, maxHops int, types []models.EdgeType) ([]string, error) {
	if maxHops <= 0 {
		return nil, nil
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []string

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		next, err := s.neighbours(ctx, frontier, types)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, n := range next {
			if visited[n] {
				continue
			}
			if len(visited) > s.nodeBudget {
				return out, nil
			}
			visited[n] = true
			out = append(out, n)
			frontier = append(frontier, n)
		}
	}
	return out, nil
}

func (s *GraphStore) neighbours(ctx context.Context, ids []string, types []models.EdgeType) ([]string, error) {
	ph, half := placeholders(ids)

	typeCond := ""
	if len(types) > 0 {
		tph := make([]string, len(types))
		for i, t := range types {
			tph[i] = "?"
			half = append(half, string(t))
		}
		typeCond = fmt.Sprintf(" AND edge_type IN (%s)", strings.Join(tph, ","))
	}
	// Each half of the UNION binds the same ids and types.
	args := append(append([]any{}, half...), half...)

	q := fmt.Sprintf(`
		SELECT target_id FROM edges WHERE source_id IN (%[1]s)%[2]s
		UNION
		SELECT source_id FROM edges WHERE target_id IN (%[1]s)%[2]s
	`, ph, typeCond)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("traverse edges: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan neighbour: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
