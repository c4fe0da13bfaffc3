// Package backend declares the collaborator interfaces the engine consumes:
// the embedding model, the vector index, the lexical index and the graph
// store. Concrete adapters live in embedding, vectorstore and store.
package backend

import (
	"context"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// Metadata is the filterable projection of a record that indexes keep next
// to each entry so filters can be applied before ranking.
type Metadata struct {
	Type      models.RecordType
	Project   string
	Tags      []string
	CreatedAt int64
	Archived  bool
}

// MetadataFor projects r into index metadata.
func MetadataFor(r *models.Record) Metadata {
	return Metadata{
		Type:      r.Type,
		Project:   r.Project,
		Tags:      r.Tags,
		CreatedAt: r.CreatedAt,
		Archived:  r.Archived,
	}
}

// Hit is one ranked result from a sub-index. Rank starts at 1.
type Hit struct {
	ID    string
	Score float64
	Rank  int
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores embeddings and answers nearest-neighbour queries.
// Query scores are cosine similarities in [-1, 1].
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error
	Query(ctx context.Context, vector []float32, filters models.Filters, k int) ([]Hit, error)
	Delete(ctx context.Context, id string) error
	Health(ctx context.Context) error
}

// LexicalIndex stores text for keyword search.
type LexicalIndex interface {
	Upsert(ctx context.Context, id, text string, meta Metadata) error
	Query(ctx context.Context, text string, filters models.Filters, k int) ([]Hit, error)
	Delete(ctx context.Context, id string) error
}

// GraphStore holds typed edges between records.
type GraphStore interface {
	// AddEdge inserts e unless the (source, target, type) triple exists.
	// created is false for the idempotent no-op case.
	AddEdge(ctx context.Context, e models.Edge) (created bool, err error)
	HasEdge(ctx context.Context, sourceID, targetID string, t models.EdgeType) (bool, error)
	Edges(ctx context.Context, id string) ([]models.Edge, error)
	Traverse(ctx context.Context, id string, maxHops int, types []models.EdgeType) ([]string, error)
	CountEdges(ctx context.Context, id string) (int, error)
}

// Rank assigns 1-based ranks in slice order.
func Rank(hits []Hit) []Hit {
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return hits
}
