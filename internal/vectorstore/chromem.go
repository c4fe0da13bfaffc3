package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// ChromemIndex is an embedded, in-process vector index backed by chromem-go.
// Nothing is persisted; the reconciler rebuilds it from stored embeddings.
type ChromemIndex struct {
	db   *chromem.DB
	name string
	col  *chromem.Collection
	mu   sync.RWMutex
}

func NewChromemIndex(collection string) *ChromemIndex {
	return &ChromemIndex{db: chromem.NewDB(), name: collection}
}

var _ backend.VectorIndex = (*ChromemIndex)(nil)

func (s *ChromemIndex) collection() (*chromem.Collection, error) {
	s.mu.RLock()
	col := s.col
	s.mu.RUnlock()
	if col != nil {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if s.col != nil {
		return s.col, nil
	}
	// No embedding func: vectors are always supplied by the caller.
	col, err := s.db.GetOrCreateCollection(s.name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.col = col
	return col, nil
}

func (s *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32, meta backend.Metadata) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: vector,
		Metadata:  flatMetadata(meta),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query pushes the equality filters chromem supports into its where clause
// and applies tags, date bounds and multi-type filters afterwards.
func (s *ChromemIndex) Query(ctx context.Context, vector []float32, filters models.Filters, k int) ([]backend.Hit, error) {
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if k <= 0 || count == 0 {
		return nil, nil
	}

	where := map[string]string{}
	if !filters.IncludeArchived {
		where["archived"] = strconv.FormatBool(false)
	}
	if filters.Project != "" {
		where["project"] = filters.Project
	}
	if len(filters.Types) == 1 {
		where["record_type"] = string(filters.Types[0])
	}

	// chromem-go requires nResults <= collection size. When some filters are
	// applied after the query, scan everything so they cannot starve k.
	n := k
	if len(filters.Tags) > 0 || len(filters.Types) > 1 || filters.CreatedAfter > 0 || filters.CreatedBefore > 0 {
		n = count
	}
	if n > count {
		n = count
	}

	results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]backend.Hit, 0, k)
	for _, r := range results {
		if !metaMatches(parseFlatMetadata(r.Metadata), filters) {
			continue
		}
		hits = append(hits, backend.Hit{ID: r.ID, Score: float64(r.Similarity)})
		if len(hits) == k {
			break
		}
	}
	return backend.Rank(hits), nil
}

func (s *ChromemIndex) Delete(ctx context.Context, id string) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *ChromemIndex) Health(context.Context) error {
	_, err := s.collection()
	return err
}
