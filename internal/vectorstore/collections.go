package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// QdrantIndex implements backend.VectorIndex on one Qdrant collection.
// The collection is created on first use.
type QdrantIndex struct {
	client     *QdrantClient
	collection string
	ready      bool
	mu         sync.RWMutex
}

func NewQdrantIndex(client *QdrantClient, collection string) *QdrantIndex {
	return &QdrantIndex{client: client, collection: collection}
}

var _ backend.VectorIndex = (*QdrantIndex)(nil)

// ensure creates the collection if needed. Success is cached in-memory.
func (q *QdrantIndex) ensure(ctx context.Context) error {
	q.mu.RLock()
	if q.ready {
		q.mu.RUnlock()
		return nil
	}
	q.mu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	// Double-check after acquiring write lock
	if q.ready {
		return nil
	}
	if err := q.client.EnsureCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("ensure collection %s: %w", q.collection, err)
	}
	q.ready = true
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, meta backend.Metadata) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	return q.client.Upsert(ctx, q.collection, []Point{{
		ID:     id,
		Vector: vector,
		Payload: map[string]any{
			"record_type": string(meta.Type),
			"project":     meta.Project,
			"tags":        tags,
			"created_at":  meta.CreatedAt,
			"archived":    meta.Archived,
		},
	}})
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, filters models.Filters, k int) ([]backend.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	results, err := q.client.Search(ctx, q.collection, vector, k, QdrantFilter(filters))
	if err != nil {
		return nil, err
	}
	hits := make([]backend.Hit, len(results))
	for i, r := range results {
		hits[i] = backend.Hit{ID: r.ID, Score: r.Score}
	}
	return backend.Rank(hits), nil
}

func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	return q.client.DeletePoints(ctx, q.collection, []string{id})
}

func (q *QdrantIndex) Health(ctx context.Context) error {
	return q.client.HealthCheck(ctx)
}

// QdrantFilter translates filters into payload conditions. A tag condition
// on an array payload matches when any element equals the value, so one
// condition per tag gives all-of semantics.
func QdrantFilter(f models.Filters) *Filter {
	var must []Condition
	if !f.IncludeArchived {
		must = append(must, Condition{Key: "archived", Match: &Match{Value: false}})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		must = append(must, Condition{Key: "record_type", Match: &Match{Any: types}})
	}
	if f.Project != "" {
		must = append(must, Condition{Key: "project", Match: &Match{Value: f.Project}})
	}
	for _, tag := range f.Tags {
		must = append(must, Condition{Key: "tags", Match: &Match{Value: tag}})
	}
	if f.CreatedAfter > 0 || f.CreatedBefore > 0 {
		r := &Range{}
		if f.CreatedAfter > 0 {
			v := float64(f.CreatedAfter)
			r.Gt = &v
		}
		if f.CreatedBefore > 0 {
			v := float64(f.CreatedBefore)
			r.Lt = &v
		}
		must = append(must, Condition{Key: "created_at", Range: r})
	}
	return &Filter{Must: must}
}
