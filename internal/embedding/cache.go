package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// Client is an embedding provider that can report its health and model.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	HealthCheck(ctx context.Context) error
	Model() string
}

// CachedEmbedder wraps a Client with two cache tiers: an in-process
// ristretto cache in front of the content-hash cache in SQLite.
type CachedEmbedder struct {
	client Client
	hot    *ristretto.Cache
	cache  *store.EmbeddingCacheStore
	dim    int
	logger *slog.Logger
}

// NewCachedEmbedder builds the cache. hotEntries bounds the in-process tier;
// zero disables it.
func NewCachedEmbedder(client Client, cache *store.EmbeddingCacheStore, dim int, hotEntries int64, logger *slog.Logger) (*CachedEmbedder, error) {
	e := &CachedEmbedder{client: client, cache: cache, dim: dim, logger: logger}
	if hotEntries > 0 {
		hot, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: hotEntries * 10,
			MaxCost:     hotEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		e.hot = hot
	}
	return e, nil
}

// Embed returns the embedding for text, using cache when available.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := ContentHash(text)

	if e.hot != nil {
		if v, ok := e.hot.Get(hash); ok {
			return v.([]float32), nil
		}
	}

	entry, err := e.cache.Get(ctx, hash, e.client.Model())
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry != nil {
		vec := search.BytesToFloat32(entry.Embedding)
		e.remember(hash, vec)
		return vec, nil
	}

	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.dim > 0 && len(vec) != e.dim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(vec), e.dim)
	}

	cacheEntry := &models.EmbeddingCacheEntry{
		ContentHash: hash,
		Embedding:   search.Float32ToBytes(vec),
		Dimension:   len(vec),
		Model:       e.client.Model(),
	}
	if err := e.cache.Put(ctx, cacheEntry); err != nil {
		// Non-fatal: the vector is still usable.
		e.logger.Warn("failed to cache embedding", "error", err)
	}
	e.remember(hash, vec)
	return vec, nil
}

// HealthCheck delegates to the underlying client.
func (e *CachedEmbedder) HealthCheck(ctx context.Context) error {
	return e.client.HealthCheck(ctx)
}

// Close releases the in-process cache.
func (e *CachedEmbedder) Close() {
	if e.hot != nil {
		e.hot.Close()
	}
}

func (e *CachedEmbedder) remember(hash string, vec []float32) {
	if e.hot != nil {
		e.hot.Set(hash, vec, 1)
	}
}

// ContentHash computes a SHA-256 hash of text content.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}
