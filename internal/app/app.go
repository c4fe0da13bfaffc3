// Package app wires the stores, indexes, engines and scheduler from a
// Config. The CLI commands build one App and use the parts they need.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/iammorganparry/clive/apps/engram/internal/api"
	"github.com/iammorganparry/clive/apps/engram/internal/audit"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/embedding"
	"github.com/iammorganparry/clive/apps/engram/internal/inference"
	"github.com/iammorganparry/clive/apps/engram/internal/lifecycle"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/quality"
	"github.com/iammorganparry/clive/apps/engram/internal/scheduler"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
	"github.com/iammorganparry/clive/apps/engram/internal/vectorstore"
)

type embedder interface {
	backend.Embedder
	HealthCheck(ctx context.Context) error
}

type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB         *store.DB
	Service    *memory.Service
	Lifecycle  *lifecycle.Engine
	Inference  *inference.Engine
	Reconciler *memory.Reconciler
	Scheduler  *scheduler.Scheduler

	closers []func()
}

// New opens the database and connects the configured backends.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, DB: db}
	a.closers = append(a.closers, func() { db.Close() })

	records := store.NewRecordStore(db)
	graph := store.NewGraphStore(db)
	projects := store.NewProjectStore(db)
	jobs := store.NewJobStore(db)
	repair := store.NewRepairQueue(db)
	vocab := store.NewVocabularyStore(db)
	coAccess := store.NewCoAccessStore(db)
	trail := audit.NewTrail(store.NewAuditStore(db), logger)
	lexical := store.NewLexicalIndex(db)

	emb, err := a.newEmbedder(store.NewEmbeddingCacheStore(db))
	if err != nil {
		a.Close()
		return nil, err
	}
	vectors, err := a.newVectorIndex(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gate := quality.NewGate(cfg.Quality)
	expander := search.NewExpander(vocab, cfg.Search.Synonyms)
	engine := search.NewEngine(records, coAccess, lexical, vectors, emb, expander, cfg.Search, logger)
	writer := memory.NewWriter(records, lexical, vectors, emb, repair, vocab, trail, cfg.Writer, logger)
	writer.OnVocabularyChange(expander.Invalidate)

	a.Reconciler = memory.NewReconciler(records, lexical, vectors, emb, repair, logger)
	a.Service = memory.NewService(records, graph, projects, jobs, gate, writer, engine, vectors, emb, trail, logger)
	a.Lifecycle = lifecycle.NewEngine(records, graph, coAccess, vectors, writer, trail, cfg.Lifecycle, logger)
	a.Inference = inference.NewEngine(records, graph, engine, trail, cfg.Inference, logger)
	a.Scheduler = scheduler.New(jobs, cfg.Schedule.JobTimeout(), logger)

	// chromem keeps nothing on disk.
	if cfg.Vector.Backend == "chromem" {
		if _, err := a.Reconciler.RebuildVectors(ctx, cfg.Writer.RepairBatch); err != nil {
			a.Close()
			return nil, fmt.Errorf("rebuild vector index: %w", err)
		}
	}

	if err := a.registerJobs(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) newEmbedder(cache *store.EmbeddingCacheStore) (embedder, error) {
	c := a.Config.Embedding
	var client embedding.Client
	switch c.Provider {
	case "hash":
		return embedding.NewHashEmbedder(c.Dim), nil
	case "openai":
		client = embedding.NewOpenAIClient(c.OpenAIAPIKey, c.OpenAIBaseURL, c.Model)
	default:
		client = embedding.NewOllamaClient(c.OllamaBaseURL, c.Model)
	}
	cached, err := embedding.NewCachedEmbedder(client, cache, c.Dim, c.CacheEntries, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cached.Close)
	return cached, nil
}

func (a *App) newVectorIndex(ctx context.Context) (backend.VectorIndex, error) {
	v := a.Config.Vector
	switch v.Backend {
	case "qdrant":
		idx := vectorstore.NewQdrantIndex(vectorstore.NewQdrantClient(v.QdrantURL, a.Config.Embedding.Dim), v.Collection)
		if err := idx.Health(ctx); err != nil {
			a.Logger.Warn("qdrant not available at startup, writes will queue for repair", "error", err)
		}
		return idx, nil
	case "chromem":
		return vectorstore.NewChromemIndex(v.Collection), nil
	case "pgvector":
		idx, err := vectorstore.NewPgvectorIndex(ctx, v.PostgresURL, v.Collection, a.Config.Embedding.Dim)
		if err != nil {
			return nil, fmt.Errorf("connect pgvector: %w", err)
		}
		a.closers = append(a.closers, func() { idx.Close() })
		return idx, nil
	default:
		return vectorstore.NewSQLiteIndex(a.DB), nil
	}
}

// registerJobs adds every background pass. Jobs are always registered so the
// CLI can run them on demand; specs are only attached when scheduling is on.
func (a *App) registerJobs() error {
	s := a.Config.Schedule
	spec := func(v string) string {
		if !s.Enabled {
			return ""
		}
		return v
	}
	jobs := []scheduler.Job{
		{Name: scheduler.JobImportance, Spec: spec(s.Importance), Run: func(ctx context.Context) error {
			_, err := a.Lifecycle.UpdateImportance(ctx, 0)
			return err
		}},
		{Name: scheduler.JobArchive, Spec: spec(s.Archive), Run: func(ctx context.Context) error {
			_, err := a.Lifecycle.ArchiveLowUtility(ctx, lifecycle.ArchiveParams{})
			return err
		}},
		{Name: scheduler.JobConsolidate, Spec: spec(s.Consolidate), Run: func(ctx context.Context) error {
			_, err := a.Lifecycle.Consolidate(ctx, lifecycle.ConsolidateParams{})
			return err
		}},
		{Name: scheduler.JobInfer, Spec: spec(s.Infer), Run: func(ctx context.Context) error {
			_, err := a.Inference.InferRelationships(ctx, 0)
			return err
		}},
		{Name: scheduler.JobReconcile, Spec: spec(s.Reconcile), Run: func(ctx context.Context) error {
			_, err := a.Reconciler.Run(ctx, a.Config.Writer.RepairBatch)
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// Router returns the HTTP handler for the configured API key.
func (a *App) Router() http.Handler {
	return api.NewRouter(a.Service, a.Lifecycle, a.Inference, a.Reconciler, a.Scheduler, a.Config.APIKey, a.Logger)
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
