// Package testutil builds a complete engram stack on a temporary SQLite
// database for tests. Every component uses the real store, the SQLite vector
// index and the deterministic hash embedder, so nothing leaves the process.
package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/engram/internal/audit"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/embedding"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/quality"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
	"github.com/iammorganparry/clive/apps/engram/internal/vectorstore"
)

// Dim is the embedding dimension used by test stacks.
const Dim = 256

// ErrDown is returned by switched-off indexes.
var ErrDown = errors.New("backend down")

// Stack holds every wired component.
type Stack struct {
	Config *config.Config
	Logger *slog.Logger

	DB       *store.DB
	Records  *store.RecordStore
	Graph    *store.GraphStore
	Projects *store.ProjectStore
	Jobs     *store.JobStore
	Repair   *store.RepairQueue
	Vocab    *store.VocabularyStore
	CoAccess *store.CoAccessStore
	Trail    *audit.Trail

	Lexical  *SwitchLexical
	Vectors  *SwitchVectors
	Embedder *embedding.HashEmbedder

	Gate       *quality.Gate
	Engine     *search.Engine
	Writer     *memory.Writer
	Reconciler *memory.Reconciler
	Service    *memory.Service
}

// NewStack opens a fresh database under t.TempDir and wires the stack.
func NewStack(t testing.TB) *Stack {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "engram.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dim = Dim
	cfg.Writer.Retries = 2
	cfg.Writer.InitialBackoff = 1
	cfg.Search.Synonyms = map[string][]string{"database": {"db"}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &Stack{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Records:  store.NewRecordStore(db),
		Graph:    store.NewGraphStore(db),
		Projects: store.NewProjectStore(db),
		Jobs:     store.NewJobStore(db),
		Repair:   store.NewRepairQueue(db),
		Vocab:    store.NewVocabularyStore(db),
		CoAccess: store.NewCoAccessStore(db),
		Trail:    audit.NewTrail(store.NewAuditStore(db), logger),
		Lexical:  &SwitchLexical{LexicalIndex: store.NewLexicalIndex(db)},
		Vectors:  &SwitchVectors{VectorIndex: vectorstore.NewSQLiteIndex(db)},
		Embedder: embedding.NewHashEmbedder(Dim),
	}

	s.Gate = quality.NewGate(cfg.Quality)
	expander := search.NewExpander(s.Vocab, cfg.Search.Synonyms)
	s.Engine = search.NewEngine(s.Records, s.CoAccess, s.Lexical, s.Vectors, s.Embedder, expander, cfg.Search, logger)
	s.Writer = memory.NewWriter(s.Records, s.Lexical, s.Vectors, s.Embedder, s.Repair, s.Vocab, s.Trail, cfg.Writer, logger)
	s.Writer.OnVocabularyChange(expander.Invalidate)
	s.Reconciler = memory.NewReconciler(s.Records, s.Lexical, s.Vectors, s.Embedder, s.Repair, logger)
	s.Service = memory.NewService(s.Records, s.Graph, s.Projects, s.Jobs, s.Gate, s.Writer, s.Engine, s.Vectors, s.Embedder, s.Trail, logger)
	return s
}

// Admit admits c through the service and fails the test on any error.
func (s *Stack) Admit(t testing.TB, c *models.Candidate) *models.Record {
	t.Helper()
	r, err := s.Service.Admit(context.Background(), c)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return r
}

// Insert persists r through the writer, bypassing the quality gate. Missing
// fields get sensible defaults so tests only set what they care about.
func (s *Stack) Insert(t testing.TB, r *models.Record) *models.Record {
	t.Helper()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.State == "" {
		r.State = models.StateEpisodic
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = 1_700_000_000
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = r.CreatedAt
	}
	if r.LastAccessedAt == 0 {
		r.LastAccessedAt = r.CreatedAt
	}
	if r.QualityScore == 0 {
		r.QualityScore = 0.8
	}
	if r.Importance == 0 {
		r.Importance = 0.5
	}
	if r.Details == nil {
		r.Details = models.NewDetails(r.Type)
	}
	if err := s.Writer.Persist(context.Background(), r); err != nil {
		t.Fatalf("persist: %v", err)
	}
	return r
}

// Reload reads id back from the store.
func (s *Stack) Reload(t testing.TB, id string) *models.Record {
	t.Helper()
	r, err := s.Records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if r == nil {
		t.Fatalf("record %s missing", id)
	}
	return r
}

// SwitchLexical wraps a lexical index so tests can take it down.
type SwitchLexical struct {
	backend.LexicalIndex
	Down atomic.Bool
}

func (l *SwitchLexical) Upsert(ctx context.Context, id, text string, meta backend.Metadata) error {
	if l.Down.Load() {
		return ErrDown
	}
	return l.LexicalIndex.Upsert(ctx, id, text, meta)
}

func (l *SwitchLexical) Query(ctx context.Context, text string, f models.Filters, k int) ([]backend.Hit, error) {
	if l.Down.Load() {
		return nil, ErrDown
	}
	return l.LexicalIndex.Query(ctx, text, f, k)
}

func (l *SwitchLexical) Delete(ctx context.Context, id string) error {
	if l.Down.Load() {
		return ErrDown
	}
	return l.LexicalIndex.Delete(ctx, id)
}

// SwitchVectors wraps a vector index so tests can take it down.
type SwitchVectors struct {
	backend.VectorIndex
	Down atomic.Bool
}

func (v *SwitchVectors) Upsert(ctx context.Context, id string, vec []float32, meta backend.Metadata) error {
	if v.Down.Load() {
		return ErrDown
	}
	return v.VectorIndex.Upsert(ctx, id, vec, meta)
}

func (v *SwitchVectors) Query(ctx context.Context, vec []float32, f models.Filters, k int) ([]backend.Hit, error) {
	if v.Down.Load() {
		return nil, ErrDown
	}
	return v.VectorIndex.Query(ctx, vec, f, k)
}

func (v *SwitchVectors) Delete(ctx context.Context, id string) error {
	if v.Down.Load() {
		return ErrDown
	}
	return v.VectorIndex.Delete(ctx, id)
}

func (v *SwitchVectors) Health(ctx context.Context) error {
	if v.Down.Load() {
		return ErrDown
	}
	return v.VectorIndex.Health(ctx)
}
