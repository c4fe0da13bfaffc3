package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// Engine runs lexical and vector sub-searches concurrently and fuses them
// with weighted Reciprocal Rank Fusion.
type Engine struct {
	records  *store.RecordStore
	coAccess *store.CoAccessStore
	lexical  backend.LexicalIndex
	vectors  backend.VectorIndex
	embedder backend.Embedder
	expander *Expander
	cfg      config.SearchConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewEngine(
	records *store.RecordStore,
	coAccess *store.CoAccessStore,
	lexical backend.LexicalIndex,
	vectors backend.VectorIndex,
	embedder backend.Embedder,
	expander *Expander,
	cfg config.SearchConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		records:  records,
		coAccess: coAccess,
		lexical:  lexical,
		vectors:  vectors,
		embedder: embedder,
		expander: expander,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("engram/search"),
	}
}

// Search executes req and returns fused, hydrated results.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	ctx, span := e.tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.String("mode", string(req.Mode)),
		attribute.Int("limit", req.Limit),
	))
	defer span.End()

	if err := e.normalize(req); err != nil {
		return nil, err
	}

	var suggestion *models.QuerySuggestion
	queryText := req.Query
	if e.expander != nil {
		suggestion = e.expander.Expand(ctx, req.Query)
		if req.UseExpanded && suggestion.Expanded != suggestion.Original {
			queryText = suggestion.Expanded
			suggestion.Applied = true
		}
	}

	k := req.Limit * e.cfg.OverFetch
	wantLexical := req.Mode != models.SearchModeSemantic
	wantVector := req.Mode != models.SearchModeKeyword

	var lexHits, vecHits []backend.Hit
	var lexErr, vecErr error
	var g errgroup.Group
	if wantLexical {
		g.Go(func() error {
			lexHits, lexErr = e.lexicalSearch(ctx, queryText, req.Filters, k)
			return nil
		})
	}
	if wantVector {
		g.Go(func() error {
			vecHits, vecErr = e.vectorSearch(ctx, queryText, req.Filters, k)
			return nil
		})
	}
	g.Wait()

	meta := models.SearchMeta{Mode: req.Mode}
	switch {
	case wantLexical && wantVector && lexErr != nil && vecErr != nil:
		span.SetStatus(codes.Error, "all sub-searches failed")
		return nil, apperrors.Unavailable("search", errors.Join(lexErr, vecErr))
	case wantLexical && !wantVector && lexErr != nil:
		return nil, apperrors.Unavailable("lexical", lexErr)
	case wantVector && !wantLexical && vecErr != nil:
		return nil, apperrors.Unavailable("vector", vecErr)
	case lexErr != nil:
		meta.Degraded = "lexical"
		e.logger.Warn("lexical search failed, serving vector results only", "error", lexErr)
	case vecErr != nil:
		meta.Degraded = "vector"
		e.logger.Warn("vector search failed, serving lexical results only", "error", vecErr)
	}
	meta.LexicalResults = len(lexHits)
	meta.VectorResults = len(vecHits)

	results, err := e.fuse(ctx, lexHits, vecHits, req.Filters)
	if err != nil {
		return nil, err
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	meta.TotalResults = len(results)

	if !req.SkipAccessTracking {
		e.trackAccess(ctx, results)
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	return &models.SearchResponse{Results: results, Suggestion: suggestion, Meta: meta}, nil
}

// Similar returns records nearest to vector, hydrated and filtered, without
// touching access statistics. Background passes use it for thresholds.
func (e *Engine) Similar(ctx context.Context, vector []float32, filters models.Filters, k int) ([]models.SearchResult, error) {
	ctx, span := e.tracer.Start(ctx, "search.Similar")
	defer span.End()

	hits, err := e.vectors.Query(ctx, vector, filters, k)
	if err != nil {
		return nil, apperrors.Unavailable("vector", err)
	}
	return e.fuse(ctx, nil, hits, filters)
}

// SimilarText embeds text and calls Similar.
func (e *Engine) SimilarText(ctx context.Context, text string, filters models.Filters, k int) ([]models.SearchResult, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, apperrors.Unavailable("embedder", err)
	}
	return e.Similar(ctx, vec, filters, k)
}

func (e *Engine) normalize(req *models.SearchRequest) error {
	var violations []apperrors.Violation
	if len(store.Tokenize(req.Query)) == 0 {
		violations = append(violations, apperrors.Violation{Rule: "query_empty", Field: "query", Message: "query must contain at least one word"})
	}
	if req.Mode == "" {
		req.Mode = models.SearchModeHybrid
	}
	if !req.Mode.IsValid() {
		violations = append(violations, apperrors.Violation{Rule: "mode_invalid", Field: "mode", Message: "mode must be hybrid, semantic or keyword"})
	}
	if len(violations) > 0 {
		return &apperrors.ValidationError{Violations: violations}
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	if req.Limit > e.cfg.MaxLimit {
		req.Limit = e.cfg.MaxLimit
	}
	return nil
}

func (e *Engine) lexicalSearch(ctx context.Context, text string, filters models.Filters, k int) ([]backend.Hit, error) {
	ctx, span := e.tracer.Start(ctx, "search.lexical")
	defer span.End()
	hits, err := e.lexical.Query(ctx, text, filters, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return hits, err
}

func (e *Engine) vectorSearch(ctx context.Context, text string, filters models.Filters, k int) ([]backend.Hit, error) {
	ctx, span := e.tracer.Start(ctx, "search.vector")
	defer span.End()
	vec, err := e.embedder.Embed(ctx, text)
	if err == nil {
		var hits []backend.Hit
		hits, err = e.vectors.Query(ctx, vec, filters, k)
		if err == nil {
			return hits, nil
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// fuse combines ranked lists with weighted RRF, hydrates the records and
// orders the result by score, then recency of access, then id.
func (e *Engine) fuse(ctx context.Context, lexHits, vecHits []backend.Hit, filters models.Filters) ([]models.SearchResult, error) {
	merged := make(map[string]*models.SearchResult)
	var order []string
	get := func(id string) *models.SearchResult {
		r, ok := merged[id]
		if !ok {
			r = &models.SearchResult{}
			merged[id] = r
			order = append(order, id)
		}
		return r
	}
	for _, h := range lexHits {
		r := get(h.ID)
		r.LexicalRank = h.Rank
		r.LexicalScore = h.Score
		r.Score += RRF(e.cfg.LexicalWeight, e.cfg.RRFK, h.Rank)
	}
	for _, h := range vecHits {
		r := get(h.ID)
		r.VectorRank = h.Rank
		r.Similarity = h.Score
		r.Score += RRF(e.cfg.VectorWeight, e.cfg.RRFK, h.Rank)
	}
	if len(order) == 0 {
		return nil, nil
	}

	records, err := e.records.GetMany(ctx, order)
	if err != nil {
		return nil, apperrors.Unavailable("store", err)
	}
	results := make([]models.SearchResult, 0, len(records))
	for _, rec := range records {
		// Pending rows are mid-write; purged and filtered rows may linger in
		// an index until reconciled.
		if rec.IndexStatus == models.IndexPending || !filters.Match(rec) {
			continue
		}
		r := merged[rec.ID]
		r.Record = rec
		results = append(results, *r)
	}
	SortResults(results)
	return results, nil
}

// RRF is the reciprocal rank contribution of one source.
func RRF(weight, k float64, rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return weight / (k + float64(rank))
}

// SortResults orders by fused score desc, last access desc, id asc.
func SortResults(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.LastAccessedAt != b.Record.LastAccessedAt {
			return a.Record.LastAccessedAt > b.Record.LastAccessedAt
		}
		return a.Record.ID < b.Record.ID
	})
}

func (e *Engine) trackAccess(ctx context.Context, results []models.SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	now := time.Now().Unix()
	for i, r := range results {
		ids[i] = r.Record.ID
		r.Record.AccessCount++
		r.Record.LastAccessedAt = now
	}
	if err := e.records.Touch(ctx, ids); err != nil {
		e.logger.Warn("failed to record access", "error", err)
	}
	if e.coAccess != nil {
		if err := e.coAccess.Record(ctx, ids); err != nil {
			e.logger.Warn("failed to record co-access", "error", err)
		}
	}
}
