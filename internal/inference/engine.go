// Package inference discovers edges between records that nobody linked by
// hand. Each pass is a heuristic over similarity, time or wording; inferred
// edges never replace manual ones and reruns add nothing new.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iammorganparry/clive/apps/engram/internal/audit"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// CausalMarkers introduce the cause of whatever the sentence describes.
var CausalMarkers = []string{"caused by", "due to", "because of"}

const (
	followsFloor     = 0.1
	maxPhraseWords   = 20
	causeCandidates  = 3
	fixCandidatesMin = 5
)

// Result counts newly created edges per pass.
type Result struct {
	Fixes   int  `json:"fixes"`
	Related int  `json:"related"`
	Follows int  `json:"follows"`
	Causes  int  `json:"causes"`
	Total   int  `json:"total"`
	Skipped bool `json:"skipped,omitempty"`
}

// Similarity is the part of the search engine inference needs.
type Similarity interface {
	Similar(ctx context.Context, vector []float32, filters models.Filters, k int) ([]models.SearchResult, error)
	SimilarText(ctx context.Context, text string, filters models.Filters, k int) ([]models.SearchResult, error)
}

// Engine runs the inference passes.
type Engine struct {
	records *store.RecordStore
	graph   backend.GraphStore
	similar Similarity
	trail   *audit.Trail
	cfg     config.InferenceConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	running atomic.Bool
	now     func() time.Time
}

func NewEngine(
	records *store.RecordStore,
	graph backend.GraphStore,
	similar Similarity,
	trail *audit.Trail,
	cfg config.InferenceConfig,
	logger *slog.Logger,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.RelatedTopN <= 0 {
		cfg.RelatedTopN = 5
	}
	return &Engine{
		records: records,
		graph:   graph,
		similar: similar,
		trail:   trail,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("engram/inference"),
		now:     time.Now,
	}
}

// InferRelationships runs the fixes, related, follows and causes passes in
// order. lookback bounds the related, follows and causes passes; zero uses
// the configured default. A call made while another is running returns a
// Result with Skipped set.
func (e *Engine) InferRelationships(ctx context.Context, lookback time.Duration) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return &Result{Skipped: true}, nil
	}
	defer e.running.Store(false)

	if lookback <= 0 {
		lookback = e.cfg.DefaultLookback()
	}
	since := e.now().Add(-lookback).Unix()

	ctx, span := e.tracer.Start(ctx, "inference.InferRelationships", trace.WithAttributes(
		attribute.Int64("since", since),
	))
	defer span.End()

	res := &Result{}
	passes := []struct {
		name  string
		run   func(context.Context, int64) (int, error)
		count *int
	}{
		{"fixes", e.inferFixes, &res.Fixes},
		{"related", e.inferRelated, &res.Related},
		{"follows", e.inferFollows, &res.Follows},
		{"causes", e.inferCauses, &res.Causes},
	}
	for _, p := range passes {
		n, err := p.run(ctx, since)
		*p.count = n
		res.Total += n
		if err != nil {
			return res, fmt.Errorf("%s pass: %w", p.name, err)
		}
	}

	span.SetAttributes(attribute.Int("edges", res.Total))
	e.logger.Info("inference complete",
		"fixes", res.Fixes, "related", res.Related, "follows", res.Follows, "causes", res.Causes)
	return res, nil
}

// inferFixes links decisions and learnings written after an unresolved error
// that closely match it.
func (e *Engine) inferFixes(ctx context.Context, _ int64) (int, error) {
	errs, err := e.records.UnresolvedErrors(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var checked []string
	defer func() {
		if err := e.records.MarkScanned(context.WithoutCancel(ctx), store.ScanFixes, checked); err != nil {
			e.logger.Warn("failed to mark scanned errors", "error", err)
		}
	}()

	created := 0
	for _, er := range errs {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		checked = append(checked, er.ID)
		vec := search.BytesToFloat32(er.Embedding)
		if len(vec) == 0 {
			continue
		}
		results, err := e.similar.Similar(ctx, vec, models.Filters{
			Types:        []models.RecordType{models.RecordTypeDecision, models.RecordTypeLearning},
			CreatedAfter: er.CreatedAt,
		}, max(e.cfg.RelatedTopN, fixCandidatesMin))
		if err != nil {
			return created, err
		}
		for _, hit := range results {
			if hit.Similarity < e.cfg.FixesThreshold {
				continue
			}
			ok, err := e.link(ctx, hit.Record, er.ID, models.EdgeFixes, hit.Similarity)
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}

// inferRelated links recent records to their nearest neighbours.
func (e *Engine) inferRelated(ctx context.Context, since int64) (int, error) {
	recent, err := e.records.CreatedSince(ctx, since, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, r := range recent {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		vec := search.BytesToFloat32(r.Embedding)
		if len(vec) == 0 {
			continue
		}
		results, err := e.similar.Similar(ctx, vec, models.Filters{}, e.cfg.RelatedTopN+1)
		if err != nil {
			return created, err
		}
		taken := 0
		for _, hit := range results {
			if hit.Record.ID == r.ID {
				continue
			}
			if taken == e.cfg.RelatedTopN {
				break
			}
			taken++
			if hit.Similarity < e.cfg.RelatedThreshold {
				continue
			}
			exists, err := e.relatedEitherWay(ctx, r.ID, hit.Record.ID)
			if err != nil {
				return created, err
			}
			if exists {
				continue
			}
			ok, err := e.link(ctx, r, hit.Record.ID, models.EdgeRelated, hit.Similarity)
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}

func (e *Engine) relatedEitherWay(ctx context.Context, a, b string) (bool, error) {
	ok, err := e.graph.HasEdge(ctx, a, b, models.EdgeRelated)
	if err != nil || ok {
		return ok, err
	}
	return e.graph.HasEdge(ctx, b, a, models.EdgeRelated)
}

// inferFollows links records of the same project written within the
// temporal window, earlier to later. Closer pairs get higher confidence.
func (e *Engine) inferFollows(ctx context.Context, since int64) (int, error) {
	timeline, err := e.records.ProjectTimeline(ctx, since, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	window := e.cfg.TemporalWindow().Seconds()
	if window <= 0 {
		return 0, nil
	}

	created := 0
	for i, earlier := range timeline {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		for _, later := range timeline[i+1:] {
			if later.Project != earlier.Project {
				break
			}
			delta := float64(later.CreatedAt - earlier.CreatedAt)
			if delta > window {
				break
			}
			confidence := max(1-delta/window, followsFloor)
			ok, err := e.link(ctx, earlier, later.ID, models.EdgeFollows, confidence)
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}

// inferCauses looks for causal wording and links the record that best
// matches the named cause to the record that mentions it.
func (e *Engine) inferCauses(ctx context.Context, since int64) (int, error) {
	candidates, err := e.records.ContentMatching(ctx, CausalMarkers, since, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, effect := range candidates {
		for _, phrase := range CausePhrases(effect.Content) {
			if err := ctx.Err(); err != nil {
				return created, err
			}
			results, err := e.similar.SimilarText(ctx, phrase, models.Filters{}, causeCandidates+1)
			if err != nil {
				return created, err
			}
			for _, hit := range results {
				if hit.Record.ID == effect.ID {
					continue
				}
				if hit.Similarity >= e.cfg.CausalThreshold {
					ok, err := e.link(ctx, hit.Record, effect.ID, models.EdgeCauses, hit.Similarity)
					if err != nil {
						return created, err
					}
					if ok {
						created++
					}
				}
				// Only the best non-self match can be the cause.
				break
			}
		}
	}
	return created, nil
}

func (e *Engine) link(ctx context.Context, source *models.Record, targetID string, t models.EdgeType, confidence float64) (bool, error) {
	created, err := e.graph.AddEdge(ctx, models.Edge{
		SourceID:   source.ID,
		TargetID:   targetID,
		Type:       t,
		Provenance: models.ProvenanceInferred,
		Weight:     confidence,
	})
	if err != nil {
		return false, err
	}
	if created {
		e.trail.Record(ctx, models.AuditEntry{
			RecordID: source.ID,
			Project:  source.Project,
			Action:   models.AuditLinked,
			Actor:    models.ActorInference,
			Detail:   fmt.Sprintf("%s -> %s (%.2f)", t, targetID, confidence),
		})
	}
	return created, nil
}

// CausePhrases returns the text following each causal marker in content, up
// to the end of the clause.
func CausePhrases(content string) []string {
	lower := strings.ToLower(content)
	var phrases []string
	for _, marker := range CausalMarkers {
		from := 0
		for {
			i := strings.Index(lower[from:], marker)
			if i < 0 {
				break
			}
			start := from + i + len(marker)
			from = start
			if phrase := clause(lower[start:]); phrase != "" {
				phrases = append(phrases, phrase)
			}
		}
	}
	return phrases
}

func clause(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return r == '.' || r == ';' || r == '!' || r == '?' || r == '\n'
	})
	if end >= 0 {
		s = s[:end]
	}
	words := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	if len(words) > maxPhraseWords {
		words = words[:maxPhraseWords]
	}
	return strings.Join(words, " ")
}
