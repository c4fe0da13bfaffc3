package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/audit"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/embedding"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// Writer persists admitted records to the canonical store and both indexes.
// A record only becomes searchable once both index writes have landed.
type Writer struct {
	records  *store.RecordStore
	lexical  backend.LexicalIndex
	vectors  backend.VectorIndex
	embedder backend.Embedder
	repair   *store.RepairQueue
	vocab    *store.VocabularyStore
	trail    *audit.Trail
	cfg      config.WriterConfig
	logger   *slog.Logger
	tracer   trace.Tracer

	vocabChanged func()
}

func NewWriter(
	records *store.RecordStore,
	lexical backend.LexicalIndex,
	vectors backend.VectorIndex,
	embedder backend.Embedder,
	repair *store.RepairQueue,
	vocab *store.VocabularyStore,
	trail *audit.Trail,
	cfg config.WriterConfig,
	logger *slog.Logger,
) *Writer {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Writer{
		records:  records,
		lexical:  lexical,
		vectors:  vectors,
		embedder: embedder,
		repair:   repair,
		vocab:    vocab,
		trail:    trail,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("engram/memory"),
	}
}

// OnVocabularyChange registers fn to run after a record's terms are added to
// the vocabulary. The query expander uses it to drop its cached terms.
func (w *Writer) OnVocabularyChange(fn func()) {
	w.vocabChanged = fn
}

// Persist stores r and writes it to the lexical and vector indexes.
//
// The canonical row is inserted first with index status pending, then both
// index writes run concurrently with retries. If both fail the row is
// removed and a BackendUnavailableError is returned. If exactly one fails
// the row is kept, queued for repair and a PartialWriteError is returned.
func (w *Writer) Persist(ctx context.Context, r *models.Record) error {
	ctx, span := w.tracer.Start(ctx, "memory.Persist", trace.WithAttributes(
		attribute.String("record.id", r.ID),
		attribute.String("record.type", string(r.Type)),
	))
	defer span.End()

	if r.ContentHash == "" {
		r.ContentHash = embedding.ContentHash(r.Content)
	}
	r.IndexStatus = models.IndexPending
	if err := w.records.Insert(ctx, r); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	out := w.writeIndexes(ctx, r, nil)
	vec, lexErr, vecErr := out.vec, out.lexErr, out.vecErr

	if lexErr != nil && vecErr != nil {
		span.SetStatus(codes.Error, "both index writes failed")
		w.rollback(r.ID)
		return apperrors.Unavailable("index", errors.Join(lexErr, vecErr))
	}

	if vec != nil {
		r.Embedding = search.Float32ToBytes(vec)
		if err := w.records.SetEmbedding(ctx, r.ID, r.Embedding); err != nil {
			w.logger.Warn("failed to store embedding", "id", r.ID, "error", err)
		}
	}

	if lexErr != nil || vecErr != nil {
		missing, cause := models.IndexLexical, lexErr
		if vecErr != nil {
			missing, cause = models.IndexVector, vecErr
		}
		span.SetStatus(codes.Error, "partial write")
		r.IndexStatus = models.IndexRepair
		if err := w.records.SetIndexStatus(ctx, r.ID, models.IndexRepair); err != nil {
			w.logger.Error("failed to flag record for repair", "id", r.ID, "error", err)
		}
		if err := w.repair.Enqueue(ctx, r.ID, missing, cause); err != nil {
			w.logger.Error("failed to enqueue repair", "id", r.ID, "index", missing, "error", err)
		}
		w.logger.Warn("partial index write", "id", r.ID, "missing", missing, "error", cause)
		w.trail.Record(ctx, models.AuditEntry{
			RecordID: r.ID, Project: r.Project, Action: models.AuditCreated,
			Actor: models.ActorAPI, Detail: "partial write, missing " + missing,
		})
		return &apperrors.PartialWriteError{ID: r.ID, Missing: []string{missing}, Err: cause}
	}

	r.IndexStatus = models.IndexIndexed
	if err := w.records.SetIndexStatus(ctx, r.ID, models.IndexIndexed); err != nil {
		return fmt.Errorf("mark record indexed: %w", err)
	}
	if err := w.vocab.Add(ctx, vocabularyTerms(r)); err != nil {
		w.logger.Warn("failed to update vocabulary", "id", r.ID, "error", err)
	} else if w.vocabChanged != nil {
		w.vocabChanged()
	}
	w.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditCreated, Actor: models.ActorAPI,
	})
	return nil
}

// Reindex refreshes both index entries for an existing record, reusing the
// stored embedding when present. Failed writes are queued for repair.
func (w *Writer) Reindex(ctx context.Context, r *models.Record) error {
	ctx, span := w.tracer.Start(ctx, "memory.Reindex", trace.WithAttributes(
		attribute.String("record.id", r.ID),
	))
	defer span.End()

	stored := search.BytesToFloat32(r.Embedding)
	out := w.writeIndexes(ctx, r, stored)
	vec, lexErr, vecErr := out.vec, out.lexErr, out.vecErr
	if vec != nil && len(stored) == 0 {
		r.Embedding = search.Float32ToBytes(vec)
		if err := w.records.SetEmbedding(ctx, r.ID, r.Embedding); err != nil {
			w.logger.Warn("failed to store embedding", "id", r.ID, "error", err)
		}
	}

	if lexErr == nil && vecErr == nil {
		if r.IndexStatus != models.IndexIndexed {
			r.IndexStatus = models.IndexIndexed
			return w.records.SetIndexStatus(ctx, r.ID, models.IndexIndexed)
		}
		return nil
	}

	span.SetStatus(codes.Error, "reindex failed")
	var missing []string
	for _, f := range []struct {
		index string
		cause error
	}{{models.IndexLexical, lexErr}, {models.IndexVector, vecErr}} {
		if f.cause == nil {
			continue
		}
		missing = append(missing, f.index)
		if err := w.repair.Enqueue(ctx, r.ID, f.index, f.cause); err != nil {
			w.logger.Error("failed to enqueue repair", "id", r.ID, "index", f.index, "error", err)
		}
	}
	r.IndexStatus = models.IndexRepair
	if err := w.records.SetIndexStatus(ctx, r.ID, models.IndexRepair); err != nil {
		w.logger.Error("failed to flag record for repair", "id", r.ID, "error", err)
	}
	return &apperrors.PartialWriteError{ID: r.ID, Missing: missing, Err: errors.Join(lexErr, vecErr)}
}

// Remove deletes id from both indexes. A failed delete is queued so the
// reconciler can finish it once the backend is back.
func (w *Writer) Remove(ctx context.Context, id string) error {
	var errs []error
	if err := retry(ctx, w.cfg, func() (struct{}, error) {
		return struct{}{}, w.lexical.Delete(ctx, id)
	}); err != nil {
		errs = append(errs, err)
		if qerr := w.repair.Enqueue(ctx, id, models.IndexLexical, err); qerr != nil {
			w.logger.Error("failed to enqueue repair", "id", id, "index", models.IndexLexical, "error", qerr)
		}
	}
	if err := retry(ctx, w.cfg, func() (struct{}, error) {
		return struct{}{}, w.vectors.Delete(ctx, id)
	}); err != nil {
		errs = append(errs, err)
		if qerr := w.repair.Enqueue(ctx, id, models.IndexVector, err); qerr != nil {
			w.logger.Error("failed to enqueue repair", "id", id, "index", models.IndexVector, "error", qerr)
		}
	}
	if len(errs) > 0 {
		return apperrors.Unavailable("index", errors.Join(errs...))
	}
	return nil
}

// Tombstone purges r: content and embedding are cleared, both index entries
// are deleted and the row stays behind so audit history still resolves.
func (w *Writer) Tombstone(ctx context.Context, r *models.Record, actor string) error {
	expected := r.Version
	r.Content = ""
	r.Details = nil
	r.Embedding = nil
	r.ContentHash = ""
	r.Archived = true
	r.Pinned = false
	r.State = models.StatePurged
	if err := w.records.Save(ctx, r, expected); err != nil {
		return err
	}
	if err := w.Remove(ctx, r.ID); err != nil {
		w.logger.Warn("purged record left in an index, queued for repair", "id", r.ID, "error", err)
	}
	w.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditPurged, Actor: actor,
	})
	return nil
}

// indexOutcome is the result of one dual-index write. vec is whatever was
// sent to the vector index.
type indexOutcome struct {
	vec    []float32
	lexErr error
	vecErr error
}

// writeIndexes upserts r into both indexes concurrently. When vec is empty
// the record content is embedded first.
func (w *Writer) writeIndexes(ctx context.Context, r *models.Record, vec []float32) indexOutcome {
	meta := backend.MetadataFor(r)
	var lexErr, vecErr error

	var g errgroup.Group
	g.Go(func() error {
		lexErr = retry(ctx, w.cfg, func() (struct{}, error) {
			return struct{}{}, w.lexical.Upsert(ctx, r.ID, r.Content, meta)
		})
		return nil
	})
	g.Go(func() error {
		if len(vec) == 0 {
			embedded, err := retryValue(ctx, w.cfg, func() ([]float32, error) {
				return w.embedder.Embed(ctx, r.Content)
			})
			if err != nil {
				vecErr = fmt.Errorf("embed: %w", err)
				return nil
			}
			vec = embedded
		}
		vecErr = retry(ctx, w.cfg, func() (struct{}, error) {
			return struct{}{}, w.vectors.Upsert(ctx, r.ID, vec, meta)
		})
		return nil
	})
	g.Wait()

	return indexOutcome{vec: vec, lexErr: lexErr, vecErr: vecErr}
}

// rollback removes every trace of a record whose index writes both failed.
// It runs on a fresh context so a cancelled request still cleans up.
func (w *Writer) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.lexical.Delete(ctx, id); err != nil {
		w.logger.Warn("rollback: lexical delete failed", "id", id, "error", err)
	}
	if err := w.vectors.Delete(ctx, id); err != nil {
		w.logger.Warn("rollback: vector delete failed", "id", id, "error", err)
	}
	if err := w.records.Delete(ctx, id); err != nil {
		w.logger.Error("rollback: delete record failed", "id", id, "error", err)
	}
}

func retry(ctx context.Context, cfg config.WriterConfig, op func() (struct{}, error)) error {
	_, err := retryValue(ctx, cfg, op)
	return err
}

func retryValue[T any](ctx context.Context, cfg config.WriterConfig, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.InitialBackoff) * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(cfg.Retries, 1))),
	)
}

func vocabularyTerms(r *models.Record) []string {
	terms := store.Tokenize(r.Content)
	for _, tag := range r.Tags {
		terms = append(terms, store.Tokenize(tag)...)
	}
	return terms
}
