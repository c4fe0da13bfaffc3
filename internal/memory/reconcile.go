package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// ReconcileResult counts the outcome of one reconciler pass.
type ReconcileResult struct {
	Attempted int `json:"attempted"`
	Repaired  int `json:"repaired"`
	Failed    int `json:"failed"`
}

// Reconciler replays index writes that the writer could not complete.
type Reconciler struct {
	records  *store.RecordStore
	lexical  backend.LexicalIndex
	vectors  backend.VectorIndex
	embedder backend.Embedder
	repair   *store.RepairQueue
	logger   *slog.Logger
}

func NewReconciler(
	records *store.RecordStore,
	lexical backend.LexicalIndex,
	vectors backend.VectorIndex,
	embedder backend.Embedder,
	repair *store.RepairQueue,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		records:  records,
		lexical:  lexical,
		vectors:  vectors,
		embedder: embedder,
		repair:   repair,
		logger:   logger,
	}
}

// Run replays up to limit queued items, oldest first. A record that no
// longer exists or was purged has its index entry deleted instead.
func (rc *Reconciler) Run(ctx context.Context, limit int) (*ReconcileResult, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := rc.repair.Pending(ctx, limit)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		r, err := rc.records.Get(ctx, it.RecordID)
		if err != nil {
			return res, err
		}
		if err := rc.replay(ctx, it.Index, it.RecordID, r); err != nil {
			res.Failed++
			rc.logger.Warn("repair replay failed", "id", it.RecordID, "index", it.Index, "attempts", it.Attempts+1, "error", err)
			if ferr := rc.repair.Fail(ctx, it.RecordID, it.Index, err); ferr != nil {
				return res, ferr
			}
			continue
		}

		if err := rc.repair.Done(ctx, it.RecordID, it.Index); err != nil {
			return res, err
		}
		res.Repaired++

		if r == nil || r.State == models.StatePurged {
			continue
		}
		remaining, err := rc.repair.Remaining(ctx, r.ID)
		if err != nil {
			return res, err
		}
		if remaining == 0 {
			if err := rc.records.SetIndexStatus(ctx, r.ID, models.IndexIndexed); err != nil {
				return res, err
			}
		}
	}

	if res.Attempted > 0 {
		rc.logger.Info("reconcile complete", "attempted", res.Attempted, "repaired", res.Repaired, "failed", res.Failed)
	}
	return res, nil
}

func (rc *Reconciler) replay(ctx context.Context, index, id string, r *models.Record) error {
	gone := r == nil || r.State == models.StatePurged
	switch index {
	case models.IndexLexical:
		if gone {
			return rc.lexical.Delete(ctx, id)
		}
		return rc.lexical.Upsert(ctx, r.ID, r.Content, backend.MetadataFor(r))
	case models.IndexVector:
		if gone {
			return rc.vectors.Delete(ctx, id)
		}
		vec := search.BytesToFloat32(r.Embedding)
		if len(vec) == 0 {
			var err error
			if vec, err = rc.embedder.Embed(ctx, r.Content); err != nil {
				return fmt.Errorf("embed: %w", err)
			}
			if err := rc.records.SetEmbedding(ctx, r.ID, search.Float32ToBytes(vec)); err != nil {
				return err
			}
		}
		return rc.vectors.Upsert(ctx, r.ID, vec, backend.MetadataFor(r))
	}
	return fmt.Errorf("unknown index %q", index)
}

// RebuildVectors upserts every live record's stored embedding into the
// vector index. In-process indexes start empty and are filled this way on
// startup.
func (rc *Reconciler) RebuildVectors(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 200
	}
	var (
		after string
		n     int
	)
	for {
		page, err := rc.records.WithEmbeddings(ctx, after, batch)
		if err != nil {
			return n, err
		}
		for _, r := range page {
			vec := search.BytesToFloat32(r.Embedding)
			if err := rc.vectors.Upsert(ctx, r.ID, vec, backend.MetadataFor(r)); err != nil {
				return n, fmt.Errorf("rebuild vector %s: %w", r.ID, err)
			}
			n++
		}
		if len(page) < batch {
			rc.logger.Info("vector index rebuilt", "records", n)
			return n, nil
		}
		after = page[len(page)-1].ID
	}
}
