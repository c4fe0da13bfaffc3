package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

const defaultBaseWeight = 0.3

// ImportanceResult reports one importance pass.
type ImportanceResult struct {
	Updated int `json:"updated"`
}

// UpdateImportance recomputes importance for up to limit records, stalest
// first. Importance is a derived score so the record version is untouched.
func (e *Engine) UpdateImportance(ctx context.Context, limit int) (*ImportanceResult, error) {
	if limit <= 0 {
		limit = e.cfg.ImportanceBatch
	}
	batch, err := e.records.ImportanceBatch(ctx, limit)
	if err != nil {
		return nil, err
	}

	now := e.now()
	res := &ImportanceResult{}
	for _, r := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pairs, err := e.coAccess.Count(ctx, r.ID)
		if err != nil {
			return res, err
		}
		if err := e.records.SetImportance(ctx, r.ID, Importance(e.cfg, r, pairs, now)); err != nil {
			return res, err
		}
		res.Updated++
	}
	if res.Updated > 0 {
		e.logger.Info("importance updated", "count", res.Updated)
	}
	return res, nil
}

// Importance is baseWeight + ln(access+1)/10 - daysSinceCreation/100 +
// coAccessBoost, clamped to [0,1].
func Importance(cfg config.LifecycleConfig, r *models.Record, coAccessPairs int, now time.Time) float64 {
	score := BaseWeight(cfg, r) +
		math.Log(float64(r.AccessCount)+1)/10 -
		daysBetween(r.CreatedAt, now.Unix())/100 +
		CoAccessBoost(cfg, coAccessPairs)
	return clamp01(score)
}

// BaseWeight is the starting importance for r's type. Resolved errors use
// the "error_resolved" weight.
func BaseWeight(cfg config.LifecycleConfig, r *models.Record) float64 {
	key := string(r.Type)
	if r.Type == models.RecordTypeError && r.Resolved {
		key = "error_resolved"
	}
	if w, ok := cfg.BaseWeights[key]; ok {
		return w
	}
	return defaultBaseWeight
}

// CoAccessBoost rewards records that keep showing up in the same result
// sets as others.
func CoAccessBoost(cfg config.LifecycleConfig, pairs int) float64 {
	return math.Min(cfg.CoAccessCap, float64(pairs)*cfg.CoAccessStep)
}
