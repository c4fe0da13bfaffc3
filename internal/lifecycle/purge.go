package lifecycle

import (
	"context"
	"errors"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

const defaultPurgeLimit = 100

// PurgeParams configures a purge pass. OlderThanDays is required: purging
// never runs on a default horizon.
type PurgeParams struct {
	OlderThanDays int  `json:"olderThanDays"`
	Limit         int  `json:"limit"`
	DryRun        bool `json:"dryRun"`
}

// PurgeResult reports a purge pass.
type PurgeResult struct {
	DryRun    bool     `json:"dryRun"`
	Scanned   int      `json:"scanned"`
	Purged    []string `json:"purged"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// PurgeArchived tombstones archived records that have not changed for
// OlderThanDays. Only archived records are eligible.
func (e *Engine) PurgeArchived(ctx context.Context, p PurgeParams) (*PurgeResult, error) {
	if p.OlderThanDays <= 0 {
		return nil, apperrors.Invalid("older_than_days", "purge requires a positive age in days")
	}
	if p.Limit <= 0 {
		p.Limit = defaultPurgeLimit
	}
	cutoff := e.now().Unix() - int64(p.OlderThanDays)*secondsPerDay

	batch, err := e.records.ArchivedBefore(ctx, cutoff, p.Limit)
	if err != nil {
		return nil, err
	}
	res := &PurgeResult{DryRun: p.DryRun, Scanned: len(batch), Purged: []string{}}
	for _, r := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.DryRun {
			res.Purged = append(res.Purged, r.ID)
			continue
		}
		if err := e.writer.Tombstone(ctx, r, models.ActorLifecycle); err != nil {
			var ce *apperrors.ConflictError
			if errors.As(err, &ce) {
				res.Conflicts = append(res.Conflicts, r.ID)
				continue
			}
			return res, err
		}
		res.Purged = append(res.Purged, r.ID)
	}
	if !p.DryRun && len(res.Purged) > 0 {
		e.logger.Info("purged archived records", "count", len(res.Purged))
	}
	return res, nil
}
