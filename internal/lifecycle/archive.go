package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// ArchiveParams configures one archival pass. A nil Threshold or a zero
// MaxArchive falls back to configuration; an explicit threshold of 0
// archives nothing.
type ArchiveParams struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	MaxArchive int      `json:"maxArchive"`
	DryRun     bool     `json:"dryRun"`
}

// PlannedArchive identifies a record to archive at a known version.
type PlannedArchive struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// ArchiveCandidate is a record whose utility fell below the threshold.
type ArchiveCandidate struct {
	ID      string            `json:"id"`
	Version int64             `json:"version"`
	Type    models.RecordType `json:"type"`
	Utility float64           `json:"utility"`
}

// ArchiveResult reports an archival pass or plan application.
type ArchiveResult struct {
	DryRun     bool               `json:"dryRun"`
	Scanned    int                `json:"scanned"`
	Candidates []ArchiveCandidate `json:"candidates"`
	Archived   int                `json:"archived"`
	Conflicts  []string           `json:"conflicts,omitempty"`
}

// ArchiveLowUtility archives unprotected records whose utility is below the
// threshold, lowest utility first. A dry run returns exactly the candidates
// a real run would archive and changes nothing.
func (e *Engine) ArchiveLowUtility(ctx context.Context, p ArchiveParams) (*ArchiveResult, error) {
	p = e.archiveDefaults(p)

	candidates, scanned, err := e.selectArchiveCandidates(ctx, p)
	if err != nil {
		return nil, err
	}
	res := &ArchiveResult{DryRun: p.DryRun, Scanned: len(scanned), Candidates: candidates}
	if p.DryRun {
		return res, nil
	}
	if err := e.records.MarkScanned(ctx, store.ScanArchive, scanned); err != nil {
		return res, err
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.records.SetUtility(ctx, c.ID, c.Utility); err != nil {
			return res, err
		}
		if err := e.archiveOne(ctx, PlannedArchive{ID: c.ID, Version: c.Version}, c.Utility, res); err != nil {
			return res, err
		}
	}
	if res.Archived > 0 || len(res.Conflicts) > 0 {
		e.logger.Info("archived low-utility records", "archived", res.Archived, "conflicts", len(res.Conflicts))
	}
	return res, nil
}

// ApplyArchivePlan archives the given records, typically the candidates of
// an earlier dry run. Each entry is re-checked against its version and
// protection class; stale or protected entries are reported as conflicts.
func (e *Engine) ApplyArchivePlan(ctx context.Context, plan []PlannedArchive) (*ArchiveResult, error) {
	res := &ArchiveResult{Candidates: []ArchiveCandidate{}}
	for _, pa := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.archiveOne(ctx, pa, math.NaN(), res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) archiveDefaults(p ArchiveParams) ArchiveParams {
	if p.Threshold == nil {
		t := e.cfg.ArchiveThreshold
		p.Threshold = &t
	}
	if p.MaxArchive <= 0 {
		p.MaxArchive = e.cfg.MaxArchive
	}
	return p
}

// selectArchiveCandidates is the single selection path for dry and real
// runs. It also returns the ids of every scanned record.
func (e *Engine) selectArchiveCandidates(ctx context.Context, p ArchiveParams) ([]ArchiveCandidate, []string, error) {
	scan, err := e.records.ArchiveScan(ctx, max(p.MaxArchive*5, e.cfg.ImportanceBatch))
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	ids := make([]string, len(scan))
	candidates := []ArchiveCandidate{}
	for i, r := range scan {
		ids[i] = r.ID
		if Protected(r) {
			continue
		}
		edges, err := e.graph.CountEdges(ctx, r.ID)
		if err != nil {
			return nil, nil, err
		}
		u := Utility(e.cfg, r, edges, now)
		if u < *p.Threshold {
			candidates = append(candidates, ArchiveCandidate{ID: r.ID, Version: r.Version, Type: r.Type, Utility: u})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Utility != candidates[j].Utility {
			return candidates[i].Utility < candidates[j].Utility
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > p.MaxArchive {
		candidates = candidates[:p.MaxArchive]
	}
	return candidates, ids, nil
}

// archiveOne archives pa.ID if it is still at pa.Version and unprotected.
// Conflicts are recorded on res; only store failures are returned.
func (e *Engine) archiveOne(ctx context.Context, pa PlannedArchive, utility float64, res *ArchiveResult) error {
	r, err := e.records.Get(ctx, pa.ID)
	if err != nil {
		return err
	}
	if r == nil || r.State == models.StatePurged || r.Archived {
		res.Conflicts = append(res.Conflicts, pa.ID)
		return nil
	}
	if r.Version != pa.Version || Protected(r) {
		res.Conflicts = append(res.Conflicts, pa.ID)
		return nil
	}

	r.Archived = true
	if r.State.CanTransitionTo(models.StateArchived) {
		r.State = models.StateArchived
	}
	if err := e.records.Save(ctx, r, pa.Version); err != nil {
		var ce *apperrors.ConflictError
		if errors.As(err, &ce) {
			res.Conflicts = append(res.Conflicts, pa.ID)
			return nil
		}
		return err
	}
	if err := e.writer.Reindex(ctx, r); err != nil {
		e.logger.Warn("reindex after archive failed", "id", r.ID, "error", err)
	}

	detail := "low utility"
	if !math.IsNaN(utility) {
		detail = fmt.Sprintf("utility %.3f", utility)
	}
	e.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditArchived, Actor: models.ActorLifecycle, Detail: detail,
	})
	res.Archived++
	return nil
}

// Utility scores how useful r still is from four individually capped parts:
// access count, recency of access, graph degree and importance. The result
// is in [0,1] when the caps sum to at most 1.
func Utility(cfg config.LifecycleConfig, r *models.Record, edges int, now time.Time) float64 {
	access := 0.0
	if cfg.AccessSaturation > 0 {
		access = math.Min(1, float64(r.AccessCount)/float64(cfg.AccessSaturation))
	}

	recency := 0.0
	if cfg.RecencyHorizonDays > 0 {
		last := r.LastAccessedAt
		if last == 0 {
			last = r.CreatedAt
		}
		recency = math.Max(0, 1-daysBetween(last, now.Unix())/float64(cfg.RecencyHorizonDays))
	}

	rel := 0.0
	if cfg.EdgeSaturation > 0 {
		rel = math.Min(1, float64(edges)/float64(cfg.EdgeSaturation))
	}

	return clamp01(access*cfg.AccessCap +
		recency*cfg.RecencyCap +
		rel*cfg.RelationshipCap +
		clamp01(r.Importance)*cfg.ImportanceCap)
}
