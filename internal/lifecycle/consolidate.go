package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/embedding"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// ConsolidateParams configures one consolidation pass.
type ConsolidateParams struct {
	OlderThanDays int  `json:"olderThanDays"`
	Limit         int  `json:"limit"`
	DryRun        bool `json:"dryRun"`
}

// Cluster is a group of near-duplicates and the record that absorbs them.
type Cluster struct {
	SurvivorID string   `json:"survivorId"`
	Superseded []string `json:"superseded"`
}

// ConsolidateResult reports a consolidation pass. Deleted is always zero:
// consolidation archives, it never removes.
type ConsolidateResult struct {
	DryRun       bool      `json:"dryRun"`
	Analyzed     int       `json:"analyzed"`
	Consolidated int       `json:"consolidated"`
	Archived     int       `json:"archived"`
	Deleted      int       `json:"deleted"`
	Kept         int       `json:"kept"`
	Conflicts    int       `json:"conflicts"`
	Clusters     []Cluster `json:"clusters"`
}

// Consolidate merges near-duplicate records older than the cutoff. Cluster
// members move to staging first; each merge then commits in its own
// transaction, so a cancelled pass keeps the clusters already merged and
// never leaves one half done.
func (e *Engine) Consolidate(ctx context.Context, p ConsolidateParams) (*ConsolidateResult, error) {
	if p.OlderThanDays <= 0 {
		p.OlderThanDays = e.cfg.ConsolidateOlderThanDays
	}
	if p.Limit <= 0 {
		p.Limit = e.cfg.ConsolidateBatch
	}
	cutoff := e.now().Unix() - int64(p.OlderThanDays)*secondsPerDay

	scan, err := e.records.ConsolidationScan(ctx, cutoff, p.Limit)
	if err != nil {
		return nil, err
	}
	res := &ConsolidateResult{DryRun: p.DryRun, Analyzed: len(scan), Clusters: []Cluster{}}

	clusters, err := e.cluster(ctx, scan, cutoff)
	if err != nil {
		return nil, err
	}
	if !p.DryRun {
		ids := make([]string, len(scan))
		for i, r := range scan {
			ids[i] = r.ID
		}
		if err := e.records.MarkScanned(ctx, store.ScanConsolidate, ids); err != nil {
			return nil, err
		}
	}

	for _, members := range clusters {
		if err := ctx.Err(); err != nil {
			res.Kept = res.Analyzed - res.Archived
			return res, err
		}
		survivor, losers := pickSurvivor(members)
		c := Cluster{SurvivorID: survivor.ID}
		for _, l := range losers {
			c.Superseded = append(c.Superseded, l.ID)
		}

		if !p.DryRun {
			var merged *models.Record
			err := e.stage(ctx, members)
			if err == nil {
				merged, err = e.merge(ctx, survivor, losers)
			}
			if err != nil {
				if apperrors.IsConflict(err) {
					res.Conflicts++
					e.logger.Warn("consolidation cluster skipped", "survivor", survivor.ID, "error", err)
					continue
				}
				res.Kept = res.Analyzed - res.Archived
				return res, err
			}
			e.afterMerge(ctx, merged, losers)
		}

		res.Clusters = append(res.Clusters, c)
		res.Consolidated++
		res.Archived += len(losers)
	}

	res.Kept = res.Analyzed - res.Archived
	if res.Consolidated > 0 {
		e.logger.Info("consolidation complete",
			"dry_run", p.DryRun, "clusters", res.Consolidated, "archived", res.Archived, "conflicts", res.Conflicts)
	}
	return res, nil
}

// cluster groups scan by vector neighbours of the same type above the
// similarity floor. A record joins at most one cluster.
func (e *Engine) cluster(ctx context.Context, scan []*models.Record, cutoff int64) ([][]*models.Record, error) {
	byID := make(map[string]*models.Record, len(scan))
	for _, r := range scan {
		byID[r.ID] = r
	}
	k := e.cfg.ConsolidateNeighbours
	if k <= 0 {
		k = 10
	}

	assigned := make(map[string]bool)
	var clusters [][]*models.Record
	for _, r := range scan {
		if assigned[r.ID] {
			continue
		}
		vec := search.BytesToFloat32(r.Embedding)
		if len(vec) == 0 {
			continue
		}
		hits, err := e.vectors.Query(ctx, vec, models.Filters{
			Types:         []models.RecordType{r.Type},
			CreatedBefore: cutoff,
		}, k+1)
		if err != nil {
			return nil, apperrors.Unavailable("vector", err)
		}

		members := []*models.Record{r}
		for _, h := range hits {
			m, ok := byID[h.ID]
			if !ok || h.ID == r.ID || assigned[h.ID] || h.Score < e.cfg.SimilarityFloor {
				continue
			}
			if m.Pinned || m.Type != r.Type {
				continue
			}
			members = append(members, m)
		}
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			assigned[m.ID] = true
		}
		clusters = append(clusters, members)
	}
	return clusters, nil
}

// pickSurvivor orders members by quality, then content length, then tag
// count, then id, and returns the first as survivor.
func pickSurvivor(members []*models.Record) (*models.Record, []*models.Record) {
	sorted := append([]*models.Record(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		la, lb := utf8.RuneCountInString(a.Content), utf8.RuneCountInString(b.Content)
		if la != lb {
			return la > lb
		}
		if len(a.Tags) != len(b.Tags) {
			return len(a.Tags) > len(b.Tags)
		}
		return a.ID < b.ID
	})
	return sorted[0], sorted[1:]
}

// stage moves episodic members to staging. Each save is versioned; members
// that stage cleanly keep the state even when another member conflicts, and
// the first conflict is returned so the cluster is not merged this pass.
func (e *Engine) stage(ctx context.Context, members []*models.Record) error {
	var conflict error
	for _, m := range members {
		if m.State != models.StateEpisodic {
			continue
		}
		m.State = models.StateStaging
		if err := e.records.Save(ctx, m, m.Version); err != nil {
			m.State = models.StateEpisodic
			if apperrors.IsConflict(err) {
				if conflict == nil {
					conflict = err
				}
				continue
			}
			return err
		}
	}
	return conflict
}

// merge applies one cluster in a single transaction. Every member must
// still be at the version read by the scan and still be eligible.
func (e *Engine) merge(ctx context.Context, survivor *models.Record, losers []*models.Record) (*models.Record, error) {
	var merged *models.Record
	err := e.records.DB().WithTx(ctx, func(tx *sql.Tx) error {
		current := make(map[string]*models.Record, len(losers)+1)
		for _, m := range append([]*models.Record{survivor}, losers...) {
			r, err := e.records.GetTx(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			if r == nil {
				return &apperrors.NotFoundError{ID: m.ID}
			}
			if r.Version != m.Version || r.Pinned || r.Archived || r.State == models.StatePurged {
				return &apperrors.ConflictError{ID: m.ID, Expected: m.Version, Actual: r.Version}
			}
			current[m.ID] = r
		}

		s := current[survivor.ID]
		longest := s
		tags := append([]string(nil), s.Tags...)
		for _, l := range losers {
			lr := current[l.ID]
			for _, t := range lr.Tags {
				if !s.HasTag(t) && !contains(tags, t) {
					tags = append(tags, t)
				}
			}
			if utf8.RuneCountInString(lr.Content) > utf8.RuneCountInString(longest.Content) {
				longest = lr
			}
		}
		s.Tags = tags
		if longest != s {
			content := unionContent(longest.Content, s.Content)
			if content == longest.Content {
				s.ContentHash = longest.ContentHash
				s.Embedding = longest.Embedding
			} else {
				// Reindex embeds the combined text.
				s.ContentHash = embedding.ContentHash(content)
				s.Embedding = nil
			}
			s.Content = content
		}
		s.State = promotedState(s)

		for _, l := range losers {
			lr := current[l.ID]
			lr.Archived = true
			lr.State = models.StateArchived
			if err := e.records.SaveTx(ctx, tx, lr, lr.Version); err != nil {
				return err
			}
			if _, err := e.graph.AddEdgeTx(ctx, tx, models.Edge{
				SourceID:   s.ID,
				TargetID:   lr.ID,
				Type:       models.EdgeSupersedes,
				Provenance: models.ProvenanceInferred,
				Weight:     1,
			}); err != nil {
				return err
			}
			current[l.ID] = lr
		}
		if err := e.records.SaveTx(ctx, tx, s, s.Version); err != nil {
			return err
		}
		merged = s
		for i, l := range losers {
			losers[i] = current[l.ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// afterMerge refreshes index entries and writes the audit trail for a
// committed cluster.
func (e *Engine) afterMerge(ctx context.Context, survivor *models.Record, losers []*models.Record) {
	ids := make([]string, len(losers))
	for i, l := range losers {
		ids[i] = l.ID
		if err := e.writer.Reindex(ctx, l); err != nil {
			e.logger.Warn("reindex superseded record failed", "id", l.ID, "error", err)
		}
		e.trail.Record(ctx, models.AuditEntry{
			RecordID: l.ID, Project: l.Project, Action: models.AuditConsolidated, Actor: models.ActorConsolidate,
			Detail: "superseded by " + survivor.ID,
		})
	}
	if err := e.writer.Reindex(ctx, survivor); err != nil {
		e.logger.Warn("reindex survivor failed", "id", survivor.ID, "error", err)
	}
	e.trail.Record(ctx, models.AuditEntry{
		RecordID: survivor.ID, Project: survivor.Project, Action: models.AuditConsolidated, Actor: models.ActorConsolidate,
		Detail: fmt.Sprintf("absorbed %s", strings.Join(ids, ",")),
	})
}

// unionContent returns base followed by every sentence of extra that base
// does not already contain, so the survivor keeps its own wording when a
// longer member's text replaces it.
func unionContent(base, extra string) string {
	lower := strings.ToLower(base)
	var missing []string
	for _, sent := range sentences(extra) {
		key := strings.ToLower(strings.TrimRight(sent, ".!?;"))
		if !strings.Contains(lower, key) {
			missing = append(missing, sent)
		}
	}
	if len(missing) == 0 {
		return base
	}
	return strings.TrimRight(base, " \n") + "\n\n" + strings.Join(missing, " ")
}

func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		end := c == '\n'
		if c == '.' || c == '!' || c == '?' {
			end = i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n'
		}
		if !end {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// promotedState is where a staged survivor lands: procedural for patterns,
// semantic otherwise. Records already past staging keep their state.
func promotedState(r *models.Record) models.LifecycleState {
	target := models.StateSemantic
	if r.Type == models.RecordTypePattern {
		target = models.StateProcedural
	}
	if r.State.CanTransitionTo(target) {
		return target
	}
	return r.State
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
