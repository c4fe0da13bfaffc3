// Package quality decides whether a candidate record is worth keeping. It is
// the only place content shape is validated.
package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/privacy"
)

// Rule names reported in ValidationError violations.
const (
	RuleContentPrivate    = "content_private"
	RuleContentMinLength  = "content_min_length"
	RuleContentMinWords   = "content_min_words"
	RuleTagsMinCount      = "tags_min_count"
	RuleTagDenylisted     = "tag_denylisted"
	RuleTypeInvalid       = "type_invalid"
	RuleDetailsMalformed  = "details_malformed"
	RuleQualityBelowFloor = "quality_below_floor"
)

// Gate scores candidates and rejects the ones below the configured floor.
type Gate struct {
	cfg  config.QualityConfig
	deny map[string]bool
	now  func() time.Time
}

func NewGate(cfg config.QualityConfig) *Gate {
	deny := make(map[string]bool, len(cfg.DenyTags))
	for _, t := range cfg.DenyTags {
		deny[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Gate{cfg: cfg, deny: deny, now: time.Now}
}

// Admit validates and scores c. On success it returns an unsaved record in
// the episodic state; on failure a ValidationError naming every failed rule.
func (g *Gate) Admit(_ context.Context, c *models.Candidate) (*models.Record, error) {
	var violations []apperrors.Violation

	content := privacy.Clean(c.Content)
	if privacy.EntirelyPrivate(c.Content) {
		violations = append(violations, apperrors.Violation{
			Rule: RuleContentPrivate, Field: "content",
			Message: "content is entirely private",
		})
	}

	var details models.Details
	if !c.Type.IsValid() {
		violations = append(violations, apperrors.Violation{
			Rule: RuleTypeInvalid, Field: "type",
			Message: fmt.Sprintf("unknown record type %q", c.Type),
		})
	} else {
		d, err := models.DecodeDetails(c.Type, c.Details)
		if err != nil {
			violations = append(violations, apperrors.Violation{
				Rule: RuleDetailsMalformed, Field: "details",
				Message: err.Error(),
			})
		}
		details = d
	}

	now := g.now().Unix()
	r := &models.Record{
		ID:             uuid.New().String(),
		Type:           c.Type,
		Content:        content,
		Details:        details,
		Tags:           NormalizeTags(c.Tags),
		Project:        strings.TrimSpace(c.Project),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		State:          models.StateEpisodic,
		IndexStatus:    models.IndexPending,
		Version:        1,
	}

	score, more := g.Evaluate(r)
	violations = append(violations, more...)
	if len(violations) > 0 {
		return nil, &apperrors.ValidationError{Violations: violations}
	}

	r.QualityScore = score
	r.Importance = score
	if ed := r.ErrorDetails(); ed != nil {
		r.Resolved = strings.TrimSpace(ed.Solution) != ""
	}
	return r, nil
}

// Evaluate scores r and returns every content, tag and detail rule it
// breaks, including the quality floor. Update re-runs it on the merged
// record so edits cannot bypass admission.
func (g *Gate) Evaluate(r *models.Record) (float64, []apperrors.Violation) {
	var violations []apperrors.Violation

	if n := len([]rune(r.Content)); n < g.cfg.MinContentLength {
		violations = append(violations, apperrors.Violation{
			Rule: RuleContentMinLength, Field: "content",
			Message: fmt.Sprintf("content has %d characters, need at least %d", n, g.cfg.MinContentLength),
		})
	}
	if n := len(strings.Fields(r.Content)); n < g.cfg.MinWords {
		violations = append(violations, apperrors.Violation{
			Rule: RuleContentMinWords, Field: "content",
			Message: fmt.Sprintf("content has %d words, need at least %d", n, g.cfg.MinWords),
		})
	}
	if len(r.Tags) < g.cfg.MinTags {
		violations = append(violations, apperrors.Violation{
			Rule: RuleTagsMinCount, Field: "tags",
			Message: fmt.Sprintf("%d tags given, need at least %d", len(r.Tags), g.cfg.MinTags),
		})
	}
	for _, t := range r.Tags {
		if g.deny[t] {
			violations = append(violations, apperrors.Violation{
				Rule: RuleTagDenylisted, Field: "tags",
				Message: fmt.Sprintf("tag %q is too generic", t),
			})
		}
	}
	if r.Details != nil {
		violations = append(violations, r.Details.Validate(r.Content)...)
	}

	score := g.Score(r)
	if score < g.cfg.Floor {
		violations = append(violations, apperrors.Violation{
			Rule:    RuleQualityBelowFloor,
			Message: fmt.Sprintf("quality score %.2f is below the floor %.2f", score, g.cfg.Floor),
		})
	}
	return score, violations
}

// Score is the weighted sum of content length, tag specificity, detail
// completeness and project presence. It is deterministic and in [0, 1].
func (g *Gate) Score(r *models.Record) float64 {
	length := 0.0
	if g.cfg.ContentSaturation > 0 {
		length = math.Min(float64(len([]rune(r.Content)))/float64(g.cfg.ContentSaturation), 1)
	}

	specificity := 0.0
	if len(r.Tags) > 0 {
		for _, t := range r.Tags {
			specificity += math.Min(float64(len([]rune(t)))/6, 1)
		}
		specificity /= float64(len(r.Tags))
	}

	completeness := 0.0
	if r.Details != nil {
		completeness = r.Details.Completeness()
	}

	project := 0.0
	if r.Project != "" {
		project = 1
	}

	score := length*g.cfg.WeightLength +
		specificity*g.cfg.WeightTags +
		completeness*g.cfg.WeightFields +
		project*g.cfg.WeightProject
	return math.Max(0, math.Min(1, score))
}

// NormalizeTags trims, lowercases and deduplicates tags, keeping first-seen
// order and dropping empties.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
