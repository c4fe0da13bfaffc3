package quality

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

const longContent = "The payments worker timed out against Postgres because the pool was capped at five " +
	"connections while twelve goroutines held transactions open during the nightly settlement batch run."

func goodError() *models.Candidate {
	details, _ := json.Marshal(models.ErrorDetails{
		ErrorMessage: "pq: timeout acquiring connection",
		Solution:     "raise max_conns to 20 and shorten transactions",
		Context:      "nightly settlement batch",
	})
	return &models.Candidate{
		Type:    models.RecordTypeError,
		Content: longContent,
		Details: details,
		Tags:    []string{"Postgres", "payments", "pooling", "postgres"},
		Project: "billing",
	}
}

func TestAdmitAcceptsGoodCandidate(t *testing.T) {
	g := NewGate(config.Default().Quality)
	r, err := g.Admit(context.Background(), goodError())
	if err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if r.ID == "" || r.State != models.StateEpisodic || r.Version != 1 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if strings.Join(r.Tags, ",") != "postgres,payments,pooling" {
		t.Fatalf("expected normalized tags, got %v", r.Tags)
	}
	if !r.Resolved {
		t.Fatal("error admitted with a solution should start resolved")
	}
	if r.QualityScore < 0.7 || r.QualityScore > 1 {
		t.Fatalf("score out of range: %f", r.QualityScore)
	}
	if r.Importance != r.QualityScore {
		t.Fatalf("importance should be seeded from quality, got %f", r.Importance)
	}
}

func TestAdmitCollectsEveryViolation(t *testing.T) {
	g := NewGate(config.Default().Quality)
	_, err := g.Admit(context.Background(), &models.Candidate{
		Type:    models.RecordTypeError,
		Content: "too short",
		Tags:    []string{"bug"},
	})
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, rule := range []string{
		RuleContentMinLength, RuleContentMinWords, RuleTagsMinCount,
		RuleTagDenylisted, models.RuleFieldRequired, RuleQualityBelowFloor,
	} {
		if !ve.HasRule(rule) {
			t.Errorf("expected rule %s in %v", rule, ve.Rules())
		}
	}
}

func TestAdmitRejectsTypeAndPrivacy(t *testing.T) {
	g := NewGate(config.Default().Quality)
	ctx := context.Background()

	_, err := g.Admit(ctx, &models.Candidate{Type: "rumour", Content: longContent, Tags: []string{"a", "b", "c"}})
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) || !ve.HasRule(RuleTypeInvalid) {
		t.Fatalf("expected type_invalid, got %v", err)
	}

	c := goodError()
	c.Content = "<private>" + longContent + "</private>"
	_, err = g.Admit(ctx, c)
	if !errors.As(err, &ve) || !ve.HasRule(RuleContentPrivate) {
		t.Fatalf("expected content_private, got %v", err)
	}

	c = goodError()
	c.Details = json.RawMessage(`{"errorMessage": 42}`)
	_, err = g.Admit(ctx, c)
	if !errors.As(err, &ve) || !ve.HasRule(RuleDetailsMalformed) {
		t.Fatalf("expected details_malformed, got %v", err)
	}
}

func TestAdmitStripsPrivateBlocks(t *testing.T) {
	g := NewGate(config.Default().Quality)
	c := goodError()
	c.Content = longContent + " <private>token=abc123</private>"
	r, err := g.Admit(context.Background(), c)
	if err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if strings.Contains(r.Content, "abc123") {
		t.Fatal("private block leaked into stored content")
	}
}

func TestScoreIsDeterministicAndBounded(t *testing.T) {
	g := NewGate(config.Default().Quality)
	g.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	a, err := g.Admit(context.Background(), goodError())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	b, _ := g.Admit(context.Background(), goodError())
	if a.QualityScore != b.QualityScore {
		t.Fatalf("expected reproducible score, got %f and %f", a.QualityScore, b.QualityScore)
	}

	tests := []struct {
		name string
		r    *models.Record
		want float64
	}{
		{"empty", &models.Record{}, 0},
		{"everything saturated", &models.Record{
			Content: strings.Repeat("x", 400),
			Tags:    []string{"kubernetes", "ingress"},
			Details: &models.ContextDetails{},
			Project: "infra",
		}, 1},
		{"half length, no project", &models.Record{
			Content: strings.Repeat("x", 100),
			Tags:    []string{"abc"},
			Details: &models.ContextDetails{},
		}, 0.15 + 0.125 + 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Score(tt.r)
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Fatalf("Score = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestEvaluateVariantRules(t *testing.T) {
	g := NewGate(config.Default().Quality)
	r := &models.Record{
		Type:    models.RecordTypePattern,
		Content: strings.Repeat("word ", 15),
		Tags:    []string{"architecture", "effects", "generators"},
		Details: &models.PatternDetails{},
		Project: "core",
	}
	_, violations := g.Evaluate(r)
	rules := map[string]bool{}
	for _, v := range violations {
		rules[v.Rule] = true
	}
	if !rules[models.RulePatternMinLength] || !rules[models.RuleFieldRequired] {
		t.Fatalf("expected pattern rules, got %+v", violations)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Go ", "go", "", "HTTP"})
	if strings.Join(got, ",") != "go,http" {
		t.Fatalf("unexpected tags: %v", got)
	}
}
