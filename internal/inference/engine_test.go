package inference_test

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/inference"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/testutil"
)

const lockingText = "Nightly importer fails with database is locked while the reporting " +
	"dashboard reads invoices; the writer keeps one huge transaction open for " +
	"every customer batch and readers give up after five seconds"

func newEngine(s *testutil.Stack) *inference.Engine {
	return inference.NewEngine(s.Records, s.Graph, s.Engine, s.Trail, s.Config.Inference, s.Logger)
}

func edgeWeight(t *testing.T, s *testutil.Stack, source, target string, typ models.EdgeType) (float64, bool) {
	t.Helper()
	edges, err := s.Graph.Edges(context.Background(), source)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	for _, e := range edges {
		if e.SourceID == source && e.TargetID == target && e.Type == typ {
			if e.Provenance != models.ProvenanceInferred {
				t.Errorf("edge %s->%s provenance = %s", source, target, e.Provenance)
			}
			return e.Weight, true
		}
	}
	return 0, false
}

func TestFixesScenarioAndIdempotence(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	now := time.Now().Unix()

	errRec := s.Insert(t, &models.Record{
		Type:      models.RecordTypeError,
		Content:   lockingText,
		Details:   &models.ErrorDetails{ErrorMessage: "database is locked", Prevention: "short transactions", Context: "importer"},
		CreatedAt: now - 3600,
	})
	fix := s.Insert(t, &models.Record{
		Type:      models.RecordTypeLearning,
		Content:   lockingText + " so commit per customer batch instead",
		CreatedAt: now - 1800,
	})
	earlier := s.Insert(t, &models.Record{
		Type:      models.RecordTypeDecision,
		Content:   lockingText,
		CreatedAt: now - 7200,
	})
	unrelated := s.Insert(t, &models.Record{
		Type:      models.RecordTypeLearning,
		Content:   "Frontend bundle size dropped after switching icon packs to tree shaken imports",
		CreatedAt: now - 600,
	})

	engine := newEngine(s)
	res, err := engine.InferRelationships(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if res.Fixes != 1 {
		t.Errorf("fixes = %d, want 1", res.Fixes)
	}

	w, ok := edgeWeight(t, s, fix.ID, errRec.ID, models.EdgeFixes)
	if !ok {
		t.Fatal("expected fixes edge from the later learning to the error")
	}
	if w < 0.85 || w > 1 {
		t.Errorf("fixes confidence = %v", w)
	}
	if _, ok := edgeWeight(t, s, earlier.ID, errRec.ID, models.EdgeFixes); ok {
		t.Error("a decision written before the error cannot fix it")
	}
	if _, ok := edgeWeight(t, s, unrelated.ID, errRec.ID, models.EdgeFixes); ok {
		t.Error("dissimilar learning must not be linked")
	}

	entries, err := s.Service.AuditFor(ctx, fix.ID, 20)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	linked := false
	for _, e := range entries {
		if e.Action == models.AuditLinked && e.Actor == models.ActorInference {
			linked = true
		}
	}
	if !linked {
		t.Error("inferred edge should be audited as linked by inference")
	}

	total, _ := s.Graph.Total(ctx)
	again, err := engine.InferRelationships(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if again.Total != 0 {
		t.Errorf("rerun created %d edges, want 0", again.Total)
	}
	if after, _ := s.Graph.Total(ctx); after != total {
		t.Errorf("edge count changed on rerun: %d -> %d", total, after)
	}
}

func TestFixesRotateThroughErrorBatches(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	now := time.Now().Unix()

	s.Insert(t, &models.Record{
		Type:      models.RecordTypeError,
		Content:   "Webpack build runs out of memory when source maps are enabled for the admin bundle in CI",
		Details:   &models.ErrorDetails{ErrorMessage: "heap out of memory", Context: "ci"},
		CreatedAt: now - 7200,
	})
	errRec := s.Insert(t, &models.Record{
		Type:      models.RecordTypeError,
		Content:   lockingText,
		Details:   &models.ErrorDetails{ErrorMessage: "database is locked", Context: "importer"},
		CreatedAt: now - 3600,
	})
	fix := s.Insert(t, &models.Record{
		Type:      models.RecordTypeLearning,
		Content:   lockingText + " so commit per customer batch instead",
		CreatedAt: now - 1800,
	})

	cfg := s.Config.Inference
	cfg.BatchSize = 1
	engine := inference.NewEngine(s.Records, s.Graph, s.Engine, s.Trail, cfg, s.Logger)

	fixes := 0
	for run := 0; run < 2; run++ {
		res, err := engine.InferRelationships(ctx, time.Hour)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		fixes += res.Fixes
	}
	if fixes != 1 {
		t.Errorf("fixes over two runs = %d, want 1", fixes)
	}
	if _, ok := edgeWeight(t, s, fix.ID, errRec.ID, models.EdgeFixes); !ok {
		t.Error("second batch should reach the newer error")
	}
}

func TestResolvedErrorsAreNotFixed(t *testing.T) {
	s := testutil.NewStack(t)
	now := time.Now().Unix()

	s.Insert(t, &models.Record{
		Type:      models.RecordTypeError,
		Content:   lockingText,
		Details:   &models.ErrorDetails{ErrorMessage: "locked", Solution: "batch", Context: "importer"},
		Resolved:  true,
		CreatedAt: now - 3600,
	})
	s.Insert(t, &models.Record{Type: models.RecordTypeLearning, Content: lockingText, CreatedAt: now - 60})

	res, err := newEngine(s).InferRelationships(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if res.Fixes != 0 {
		t.Errorf("fixes = %d, want 0 for a resolved error", res.Fixes)
	}
}

func TestFollowsAndCauses(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	now := time.Now().Unix()

	a := s.Insert(t, &models.Record{Type: models.RecordTypeContext, Project: "api", CreatedAt: now - 7000,
		Content: "Rotated signing keys for the public gateway"})
	b := s.Insert(t, &models.Record{Type: models.RecordTypeContext, Project: "api", CreatedAt: now - 3400,
		Content: "Bumped chi router dependency and regenerated mocks"})
	c := s.Insert(t, &models.Record{Type: models.RecordTypeContext, Project: "api", CreatedAt: now,
		Content: "Enabled tracing exporter on staging only"})
	other := s.Insert(t, &models.Record{Type: models.RecordTypeContext, Project: "web", CreatedAt: now - 100,
		Content: "Storybook upgrade finished without visual diffs"})

	effect := s.Insert(t, &models.Record{Type: models.RecordTypeLearning, CreatedAt: now - 50,
		Content: "Yesterday evening checkout requests kept failing for roughly forty minutes across every region " +
			"and customers saw blank confirmation pages; the incident was caused by stale connection pool settings in the payments gateway."})
	cause := s.Insert(t, &models.Record{Type: models.RecordTypeDecision, CreatedAt: now - 40,
		Content: "stale connection pool settings in the payments gateway"})

	res, err := newEngine(s).InferRelationships(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}

	if res.Follows != 3 {
		t.Errorf("follows = %d, want 3", res.Follows)
	}
	w, ok := edgeWeight(t, s, a.ID, b.ID, models.EdgeFollows)
	if !ok || math.Abs(w-0.5) > 0.01 {
		t.Errorf("a->b follows = %v, %v; want 0.5", w, ok)
	}
	w, ok = edgeWeight(t, s, a.ID, c.ID, models.EdgeFollows)
	if !ok || w != 0.1 {
		t.Errorf("a->c follows = %v, %v; want floor 0.1", w, ok)
	}
	if _, ok := edgeWeight(t, s, b.ID, c.ID, models.EdgeFollows); !ok {
		t.Error("missing b->c follows")
	}
	if _, ok := edgeWeight(t, s, c.ID, other.ID, models.EdgeFollows); ok {
		t.Error("follows must not cross projects")
	}

	if res.Causes != 1 {
		t.Errorf("causes = %d, want 1", res.Causes)
	}
	if _, ok := edgeWeight(t, s, cause.ID, effect.ID, models.EdgeCauses); !ok {
		t.Error("expected causes edge from the named cause to the effect")
	}
	if res.Total != res.Fixes+res.Related+res.Follows+res.Causes {
		t.Errorf("total = %d does not add up: %+v", res.Total, res)
	}
}

func TestCausePhrases(t *testing.T) {
	got := inference.CausePhrases("Build failed due to a missing env var; retried because of flakiness, again.")
	want := []string{"a missing env var", "flakiness"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CausePhrases = %q, want %q", got, want)
	}
	if got := inference.CausePhrases("nothing causal here"); len(got) != 0 {
		t.Errorf("unexpected phrases %q", got)
	}
}

type blockingSimilarity struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSimilarity) Similar(ctx context.Context, _ []float32, _ models.Filters, _ int) ([]models.SearchResult, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func (b *blockingSimilarity) SimilarText(ctx context.Context, _ string, f models.Filters, k int) ([]models.SearchResult, error) {
	return b.Similar(ctx, nil, f, k)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := testutil.NewStack(t)
	s.Insert(t, &models.Record{
		Type:    models.RecordTypeError,
		Content: lockingText,
		Details: &models.ErrorDetails{ErrorMessage: "locked", Prevention: "batch", Context: "importer"},
	})

	sim := &blockingSimilarity{entered: make(chan struct{}, 1), release: make(chan struct{})}
	engine := inference.NewEngine(s.Records, s.Graph, sim, s.Trail, s.Config.Inference, s.Logger)

	done := make(chan error, 1)
	go func() {
		_, err := engine.InferRelationships(context.Background(), time.Hour)
		done <- err
	}()
	<-sim.entered

	res, err := engine.InferRelationships(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !res.Skipped {
		t.Error("overlapping run should be skipped")
	}

	close(sim.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
