package memory_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/testutil"
	"github.com/iammorganparry/clive/apps/engram/internal/vectorstore"
)

const errorContent = "Connection pool exhausted when the sqlite writer holds a long transaction " +
	"during the nightly import job; readers time out after five seconds and the " +
	"import retries until the whole batch fails with database is locked errors."

func errorCandidate() *models.Candidate {
	return &models.Candidate{
		Type:    models.RecordTypeError,
		Content: errorContent,
		Details: json.RawMessage(`{"errorMessage":"database is locked","prevention":"keep write transactions short","context":"nightly import"}`),
		Tags:    []string{"sqlite", "locking", "importer"},
		Project: "billing",
	}
}

func decisionCandidate() *models.Candidate {
	return &models.Candidate{
		Type: models.RecordTypeDecision,
		Content: "Move the nightly import onto a dedicated writer goroutine that batches rows " +
			"into short transactions so interactive readers never wait on the importer " +
			"and the sqlite busy timeout is no longer hit in production.",
		Details: json.RawMessage(`{"rationale":"one writer, short transactions","alternatives":["postgres","bigger timeout"]}`),
		Tags:    []string{"sqlite", "importer", "concurrency"},
		Project: "billing",
	}
}

func TestAdmitPersistsIndexesAndAudits(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	r := s.Admit(t, errorCandidate())

	got, err := s.Service.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IndexStatus != models.IndexIndexed {
		t.Errorf("index status = %q, want indexed", got.IndexStatus)
	}
	if got.Resolved {
		t.Error("error admitted without a solution must start unresolved")
	}
	if len(got.Embedding) == 0 {
		t.Error("embedding should be stored with the record")
	}
	if got.QualityScore < 0.7 || got.QualityScore > 1 {
		t.Errorf("quality score = %v", got.QualityScore)
	}

	resp, err := s.Service.Search(ctx, &models.SearchRequest{Query: "database is locked", Mode: models.SearchModeKeyword})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Record.ID != r.ID {
		t.Fatalf("keyword search did not round-trip: %+v", resp.Results)
	}

	entries, err := s.Service.AuditFor(ctx, r.ID, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != models.AuditCreated {
		t.Errorf("audit = %+v, want one created entry", entries)
	}

	stats, err := s.Service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || len(stats.Projects) != 1 || stats.Projects[0].Name != "billing" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAdmitRejectionLeavesNoTrace(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	c := errorCandidate()
	c.Content = "too short"
	c.Tags = []string{"fix"}

	_, err := s.Service.Admit(ctx, c)
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	for _, rule := range []string{"content_min_length", "content_min_words", "tags_min_count", "tag_denylisted"} {
		if !ve.HasRule(rule) {
			t.Errorf("missing rule %s in %v", rule, ve.Rules())
		}
	}

	n, err := s.DB.RecordCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("record count = %d, want 0", n)
	}
	size, _ := s.Repair.Size(ctx)
	if size != 0 {
		t.Errorf("repair queue = %d, want 0", size)
	}
}

func TestPartialWriteIsRepairedByReconciler(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	s.Vectors.Down.Store(true)
	r, err := s.Service.Admit(ctx, errorCandidate())

	var pw *apperrors.PartialWriteError
	if !errors.As(err, &pw) {
		t.Fatalf("err = %v, want PartialWriteError", err)
	}
	if r == nil || pw.ID != r.ID {
		t.Fatalf("partial write should carry the stored record id")
	}
	if len(pw.Missing) != 1 || pw.Missing[0] != models.IndexVector {
		t.Errorf("missing = %v, want [vector]", pw.Missing)
	}

	stored := s.Reload(t, r.ID)
	if stored.IndexStatus != models.IndexRepair {
		t.Errorf("index status = %q, want repair", stored.IndexStatus)
	}

	// Still down: the replay fails and the item stays queued.
	res, err := s.Reconciler.Run(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Failed != 1 || res.Repaired != 0 {
		t.Errorf("result while down = %+v", res)
	}

	s.Vectors.Down.Store(false)
	res, err = s.Reconciler.Run(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Repaired != 1 {
		t.Errorf("result = %+v, want 1 repaired", res)
	}
	if got := s.Reload(t, r.ID); got.IndexStatus != models.IndexIndexed {
		t.Errorf("index status after repair = %q", got.IndexStatus)
	}
	if size, _ := s.Repair.Size(ctx); size != 0 {
		t.Errorf("repair queue = %d, want 0", size)
	}

	resp, err := s.Service.Search(ctx, &models.SearchRequest{Query: "nightly import", Mode: models.SearchModeSemantic})
	if err != nil {
		t.Fatalf("semantic search: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].Record.ID != r.ID {
		t.Errorf("repaired record not found by vector search")
	}
}

func TestRebuildVectorsFillsEmptyIndex(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"alpha", "bravo", "charlie"} {
		r := s.Insert(t, &models.Record{
			Type:    models.RecordTypeContext,
			Content: "deploy notes for the " + c + " cluster rollout",
			Tags:    []string{"deploy", c},
		})
		ids = append(ids, r.ID)
	}

	fresh := vectorstore.NewChromemIndex("rebuild_test")
	rc := memory.NewReconciler(s.Records, s.Lexical, fresh, s.Embedder, s.Repair, s.Logger)
	n, err := rc.RebuildVectors(ctx, 2)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != len(ids) {
		t.Fatalf("rebuilt %d, want %d", n, len(ids))
	}

	target := s.Reload(t, ids[1])
	vec, err := s.Embedder.Embed(ctx, target.Content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	hits, err := fresh.Query(ctx, vec, models.Filters{}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != target.ID {
		t.Errorf("hits = %+v, want %s first", hits, target.ID)
	}
}

func TestBothIndexesDownRollsBack(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	s.Vectors.Down.Store(true)
	s.Lexical.Down.Store(true)

	r, err := s.Service.Admit(ctx, errorCandidate())
	if !apperrors.IsBackendUnavailable(err) {
		t.Fatalf("err = %v, want BackendUnavailableError", err)
	}
	if r != nil {
		t.Error("no record should be returned")
	}
	if n, _ := s.DB.RecordCount(ctx); n != 0 {
		t.Errorf("record count = %d, want 0 after rollback", n)
	}
}

func TestResolveIsOneWay(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	errRec := s.Admit(t, errorCandidate())
	dec := s.Admit(t, decisionCandidate())

	t.Run("requires a solution", func(t *testing.T) {
		_, err := s.Service.Resolve(ctx, errRec.ID, &models.ResolveRequest{})
		if !apperrors.IsValidation(err) {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("resolves", func(t *testing.T) {
		r, err := s.Service.Resolve(ctx, errRec.ID, &models.ResolveRequest{Solution: "split the import into batches of 500"})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !r.Resolved || r.ErrorDetails().Solution == "" {
			t.Errorf("record = %+v", r)
		}
	})

	t.Run("second resolve rejected", func(t *testing.T) {
		_, err := s.Service.Resolve(ctx, errRec.ID, &models.ResolveRequest{Solution: "again"})
		var ve *apperrors.ValidationError
		if !errors.As(err, &ve) || !ve.HasRule(memory.RuleAlreadyResolved) {
			t.Fatalf("err = %v, want already_resolved", err)
		}
	})

	t.Run("non-error rejected", func(t *testing.T) {
		_, err := s.Service.Resolve(ctx, dec.ID, &models.ResolveRequest{Solution: "n/a"})
		var ve *apperrors.ValidationError
		if !errors.As(err, &ve) || !ve.HasRule(memory.RuleResolveNotError) {
			t.Fatalf("err = %v, want resolve_not_error", err)
		}
	})

	if got := s.Reload(t, errRec.ID); !got.Resolved {
		t.Error("resolution must persist")
	}
	entries, _ := s.Service.AuditFor(ctx, errRec.ID, 10)
	if len(entries) != 2 || entries[0].Action != models.AuditResolved {
		t.Errorf("audit = %+v", entries)
	}
}

func TestUpdateRerunsGateAndChecksVersion(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	r := s.Admit(t, decisionCandidate())

	short := "nope"
	_, err := s.Service.Update(ctx, r.ID, &models.UpdateRequest{Content: &short})
	if !apperrors.IsValidation(err) {
		t.Fatalf("short content: err = %v, want validation", err)
	}

	stale := r.Version - 1
	tags := []string{"sqlite", "importer", "goroutines"}
	_, err = s.Service.Update(ctx, r.ID, &models.UpdateRequest{Tags: &tags, Version: &stale})
	if !apperrors.IsConflict(err) {
		t.Fatalf("stale version: err = %v, want conflict", err)
	}

	content := r.Content + " Checkpointing the WAL after each batch keeps readers fast."
	updated, err := s.Service.Update(ctx, r.ID, &models.UpdateRequest{Content: &content, Tags: &tags, Version: &r.Version})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != r.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, r.Version+1)
	}
	if !updated.HasTag("goroutines") {
		t.Errorf("tags = %v", updated.Tags)
	}

	resp, err := s.Service.Search(ctx, &models.SearchRequest{Query: "checkpointing", Mode: models.SearchModeKeyword})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("updated content not reindexed: %d results", len(resp.Results))
	}
}

func TestPinnedRecordsAreFrozen(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	r := s.Admit(t, decisionCandidate())

	if _, err := s.Service.Pin(ctx, r.ID); err != nil {
		t.Fatalf("pin: %v", err)
	}

	content := strings.Repeat("different words entirely ", 5)
	for name, op := range map[string]func() error{
		"update": func() error {
			_, err := s.Service.Update(ctx, r.ID, &models.UpdateRequest{Content: &content})
			return err
		},
		"archive": func() error { _, err := s.Service.Archive(ctx, r.ID); return err },
		"purge":   func() error { return s.Service.Purge(ctx, r.ID) },
	} {
		err := op()
		var ve *apperrors.ValidationError
		if !errors.As(err, &ve) || !ve.HasRule(memory.RuleRecordPinned) {
			t.Errorf("%s: err = %v, want record_pinned", name, err)
		}
	}

	if _, err := s.Service.Unpin(ctx, r.ID); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if _, err := s.Service.Archive(ctx, r.ID); err != nil {
		t.Errorf("archive after unpin: %v", err)
	}
}

func TestArchiveThenPurge(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	r := s.Admit(t, errorCandidate())

	archived, err := s.Service.Archive(ctx, r.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !archived.Archived || archived.State != models.StateArchived {
		t.Errorf("record = %+v", archived)
	}

	req := &models.SearchRequest{Query: "database is locked", Mode: models.SearchModeHybrid}
	resp, err := s.Service.Search(ctx, req)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("archived record returned by default search")
	}
	req = &models.SearchRequest{Query: "database is locked", Filters: models.Filters{IncludeArchived: true}}
	resp, err = s.Service.Search(ctx, req)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("includeArchived should return the record, got %d", len(resp.Results))
	}

	if err := s.Service.Purge(ctx, r.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	_, err = s.Service.Get(ctx, r.ID)
	var nf *apperrors.NotFoundError
	if !errors.As(err, &nf) || !nf.Purged {
		t.Fatalf("err = %v, want purged NotFoundError", err)
	}

	tomb := s.Reload(t, r.ID)
	if tomb.Content != "" || len(tomb.Embedding) != 0 {
		t.Error("tombstone must not keep content or embedding")
	}

	entries, err := s.Service.AuditFor(ctx, r.ID, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 3 || entries[0].Action != models.AuditPurged {
		t.Errorf("audit = %+v, want created, archived, purged", entries)
	}
}

func TestLinkAndRelated(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	errRec := s.Admit(t, errorCandidate())
	dec := s.Admit(t, decisionCandidate())

	link := &models.LinkRequest{SourceID: dec.ID, TargetID: errRec.ID, Type: models.EdgeFixes}
	resp, err := s.Service.Link(ctx, link)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !resp.Created || resp.Edge.Provenance != models.ProvenanceManual || resp.Edge.Weight != 1 {
		t.Errorf("link response = %+v", resp)
	}

	again, err := s.Service.Link(ctx, link)
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if again.Created {
		t.Error("duplicate triple must be a no-op")
	}

	_, err = s.Service.Link(ctx, &models.LinkRequest{SourceID: dec.ID, TargetID: dec.ID, Type: models.EdgeRelated})
	if ve := new(apperrors.ValidationError); !errors.As(err, &ve) || !ve.HasRule(memory.RuleSelfLink) {
		t.Errorf("self link: err = %v", err)
	}
	_, err = s.Service.Link(ctx, &models.LinkRequest{SourceID: dec.ID, TargetID: errRec.ID, Type: "blocks"})
	if ve := new(apperrors.ValidationError); !errors.As(err, &ve) || !ve.HasRule(memory.RuleEdgeTypeInvalid) {
		t.Errorf("bad type: err = %v", err)
	}
	_, err = s.Service.Link(ctx, &models.LinkRequest{SourceID: dec.ID, TargetID: "missing", Type: models.EdgeRelated})
	if !apperrors.IsNotFound(err) {
		t.Errorf("missing target: err = %v", err)
	}

	related, err := s.Service.Related(ctx, errRec.ID, 0, nil)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if related.MaxHops != 2 || len(related.Records) != 1 || related.Records[0].ID != dec.ID {
		t.Errorf("related = %+v", related)
	}

	edges, err := s.Service.Edges(ctx, errRec.ID)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges = %+v", edges)
	}
}

func TestNewTermsReachQueryExpansion(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	req := func() *models.SearchRequest {
		return &models.SearchRequest{Query: "terrafrom", Mode: models.SearchModeKeyword}
	}

	s.Insert(t, &models.Record{Type: models.RecordTypeLearning,
		Content: "Kubernetes rollout paused after the readiness check regression"})
	if _, err := s.Service.Search(ctx, req()); err != nil {
		t.Fatalf("warm search: %v", err)
	}

	s.Insert(t, &models.Record{Type: models.RecordTypeLearning,
		Content: "Terraform state lock left behind by a cancelled pipeline"})
	resp, err := s.Service.Search(ctx, req())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Suggestion == nil || resp.Suggestion.Corrections["terrafrom"] != "terraform" {
		t.Errorf("suggestion = %+v, want the just-stored term", resp.Suggestion)
	}
}

func TestRemoveLogsLostRepairs(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()

	var logs bytes.Buffer
	w := memory.NewWriter(s.Records, s.Lexical, s.Vectors, s.Embedder, s.Repair, s.Vocab, s.Trail,
		s.Config.Writer, slog.New(slog.NewJSONHandler(&logs, nil)))
	s.Lexical.Down.Store(true)
	s.Vectors.Down.Store(true)
	if _, err := s.DB.ExecContext(ctx, `DROP TABLE repair_queue`); err != nil {
		t.Fatalf("drop repair queue: %v", err)
	}

	if err := w.Remove(ctx, "gone"); !apperrors.IsBackendUnavailable(err) {
		t.Fatalf("remove = %v, want backend unavailable", err)
	}
	if n := strings.Count(logs.String(), "failed to enqueue repair"); n != 2 {
		t.Errorf("logged %d lost repairs, want 2:\n%s", n, logs.String())
	}
}
