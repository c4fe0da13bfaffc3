package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(typ models.RecordType, content string, tags ...string) *models.Record {
	now := time.Now().Unix()
	return &models.Record{
		ID:             uuid.New().String(),
		Type:           typ,
		Content:        content,
		Details:        models.NewDetails(typ),
		Tags:           tags,
		Project:        "billing",
		QualityScore:   0.8,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		State:          models.StateEpisodic,
		IndexStatus:    models.IndexIndexed,
		ContentHash:    uuid.New().String(),
	}
}

func TestRecordStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rs := store.NewRecordStore(db)

	t.Run("Insert and Get", func(t *testing.T) {
		r := newRecord(models.RecordTypeError, "connection refused on port 5432", "postgres", "network")
		r.Details = &models.ErrorDetails{ErrorMessage: "ECONNREFUSED"}
		if err := rs.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		got, err := rs.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected record, got nil")
		}
		if got.Version != 1 {
			t.Fatalf("expected version 1, got %d", got.Version)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "postgres" {
			t.Fatalf("tags mismatch: %v", got.Tags)
		}
		ed, ok := got.Details.(*models.ErrorDetails)
		if !ok {
			t.Fatalf("expected *ErrorDetails, got %T", got.Details)
		}
		if ed.ErrorMessage != "ECONNREFUSED" {
			t.Fatalf("details mismatch: %+v", ed)
		}
	})

	t.Run("Get unknown id returns nil", func(t *testing.T) {
		got, err := rs.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil, got %+v", got)
		}
	})

	t.Run("Save bumps version and detects conflicts", func(t *testing.T) {
		r := newRecord(models.RecordTypeLearning, "prefer table-driven tests for parsers", "testing")
		if err := rs.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		r.Content = "prefer table-driven tests for parsers and lexers"
		if err := rs.Save(ctx, r, 1); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if r.Version != 2 {
			t.Fatalf("expected version 2, got %d", r.Version)
		}

		r.Content = "stale write"
		err := rs.Save(ctx, r, 1)
		var conflict *apperrors.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if conflict.Actual != 2 {
			t.Fatalf("expected actual version 2, got %d", conflict.Actual)
		}
	})

	t.Run("Save on missing row is NotFound", func(t *testing.T) {
		r := newRecord(models.RecordTypeDocs, "ghost")
		err := rs.Save(ctx, r, 1)
		if !apperrors.IsNotFound(err) {
			t.Fatalf("expected NotFoundError, got %v", err)
		}
	})

	t.Run("derived scores do not bump version", func(t *testing.T) {
		r := newRecord(models.RecordTypeContext, "service runs behind an nginx ingress")
		if err := rs.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := rs.SetImportance(ctx, r.ID, 0.42); err != nil {
			t.Fatalf("set importance: %v", err)
		}
		if err := rs.Touch(ctx, []string{r.ID}); err != nil {
			t.Fatalf("touch: %v", err)
		}
		got, _ := rs.Get(ctx, r.ID)
		if got.Version != 1 {
			t.Fatalf("expected version 1, got %d", got.Version)
		}
		if got.Importance != 0.42 || got.AccessCount != 1 {
			t.Fatalf("expected importance 0.42 and 1 access, got %v / %d", got.Importance, got.AccessCount)
		}
	})

	t.Run("List filters by tag all-of and project", func(t *testing.T) {
		a := newRecord(models.RecordTypeDecision, "use pgx over database/sql", "go", "postgres")
		b := newRecord(models.RecordTypeDecision, "use sqlc for queries", "go")
		c := newRecord(models.RecordTypeDecision, "use pgbouncer", "postgres")
		c.Project = "infra"
		for _, r := range []*models.Record{a, b, c} {
			if err := rs.Insert(ctx, r); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}

		recs, total, err := rs.List(ctx, &models.ListRequest{
			Filters: models.Filters{Tags: []string{"go", "postgres"}},
		})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if total != 1 || len(recs) != 1 || recs[0].ID != a.ID {
			t.Fatalf("expected only %s, got %d records", a.ID, total)
		}

		_, total, err = rs.List(ctx, &models.ListRequest{
			Filters: models.Filters{Project: "infra"},
		})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if total != 1 {
			t.Fatalf("expected 1 infra record, got %d", total)
		}
	})

	t.Run("ArchiveScan skips protected records", func(t *testing.T) {
		fresh := setupTestDB(t)
		frs := store.NewRecordStore(fresh)

		pinned := newRecord(models.RecordTypeLearning, "pinned learning")
		pinned.Pinned = true
		resolved := newRecord(models.RecordTypeError, "resolved error")
		resolved.Resolved = true
		decision := newRecord(models.RecordTypeDecision, "a decision")
		plain := newRecord(models.RecordTypeLearning, "plain learning")
		for _, r := range []*models.Record{pinned, resolved, decision, plain} {
			if err := frs.Insert(ctx, r); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}

		recs, err := frs.ArchiveScan(ctx, 100)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if len(recs) != 1 || recs[0].ID != plain.ID {
			t.Fatalf("expected only the plain learning, got %d records", len(recs))
		}
	})
}

func TestLexicalIndex(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rs := store.NewRecordStore(db)
	lex := store.NewLexicalIndex(db)

	exact := newRecord(models.RecordTypeError, "database timeout while running migrations", "db")
	partial := newRecord(models.RecordTypeLearning, "timeout values should come from config", "config")
	other := newRecord(models.RecordTypeDocs, "README explains the release process", "docs")
	for _, r := range []*models.Record{exact, partial, other} {
		if err := rs.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := lex.Upsert(ctx, r.ID, r.Content, backend.MetadataFor(r)); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	t.Run("exact phrase ranks first", func(t *testing.T) {
		hits, err := lex.Query(ctx, "database timeout", models.Filters{}, 10)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if hits[0].ID != exact.ID || hits[0].Rank != 1 {
			t.Fatalf("expected %s at rank 1, got %+v", exact.ID, hits[0])
		}
	})

	t.Run("filters are pushed down", func(t *testing.T) {
		hits, err := lex.Query(ctx, "timeout", models.Filters{Types: []models.RecordType{models.RecordTypeLearning}}, 10)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != partial.ID {
			t.Fatalf("expected only the learning, got %+v", hits)
		}
	})

	t.Run("upsert replaces and delete removes", func(t *testing.T) {
		if err := lex.Upsert(ctx, other.ID, "release checklist", backend.MetadataFor(other)); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		hits, _ := lex.Query(ctx, "README", models.Filters{}, 10)
		if len(hits) != 0 {
			t.Fatalf("expected old text gone, got %d hits", len(hits))
		}
		if err := lex.Delete(ctx, other.ID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		ok, _ := lex.Has(ctx, other.ID)
		if ok {
			t.Fatal("expected entry to be deleted")
		}
	})

	t.Run("empty query yields nothing", func(t *testing.T) {
		hits, err := lex.Query(ctx, "  !! ", models.Filters{}, 10)
		if err != nil || hits != nil {
			t.Fatalf("expected nil hits, got %v / %v", hits, err)
		}
	})
}

func TestGraphStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rs := store.NewRecordStore(db)
	gs := store.NewGraphStore(db)

	a := newRecord(models.RecordTypeError, "a")
	b := newRecord(models.RecordTypeLearning, "b")
	c := newRecord(models.RecordTypeLearning, "c")
	d := newRecord(models.RecordTypeLearning, "d")
	for _, r := range []*models.Record{a, b, c, d} {
		if err := rs.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	t.Run("AddEdge is idempotent per triple", func(t *testing.T) {
		created, err := gs.AddEdge(ctx, models.Edge{SourceID: b.ID, TargetID: a.ID, Type: models.EdgeFixes, Weight: 0.9})
		if err != nil || !created {
			t.Fatalf("expected created edge, got %v / %v", created, err)
		}
		created, err = gs.AddEdge(ctx, models.Edge{SourceID: b.ID, TargetID: a.ID, Type: models.EdgeFixes, Weight: 0.5, Provenance: models.ProvenanceInferred})
		if err != nil || created {
			t.Fatalf("expected duplicate to be ignored, got %v / %v", created, err)
		}
		edges, _ := gs.Edges(ctx, a.ID)
		if len(edges) != 1 || edges[0].Weight != 0.9 || edges[0].Provenance != models.ProvenanceManual {
			t.Fatalf("expected original edge kept, got %+v", edges)
		}
	})

	t.Run("self links are rejected", func(t *testing.T) {
		if _, err := gs.AddEdge(ctx, models.Edge{SourceID: a.ID, TargetID: a.ID, Type: models.EdgeRelated}); err == nil {
			t.Fatal("expected error for self link")
		}
	})

	t.Run("Traverse survives cycles and respects hops", func(t *testing.T) {
		gs.AddEdge(ctx, models.Edge{SourceID: b.ID, TargetID: c.ID, Type: models.EdgeRelated})
		gs.AddEdge(ctx, models.Edge{SourceID: c.ID, TargetID: a.ID, Type: models.EdgeRelated})
		gs.AddEdge(ctx, models.Edge{SourceID: c.ID, TargetID: d.ID, Type: models.EdgeFollows})

		one, err := gs.Traverse(ctx, a.ID, 1, nil)
		if err != nil {
			t.Fatalf("traverse failed: %v", err)
		}
		if len(one) != 2 {
			t.Fatalf("expected b and c at one hop, got %v", one)
		}

		two, err := gs.Traverse(ctx, a.ID, 2, nil)
		if err != nil {
			t.Fatalf("traverse failed: %v", err)
		}
		if len(two) != 3 {
			t.Fatalf("expected b, c and d within two hops, got %v", two)
		}
		for _, id := range two {
			if id == a.ID {
				t.Fatal("start node must not be returned")
			}
		}

		typed, _ := gs.Traverse(ctx, a.ID, 3, []models.EdgeType{models.EdgeFixes})
		if len(typed) != 1 || typed[0] != b.ID {
			t.Fatalf("expected only b via fixes, got %v", typed)
		}
	})
}

func TestJobStore(t *testing.T) {
	ctx := context.Background()
	js := store.NewJobStore(setupTestDB(t))

	ok, err := js.Acquire(ctx, "consolidate", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to win, got %v / %v", ok, err)
	}
	ok, err = js.Acquire(ctx, "consolidate", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected overlapping acquire to lose, got %v / %v", ok, err)
	}

	if err := js.Release(ctx, "consolidate", errors.New("boom")); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	state, _ := js.Get(ctx, "consolidate")
	if state.InFlight || state.Runs != 1 || state.LastError != "boom" {
		t.Fatalf("unexpected job state: %+v", state)
	}

	ok, _ = js.Acquire(ctx, "consolidate", -time.Second)
	if !ok {
		t.Fatal("expected acquire after release")
	}
	// The lease above is already expired, so a new run may take over.
	ok, _ = js.Acquire(ctx, "consolidate", time.Minute)
	if !ok {
		t.Fatal("expected expired lease to be reclaimable")
	}
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	as := store.NewAuditStore(setupTestDB(t))

	for i, action := range []models.AuditAction{models.AuditCreated, models.AuditUpdated, models.AuditResolved} {
		e := &models.AuditEntry{RecordID: "r1", Project: "billing", Action: action, Actor: models.ActorAPI, CreatedAt: int64(100 + i)}
		if err := as.Append(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := as.ByRecord(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(entries) != 3 || entries[0].Action != models.AuditResolved {
		t.Fatalf("expected newest first, got %+v", entries)
	}

	byProject, _ := as.ByProject(ctx, "billing", 2)
	if len(byProject) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(byProject))
	}
}

func TestRepairQueue(t *testing.T) {
	ctx := context.Background()
	q := store.NewRepairQueue(setupTestDB(t))

	if err := q.Enqueue(ctx, "r1", models.IndexVector, errors.New("qdrant down")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, "r1", models.IndexVector, errors.New("still down")); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	items, _ := q.Pending(ctx, 10)
	if len(items) != 1 || items[0].LastError != "still down" {
		t.Fatalf("expected one deduplicated item, got %+v", items)
	}

	if err := q.Done(ctx, "r1", models.IndexVector); err != nil {
		t.Fatalf("done failed: %v", err)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestCoAccessAndVocabulary(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	ca := store.NewCoAccessStore(db)
	vs := store.NewVocabularyStore(db)

	if err := ca.Record(ctx, []string{"b", "a", "c"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := ca.Record(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if n, _ := ca.Count(ctx, "a"); n != 3 {
		t.Fatalf("expected a in 3 co-accesses, got %d", n)
	}

	if err := vs.Add(ctx, []string{"timeout", "database", "timeout"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	terms, _ := vs.Terms(ctx, 0)
	if terms["timeout"] != 2 || terms["database"] != 1 {
		t.Fatalf("unexpected vocabulary: %v", terms)
	}
}
