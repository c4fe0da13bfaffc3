package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/api"
	"github.com/iammorganparry/clive/apps/engram/internal/inference"
	"github.com/iammorganparry/clive/apps/engram/internal/lifecycle"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/scheduler"
	"github.com/iammorganparry/clive/apps/engram/internal/testutil"
)

const errorJSON = `{
	"type": "error",
	"content": "Connection pool exhausted when the sqlite writer holds a long transaction during the nightly import job; readers time out after five seconds and the import retries until the whole batch fails with database is locked errors.",
	"details": {"errorMessage": "database is locked", "prevention": "keep write transactions short", "context": "nightly import"},
	"tags": ["sqlite", "locking", "importer"],
	"project": "billing"
}`

const decisionJSON = `{
	"type": "decision",
	"content": "Move the nightly import onto a dedicated writer goroutine that batches rows into short transactions so interactive readers never wait on the importer and the sqlite busy timeout is no longer hit in production.",
	"details": {"rationale": "one writer, short transactions", "alternatives": ["postgres", "bigger timeout"]},
	"tags": ["sqlite", "importer", "concurrency"],
	"project": "billing"
}`

func newServer(t *testing.T, apiKey string) (*httptest.Server, *testutil.Stack) {
	t.Helper()
	s := testutil.NewStack(t)
	life := lifecycle.NewEngine(s.Records, s.Graph, s.CoAccess, s.Vectors, s.Writer, s.Trail, s.Config.Lifecycle, s.Logger)
	infer := inference.NewEngine(s.Records, s.Graph, s.Engine, s.Trail, s.Config.Inference, s.Logger)
	sched := scheduler.New(s.Jobs, time.Minute, s.Logger)
	srv := httptest.NewServer(api.NewRouter(s.Service, life, infer, s.Reconciler, sched, apiKey, s.Logger))
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode
}

type errorResponse struct {
	Error      string `json:"error"`
	Violations []struct {
		Rule string `json:"rule"`
	} `json:"violations"`
}

func (e errorResponse) hasRule(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func TestRecordRoutes(t *testing.T) {
	srv, _ := newServer(t, "")

	var admitted models.AdmitResponse
	if code := do(t, srv, http.MethodPost, "/records", errorJSON, &admitted); code != http.StatusCreated {
		t.Fatalf("admit status = %d", code)
	}
	id := admitted.Record.ID
	if id == "" || admitted.Record.Resolved {
		t.Fatalf("admitted = %+v", admitted.Record)
	}

	var got models.Record
	if code := do(t, srv, http.MethodGet, "/records/"+id, "", &got); code != http.StatusOK || got.ID != id {
		t.Fatalf("get = %d %+v", code, got)
	}

	var search models.SearchResponse
	code := do(t, srv, http.MethodPost, "/search", `{"query":"database is locked","mode":"keyword"}`, &search)
	if code != http.StatusOK || len(search.Results) != 1 || search.Results[0].Record.ID != id {
		t.Fatalf("search = %d %+v", code, search.Results)
	}

	if code := do(t, srv, http.MethodPost, "/records/"+id+"/resolve", `{"solution":"commit per batch"}`, &got); code != http.StatusOK || !got.Resolved {
		t.Fatalf("resolve = %d resolved=%v", code, got.Resolved)
	}
	var e errorResponse
	if code := do(t, srv, http.MethodPost, "/records/"+id+"/resolve", `{"solution":"again"}`, &e); code != http.StatusUnprocessableEntity || !e.hasRule("already_resolved") {
		t.Errorf("second resolve = %d %+v", code, e)
	}

	if code := do(t, srv, http.MethodPost, "/records/"+id+"/pin", "", &got); code != http.StatusOK || !got.Pinned {
		t.Fatalf("pin = %d", code)
	}
	e = errorResponse{}
	if code := do(t, srv, http.MethodPatch, "/records/"+id, `{"project":"other"}`, &e); code != http.StatusUnprocessableEntity || !e.hasRule("record_pinned") {
		t.Errorf("update pinned = %d %+v", code, e)
	}
	if code := do(t, srv, http.MethodDelete, "/records/"+id+"/pin", "", &got); code != http.StatusOK || got.Pinned {
		t.Fatalf("unpin = %d", code)
	}

	stale := `{"project":"other","version":1}`
	if code := do(t, srv, http.MethodPatch, "/records/"+id, stale, nil); code != http.StatusConflict {
		t.Errorf("stale update = %d, want 409", code)
	}

	if code := do(t, srv, http.MethodPost, "/records/"+id+"/archive", "", &got); code != http.StatusOK || !got.Archived {
		t.Fatalf("archive = %d", code)
	}
	if code := do(t, srv, http.MethodDelete, "/records/"+id, "", nil); code != http.StatusNoContent {
		t.Fatalf("purge = %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/records/"+id, "", nil); code != http.StatusNotFound {
		t.Errorf("get purged = %d, want 404", code)
	}

	var audit struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	if code := do(t, srv, http.MethodGet, "/records/"+id+"/audit", "", &audit); code != http.StatusOK {
		t.Fatalf("audit = %d", code)
	}
	if len(audit.Entries) == 0 || audit.Entries[0].Action != models.AuditPurged {
		t.Errorf("audit history = %+v", audit.Entries)
	}
}

func TestAdmitRejection(t *testing.T) {
	srv, s := newServer(t, "")

	var e errorResponse
	code := do(t, srv, http.MethodPost, "/records", `{"type":"error","content":"short","tags":[]}`, &e)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", code)
	}
	if len(e.Violations) == 0 {
		t.Error("rejection should list violations")
	}
	if n, _ := s.DB.RecordCount(t.Context()); n != 0 {
		t.Errorf("rejected candidate persisted: %d records", n)
	}

	if code := do(t, srv, http.MethodPost, "/records", `{"type":`, nil); code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", code)
	}
}

func TestLinkRoutes(t *testing.T) {
	srv, _ := newServer(t, "")

	var a, b models.AdmitResponse
	do(t, srv, http.MethodPost, "/records", errorJSON, &a)
	do(t, srv, http.MethodPost, "/records", decisionJSON, &b)

	link := `{"sourceId":"` + b.Record.ID + `","targetId":"` + a.Record.ID + `","type":"fixes"}`
	var lr models.LinkResponse
	if code := do(t, srv, http.MethodPost, "/edges", link, &lr); code != http.StatusCreated || !lr.Created {
		t.Fatalf("link = %d %+v", code, lr)
	}
	if code := do(t, srv, http.MethodPost, "/edges", link, &lr); code != http.StatusOK || lr.Created {
		t.Errorf("duplicate link = %d created=%v", code, lr.Created)
	}

	self := `{"sourceId":"` + a.Record.ID + `","targetId":"` + a.Record.ID + `","type":"related"}`
	var e errorResponse
	if code := do(t, srv, http.MethodPost, "/edges", self, &e); code != http.StatusUnprocessableEntity || !e.hasRule("self_link") {
		t.Errorf("self link = %d %+v", code, e)
	}

	var related models.RelatedResponse
	if code := do(t, srv, http.MethodGet, "/records/"+a.Record.ID+"/related?max_hops=1", "", &related); code != http.StatusOK {
		t.Fatalf("related = %d", code)
	}
	if len(related.Records) != 1 || related.Records[0].ID != b.Record.ID {
		t.Errorf("related = %+v", related.Records)
	}
}

func TestMaintenanceRoutes(t *testing.T) {
	srv, _ := newServer(t, "")
	do(t, srv, http.MethodPost, "/records", errorJSON, nil)

	var archive lifecycle.ArchiveResult
	if code := do(t, srv, http.MethodPost, "/lifecycle/archive", `{"dryRun":true}`, &archive); code != http.StatusOK || !archive.DryRun {
		t.Errorf("archive dry run = %d %+v", code, archive)
	}
	if code := do(t, srv, http.MethodPost, "/lifecycle/importance", "", nil); code != http.StatusOK {
		t.Errorf("importance = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/lifecycle/consolidate", `{"dryRun":true}`, nil); code != http.StatusOK {
		t.Errorf("consolidate = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/lifecycle/purge", `{}`, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("purge without age = %d, want 422", code)
	}
	if code := do(t, srv, http.MethodPost, "/lifecycle/archive/apply", `{"plan":[]}`, nil); code != http.StatusBadRequest {
		t.Errorf("empty plan = %d, want 400", code)
	}
	if code := do(t, srv, http.MethodPost, "/inference/run", `{"lookbackHours":1}`, nil); code != http.StatusOK {
		t.Errorf("inference = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/reconcile", "", nil); code != http.StatusOK {
		t.Errorf("reconcile = %d", code)
	}

	var stats models.StatsResponse
	if code := do(t, srv, http.MethodGet, "/stats", "", &stats); code != http.StatusOK || stats.Total != 1 {
		t.Errorf("stats = %d %+v", code, stats)
	}
	if code := do(t, srv, http.MethodGet, "/audit?project=billing", "", nil); code != http.StatusOK {
		t.Errorf("project audit = %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/audit", "", nil); code != http.StatusUnprocessableEntity {
		t.Errorf("audit without project = %d, want 422", code)
	}
}

func TestMaintenanceSkipsWhileLeaseHeld(t *testing.T) {
	srv, s := newServer(t, "")
	ctx := context.Background()

	ok, err := s.Jobs.Acquire(ctx, scheduler.JobArchive, time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	var skipped struct {
		Job    string `json:"job"`
		Status string `json:"status"`
	}
	if code := do(t, srv, http.MethodPost, "/lifecycle/archive", `{"threshold":1}`, &skipped); code != http.StatusConflict {
		t.Fatalf("archive while leased = %d, want 409", code)
	}
	if skipped.Status != "skipped" || skipped.Job != scheduler.JobArchive {
		t.Errorf("body = %+v", skipped)
	}
	state, _ := s.Jobs.Get(ctx, scheduler.JobArchive)
	if !state.InFlight || state.Runs != 0 {
		t.Errorf("lease disturbed: %+v", state)
	}

	if err := s.Jobs.Release(ctx, scheduler.JobArchive, nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	var archive lifecycle.ArchiveResult
	if code := do(t, srv, http.MethodPost, "/lifecycle/archive", `{"dryRun":true}`, &archive); code != http.StatusOK {
		t.Errorf("archive after release = %d", code)
	}
	state, _ = s.Jobs.Get(ctx, scheduler.JobArchive)
	if state.InFlight || state.Runs != 2 {
		t.Errorf("state after run = %+v", state)
	}
}

func TestAuthAndHealth(t *testing.T) {
	srv, _ := newServer(t, "secret")

	var health models.HealthResponse
	if code := do(t, srv, http.MethodGet, "/health", "", &health); code != http.StatusOK || health.Status != "ok" {
		t.Errorf("health = %d %+v", code, health)
	}
	if code := do(t, srv, http.MethodGet, "/stats", "", nil); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated stats = %d, want 401", code)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated stats = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("request id = %q, want propagated", got)
	}
}

func TestHealthDegradesWhenVectorIndexDown(t *testing.T) {
	srv, s := newServer(t, "")
	s.Vectors.Down.Store(true)

	var health models.HealthResponse
	if code := do(t, srv, http.MethodGet, "/health", "", &health); code != http.StatusServiceUnavailable {
		t.Errorf("health = %d, want 503", code)
	}
	if health.VectorIndex.Status != "error" {
		t.Errorf("vector check = %+v", health.VectorIndex)
	}
}
