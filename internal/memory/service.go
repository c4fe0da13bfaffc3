package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/audit"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/embedding"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/privacy"
	"github.com/iammorganparry/clive/apps/engram/internal/quality"
	"github.com/iammorganparry/clive/apps/engram/internal/search"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// Rules raised by record operations outside the quality gate.
const (
	RuleResolveNotError = "resolve_not_error"
	RuleAlreadyResolved = "already_resolved"
	RuleRecordPinned    = "record_pinned"
	RuleEdgeTypeInvalid = "edge_type_invalid"
	RuleSelfLink        = "self_link"
	RuleWeightRange     = "weight_out_of_range"
)

const (
	defaultMaxHops = 2
	maxHopsLimit   = 5
)

// HealthChecker is implemented by embedders that can report reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Service orchestrates the record operations exposed over HTTP, the CLI and
// MCP.
type Service struct {
	records  *store.RecordStore
	graph    *store.GraphStore
	projects *store.ProjectStore
	jobs     *store.JobStore
	gate     *quality.Gate
	writer   *Writer
	engine   *search.Engine
	vectors  backend.VectorIndex
	embedder HealthChecker
	trail    *audit.Trail
	logger   *slog.Logger
}

func NewService(
	records *store.RecordStore,
	graph *store.GraphStore,
	projects *store.ProjectStore,
	jobs *store.JobStore,
	gate *quality.Gate,
	writer *Writer,
	engine *search.Engine,
	vectors backend.VectorIndex,
	embedder HealthChecker,
	trail *audit.Trail,
	logger *slog.Logger,
) *Service {
	return &Service{
		records:  records,
		graph:    graph,
		projects: projects,
		jobs:     jobs,
		gate:     gate,
		writer:   writer,
		engine:   engine,
		vectors:  vectors,
		embedder: embedder,
		trail:    trail,
		logger:   logger,
	}
}

// Admit validates a candidate and persists it. On a partial write the
// stored record is returned together with the PartialWriteError.
func (s *Service) Admit(ctx context.Context, c *models.Candidate) (*models.Record, error) {
	r, err := s.gate.Admit(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := s.writer.Persist(ctx, r); err != nil {
		if apperrors.IsPartialWrite(err) {
			s.touchProject(ctx, r.Project)
			return r, err
		}
		return nil, err
	}
	s.touchProject(ctx, r.Project)

	s.logger.Info("record admitted", "id", r.ID, "type", r.Type, "project", r.Project, "quality", r.QualityScore)
	return r, nil
}

// Get returns a live or archived record. Purged records yield a NotFoundError
// with Purged set.
func (s *Service) Get(ctx context.Context, id string) (*models.Record, error) {
	r, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &apperrors.NotFoundError{ID: id}
	}
	if r.State == models.StatePurged {
		return nil, &apperrors.NotFoundError{ID: id, Purged: true}
	}
	return r, nil
}

// List returns a paginated list of records.
func (s *Service) List(ctx context.Context, req *models.ListRequest) (*models.ListResponse, error) {
	records, total, err := s.records.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	page := req.Page
	if page < 1 {
		page = 1
	}

	if records == nil {
		records = []*models.Record{}
	}
	return &models.ListResponse{
		Records: records,
		Pagination: models.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}, nil
}

// Update merges req into the record, re-runs the quality gate on the result
// and saves it under the caller's expected version.
func (s *Service) Update(ctx context.Context, id string, req *models.UpdateRequest) (*models.Record, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Pinned {
		return nil, apperrors.Invalid(RuleRecordPinned, "pinned records are frozen; unpin first")
	}
	expected := r.Version
	if req.Version != nil {
		expected = *req.Version
	}

	contentChanged := false
	if req.Content != nil {
		content := privacy.Clean(*req.Content)
		if privacy.EntirelyPrivate(*req.Content) {
			return nil, apperrors.Invalid(quality.RuleContentPrivate, "content is entirely private")
		}
		contentChanged = content != r.Content
		r.Content = content
	}
	if len(req.Details) > 0 {
		d, err := models.DecodeDetails(r.Type, req.Details)
		if err != nil {
			return nil, apperrors.Invalid(quality.RuleDetailsMalformed, err.Error())
		}
		r.Details = d
	}
	if req.Tags != nil {
		r.Tags = quality.NormalizeTags(*req.Tags)
	}
	if req.Project != nil {
		r.Project = strings.TrimSpace(*req.Project)
	}

	score, violations := s.gate.Evaluate(r)
	if len(violations) > 0 {
		return nil, &apperrors.ValidationError{Violations: violations}
	}
	r.QualityScore = score

	if contentChanged {
		r.ContentHash = embedding.ContentHash(r.Content)
		r.Embedding = nil
	}
	if err := s.records.Save(ctx, r, expected); err != nil {
		return nil, err
	}
	if err := s.writer.Reindex(ctx, r); err != nil {
		s.logger.Warn("reindex after update failed", "id", r.ID, "error", err)
	}
	s.touchProject(ctx, r.Project)

	s.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditUpdated, Actor: models.ActorAPI,
	})
	return r, nil
}

// Resolve attaches a solution to an error record and marks it resolved.
// Resolution is one-way.
func (s *Service) Resolve(ctx context.Context, id string, req *models.ResolveRequest) (*models.Record, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ed := r.ErrorDetails()
	if r.Type != models.RecordTypeError || ed == nil {
		return nil, apperrors.Invalid(RuleResolveNotError, fmt.Sprintf("record %s is a %s, only errors can be resolved", id, r.Type))
	}
	if r.Resolved {
		return nil, apperrors.Invalid(RuleAlreadyResolved, fmt.Sprintf("record %s is already resolved", id))
	}

	solution := strings.TrimSpace(req.Solution)
	if solution == "" && strings.TrimSpace(ed.Solution) == "" {
		return nil, &apperrors.ValidationError{Violations: []apperrors.Violation{{
			Rule: models.RuleFieldRequired, Field: "solution", Message: "resolving an error requires a solution",
		}}}
	}
	if solution != "" {
		ed.Solution = solution
	}
	r.Resolved = true
	r.QualityScore = s.gate.Score(r)

	if err := s.records.Save(ctx, r, r.Version); err != nil {
		return nil, err
	}
	s.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditResolved, Actor: models.ActorAPI,
	})
	return r, nil
}

// Pin exempts a record from automatic archival and consolidation.
func (s *Service) Pin(ctx context.Context, id string) (*models.Record, error) {
	return s.setPinned(ctx, id, true)
}

// Unpin releases a pinned record.
func (s *Service) Unpin(ctx context.Context, id string) (*models.Record, error) {
	return s.setPinned(ctx, id, false)
}

func (s *Service) setPinned(ctx context.Context, id string, pinned bool) (*models.Record, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Pinned == pinned {
		return r, nil
	}
	r.Pinned = pinned
	if err := s.records.Save(ctx, r, r.Version); err != nil {
		return nil, err
	}
	detail := "unpinned"
	if pinned {
		detail = "pinned"
	}
	s.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditUpdated, Actor: models.ActorAPI, Detail: detail,
	})
	return r, nil
}

// Archive hides a record from default search. Archived records stay
// readable by id and via IncludeArchived.
func (s *Service) Archive(ctx context.Context, id string) (*models.Record, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Archived {
		return r, nil
	}
	if r.Pinned {
		return nil, apperrors.Invalid(RuleRecordPinned, "pinned records cannot be archived")
	}
	r.Archived = true
	r.State = models.StateArchived
	if err := s.records.Save(ctx, r, r.Version); err != nil {
		return nil, err
	}
	if err := s.writer.Reindex(ctx, r); err != nil {
		s.logger.Warn("reindex after archive failed", "id", r.ID, "error", err)
	}
	s.trail.Record(ctx, models.AuditEntry{
		RecordID: r.ID, Project: r.Project, Action: models.AuditArchived, Actor: models.ActorAPI,
	})
	return r, nil
}

// Purge tombstones a record. Its audit history is kept.
func (s *Service) Purge(ctx context.Context, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Pinned {
		return apperrors.Invalid(RuleRecordPinned, "pinned records cannot be purged")
	}
	return s.writer.Tombstone(ctx, r, models.ActorAPI)
}

// Search runs a hybrid, semantic or keyword query.
func (s *Service) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	return s.engine.Search(ctx, req)
}

// Link adds a manual edge. An existing triple is reported with Created false.
func (s *Service) Link(ctx context.Context, req *models.LinkRequest) (*models.LinkResponse, error) {
	if !req.Type.IsValid() {
		return nil, apperrors.Invalid(RuleEdgeTypeInvalid, fmt.Sprintf("unknown edge type %q", req.Type))
	}
	if req.SourceID == req.TargetID {
		return nil, apperrors.Invalid(RuleSelfLink, "a record cannot be linked to itself")
	}
	weight := req.Weight
	if weight == 0 {
		weight = 1
	}
	if weight < 0 || weight > 1 {
		return nil, apperrors.Invalid(RuleWeightRange, "weight must be in [0,1]")
	}

	src, err := s.Get(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, req.TargetID); err != nil {
		return nil, err
	}

	edge := models.Edge{
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Type:       req.Type,
		Provenance: models.ProvenanceManual,
		Weight:     weight,
	}
	created, err := s.graph.AddEdge(ctx, edge)
	if err != nil {
		return nil, apperrors.Unavailable("graph", err)
	}
	if created {
		s.trail.Record(ctx, models.AuditEntry{
			RecordID: src.ID, Project: src.Project, Action: models.AuditLinked, Actor: models.ActorAPI,
			Detail: fmt.Sprintf("%s -> %s", req.Type, req.TargetID),
		})
	}
	return &models.LinkResponse{Edge: edge, Created: created}, nil
}

// Edges returns every edge touching id.
func (s *Service) Edges(ctx context.Context, id string) ([]models.Edge, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	edges, err := s.graph.Edges(ctx, id)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []models.Edge{}
	}
	return edges, nil
}

// Related walks the graph from id and returns the reachable records,
// nearest hop first. Purged records are skipped.
func (s *Service) Related(ctx context.Context, id string, maxHops int, types []models.EdgeType) (*models.RelatedResponse, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if maxHops > maxHopsLimit {
		maxHops = maxHopsLimit
	}
	for _, t := range types {
		if !t.IsValid() {
			return nil, apperrors.Invalid(RuleEdgeTypeInvalid, fmt.Sprintf("unknown edge type %q", t))
		}
	}

	ids, err := s.graph.Traverse(ctx, id, maxHops, types)
	if err != nil {
		return nil, err
	}
	found, err := s.records.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]*models.Record, 0, len(found))
	for _, r := range found {
		if r.State != models.StatePurged {
			records = append(records, r)
		}
	}
	return &models.RelatedResponse{ID: id, MaxHops: maxHops, Records: records}, nil
}

// AuditFor returns a record's audit history, newest first. Purged records
// still have history.
func (s *Service) AuditFor(ctx context.Context, id string, limit int) ([]models.AuditEntry, error) {
	r, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &apperrors.NotFoundError{ID: id}
	}
	return s.orEmpty(s.trail.Query(ctx, audit.Query{RecordID: id, Limit: limit}))
}

// ProjectAudit returns the audit history of a project, newest first.
func (s *Service) ProjectAudit(ctx context.Context, project string, limit int) ([]models.AuditEntry, error) {
	if strings.TrimSpace(project) == "" {
		return nil, &apperrors.ValidationError{Violations: []apperrors.Violation{{
			Rule: models.RuleFieldRequired, Field: "project", Message: "project is required",
		}}}
	}
	return s.orEmpty(s.trail.Query(ctx, audit.Query{Project: project, Limit: limit}))
}

func (s *Service) orEmpty(entries []models.AuditEntry, err error) ([]models.AuditEntry, error) {
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return entries, nil
}

// Stats aggregates record, graph, project and job statistics.
func (s *Service) Stats(ctx context.Context) (*models.StatsResponse, error) {
	c, err := s.records.Counts(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.graph.Total(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := s.projects.List(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []models.Project{}
	}

	return &models.StatsResponse{
		Total:            c.Total,
		ByType:           c.ByType,
		ByState:          c.ByState,
		Pinned:           c.Pinned,
		UnresolvedErrors: c.UnresolvedErrors,
		PendingRepair:    c.PendingRepair,
		Edges:            edges,
		AuditFailures:    s.trail.Failures(),
		Projects:         projects,
		Jobs:             jobs,
	}, nil
}

// Projects lists every project seen on admission, most recently active
// first.
func (s *Service) Projects(ctx context.Context) ([]models.Project, error) {
	projects, err := s.projects.List(ctx)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []models.Project{}
	}
	return projects, nil
}

// Jobs returns scheduler state for every background pass that has run.
func (s *Service) Jobs(ctx context.Context) ([]models.JobState, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []models.JobState{}
	}
	return jobs, nil
}

// Health checks the database, the embedder and the vector index.
func (s *Service) Health(ctx context.Context) *models.HealthResponse {
	resp := &models.HealthResponse{Status: "ok"}

	if err := s.records.DB().PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
	} else {
		resp.DB = models.ServiceCheck{Status: "ok"}
		if n, err := s.records.DB().RecordCount(ctx); err == nil {
			resp.RecordCount = n
		}
	}

	if err := s.embedder.HealthCheck(ctx); err != nil {
		resp.Status = "degraded"
		resp.Embedder = models.ServiceCheck{Status: "error", Message: err.Error()}
	} else {
		resp.Embedder = models.ServiceCheck{Status: "ok"}
	}

	if err := s.vectors.Health(ctx); err != nil {
		resp.Status = "degraded"
		resp.VectorIndex = models.ServiceCheck{Status: "error", Message: err.Error()}
	} else {
		resp.VectorIndex = models.ServiceCheck{Status: "ok"}
	}

	return resp
}

func (s *Service) touchProject(ctx context.Context, project string) {
	if project == "" {
		return
	}
	if err := s.projects.Touch(ctx, project); err != nil {
		s.logger.Warn("failed to register project", "project", project, "error", err)
	}
}
