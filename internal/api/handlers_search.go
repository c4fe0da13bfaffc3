package api

import (
	"net/http"
	"strings"

	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// QueryHandler serves search, linking and the read-only project views.
type QueryHandler struct {
	svc *memory.Service
}

func NewQueryHandler(svc *memory.Service) *QueryHandler {
	return &QueryHandler{svc: svc}
}

// Search handles POST /search
func (h *QueryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	resp, err := h.svc.Search(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Link handles POST /edges
func (h *QueryHandler) Link(w http.ResponseWriter, r *http.Request) {
	var req models.LinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SourceID == "" || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "sourceId and targetId are required")
		return
	}

	resp, err := h.svc.Link(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if !resp.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// ProjectAudit handles GET /audit?project=
func (h *QueryHandler) ProjectAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ProjectAudit(r.Context(), r.URL.Query().Get("project"), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Projects handles GET /projects
func (h *QueryHandler) Projects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.Projects(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// Stats handles GET /stats
func (h *QueryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Jobs handles GET /jobs
func (h *QueryHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.Jobs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
