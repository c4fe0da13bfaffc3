package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

type RecordHandler struct {
	svc *memory.Service
}

func NewRecordHandler(svc *memory.Service) *RecordHandler {
	return &RecordHandler{svc: svc}
}

// List handles GET /records
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &models.ListRequest{
		Page:  queryInt(r, "page"),
		Limit: queryInt(r, "limit"),
		Sort:  q.Get("sort"),
		Order: q.Get("order"),
		Filters: models.Filters{
			Project:         q.Get("project"),
			Tags:            queryList(r, "tags"),
			IncludeArchived: q.Get("include_archived") == "true",
		},
	}
	for _, t := range queryList(r, "type") {
		req.Filters.Types = append(req.Filters.Types, models.RecordType(t))
	}

	resp, err := h.svc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Admit handles POST /records
func (h *RecordHandler) Admit(w http.ResponseWriter, r *http.Request) {
	var c models.Candidate
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.svc.Admit(r.Context(), &c)
	if err != nil {
		// A partial write keeps the record; the caller gets its id.
		var pw *apperrors.PartialWriteError
		if errors.As(err, &pw) && rec != nil {
			writeJSON(w, http.StatusBadGateway, errorBody{Error: pw.Error(), Missing: pw.Missing, Record: rec})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.AdmitResponse{Record: rec})
}

// Get handles GET /records/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Update handles PATCH /records/{id}
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Resolve handles POST /records/{id}/resolve
func (h *RecordHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req models.ResolveRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Pin handles POST /records/{id}/pin
func (h *RecordHandler) Pin(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Pin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Unpin handles DELETE /records/{id}/pin
func (h *RecordHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Unpin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Archive handles POST /records/{id}/archive
func (h *RecordHandler) Archive(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Purge handles DELETE /records/{id}
func (h *RecordHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Edges handles GET /records/{id}/edges
func (h *RecordHandler) Edges(w http.ResponseWriter, r *http.Request) {
	edges, err := h.svc.Edges(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

// Related handles GET /records/{id}/related?max_hops=&types=
func (h *RecordHandler) Related(w http.ResponseWriter, r *http.Request) {
	var types []models.EdgeType
	for _, t := range queryList(r, "types") {
		types = append(types, models.EdgeType(t))
	}

	resp, err := h.svc.Related(r.Context(), chi.URLParam(r, "id"), queryInt(r, "max_hops"), types)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Audit handles GET /records/{id}/audit
func (h *RecordHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditFor(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
