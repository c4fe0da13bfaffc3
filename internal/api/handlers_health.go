package api

import (
	"net/http"

	"github.com/iammorganparry/clive/apps/engram/internal/memory"
)

type HealthHandler struct {
	svc *memory.Service
}

func NewHealthHandler(svc *memory.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

// Health handles GET /health. Any failing dependency degrades the response
// to 503 so load balancers stop routing to the instance.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.Health(r.Context())

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
