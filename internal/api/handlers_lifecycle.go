package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/inference"
	"github.com/iammorganparry/clive/apps/engram/internal/lifecycle"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/scheduler"
)

// MaintenanceHandler triggers the background passes on demand. Every trigger
// claims the same lease as the scheduled run of its pass.
type MaintenanceHandler struct {
	lifecycle  *lifecycle.Engine
	inference  *inference.Engine
	reconciler *memory.Reconciler
	sched      *scheduler.Scheduler
}

func NewMaintenanceHandler(l *lifecycle.Engine, i *inference.Engine, rec *memory.Reconciler, sched *scheduler.Scheduler) *MaintenanceHandler {
	return &MaintenanceHandler{lifecycle: l, inference: i, reconciler: rec, sched: sched}
}

// skippedResponse is returned when another run of the pass holds the lease.
type skippedResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// runJob runs fn under the named lease and writes its result. A busy lease
// answers 409 with status "skipped"; nothing runs.
func runJob[T any](w http.ResponseWriter, r *http.Request, sched *scheduler.Scheduler, name string, fn func(context.Context) (T, error)) {
	res, err := scheduler.Do(r.Context(), sched, name, fn)
	if errors.Is(err, scheduler.ErrBusy) {
		writeJSON(w, http.StatusConflict, skippedResponse{Job: name, Status: "skipped", Error: err.Error()})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type limitRequest struct {
	Limit int `json:"limit"`
}

type applyArchiveRequest struct {
	Plan []lifecycle.PlannedArchive `json:"plan"`
}

type inferRequest struct {
	LookbackHours int `json:"lookbackHours"`
}

// Importance handles POST /lifecycle/importance
func (h *MaintenanceHandler) Importance(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runJob(w, r, h.sched, scheduler.JobImportance, func(ctx context.Context) (*lifecycle.ImportanceResult, error) {
		return h.lifecycle.UpdateImportance(ctx, req.Limit)
	})
}

// Archive handles POST /lifecycle/archive
func (h *MaintenanceHandler) Archive(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ArchiveParams
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runJob(w, r, h.sched, scheduler.JobArchive, func(ctx context.Context) (*lifecycle.ArchiveResult, error) {
		return h.lifecycle.ArchiveLowUtility(ctx, req)
	})
}

// ApplyArchive handles POST /lifecycle/archive/apply
func (h *MaintenanceHandler) ApplyArchive(w http.ResponseWriter, r *http.Request) {
	var req applyArchiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Plan) == 0 {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}
	runJob(w, r, h.sched, scheduler.JobArchive, func(ctx context.Context) (*lifecycle.ArchiveResult, error) {
		return h.lifecycle.ApplyArchivePlan(ctx, req.Plan)
	})
}

// Consolidate handles POST /lifecycle/consolidate
func (h *MaintenanceHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ConsolidateParams
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runJob(w, r, h.sched, scheduler.JobConsolidate, func(ctx context.Context) (*lifecycle.ConsolidateResult, error) {
		return h.lifecycle.Consolidate(ctx, req)
	})
}

// Purge handles POST /lifecycle/purge
func (h *MaintenanceHandler) Purge(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.PurgeParams
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runJob(w, r, h.sched, scheduler.JobPurge, func(ctx context.Context) (*lifecycle.PurgeResult, error) {
		return h.lifecycle.PurgeArchived(ctx, req)
	})
}

// Infer handles POST /inference/run
func (h *MaintenanceHandler) Infer(w http.ResponseWriter, r *http.Request) {
	var req inferRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runJob(w, r, h.sched, scheduler.JobInfer, func(ctx context.Context) (*inference.Result, error) {
		return h.inference.InferRelationships(ctx, time.Duration(req.LookbackHours)*time.Hour)
	})
}

// Reconcile handles POST /reconcile
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runJob(w, r, h.sched, scheduler.JobReconcile, func(ctx context.Context) (*memory.ReconcileResult, error) {
		return h.reconciler.Run(ctx, req.Limit)
	})
}
