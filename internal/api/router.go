package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/engram/internal/inference"
	"github.com/iammorganparry/clive/apps/engram/internal/lifecycle"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/scheduler"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(
	svc *memory.Service,
	life *lifecycle.Engine,
	infer *inference.Engine,
	reconciler *memory.Reconciler,
	sched *scheduler.Scheduler,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(svc)
	recordH := NewRecordHandler(svc)
	queryH := NewQueryHandler(svc)
	maintH := NewMaintenanceHandler(life, infer, reconciler, sched)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Route("/records", func(r chi.Router) {
			r.Get("/", recordH.List)
			r.Post("/", recordH.Admit)
			r.Get("/{id}", recordH.Get)
			r.Patch("/{id}", recordH.Update)
			r.Delete("/{id}", recordH.Purge)
			r.Post("/{id}/resolve", recordH.Resolve)
			r.Post("/{id}/pin", recordH.Pin)
			r.Delete("/{id}/pin", recordH.Unpin)
			r.Post("/{id}/archive", recordH.Archive)
			r.Get("/{id}/edges", recordH.Edges)
			r.Get("/{id}/related", recordH.Related)
			r.Get("/{id}/audit", recordH.Audit)
		})

		r.Post("/search", queryH.Search)
		r.Post("/edges", queryH.Link)
		r.Get("/audit", queryH.ProjectAudit)
		r.Get("/projects", queryH.Projects)
		r.Get("/stats", queryH.Stats)
		r.Get("/jobs", queryH.Jobs)

		r.Route("/lifecycle", func(r chi.Router) {
			r.Post("/importance", maintH.Importance)
			r.Post("/archive", maintH.Archive)
			r.Post("/archive/apply", maintH.ApplyArchive)
			r.Post("/consolidate", maintH.Consolidate)
			r.Post("/purge", maintH.Purge)
		})
		r.Post("/inference/run", maintH.Infer)
		r.Post("/reconcile", maintH.Reconcile)
	})

	return r
}
