// Package lifecycle ages records out by usefulness instead of by time. It
// recomputes importance and utility, archives what nobody uses, merges
// near-duplicates and, only when asked, purges old archived records.
package lifecycle

import (
	"log/slog"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/audit"
	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/memory"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

const secondsPerDay = 86400

// Engine runs the lifecycle passes.
type Engine struct {
	records  *store.RecordStore
	graph    *store.GraphStore
	coAccess *store.CoAccessStore
	vectors  backend.VectorIndex
	writer   *memory.Writer
	trail    *audit.Trail
	cfg      config.LifecycleConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(
	records *store.RecordStore,
	graph *store.GraphStore,
	coAccess *store.CoAccessStore,
	vectors backend.VectorIndex,
	writer *memory.Writer,
	trail *audit.Trail,
	cfg config.LifecycleConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		records:  records,
		graph:    graph,
		coAccess: coAccess,
		vectors:  vectors,
		writer:   writer,
		trail:    trail,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Protected reports whether r is exempt from automatic archival: pinned
// records, decisions, patterns and resolved errors.
func Protected(r *models.Record) bool {
	if r.Pinned {
		return true
	}
	switch r.Type {
	case models.RecordTypeDecision, models.RecordTypePattern:
		return true
	case models.RecordTypeError:
		return r.Resolved
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func daysBetween(from, to int64) float64 {
	if to <= from {
		return 0
	}
	return float64(to-from) / secondsPerDay
}
