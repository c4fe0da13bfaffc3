// Package audit records every state change to a record in an append-only
// log. Audit writes never fail the operation that triggered them.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// Query selects entries by record or by project. RecordID wins when both
// are set.
type Query struct {
	RecordID string
	Project  string
	Limit    int
}

// Trail is the append-only audit log.
type Trail struct {
	store    *store.AuditStore
	logger   *slog.Logger
	failures atomic.Int64
}

func NewTrail(s *store.AuditStore, logger *slog.Logger) *Trail {
	return &Trail{store: s, logger: logger}
}

// Append writes e and returns any storage error.
func (t *Trail) Append(ctx context.Context, e models.AuditEntry) error {
	return t.store.Append(ctx, &e)
}

// Record writes e, logging and counting failures instead of returning them.
func (t *Trail) Record(ctx context.Context, e models.AuditEntry) {
	if err := t.Append(ctx, e); err != nil {
		t.failures.Add(1)
		t.logger.Error("audit write failed",
			"alert", true,
			"record_id", e.RecordID,
			"action", e.Action,
			"actor", e.Actor,
			"error", err,
		)
	}
}

// Query returns matching entries, newest first.
func (t *Trail) Query(ctx context.Context, q Query) ([]models.AuditEntry, error) {
	if q.RecordID != "" {
		return t.store.ByRecord(ctx, q.RecordID, q.Limit)
	}
	return t.store.ByProject(ctx, q.Project, q.Limit)
}

// Failures is the number of audit writes dropped since start.
func (t *Trail) Failures() int64 {
	return t.failures.Load()
}
