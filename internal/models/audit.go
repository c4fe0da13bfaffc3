package models

// AuditAction is the state transition an audit entry records.
type AuditAction string

const (
	AuditCreated      AuditAction = "created"
	AuditUpdated      AuditAction = "updated"
	AuditResolved     AuditAction = "resolved"
	AuditArchived     AuditAction = "archived"
	AuditLinked       AuditAction = "linked"
	AuditConsolidated AuditAction = "consolidated"
	AuditPurged       AuditAction = "purged"
)

// Actors recorded on audit entries written by background passes.
const (
	ActorAPI         = "api"
	ActorInference   = "inference"
	ActorLifecycle   = "lifecycle"
	ActorReconciler  = "reconciler"
	ActorConsolidate = "consolidation"
)

// AuditEntry is an immutable log line. Entries are never updated or deleted.
type AuditEntry struct {
	ID        int64       `json:"id"`
	RecordID  string      `json:"recordId"`
	Project   string      `json:"project,omitempty"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt int64       `json:"createdAt"`
}

// JobState is the persisted scheduler row for one background pass.
type JobState struct {
	Name           string `json:"name"`
	InFlight       bool   `json:"inFlight"`
	LeaseUntil     int64  `json:"leaseUntil,omitempty"`
	LastStartedAt  int64  `json:"lastStartedAt,omitempty"`
	LastFinishedAt int64  `json:"lastFinishedAt,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	Runs           int64  `json:"runs"`
}
