package models

// RecordType classifies what kind of knowledge a record represents.
type RecordType string

const (
	RecordTypeError    RecordType = "error"
	RecordTypeDecision RecordType = "decision"
	RecordTypePattern  RecordType = "pattern"
	RecordTypeDocs     RecordType = "docs"
	RecordTypeLearning RecordType = "learning"
	RecordTypeContext  RecordType = "context"
)

var ValidRecordTypes = map[RecordType]bool{
	RecordTypeError:    true,
	RecordTypeDecision: true,
	RecordTypePattern:  true,
	RecordTypeDocs:     true,
	RecordTypeLearning: true,
	RecordTypeContext:  true,
}

func (t RecordType) IsValid() bool {
	return ValidRecordTypes[t]
}

// LifecycleState is the stage a record occupies. States only move forward.
type LifecycleState string

const (
	StateEpisodic   LifecycleState = "episodic"
	StateStaging    LifecycleState = "staging"
	StateSemantic   LifecycleState = "semantic"
	StateProcedural LifecycleState = "procedural"
	StateArchived   LifecycleState = "archived"
	StatePurged     LifecycleState = "purged"
)

// stateRank orders states. semantic and procedural share a rank: both are
// promoted, stable knowledge.
var stateRank = map[LifecycleState]int{
	StateEpisodic:   0,
	StateStaging:    1,
	StateSemantic:   2,
	StateProcedural: 2,
	StateArchived:   3,
	StatePurged:     4,
}

func (s LifecycleState) IsValid() bool {
	_, ok := stateRank[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a forward move.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// IndexStatus tracks whether both indexes hold a record.
type IndexStatus string

const (
	IndexPending IndexStatus = "pending"
	IndexIndexed IndexStatus = "indexed"
	IndexRepair  IndexStatus = "repair"
)

// SearchMode controls which sub-searches run.
type SearchMode string

const (
	SearchModeHybrid   SearchMode = "hybrid"
	SearchModeSemantic SearchMode = "semantic"
	SearchModeKeyword  SearchMode = "keyword"
)

func (m SearchMode) IsValid() bool {
	return m == SearchModeHybrid || m == SearchModeSemantic || m == SearchModeKeyword
}

// Index names used in repair queues and error reports.
const (
	IndexLexical = "lexical"
	IndexVector  = "vector"
)
