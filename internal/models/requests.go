package models

import "encoding/json"

// Candidate is an unsaved record submitted for admission.
type Candidate struct {
	Type    RecordType      `json:"type"`
	Content string          `json:"content"`
	Details json.RawMessage `json:"details,omitempty"`
	Tags    []string        `json:"tags"`
	Project string          `json:"project,omitempty"`
}

// AdmitResponse is returned from POST /records.
type AdmitResponse struct {
	Record *Record `json:"record"`
}

// UpdateRequest is the payload for PATCH /records/{id}. Nil fields are left
// untouched. Version, when set, must match the stored version.
type UpdateRequest struct {
	Content *string         `json:"content,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Tags    *[]string       `json:"tags,omitempty"`
	Project *string         `json:"project,omitempty"`
	Version *int64          `json:"version,omitempty"`
}

// ResolveRequest is the payload for POST /records/{id}/resolve.
type ResolveRequest struct {
	Solution string `json:"solution"`
}

// LinkRequest is the payload for POST /edges.
type LinkRequest struct {
	SourceID string   `json:"sourceId"`
	TargetID string   `json:"targetId"`
	Type     EdgeType `json:"type"`
	Weight   float64  `json:"weight"`
}

// LinkResponse reports whether the edge was new.
type LinkResponse struct {
	Edge    Edge `json:"edge"`
	Created bool `json:"created"`
}

// RelatedResponse is returned from GET /records/{id}/related.
type RelatedResponse struct {
	ID      string    `json:"id"`
	MaxHops int       `json:"maxHops"`
	Records []*Record `json:"records"`
}

// Filters narrow a search or listing. Every listed tag must be present.
type Filters struct {
	Types           []RecordType `json:"types,omitempty"`
	Project         string       `json:"project,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	CreatedAfter    int64        `json:"createdAfter,omitempty"`
	CreatedBefore   int64        `json:"createdBefore,omitempty"`
	IncludeArchived bool         `json:"includeArchived,omitempty"`
}

// Match reports whether r passes the filters.
func (f Filters) Match(r *Record) bool {
	if r.State == StatePurged {
		return false
	}
	if r.Archived && !f.IncludeArchived {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if r.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Project != "" && r.Project != f.Project {
		return false
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	if f.CreatedAfter > 0 && r.CreatedAt <= f.CreatedAfter {
		return false
	}
	if f.CreatedBefore > 0 && r.CreatedAt >= f.CreatedBefore {
		return false
	}
	return true
}

// SearchRequest is the payload for POST /search.
type SearchRequest struct {
	Query       string     `json:"query"`
	Mode        SearchMode `json:"mode,omitempty"`
	Filters     Filters    `json:"filters"`
	Limit       int        `json:"limit,omitempty"`
	UseExpanded bool       `json:"useExpanded,omitempty"`
	// SkipAccessTracking keeps background passes from inflating access
	// counts and co-access statistics.
	SkipAccessTracking bool `json:"-"`
}

// SearchResult is a single fused result.
type SearchResult struct {
	Record       *Record `json:"record"`
	Score        float64 `json:"score"`
	LexicalRank  int     `json:"lexicalRank,omitempty"`
	VectorRank   int     `json:"vectorRank,omitempty"`
	Similarity   float64 `json:"similarity,omitempty"`
	LexicalScore float64 `json:"lexicalScore,omitempty"`
}

// QuerySuggestion is an expanded form of the query offered to the caller.
type QuerySuggestion struct {
	Original    string            `json:"original"`
	Expanded    string            `json:"expanded"`
	Corrections map[string]string `json:"corrections,omitempty"`
	Synonyms    map[string]string `json:"synonyms,omitempty"`
	Applied     bool              `json:"applied"`
}

// SearchResponse is returned from POST /search.
type SearchResponse struct {
	Results    []SearchResult   `json:"results"`
	Suggestion *QuerySuggestion `json:"suggestion,omitempty"`
	Meta       SearchMeta       `json:"meta"`
}

type SearchMeta struct {
	Mode           SearchMode `json:"mode"`
	TotalResults   int        `json:"totalResults"`
	VectorResults  int        `json:"vectorResults"`
	LexicalResults int        `json:"lexicalResults"`
	Degraded       string     `json:"degraded,omitempty"`
}

// ListRequest holds parsed query params for GET /records.
type ListRequest struct {
	Page    int     `json:"page"`
	Limit   int     `json:"limit"`
	Sort    string  `json:"sort"`
	Order   string  `json:"order"`
	Filters Filters `json:"filters"`
}

// Pagination holds pagination metadata.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListResponse is returned from GET /records.
type ListResponse struct {
	Records    []*Record  `json:"records"`
	Pagination Pagination `json:"pagination"`
}

// StatsResponse is returned from GET /stats.
type StatsResponse struct {
	Total            int            `json:"total"`
	ByType           map[string]int `json:"byType"`
	ByState          map[string]int `json:"byState"`
	Pinned           int            `json:"pinned"`
	UnresolvedErrors int            `json:"unresolvedErrors"`
	PendingRepair    int            `json:"pendingRepair"`
	Edges            int            `json:"edges"`
	AuditFailures    int64          `json:"auditFailures"`
	Projects         []Project      `json:"projects"`
	Jobs             []JobState     `json:"jobs,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status      string       `json:"status"`
	Embedder    ServiceCheck `json:"embedder"`
	VectorIndex ServiceCheck `json:"vectorIndex"`
	DB          ServiceCheck `json:"db"`
	RecordCount int          `json:"recordCount"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
