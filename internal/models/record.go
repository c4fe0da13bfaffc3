package models

import "encoding/json"

// Record is the core domain entity stored in SQLite.
type Record struct {
	ID             string         `json:"id"`
	Type           RecordType     `json:"type"`
	Content        string         `json:"content"`
	Details        Details        `json:"details,omitempty"`
	Tags           []string       `json:"tags"`
	Project        string         `json:"project,omitempty"`
	QualityScore   float64        `json:"qualityScore"`
	Importance     float64        `json:"importance"`
	Utility        float64        `json:"utility"`
	AccessCount    int            `json:"accessCount"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
	LastAccessedAt int64          `json:"lastAccessedAt"`
	State          LifecycleState `json:"state"`
	Pinned         bool           `json:"pinned"`
	Archived       bool           `json:"archived"`
	Resolved       bool           `json:"resolved"`
	Version        int64          `json:"version"`
	IndexStatus    IndexStatus    `json:"indexStatus"`

	ContentHash string `json:"-"`
	Embedding   []byte `json:"-"`
}

// UnmarshalJSON decodes Details into the variant named by Type.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		*alias
		Details json.RawMessage `json:"details,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d, err := DecodeDetails(r.Type, aux.Details)
	if err != nil {
		return err
	}
	r.Details = d
	return nil
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ErrorDetails returns the error variant, or nil for other types.
func (r *Record) ErrorDetails() *ErrorDetails {
	d, _ := r.Details.(*ErrorDetails)
	return d
}

// EmbeddingCacheEntry stores a cached embedding keyed by content hash.
type EmbeddingCacheEntry struct {
	ContentHash string `json:"contentHash"`
	Embedding   []byte `json:"embedding"`
	Dimension   int    `json:"dimension"`
	Model       string `json:"model"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Project tracks a project label seen on admitted records.
type Project struct {
	Name           string `json:"name"`
	RecordCount    int    `json:"recordCount"`
	CreatedAt      int64  `json:"createdAt"`
	LastActivityAt int64  `json:"lastActivityAt"`
}
