package models

// EdgeType is the relationship an edge expresses.
type EdgeType string

const (
	EdgeFixes       EdgeType = "fixes"
	EdgeCauses      EdgeType = "causes"
	EdgeContradicts EdgeType = "contradicts"
	EdgeSupports    EdgeType = "supports"
	EdgeFollows     EdgeType = "follows"
	EdgeRelated     EdgeType = "related"
	EdgeSupersedes  EdgeType = "supersedes"
	EdgeSimilarTo   EdgeType = "similar_to"
)

var ValidEdgeTypes = map[EdgeType]bool{
	EdgeFixes:       true,
	EdgeCauses:      true,
	EdgeContradicts: true,
	EdgeSupports:    true,
	EdgeFollows:     true,
	EdgeRelated:     true,
	EdgeSupersedes:  true,
	EdgeSimilarTo:   true,
}

func (t EdgeType) IsValid() bool {
	return ValidEdgeTypes[t]
}

// Provenance says whether an edge was created by a caller or inferred.
type Provenance string

const (
	ProvenanceManual   Provenance = "manual"
	ProvenanceInferred Provenance = "inferred"
)

// Edge is a directed, typed link between two records.
type Edge struct {
	ID         int64      `json:"id"`
	SourceID   string     `json:"sourceId"`
	TargetID   string     `json:"targetId"`
	Type       EdgeType   `json:"type"`
	Provenance Provenance `json:"provenance"`
	Weight     float64    `json:"weight"`
	CreatedAt  int64      `json:"createdAt"`
}
