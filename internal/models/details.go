package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
)

// Variant rule names.
const (
	RuleFieldRequired    = "field_required"
	RulePatternMinLength = "pattern_min_length"
)

// Details holds the type-specific fields of a record. Each record type has
// its own variant with its own validation rules.
type Details interface {
	Kind() RecordType
	// Validate returns the violated rules for this variant. content is the
	// record's body, needed by variants with content-shape rules.
	Validate(content string) []apperrors.Violation
	// Completeness is the fraction of the variant's fields that are filled.
	Completeness() float64
}

// ErrorDetails describes a failure and, once resolved, how it was fixed.
type ErrorDetails struct {
	ErrorMessage string `json:"errorMessage"`
	Solution     string `json:"solution,omitempty"`
	Prevention   string `json:"prevention,omitempty"`
	Context      string `json:"context"`
}

func (d *ErrorDetails) Kind() RecordType { return RecordTypeError }

func (d *ErrorDetails) Validate(string) []apperrors.Violation {
	var v []apperrors.Violation
	if blank(d.ErrorMessage) {
		v = append(v, missing("errorMessage", "error records require an error message"))
	}
	if blank(d.Solution) && blank(d.Prevention) {
		v = append(v, missing("solution", "error records require a solution or a prevention"))
	}
	if blank(d.Context) {
		v = append(v, missing("context", "error records require context"))
	}
	return v
}

func (d *ErrorDetails) Completeness() float64 {
	return filled(d.ErrorMessage, d.Solution, d.Prevention, d.Context)
}

// DecisionDetails records why a choice was made and what was rejected.
type DecisionDetails struct {
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives"`
}

func (d *DecisionDetails) Kind() RecordType { return RecordTypeDecision }

func (d *DecisionDetails) Validate(string) []apperrors.Violation {
	var v []apperrors.Violation
	if blank(d.Rationale) {
		v = append(v, missing("rationale", "decision records require a rationale"))
	}
	if len(nonBlank(d.Alternatives)) == 0 {
		v = append(v, missing("alternatives", "decision records require at least one alternative"))
	}
	return v
}

func (d *DecisionDetails) Completeness() float64 {
	alts := ""
	if len(nonBlank(d.Alternatives)) > 0 {
		alts = "x"
	}
	return filled(d.Rationale, alts)
}

// PatternMinContent is the minimum body length for pattern records.
const PatternMinContent = 100

// PatternDetails describes where a reusable pattern applies.
type PatternDetails struct {
	Context string `json:"context"`
}

func (d *PatternDetails) Kind() RecordType { return RecordTypePattern }

func (d *PatternDetails) Validate(content string) []apperrors.Violation {
	var v []apperrors.Violation
	if utf8.RuneCountInString(strings.TrimSpace(content)) < PatternMinContent {
		v = append(v, apperrors.Violation{
			Rule:    RulePatternMinLength,
			Field:   "content",
			Message: fmt.Sprintf("pattern records require at least %d characters of content", PatternMinContent),
		})
	}
	if blank(d.Context) {
		v = append(v, missing("context", "pattern records require context"))
	}
	return v
}

func (d *PatternDetails) Completeness() float64 { return filled(d.Context) }

// DocsDetails points at the documentation a record summarises.
type DocsDetails struct {
	Source string `json:"source"`
}

func (d *DocsDetails) Kind() RecordType { return RecordTypeDocs }

func (d *DocsDetails) Validate(string) []apperrors.Violation {
	if blank(d.Source) {
		return []apperrors.Violation{missing("source", "docs records require a source reference")}
	}
	return nil
}

func (d *DocsDetails) Completeness() float64 { return filled(d.Source) }

// LearningDetails has no required fields.
type LearningDetails struct {
	Context string `json:"context,omitempty"`
}

func (d *LearningDetails) Kind() RecordType { return RecordTypeLearning }

func (d *LearningDetails) Validate(string) []apperrors.Violation { return nil }

// Completeness gives half credit to a learning without context.
func (d *LearningDetails) Completeness() float64 {
	if blank(d.Context) {
		return 0.5
	}
	return 1
}

// ContextDetails is empty; context notes carry everything in their content.
type ContextDetails struct{}

func (d *ContextDetails) Kind() RecordType { return RecordTypeContext }

func (d *ContextDetails) Validate(string) []apperrors.Violation { return nil }

func (d *ContextDetails) Completeness() float64 { return 1 }

// NewDetails returns the zero variant for t, or nil for unknown types.
func NewDetails(t RecordType) Details {
	switch t {
	case RecordTypeError:
		return &ErrorDetails{}
	case RecordTypeDecision:
		return &DecisionDetails{}
	case RecordTypePattern:
		return &PatternDetails{}
	case RecordTypeDocs:
		return &DocsDetails{}
	case RecordTypeLearning:
		return &LearningDetails{}
	case RecordTypeContext:
		return &ContextDetails{}
	}
	return nil
}

// DecodeDetails decodes raw JSON into the variant for t. Empty input yields
// the zero variant.
func DecodeDetails(t RecordType, raw json.RawMessage) (Details, error) {
	d := NewDetails(t)
	if d == nil {
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return d, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", t, err)
	}
	return d, nil
}

func missing(field, msg string) apperrors.Violation {
	return apperrors.Violation{Rule: RuleFieldRequired, Field: field, Message: msg}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if !blank(s) {
			out = append(out, s)
		}
	}
	return out
}

func filled(fields ...string) float64 {
	if len(fields) == 0 {
		return 1
	}
	n := 0
	for _, f := range fields {
		if !blank(f) {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}
