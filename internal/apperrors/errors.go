// Package apperrors defines the error taxonomy shared by every engram
// component. Callers classify failures with errors.As or the Is* helpers;
// transports map each kind to a status code.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Violation names one failed admission rule.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationError is returned when a candidate or request breaks one or more
// rules. It is client-facing and never retried.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Rule + ": " + v.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Rules returns the names of the failed rules in order.
func (e *ValidationError) Rules() []string {
	rules := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		rules[i] = v.Rule
	}
	return rules
}

// HasRule reports whether rule is among the violations.
func (e *ValidationError) HasRule(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// Invalid builds a single-rule ValidationError.
func Invalid(rule, message string) *ValidationError {
	return &ValidationError{Violations: []Violation{{Rule: rule, Message: message}}}
}

// NotFoundError is returned for unknown or purged record ids.
type NotFoundError struct {
	Kind   string
	ID     string
	Purged bool
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "record"
	}
	if e.Purged {
		return fmt.Sprintf("%s %s was purged", kind, e.ID)
	}
	return fmt.Sprintf("%s not found: %s", kind, e.ID)
}

// PartialWriteError means one index accepted a record and the other did not
// after retries. The record is kept and queued for repair.
type PartialWriteError struct {
	ID      string
	Missing []string
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write for %s (missing %s): %v", e.ID, strings.Join(e.Missing, ","), e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// ConflictError is an optimistic version mismatch.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.ID, e.Expected, e.Actual)
}

// BackendUnavailableError wraps a failure to reach a collaborator (vector
// index, lexical index, embedder, graph store).
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a BackendUnavailableError unless it already is one.
func Unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	var bu *BackendUnavailableError
	if errors.As(err, &bu) {
		return err
	}
	return &BackendUnavailableError{Backend: backend, Err: err}
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsPartialWrite(err error) bool {
	var e *PartialWriteError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsBackendUnavailable(err error) bool {
	var e *BackendUnavailableError
	return errors.As(err, &e)
}
