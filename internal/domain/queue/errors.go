package queue

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors by how the caller is expected to react.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation_error"
	KindConflict        Kind = "conflict"
	KindBusinessRule    Kind = "business_rule_violation"
	KindExternalService Kind = "external_service_error"
	KindIntegrity       Kind = "integrity_failure"
)

// Error is the typed error returned by every engine operation.
type Error struct {
	Kind    Kind
	Op      string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, ErrConflict) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

// Operational reports whether the caller may recover (retry, fix input).
func (e *Error) Operational() bool { return e.Kind != KindIntegrity }

// Sentinels for errors.Is comparisons by kind.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrBusinessRule    = &Error{Kind: KindBusinessRule}
	ErrExternalService = &Error{Kind: KindExternalService}
	ErrIntegrity       = &Error{Kind: KindIntegrity}
)

// Store-level errors returned by repositories.
var (
	// ErrDuplicate wraps a uniqueness or exclusion constraint violation.
	ErrDuplicate = errors.New("constraint violation")
	// ErrStaleVersion means the row changed since it was read.
	ErrStaleVersion = errors.New("stale version")
	// ErrNoRows means the referenced row does not exist.
	ErrNoRows = errors.New("no rows")
)

// ConstraintError carries the name of the violated store constraint.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s violated: %v", e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return ErrDuplicate }

// KindOf returns the kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: what + " not found"}
}

func invalid(op, field, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Message: msg}
}

func conflict(op, msg string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Message: msg, Err: err}
}

func ruleViolation(op, msg string) error {
	return &Error{Kind: KindBusinessRule, Op: op, Message: msg}
}

// storeError classifies an error coming back from the repository layer.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		return conflict(op, "slot or queue position already taken, refresh and retry", err)
	case errors.Is(err, ErrStaleVersion):
		return conflict(op, "appointment was modified concurrently, refresh and retry", err)
	case errors.Is(err, ErrNoRows):
		return notFound(op, "appointment")
	case errors.Is(err, ErrIntegrityViolation):
		return &Error{Kind: KindIntegrity, Op: op, Message: "store integrity failure", Err: err}
	}
	return &Error{Kind: KindExternalService, Op: op, Message: "store unavailable", Err: err}
}

// ErrIntegrityViolation marks store failures that must be escalated, not retried.
var ErrIntegrityViolation = errors.New("integrity violation")
