// Package apperr defines the typed failures returned by the clinical
// documentation services. Every error type matches one of the package
// sentinels through errors.Is, so callers can branch on the category without
// caring about the concrete payload.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")
	ErrRuleViolation     = errors.New("rule violation")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPersistence       = errors.New("persistence failure")
)

// FieldError is a single schema violation. Path uses dotted notation and is
// empty when the violation applies to the document root.
type FieldError struct {
	Path    string `json:"path"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Path == "" {
		return fmt.Sprintf("(root): %s", f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Path, f.Message)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ValidationError carries the complete list of violations found in one pass.
type ValidationError struct {
	Message string
	Errors  []FieldError
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "validation failed"
	}
	if len(e.Errors) == 0 {
		return msg
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.String())
	}
	return fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RuleViolationError is raised when a processing rule rejects a submission.
type RuleViolationError struct {
	Field   string
	Message string
}

func (e *RuleViolationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed for field %s", e.Field)
}

func (e *RuleViolationError) Is(target error) bool { return target == ErrRuleViolation }

type InvalidTransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	from := e.From
	if from == "" {
		from = "(new)"
	}
	return fmt.Sprintf("invalid status transition from %s to %s", from, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PersistenceError wraps the cause of a rolled back write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func NotFound(entity string, id fmt.Stringer) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func Validation(message string, errs []FieldError) error {
	return &ValidationError{Message: message, Errors: errs}
}

func RuleViolation(field, message string) error {
	return &RuleViolationError{Field: field, Message: message}
}

func InvalidTransition(from, to string, allowed []string) error {
	return &InvalidTransitionError{From: from, To: to, Allowed: allowed}
}

// Persistence wraps err unless it already belongs to the taxonomy, in which
// case it is returned untouched so the original category survives a rollback.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTyped(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsTyped reports whether err already carries one of the package categories.
func IsTyped(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrRuleViolation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPersistence)
}
