// Package apperr defines the error kinds every layer of the engine reports.
//
// Errors are plain values wrapping one of the sentinels below, so callers
// classify them with errors.Is or KindOf no matter how many times they were
// wrapped with additional context.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input or a rejected state transition.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an optimistic-lock mismatch or a uniqueness collision.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks an entity that is absent or belongs to another tenant.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an actor without authority over the addressed entity.
	ErrForbidden = errors.New("forbidden")

	// ErrInternal marks an infrastructure failure.
	ErrInternal = errors.New("internal error")
)

// Kind classifies an error for callers that map it to a transport signal
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
)

var kindNames = map[Kind]string{
	KindInternal:   "internal",
	KindValidation: "validation",
	KindConflict:   "conflict",
	KindNotFound:   "not_found",
	KindForbidden:  "forbidden",
}

// String returns the string representation of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}

// Validationf returns a validation error. The format may itself use %w.
func Validationf(format string, args ...interface{}) error {
	return wrapf(ErrValidation, format, args...)
}

// Conflictf returns a conflict error
func Conflictf(format string, args ...interface{}) error {
	return wrapf(ErrConflict, format, args...)
}

// NotFoundf returns a not-found error
func NotFoundf(format string, args ...interface{}) error {
	return wrapf(ErrNotFound, format, args...)
}

// Forbiddenf returns a forbidden error
func Forbiddenf(format string, args ...interface{}) error {
	return wrapf(ErrForbidden, format, args...)
}

// Internal wraps an infrastructure failure once at the repository boundary.
// Errors that already carry a kind are returned with context but unchanged in kind.
func Internal(err error, op string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal || errors.Is(err, ErrInternal) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

func wrapf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{sentinel}, args...)...)
}
