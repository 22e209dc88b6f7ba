package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is matched by every *NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

// ErrRateLimited is returned when a caller exceeds its tool-call budget.
var ErrRateLimited = errors.New("rate limited")

// ValidationError reports malformed or missing parameters.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthError never says whether the agent exists.
type AuthError struct{}

func (e *AuthError) Error() string { return "invalid agent credentials" }

// ErrUnauthorized is the shared AuthError value.
var ErrUnauthorized error = &AuthError{}

// ErrForbidden is returned for privileged tools called without an admin principal.
var ErrForbidden = errors.New("admin privileges required")

type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

type ConflictKind string

const (
	ConflictLockHeld      ConflictKind = "lock_held"
	ConflictDuplicateName ConflictKind = "duplicate_name"
	ConflictNotOwner      ConflictKind = "not_owner"
	ConflictStaleVersion  ConflictKind = "stale_version"
)

// ConflictError carries the current true state so the caller can act on it.
type ConflictError struct {
	Kind      ConflictKind
	Key       string
	Owner     string
	ExpiresAt time.Time
	Version   int64
	// Suggestion is a free alternative for DuplicateName, when one was found.
	Suggestion string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictLockHeld:
		return fmt.Sprintf("%s is locked by %s until %s", e.Key, e.Owner, e.ExpiresAt.Format(time.RFC3339))
	case ConflictNotOwner:
		return fmt.Sprintf("%s is held by %s, not the caller", e.Key, e.Owner)
	case ConflictDuplicateName:
		return fmt.Sprintf("agent %q is already registered", e.Key)
	case ConflictStaleVersion:
		return fmt.Sprintf("%s is at version %d", e.Key, e.Version)
	default:
		return fmt.Sprintf("conflict on %s", e.Key)
	}
}

// IsConflict reports whether err is a ConflictError of the given kind.
func IsConflict(err error, kind ConflictKind) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Kind == kind
}

// StorageError hides durable-layer details from callers. Op names the failed
// operation for logs.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage failure" }

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage passes domain errors through untouched and wraps anything else
// as a StorageError.
func WrapStorage(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsDomain reports whether err is an expected outcome rather than a failure
// of the durable layer.
func IsDomain(err error) bool {
	var (
		ve *ValidationError
		ae *AuthError
		ce *ConflictError
	)
	return errors.As(err, &ve) || errors.As(err, &ae) || errors.As(err, &ce) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrForbidden)
}
