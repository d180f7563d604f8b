// Package storage defines the backing-store contract shared by all
// repositories: the error taxonomy, pagination types, write options,
// and the declarative secondary-index plan.
package storage

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure for retry and propagation decisions.
type Kind string

const (
	// KindValidation: the entity violates an invariant. Never sent to the
	// backing store and never retried.
	KindValidation Kind = "validation"

	// KindNotFound: the key is absent where presence was required.
	KindNotFound Kind = "not_found"

	// KindThrottled: the backing store signaled overload. Retryable with
	// backoff.
	KindThrottled Kind = "throttled"

	// KindUnavailable: connectivity or configuration failure. Not
	// retryable at this layer.
	KindUnavailable Kind = "unavailable"

	// KindConflict: a conditional write failed because the key already
	// exists.
	KindConflict Kind = "conflict"
)

// Error carries enough context (entity type, key) to diagnose a store
// failure without re-reading the call site.
type Error struct {
	Kind   Kind
	Entity string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed store error.
func NewError(kind Kind, entity, key string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, Key: key, Err: err}
}

// Validation reports an invariant violation detected before any I/O.
func Validation(entity, key, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Key: key, Err: fmt.Errorf(format, args...)}
}

// NotFound reports an absent key where presence was required.
func NotFound(entity, key string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Key: key}
}

// Throttled reports a retryable capacity signal from the backing store.
func Throttled(entity string, err error) *Error {
	return &Error{Kind: KindThrottled, Entity: entity, Err: err}
}

// Unavailable reports a connectivity or configuration failure.
func Unavailable(entity string, err error) *Error {
	return &Error{Kind: KindUnavailable, Entity: entity, Err: err}
}

// Conflict reports a failed conditional write.
func Conflict(entity, key string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, Key: key}
}

// KindOf extracts the Kind from err, or "" if err carries no store Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsThrottled(err error) bool   { return KindOf(err) == KindThrottled }
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }
func IsConflict(err error) bool    { return KindOf(err) == KindConflict }
