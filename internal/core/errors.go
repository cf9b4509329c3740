package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery and HTTP mapping. Kinds are the
// error taxonomy; callers branch on the kind, never on concrete types.
type Kind string

const (
	KindInvalidInput     Kind = "INVALID_INPUT"
	KindNotFound         Kind = "NOT_FOUND"
	KindDuplicate        Kind = "DUPLICATE"
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	KindCircuitOpen      Kind = "CIRCUIT_OPEN"
	KindScriptError      Kind = "SCRIPT_ERROR"
	KindNotifierFailure  Kind = "NOTIFIER_FAILURE"
	KindInternal         Kind = "INTERNAL"
)

// Error is the service error carrying a kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an error of the given kind with a formatted message.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of an error, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CountsAsBreakerFailure reports whether the error should feed a circuit
// breaker. Semantic errors (validation, not-found, duplicates) do not.
func CountsAsBreakerFailure(err error) bool {
	switch KindOf(err) {
	case KindStoreUnavailable, KindScriptError, KindInternal:
		return true
	}
	return false
}
