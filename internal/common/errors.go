package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for API mapping and runtime policy.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindInternal   ErrorKind = "internal"
)

// Error is a classified engine error. Kind drives the HTTP status at the API
// boundary and the retry/escalation policy inside runtimes.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed input (bad algorithm, unknown indicator reference).
func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing instance, algorithm or backtest.
func NotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports an invalid state transition (starting a RUNNING instance).
func ConflictError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// TransientError wraps a recoverable failure (broker timeout, reconnect in progress).
func TransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// PermanentError wraps a non-recoverable failure (auth rejected, repeated transients).
func PermanentError(message string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: message, Err: err}
}

// InternalError wraps an invariant violation.
func InternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTransient reports whether err is a recoverable failure.
func IsTransient(err error) bool {
	return IsKind(err, KindTransient)
}

// IsNotFound reports whether err is a missing-resource failure.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsValidation reports whether err is a malformed-input failure.
func IsValidation(err error) bool {
	return IsKind(err, KindValidation)
}

// IsConflict reports whether err is an invalid-transition failure.
func IsConflict(err error) bool {
	return IsKind(err, KindConflict)
}
