// Package errkind gives the error taxonomy of the control plane concrete,
// wrappable types so callers can recover a kind with errors.As instead of
// matching message strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies which of the six error categories wraps a cause.
type Kind string

const (
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Invariant       Kind = "invariant"
	Transient       Kind = "transient"
	ExternalFailure Kind = "external_failure"
	UserAbort       Kind = "user_abort"
)

// Error wraps a cause with its taxonomy kind and the entity/operation it
// concerns, so the HTTP layer can map Kind to a status code mechanically
// and the task worker can decide whether to retry.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

func NewNotFound(op, msg string) *Error             { return new_(NotFound, op, msg, nil) }
func NewConflict(op, msg string) *Error             { return new_(Conflict, op, msg, nil) }
func NewInvariant(op, msg string) *Error            { return new_(Invariant, op, msg, nil) }
func NewUserAbort(op, msg string) *Error            { return new_(UserAbort, op, msg, nil) }
func WrapTransient(op string, cause error) *Error   { return new_(Transient, op, cause.Error(), cause) }
func WrapExternal(op string, cause error) *Error    { return new_(ExternalFailure, op, cause.Error(), cause) }

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether the kind should be retried with backoff rather
// than surfaced immediately.
func (k Kind) Retryable() bool { return k == Transient }
