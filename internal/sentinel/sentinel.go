// Package sentinel holds the error taxonomy shared by every workflow.
//
// Callers classify failures with errors.Is against the Err* values. Stores and
// services wrap them with context; Error adds an actionable message that the
// HTTP layer can show to an admin without leaking internals.
package sentinel

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrAlreadyTerminal       = errors.New("already terminal")
	ErrGuardRejected         = errors.New("guard rejected")
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrInvalidProgress       = errors.New("invalid progress")
	ErrInvalidHours          = errors.New("invalid hours")
	ErrInvalidInput          = errors.New("invalid input")
	ErrForbidden             = errors.New("forbidden")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrConflict              = errors.New("conflict")
	ErrRateLimited           = errors.New("rate limit exceeded")
)

// Error pairs a taxonomy kind with a human readable message.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New builds an Error of the given kind.
func New(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind error, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Message returns the actionable message of err, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// Kinds lists every taxonomy error in the order Classify checks them.
var Kinds = []error{
	ErrNotFound,
	ErrAlreadyTerminal,
	ErrInvalidTransition,
	ErrGuardRejected,
	ErrDuplicateRegistration,
	ErrInvalidProgress,
	ErrInvalidHours,
	ErrInvalidInput,
	ErrForbidden,
	ErrUnauthorized,
	ErrConflict,
	ErrRateLimited,
}

// Classify returns the taxonomy kind of err, or nil for unclassified
// (storage, transport) failures.
func Classify(err error) error {
	for _, k := range Kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
