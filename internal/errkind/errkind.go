// Package errkind gives every error surfaced by the control plane a kind
// tag, per spec section 7. Handlers map kinds to HTTP statuses; callers
// use errors.Is/errors.As to branch without parsing messages.
package errkind

import (
	"errors"
	"fmt"
)

// Kind tags an error with the category spec section 7 defines.
type Kind string

const (
	Validation Kind = "validation"
	Conflict   Kind = "conflict"
	NotFound   Kind = "not_found"
	Transient  Kind = "transient"
	Fatal      Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a Kind, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it (or something it wraps) carries one,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
