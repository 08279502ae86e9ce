// Package apierr defines the error vocabulary shared between the pipeline
// engine, its collaborators, and the HTTP facade.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies which row of the spec's error table an error belongs to,
// so the HTTP facade can pick a status code without string-matching.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindAlreadyExists    Kind = "AlreadyExists"
	KindNotFound         Kind = "NotFound"
	KindQueueFull        Kind = "QueueFull"
	KindConfigIncomplete Kind = "ConfigIncomplete"
	KindPathEscape       Kind = "PathEscape"
	KindSecretDecrypt    Kind = "SecretDecrypt"
	KindSecretMissing    Kind = "SecretMissingValue"
	KindSecretDowngrade  Kind = "SecretDowngrade"
	KindCommandFailed    Kind = "CommandFailed"
	KindNoPrevious       Kind = "NoPrevious"
)

// Error is a typed error carrying a Kind plus a human message. Components
// wrap lower-level errors in one of these so the kind survives across
// goroutine and store boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether the first *Error in err's chain has the given Kind; an
// *Error wrapped inside another *Error is not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
