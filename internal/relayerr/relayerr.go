// Package relayerr defines the error taxonomy shared by the session
// registry, chunk store, and relay core.
//
// Every handler-facing failure carries a Kind so callers can translate it
// into the ack shape the wire protocol expects ({success:false,
// error:"..."}) without string-matching error text.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a relay error for wire-level reporting.
type Kind string

const (
	InvalidPassphrase   Kind = "InvalidPassphrase"
	SessionNotFound     Kind = "SessionNotFound"
	NotInSession        Kind = "NotInSession"
	InvalidSessionToken Kind = "InvalidSessionToken"
	NotFound            Kind = "NotFound"
	InvalidArgument     Kind = "InvalidArgument"
	StorageError        Kind = "StorageError"
	Internal            Kind = "Internal"
)

// Error is a relay-domain error carrying a Kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and Internal
// otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is a relay Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
