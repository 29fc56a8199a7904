// Package kernelerr defines the error taxonomy returned by the Kernel Facade.
//
// Every error that crosses the Facade boundary wraps one of the Kind values
// below, so callers can branch on errors.As without parsing message text.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is one of the ten error categories the Facade surfaces.
type Kind string

const (
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	InvalidInput         Kind = "invalid_input"
	InvalidState         Kind = "invalid_state"
	IsolationUnavailable Kind = "isolation_unavailable"
	WorkspaceError       Kind = "workspace_error"
	StorageError         Kind = "storage_error"
	AuditError           Kind = "audit_error"
	Timeout              Kind = "timeout"
	Cancelled            Kind = "cancelled"
)

// Error is the concrete type behind every kernelerr.Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that wraps an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or "" if err does not wrap an Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
