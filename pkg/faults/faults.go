// Package faults defines the error taxonomy shared by the adapter, registry,
// and pipeline engine layers. Every failure that crosses a component boundary
// is classified with a Kind so callers can report it without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for reporting and handling purposes.
type Kind string

const (
	// ConfigInvalid marks a service or pipeline definition that cannot be
	// used without operator correction. The offending entity is excluded
	// from the active set; others continue.
	ConfigInvalid Kind = "config_invalid"

	// ServiceNotFound marks a pipeline referencing a service id that is not
	// registered (or failed to initialize).
	ServiceNotFound Kind = "service_not_found"

	// BackendUnreachable marks a network-level failure talking to an
	// inference backend.
	BackendUnreachable Kind = "backend_unreachable"

	// BackendRejected marks a non-2xx response from an inference backend.
	BackendRejected Kind = "backend_rejected"

	// MalformedResponse marks a 2xx response whose body does not match the
	// expected shape or extraction path.
	MalformedResponse Kind = "malformed_response"
)

// Error is a classified error. Op names the operation that failed
// (e.g. "openai.send", "registry.get").
type Error struct {
	Kind    Kind
	Op      string
	Message string

	// Status carries the HTTP status code for BackendRejected.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or "" if err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
