// Package apperr defines the error taxonomy shared by the call orchestrator.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	// KindConfiguration marks missing or malformed credentials and phone numbers.
	KindConfiguration Kind = "configuration"
	// KindUpstream marks a telephony, synthesis or language-model failure.
	KindUpstream Kind = "upstream"
	// KindNotFound marks an unknown agent or resource.
	KindNotFound Kind = "not_found"
	// KindValidation marks malformed inbound parameters.
	KindValidation Kind = "validation"
)

// Error carries a Kind plus enough detail for operators to diagnose the failure.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration reports a configuration problem.
func Configuration(op, code, message string) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Code: code, Message: message}
}

// Upstream reports a failure returned by an external service. code, status and
// message should be the service's own values so they can be surfaced verbatim.
func Upstream(op, code string, status int, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Op: op, Code: code, Status: status, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(op, resource, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Code: "NOT_FOUND", Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Validation reports a malformed parameter.
func Validation(op, field, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Code: "INVALID_" + field, Message: message}
}

// Is reports whether err (or anything it wraps) is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
