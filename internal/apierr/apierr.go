// Package apierr defines the closed error taxonomy shared by the Manager
// and Agent APIs (spec.md §7). Handlers classify every failure into one of
// these Kinds; anything that doesn't fit becomes HostLocalError so internal
// details never reach the client verbatim.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error classifications.
type Kind string

const (
	ValidationFailed  Kind = "ValidationFailed"
	AuthRequired      Kind = "AuthRequired"
	Forbidden         Kind = "Forbidden"
	NotFound          Kind = "NotFound"
	Conflict          Kind = "Conflict"
	PrecheckFailed    Kind = "PrecheckFailed"
	ResourceExhausted Kind = "ResourceExhausted"
	HostLocalError    Kind = "HostLocalError"
	VersionSkew       Kind = "VersionSkew"
	Timeout           Kind = "Timeout"
	Unavailable       Kind = "Unavailable"
)

// statusByKind mirrors the Kind/Status table in spec.md §7.
var statusByKind = map[Kind]int{
	ValidationFailed:  http.StatusBadRequest,
	AuthRequired:      http.StatusUnauthorized,
	Forbidden:         http.StatusForbidden,
	NotFound:          http.StatusNotFound,
	Conflict:          http.StatusConflict,
	PrecheckFailed:    http.StatusUnprocessableEntity,
	ResourceExhausted: http.StatusTooManyRequests,
	HostLocalError:    http.StatusInternalServerError,
	VersionSkew:       http.StatusInternalServerError,
	Timeout:           http.StatusGatewayTimeout,
	Unavailable:       http.StatusServiceUnavailable,
}

// retryableByKind mirrors the Retry? column. ResourceExhausted is "maybe"
// (retryable once a Host frees capacity) and is treated as retryable here;
// callers that need the finer distinction inspect Kind directly.
var retryableByKind = map[Kind]bool{
	ValidationFailed:  false,
	AuthRequired:      false,
	Forbidden:         false,
	NotFound:          false,
	Conflict:          false,
	PrecheckFailed:    false,
	ResourceExhausted: true,
	HostLocalError:    true,
	VersionSkew:       true,
	Timeout:           true,
	Unavailable:       true,
}

// Error is the concrete error type carried through the system. FaultMessage
// is the text persisted against the affected entity and returned to
// clients; the wrapped Err, if any, is logged server-side only.
type Error struct {
	Kind         Kind
	FaultMessage string
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.FaultMessage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.FaultMessage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the reconciler or a client may retry the
// operation that produced this error.
func (e *Error) Retryable() bool {
	return retryableByKind[e.Kind]
}

// New constructs an *Error of the given Kind with a client-facing fault
// message, optionally wrapping an underlying error for server-side logging.
func New(kind Kind, faultMessage string, err error) *Error {
	return &Error{Kind: kind, FaultMessage: faultMessage, Err: err}
}

// Wrap returns err unchanged if it already carries a Kind (via errors.As),
// or classifies it as HostLocalError otherwise. Use at RPC/store boundaries
// so every returned error reaching a handler has a Kind.
func Wrap(err error, fallbackMessage string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return New(HostLocalError, fallbackMessage, err)
}

// As is a convenience wrapper over errors.As for recovering the Kind from
// an arbitrary error chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
