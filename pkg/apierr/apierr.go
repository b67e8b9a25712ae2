// Package apierr defines the typed error codes surfaced to RPC and HTTP
// callers. Internal packages wrap underlying errors with fmt.Errorf("%w")
// chains; the gateway and worker transport translate the outermost *Error
// into their own wire representation at the boundary.
package apierr

import (
	"errors"
	"fmt"
)

// Code enumerates the stable error codes surfaced to callers.
type Code string

const (
	InvalidArgument   Code = "InvalidArgument"
	Unauthenticated   Code = "Unauthenticated"
	PermissionDenied  Code = "PermissionDenied"
	NotFound          Code = "NotFound"
	StateConflict     Code = "StateConflict"
	ResourceExhausted Code = "ResourceExhausted"
	DispatchFailed    Code = "DispatchFailed"
	NodeLost          Code = "NodeLost"
	Internal          Code = "Internal"
)

// Error is the typed error carried across package boundaries and translated
// to a wire response (HTTP status + JSON, or worker ErrorResponse) at the
// transport layer.
type Error struct {
	Code    Code
	Message string
	Err     error // wrapped cause, never exposed to the caller directly
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error around an existing error, preserving it via Unwrap.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, else
// returns Internal — every unclassified error defaults to opaque internal
// failure rather than leaking a code we didn't intend to promise.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return Internal
}
