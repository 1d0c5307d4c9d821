// Package apperr defines the error taxonomy shared across the gateway core.
// Components return *Error values; only the HTTP facade maps a Kind to a
// status code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error without tying it to a transport.
type Kind string

const (
	NoAvailableNode      Kind = "no_available_node"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	UpstreamTruncated    Kind = "upstream_truncated"
	BadDataset           Kind = "bad_dataset"
	BadRequest           Kind = "bad_request"
	JobNotFound          Kind = "job_not_found"
	TelemetryUnavailable Kind = "telemetry_unavailable"
	Internal             Kind = "internal"
)

// Error is a gateway-internal error carrying a Kind for boundary mapping.
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

// New creates an *Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
