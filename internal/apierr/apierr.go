// Package apierr classifies errors by the propagation rule this backbone
// follows: some errors are visible to every subscriber of a session and get
// materialized as log records, others are caller-only and return
// synchronously without ever touching the stream.
package apierr

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind is the error taxonomy used across the ingestion pipeline, the
// session protocol, and the stream store adapter.
type Kind string

const (
	Validation        Kind = "validation"         // caller-only, never logged to the stream
	NotFound          Kind = "not_found"           // caller-only
	Conflict          Kind = "conflict"            // caller-only
	UpstreamTransient Kind = "upstream_transient"  // materialized, generation may retry/continue
	UpstreamFatal     Kind = "upstream_fatal"      // materialized as a terminal error chunk
	Cancelled         Kind = "cancelled"           // materialized as a terminal stop chunk
	StoreTransient    Kind = "store_transient"     // caller-only, safe to retry
	StoreFatal        Kind = "store_fatal"         // caller-only, not safe to retry
	Timeout           Kind = "timeout"             // caller-only
	Internal          Kind = "internal"            // caller-only
)

// Error wraps an underlying cause with a Kind so callers can branch on
// classification without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured detail fields, returning the same error
// for chaining at the call site.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not wrap an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return Internal
}

// Materializes reports whether an error of this kind must be appended to
// the session's durable log (so every subscriber observes it) rather than
// returned only to the caller that triggered it.
func (k Kind) Materializes() bool {
	switch k {
	case UpstreamTransient, UpstreamFatal, Cancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether a store-adapter error is safe to retry with
// backoff, per the stream store's Retryable/Fatal classification.
func (k Kind) Retryable() bool {
	return k == StoreTransient || k == UpstreamTransient
}

// httpStatus maps a Kind to the HTTP status code it surfaces as.
func (k Kind) httpStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case UpstreamTransient, StoreTransient:
		return http.StatusServiceUnavailable
	case Cancelled:
		return http.StatusConflict
	case UpstreamFatal, StoreFatal, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a Kind to the closest grpc/codes vocabulary entry, used by
// the agent orchestrator to report status without going through an HTTP
// response writer.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case Validation:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case Conflict:
		return codes.AlreadyExists
	case Timeout:
		return codes.DeadlineExceeded
	case UpstreamTransient, StoreTransient:
		return codes.Unavailable
	case Cancelled:
		return codes.Canceled
	case UpstreamFatal, StoreFatal, Internal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
