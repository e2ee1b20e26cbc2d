// Package errs defines the error taxonomy shared by every stage of the claim
// pipeline: a single error type carrying a classification kind, a stable
// service-prefixed code, a correlation ID, and a retryability hint.
package errs

import (
	"context"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the taxonomy buckets. Kind alone
// determines retryability and HTTP status; Code is a finer-grained constant
// for logs and operator tooling.
type Kind string

const (
	NotFound             Kind = "NOT_FOUND"
	InvalidInput         Kind = "INVALID_INPUT"
	UpstreamUnavailable  Kind = "UPSTREAM_UNAVAILABLE"
	UpstreamRejected     Kind = "UPSTREAM_REJECTED"
	Timeout              Kind = "TIMEOUT"
	RateLimited          Kind = "RATE_LIMITED"
	Conflict             Kind = "CONFLICT"
	Internal             Kind = "INTERNAL"
	DataCorrupt          Kind = "DATA_CORRUPT"
)

// retryable reports whether the envelope classifies kind as retryable by
// default. Callers may still override this per §4.1: it is a hint only.
func (k Kind) retryable() bool {
	switch k {
	case UpstreamUnavailable, Timeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps kind to the status code mandated by §7.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamUnavailable, Timeout:
		return http.StatusServiceUnavailable
	case UpstreamRejected:
		return http.StatusBadGateway
	case Internal, DataCorrupt:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the one error type returned across stage boundaries. It satisfies
// the standard error interface and supports errors.Is/errors.As via Unwrap.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	CorrelationID string
	Details       map[string]any
	Retryable     bool
	cause         error
	wrapped       bool
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", e.CorrelationID, e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a fresh taxonomy error. Retryable defaults to the kind's
// classification unless overridden with WithRetryable.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Retryable: kind.retryable()}
}

// Wrap lifts cause into the taxonomy, preserving kind/code if cause is
// already an *Error (per §7, "wrapped once, double-wrapping is forbidden").
// If cause is already a tagged *Error, Wrap returns it unchanged.
func Wrap(kind Kind, code, message string, cause error) *Error {
	if already, ok := cause.(*Error); ok {
		return already
	}
	e := New(kind, code, message)
	e.cause = cause
	e.wrapped = true
	return e
}

func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = Sanitize(details)
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

type correlationIDKey struct{}

// ContextWithCorrelationID returns a context carrying id, retrievable with
// CorrelationIDFromContext.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the correlation ID stashed in ctx, or ""
// if none was set.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// FromContext attaches ctx's correlation ID to e, mutating and returning e.
func (e *Error) FromContext(ctx context.Context) *Error {
	return e.WithCorrelationID(CorrelationIDFromContext(ctx))
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			target = e
			return target, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
