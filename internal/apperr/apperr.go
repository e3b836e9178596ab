// Package apperr defines the error kinds shared by the gateway, pipeline and
// worker, plus the JSON envelope every endpoint returns on failure.
package apperr

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Kind classifies a failure. The string value is what callers see in the
// error_kind field of the envelope.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindProviderTransient     Kind = "provider_transient"
	KindProviderFatal         Kind = "provider_fatal"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindRateLimited           Kind = "rate_limited"
	KindDeliveryExhausted     Kind = "delivery_exhausted"
	KindInternalInconsistency Kind = "internal_inconsistency"
	KindNotFound              Kind = "not_found"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// Error carries a Kind alongside the usual message and wrapped cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for a request validation failure.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Transient marks an upstream failure as retryable.
func Transient(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindProviderTransient, Message: "upstream temporarily unavailable", RetryAfter: retryAfter, Err: err}
}

// Fatal marks an upstream failure as not worth retrying.
func Fatal(err error) *Error {
	return &Error{Kind: KindProviderFatal, Message: "upstream rejected request", Err: err}
}

// Admission builds a quota or rate-limit denial.
func Admission(kind Kind, retryAfter time.Duration, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the retry hint attached to err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether a stage executor should try again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindRateLimited, KindQuotaExceeded:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindProviderTransient, KindDeliveryExhausted:
		return http.StatusServiceUnavailable
	case KindProviderFatal:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the wire shape of every error response.
type Envelope struct {
	ErrorKind  Kind           `json:"error_kind"`
	Message    string         `json:"message"`
	RetryAfter *int64         `json:"retry_after,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ToEnvelope converts any error into the public envelope. Errors without a
// kind are reported as internal with a generic message so causes don't leak.
func ToEnvelope(err error) Envelope {
	var e *Error
	if !errors.As(err, &e) {
		return Envelope{ErrorKind: KindInternal, Message: "internal error"}
	}
	env := Envelope{ErrorKind: e.Kind, Message: e.Message, Details: e.Details}
	if env.Message == "" && e.Err != nil {
		env.Message = e.Err.Error()
	}
	if e.RetryAfter > 0 {
		secs := RetryAfterSeconds(e.RetryAfter)
		env.RetryAfter = &secs
	}
	return env
}

// RetryAfterSeconds rounds a duration up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
