// Package apierror defines the typed failure kinds surfaced by the broker's
// HTTP API and their status code mapping. Handlers return *Error through the
// normal error channel; anything else is treated as Internal.
package apierror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies a request failure.
type Kind string

const (
	AuthMalformed         Kind = "auth_malformed"
	AuthSkew              Kind = "auth_skew"
	AuthSignature         Kind = "auth_signature"
	AuthUnknownKey        Kind = "auth_unknown_key"
	AuthNotValidator      Kind = "auth_not_validator"
	AuthStake             Kind = "auth_stake"
	RateExceeded          Kind = "rate_exceeded"
	DependencyUnavailable Kind = "dependency_unavailable"
	NoActiveEpoch         Kind = "no_active_epoch"
	EpochNotFound         Kind = "epoch_not_found"
	Internal              Kind = "internal"
)

var statusByKind = map[Kind]int{
	AuthMalformed:         http.StatusBadRequest,
	AuthSkew:              http.StatusBadRequest,
	AuthSignature:         http.StatusUnauthorized,
	AuthUnknownKey:        http.StatusUnauthorized,
	AuthNotValidator:      http.StatusUnauthorized,
	AuthStake:             http.StatusForbidden,
	RateExceeded:          http.StatusTooManyRequests,
	DependencyUnavailable: http.StatusServiceUnavailable,
	NoActiveEpoch:         http.StatusServiceUnavailable,
	EpochNotFound:         http.StatusNotFound,
	Internal:              http.StatusInternalServerError,
}

// Error is a request failure with a kind and a user-visible detail string.
// The wrapped cause is for logs only and never serialized.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

// New returns an *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf returns an *Error with a formatted detail string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new *Error. The cause is kept out of the
// user-visible payload.
func Wrap(err error, kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the status code for the error kind.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// From coerces any error into an *Error, classifying unknown errors as
// Internal with a generic detail so internals never leak to callers.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(err, Internal, "internal server error")
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
