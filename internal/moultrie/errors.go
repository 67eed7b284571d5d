package moultrie

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	// KindTransient covers network-level failures where no HTTP response
	// was received. Safe to retry for any method.
	KindTransient Kind = "transient"
	// KindUnauthorized means the bearer token was rejected despite being
	// locally valid. The caller forces a refresh and retries once.
	KindUnauthorized Kind = "unauthorized"
	// KindInvalidGrant means the refresh token itself is revoked or
	// expired. Terminal for the session; never retried automatically.
	KindInvalidGrant Kind = "invalid_grant"
	// KindRateLimited is a 429; retried with backoff on reads.
	KindRateLimited Kind = "rate_limited"
	// KindClient is any other 4xx: a malformed request, not retried.
	KindClient Kind = "client"
	// KindServer is a 5xx after retries are exhausted.
	KindServer Kind = "server"
	// KindNotFound means the target vanished between read and write.
	KindNotFound Kind = "not_found"
	// KindInvalidValue is a local validation failure raised before any
	// network call.
	KindInvalidValue Kind = "invalid_value"
)

// Error is the typed failure returned by the client and the authenticator.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// KindOf extracts the kind from err, defaulting to KindTransient for
// untyped failures so callers err on the side of retry-later semantics.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// InvalidValuef builds a local validation error.
func InvalidValuef(format string, args ...any) *Error {
	return &Error{
		Kind:    KindInvalidValue,
		Op:      "validate",
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFoundf builds a not-found error for local lookups.
func NotFoundf(format string, args ...any) *Error {
	return &Error{
		Kind:    KindNotFound,
		Op:      "lookup",
		Message: fmt.Sprintf(format, args...),
	}
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindClient
	}
}
