package dispatch

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies why a dispatch did not succeed.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindToolNotFound      ErrorKind = "tool_not_found"
	KindSecurityViolation ErrorKind = "security_violation"
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindUpstream          ErrorKind = "upstream_error"
	KindMapping           ErrorKind = "mapping_error"
	KindInternal          ErrorKind = "internal_error"
)

// StatusCode is the HTTP-equivalent status reported for a kind.
// Upstream errors carry the upstream status instead.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindToolNotFound:
		return http.StatusNotFound
	case KindSecurityViolation:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified dispatch failure.
type Error struct {
	Kind              ErrorKind
	Message           string
	StatusCode        int
	RetryAfterSeconds int
	Err               error
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: kind.StatusCode(),
		Err:        err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
