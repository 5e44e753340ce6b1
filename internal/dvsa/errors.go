package dvsa

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the registration is unknown to DVSA. It is surfaced
// distinctly so a mistyped plate is never mistaken for a transient outage.
var ErrNotFound = errors.New("vehicle not found")

// AuthError indicates the token endpoint or the vehicle API rejected our
// credentials. It is not retried within a poll cycle.
type AuthError struct {
	Op     string // "token" or "vehicle"
	Status int    // HTTP status, 0 when the failure was not an HTTP response
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s request unauthorized (%d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s request unauthorized: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers timeouts, connection failures, rate limiting and
// 5xx responses. These are retried with backoff before being surfaced.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient API failure (%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient API failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ParseError indicates the API returned a response we could not decode into
// a usable vehicle record.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed API response: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorKind classifies an error from this package into a short label used
// for logging and for the stored last-error field.
func ErrorKind(err error) string {
	var authErr *AuthError
	var transientErr *TransientError
	var parseErr *ParseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &transientErr):
		return "transient"
	case errors.As(err, &parseErr):
		return "parse"
	default:
		return "unknown"
	}
}
