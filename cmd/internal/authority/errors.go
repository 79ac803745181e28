package authority

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the authority explicitly rejects the
	// presented credential (HTTP 401). This is fatal for the session.
	ErrUnauthorized = errors.New("credential rejected")

	// ErrBadResponse is returned when the authority answers with a body
	// this client cannot decode or that violates the expected shape.
	ErrBadResponse = errors.New("malformed authority response")
)

// StatusError carries a non-401 HTTP error status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authority returned status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether an error should be treated as a transient
// transport failure (retryable; never clears the session by itself).
//
// Explicit rejections, malformed bodies, and caller cancellation are not
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}

	// Everything else is network-level (dial, reset, timeout inside the
	// transport) and is worth retrying.
	return true
}
