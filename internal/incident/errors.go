package incident

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound is returned when no alert exists with the given id.
	ErrNotFound = errors.New("alert not found")

	// ErrFatal marks configuration or programming errors that cannot be
	// recovered by retrying, such as a fallback table missing an entry.
	ErrFatal = errors.New("fatal pipeline error")
)

// transientError marks a collaborator failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so IsTransient reports true. Collaborators use it
// for rate limiting, 5xx responses and connection resets.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a timeout or a failure marked transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
