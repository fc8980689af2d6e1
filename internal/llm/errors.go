package llm

import (
	"errors"
	"net"
	"net/http"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// RetryableStatus reports whether an HTTP status from a model API is worth
// retrying: timeouts, rate limits and server-side failures (including
// Anthropic's 529 overloaded).
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// Classify marks err transient when the status is retryable. A zero status
// means no response was received, and any network error is then transient.
func Classify(status int, err error) error {
	if err == nil {
		return nil
	}
	if status != 0 {
		if RetryableStatus(status) {
			return incident.MarkTransient(err)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return incident.MarkTransient(err)
	}
	return err
}
