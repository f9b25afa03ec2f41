// Package resilience holds the error sentinels, retry helpers and dead-letter
// entries shared by the fetch and geocode paths.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Fatal error kinds. Callers match them with errors.Is after any amount of
// eris wrapping.
var (
	// ErrExhaustedRetries means a bounded retry loop gave up. It aborts the
	// surrounding run.
	ErrExhaustedRetries = eris.New("exhausted retries")

	// ErrMissingConfiguration means a run was requested without the settings
	// it needs. It is raised before any network call.
	ErrMissingConfiguration = eris.New("missing configuration")

	// ErrMalformedResponse means a remote service answered successfully but
	// without the expected top-level key. It is never retried.
	ErrMalformedResponse = eris.New("malformed response")
)

// ExhaustedError is returned by a retry loop that gave up. It matches
// ErrExhaustedRetries under errors.Is and unwraps to the last failure so
// the cause can still be classified.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhaustedRetries
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Cause returns the last failure behind an exhausted retry loop, or err
// itself when it did not come from one.
func Cause(err error) error {
	var ex *ExhaustedError
	if errors.As(err, &ex) && ex.Last != nil {
		return ex.Last
	}
	return err
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTimeout reports whether err is a network or client timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "client.timeout exceeded") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "tls handshake timeout")
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). Fatal kinds are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrMissingConfiguration) ||
		errors.Is(err, ErrExhaustedRetries) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if IsTimeout(err) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient issue that is safe to retry: 408, 429 and every 5xx.
func IsTransientHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests:
		return true
	default:
		return statusCode >= 500 && statusCode <= 599
	}
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
