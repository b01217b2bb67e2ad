package resilience

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/addrfeat-cli/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network
// timeout, truncated payload).
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

// RateLimitedError marks a throttling signal from the remote source.
type RateLimitedError struct {
	StatusCode int
	Reason     string
}

func (e *RateLimitedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// FatalItemError records that one item exhausted its retries. It is logged
// and recorded, never propagated past the orchestrator.
type FatalItemError struct {
	Item     model.WorkItem
	Attempts int
	Err      error
}

func (e *FatalItemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("item %s failed after %d attempts", e.Item, e.Attempts)
	}
	return fmt.Sprintf("item %s failed after %d attempts: %v", e.Item, e.Attempts, e.Err)
}

func (e *FatalItemError) Unwrap() error {
	return e.Err
}

// InvariantViolation reports corrupted or contradictory progress state. It is
// always surfaced, never repaired.
type InvariantViolation struct {
	Item   model.WorkItem
	Detail string
}

func (e *InvariantViolation) Error() string {
	if e.Item == (model.WorkItem{}) {
		return "invariant violation: " + e.Detail
	}
	return fmt.Sprintf("invariant violation for %s: %s", e.Item, e.Detail)
}

// IsInvariantViolation reports whether err carries an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsNotFoundHTTPStatus returns true if the status means the resource does not
// exist upstream.
func IsNotFoundHTTPStatus(statusCode int) bool {
	return statusCode == 404 || statusCode == 410
}

// rateLimitMarkers are payload phrases that signal throttling on an
// otherwise successful response.
var rateLimitMarkers = []string{
	"too many requests",
	"rate limit",
	"request limit",
	"exceeded the allowed",
}

// HasRateLimitMarker reports whether a response payload looks like a
// throttling page rather than data.
func HasRateLimitMarker(payload []byte) bool {
	msg := strings.ToLower(string(payload))
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
