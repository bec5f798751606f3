package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrCanceled is wrapped by every error caused by the caller's context or by
// CancelAll. It is never reported as a timeout.
var ErrCanceled = errors.New("request canceled")

func canceled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// TimeoutError reports an attempt that exceeded its per-attempt deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s (attempt %d)", e.URL, e.Timeout, e.Attempt)
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	URL       string
	Status    int
	Retryable bool
	Body      string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with HTTP %d", e.URL, e.Status)
}

// ApplicationError reports a 2xx response whose body carries a code other than 200.
type ApplicationError struct {
	Code      int
	Message   string
	RequestID string
}

func (e *ApplicationError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s] application error %d: %s", e.RequestID, e.Code, e.Message)
	}
	return fmt.Sprintf("application error %d: %s", e.Code, e.Message)
}

type NetworkError struct {
	URL   string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// DedupeError is what every caller sharing a deduplicated request receives
// when that request fails.
type DedupeError struct {
	Key   string
	Cause error
}

func (e *DedupeError) Error() string {
	return fmt.Sprintf("shared request %s failed: %v", e.Key, e.Cause)
}

func (e *DedupeError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable
	}
	return false
}

func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
