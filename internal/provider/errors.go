package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures for retry policy.
type ErrorKind string

const (
	// KindTransient covers 5xx responses, rate limits, and network
	// hiccups; callers retry with backoff.
	KindTransient ErrorKind = "provider_transient"

	// KindFatal covers auth, model-not-found, and validation failures;
	// callers surface these immediately.
	KindFatal ErrorKind = "provider_fatal"
)

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider: %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the error should be retried.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// ErrStreamTruncated is returned when the upstream connection closes
// before the [DONE] sentinel arrives.
var ErrStreamTruncated = errors.New("provider: stream closed before [DONE]")

func classifyStatus(status int, message string) *Error {
	kind := KindFatal
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = KindTransient
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// IsRetryable reports whether err warrants another attempt. Plain network
// errors (no HTTP status) are treated as transient.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return err != nil
}
