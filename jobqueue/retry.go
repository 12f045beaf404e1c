package jobqueue

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// DefaultRetryDelay is used when a Retry-After value is missing, in the
// past, or unparseable.
const DefaultRetryDelay = 30 * time.Second

// PermanentError marks a failure that retrying cannot fix. The job moves
// straight to FAILED.
type PermanentError struct {
	// Code is the HTTP status or provider code, when one exists
	Code int
	// Cause is the underlying failure
	Cause error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("permanent failure (status %d): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("permanent failure: %v", e.Cause)
}

// Unwrap exposes the cause.
func (e *PermanentError) Unwrap() error { return e.Cause }

// RetryableError marks a failure worth another attempt. RetryAfter, when
// set, is the earliest time a retry may run.
type RetryableError struct {
	// Code is the HTTP status or provider code, when one exists
	Code int
	// RetryAfter is the server-requested earliest retry time
	RetryAfter time.Time
	// Cause is the underlying failure
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("retryable failure (status %d): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("retryable failure: %v", e.Cause)
}

// Unwrap exposes the cause.
func (e *RetryableError) Unwrap() error { return e.Cause }

// Retryable reports whether the error allows another attempt and the
// earliest time for it. Unclassified errors count as retryable transport
// failures; only an explicit PermanentError stops retrying.
func Retryable(err error) (retryAfter time.Time, ok bool) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return time.Time{}, false
	}
	var retry *RetryableError
	if errors.As(err, &retry) {
		return retry.RetryAfter, true
	}
	return time.Time{}, true
}

// ClassifyHTTP maps an HTTP response status onto the retry taxonomy:
// 4xx is permanent except 408 and 429; 5xx is retryable. retryAfter is
// the raw Retry-After header, honoured on 429 and 503. A success status
// returns nil.
func ClassifyHTTP(status int, retryAfter string, now time.Time) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusRequestTimeout:
		return &RetryableError{Code: status, Cause: fmt.Errorf("http status %d", status)}
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return &RetryableError{
			Code:       status,
			RetryAfter: ParseRetryAfter(retryAfter, now),
			Cause:      fmt.Errorf("http status %d", status),
		}
	case status < 500:
		return &PermanentError{Code: status, Cause: fmt.Errorf("http status %d", status)}
	default:
		return &RetryableError{Code: status, Cause: fmt.Errorf("http status %d", status)}
	}
}

// ParseRetryAfter turns a Retry-After header value into an absolute
// time. Delta-seconds, RFC 1123 and ISO 8601 dates are accepted; empty,
// unparseable or past values fall back to now plus the default delay.
func ParseRetryAfter(value string, now time.Time) time.Time {
	fallback := now.Add(DefaultRetryDelay)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return fallback
		}
		return now.Add(time.Duration(secs) * time.Second)
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC3339} {
		if at, err := time.Parse(layout, value); err == nil {
			if at.Before(now) {
				return fallback
			}
			return at
		}
	}
	return fallback
}
