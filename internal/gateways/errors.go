package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen = errors.New("provider circuit open")
	ErrBadResponse = errors.New("malformed provider response")
)

// ProviderError is a classified upstream failure. Permanent errors must not be
// retried; everything else may succeed on a later attempt.
type ProviderError struct {
	StatusCode int
	Message    string
	Permanent  bool
	// RetryAfter is set when the client already knows no send can succeed
	// before that much time has passed.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a ProviderError marked permanent.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// RetryAfter returns the wait carried by a ProviderError, zero if none.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// ClassifyHTTPError maps an upstream status: 408, 429 and 5xx are transient,
// any other non-2xx status is permanent.
func ClassifyHTTPError(statusCode int, body string) *ProviderError {
	pe := &ProviderError{StatusCode: statusCode, Message: truncate(body, 256)}
	switch {
	case statusCode == 408, statusCode == 429, statusCode >= 500:
		pe.Permanent = false
	default:
		pe.Permanent = true
	}
	return pe
}

func transient(err error) *ProviderError {
	return &ProviderError{Message: err.Error(), Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
