package delivery

import (
	"errors"
	"time"
)

var (
	// ErrUnknownRecord is returned for ids the scheduler and log do not know.
	ErrUnknownRecord = errors.New("delivery: unknown record")
	// ErrUnknownChannel marks records whose channel id resolves to no sender.
	ErrUnknownChannel = errors.New("delivery: unknown channel")
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient. Senders wrap rate limiting, 5xx responses
// and transport failures with it; anything else is treated as terminal.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err or anything it wraps was marked Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// RetryAfter returns the wait the remote side asked for, or zero. Errors
// opt in by implementing RetryDelay() time.Duration anywhere in their chain.
func RetryAfter(err error) time.Duration {
	var hinted interface{ RetryDelay() time.Duration }
	if errors.As(err, &hinted) {
		return max(hinted.RetryDelay(), 0)
	}
	return 0
}
