package reliability

import (
	"errors"
	"fmt"
	"strings"
)

// RetryableError wraps an error to indicate whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not worth retrying; the message is rejected on first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// IsRetryable reports whether err may be retried. Errors are retryable unless something in their
// chain says otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// HandlingError is recorded when error handlers themselves fail.
type HandlingError struct {
	Cause    error
	Failures []error
}

func (e *HandlingError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%v (error handling failed: %s)", e.Cause, strings.Join(msgs, "; "))
}

func (e *HandlingError) Unwrap() []error {
	return append([]error{e.Cause}, e.Failures...)
}
