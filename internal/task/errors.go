package task

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors used across the task subsystem.
var (
	// ErrBrokerUnavailable is returned when the message transport cannot
	// be reached. Callers should retry with backoff or fail the request
	// that triggered submission.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrUnknownTaskName is returned by Submit when the task name is not
	// registered. The submission is rejected synchronously, never enqueued.
	ErrUnknownTaskName = errors.New("unknown task name")

	// ErrUnknownTask indicates a dequeued message names a task absent from
	// this worker's registry. Permanent: retrying cannot fix a missing
	// handler.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTimeLimitExceeded indicates a handler ran past its hard time
	// limit and was forcibly cancelled.
	ErrTimeLimitExceeded = errors.New("task time limit exceeded")

	// ErrDuplicateTask is returned when a caller-supplied task id is
	// already tracked by the result store.
	ErrDuplicateTask = errors.New("task id already exists")

	// ErrResultNotFound is returned when a task id is unknown or its
	// result has expired past TTL.
	ErrResultNotFound = errors.New("task result not found")
)

// Class partitions handler failures for the retry policy engine.
type Class int

const (
	// ClassPermanent failures (programming errors, validation failures)
	// are dead-lettered without retry.
	ClassPermanent Class = iota

	// ClassTransient failures (network blips, timeouts, explicitly
	// retryable errors) are eligible for retry.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks an error as non-retryable, overriding any
// transient classification of the wrapped error.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err so the retry policy engine treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Permanent wraps err so the retry policy engine never retries it, even
// if the underlying error would otherwise classify as transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// Classify maps a handler error to its retry class. An explicit Permanent
// wrapper wins over everything; an explicit Transient wrapper, a handler
// time limit, a context deadline, or a net timeout classify as transient;
// any other error is permanent (no value in retrying a bug).
func Classify(err error) Class {
	var perm *permanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}

	var trans *transientError
	if errors.As(err, &trans) {
		return ClassTransient
	}

	if errors.Is(err, ErrTimeLimitExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassPermanent
}

// ErrorKind returns the short machine-readable kind recorded alongside a
// failure in the result store.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTask):
		return "UnknownTask"
	case errors.Is(err, ErrTimeLimitExceeded):
		return "TimeoutError"
	case Classify(err) == ClassTransient:
		return "TransientError"
	default:
		return "PermanentError"
	}
}
