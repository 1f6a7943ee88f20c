package queue

import "errors"

// ErrUnrecoverable marks handler errors that must not be retried.
var ErrUnrecoverable = errors.New("unrecoverable")

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }

func (e *unrecoverableError) Unwrap() error { return e.err }

func (e *unrecoverableError) Is(target error) bool { return target == ErrUnrecoverable }

// Unrecoverable wraps err so the queue fails the job without further attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}
