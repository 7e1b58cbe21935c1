package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: skipped, previous run still active")
)

// NoRetry marks a failure as permanent, e.g. an account the service no
// longer knows.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
