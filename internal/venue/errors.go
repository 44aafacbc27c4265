package venue

import (
	"errors"
	"fmt"
)

var (
	ErrRejected      = errors.New("order rejected")
	ErrOrderNotFound = errors.New("order not found")
	ErrNoMarketData  = errors.New("no market data")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Rejected wraps a venue rejection reason so callers can match ErrRejected.
func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
