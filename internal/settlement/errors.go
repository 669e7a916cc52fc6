package settlement

import (
	"errors"
	"fmt"
)

// ErrLockNotFound is returned when a settlement reference is unknown.
var ErrLockNotFound = errors.New("settlement: lock not found")

// TransientError wraps a failure that may succeed on retry (RPC hiccups,
// timeouts, nonce races).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("settlement: %s failed (transient): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that will not succeed on retry (reverted
// transaction, invalid reference, rejected input).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("settlement: %s failed (permanent): %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable settlement failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable settlement failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
