package contracts

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("todo not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrSerialization       = errors.New("event serialization failed")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// InvalidTransitionError is returned when a command is not allowed in the
// aggregate's current state.
type InvalidTransitionError struct {
	Reason string
}

func NewInvalidTransition(reason string) *InvalidTransitionError {
	return &InvalidTransitionError{Reason: reason}
}

func (e *InvalidTransitionError) Error() string {
	return "invalid transition: " + e.Reason
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ConcurrencyConflictError reports a lost race on the aggregate version.
// Actual is -1 when the aggregate has no events.
type ConcurrencyConflictError struct {
	AggregateID uuid.UUID
	Expected    int64
	Actual      int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StoreError wraps an I/O failure of a durable store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func StoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
