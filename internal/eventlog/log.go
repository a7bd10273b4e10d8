package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

// ErrInvalidBatch is returned for batches that could never be appended.
var ErrInvalidBatch = errors.New("invalid event batch")

// Log is the append-only, per-aggregate ordered event store.
//
// Append is atomic: either every event in the batch is stored or none is.
// It succeeds only when the aggregate's current version equals
// expectedPriorVersion (-1 for an aggregate without events); otherwise it
// returns a *contracts.ConcurrencyConflictError and writes nothing.
type Log interface {
	Append(ctx context.Context, events []contracts.Event, expectedPriorVersion int64) error
	Load(ctx context.Context, aggregateID uuid.UUID) ([]contracts.Event, error)
	LoadAfter(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]contracts.Event, error)
	CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error)
	Scan(ctx context.Context, afterPosition int64, limit int) ([]Entry, error)
}

// Entry pairs an event with its global append position.
type Entry struct {
	Position int64
	Event    contracts.Event
}

const defaultScanLimit = 200

// ValidateBatch checks the structural rules every Log enforces before
// touching storage.
func ValidateBatch(events []contracts.Event, expectedPriorVersion int64) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidBatch)
	}
	if expectedPriorVersion < -1 {
		return fmt.Errorf("%w: expected prior version %d", ErrInvalidBatch, expectedPriorVersion)
	}
	aggregateID := events[0].AggregateID
	for i, ev := range events {
		if ev.AggregateID != aggregateID {
			return fmt.Errorf("%w: mixed aggregates", ErrInvalidBatch)
		}
		if want := expectedPriorVersion + 1 + int64(i); ev.Version != want {
			return fmt.Errorf("%w: event %d has version %d, want %d", ErrInvalidBatch, i, ev.Version, want)
		}
		if ev.Payload == nil {
			return fmt.Errorf("%w: event %d has no payload", ErrInvalidBatch, i)
		}
	}
	return nil
}

func conflict(aggregateID uuid.UUID, expected, actual int64) error {
	return &contracts.ConcurrencyConflictError{
		AggregateID: aggregateID,
		Expected:    expected,
		Actual:      actual,
	}
}

func encodeBatch(events []contracts.Event) ([][]byte, error) {
	out := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := contracts.Encode(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultScanLimit
	}
	return limit
}
