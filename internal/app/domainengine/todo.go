package domainengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

// ErrCorruptStream means stored history cannot be folded into a todo.
var ErrCorruptStream = fmt.Errorf("%w: corrupt event stream", contracts.ErrSerialization)

// Todo is the write-side state of one aggregate, derived only by folding
// its events in version order.
type Todo struct {
	ID          uuid.UUID
	Title       string
	Description string
	Completed   bool
	Deleted     bool
	Version     int64
}

// FromEvents folds events into a Todo. It returns contracts.ErrNotFound for
// an empty history.
func FromEvents(events []contracts.Event) (*Todo, error) {
	if len(events) == 0 {
		return nil, contracts.ErrNotFound
	}
	t := &Todo{Version: -1}
	for _, ev := range events {
		if err := t.apply(ev); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Todo) apply(ev contracts.Event) error {
	if ev.Version != t.Version+1 {
		return fmt.Errorf("%w: version %d follows %d", ErrCorruptStream, ev.Version, t.Version)
	}
	if t.Version >= 0 && ev.AggregateID != t.ID {
		return fmt.Errorf("%w: event for %s in stream %s", ErrCorruptStream, ev.AggregateID, t.ID)
	}

	switch p := ev.Payload.(type) {
	case contracts.Created:
		if t.Version != -1 {
			return fmt.Errorf("%w: created at version %d", ErrCorruptStream, ev.Version)
		}
		t.ID = ev.AggregateID
		t.Title = p.Title
		t.Description = p.Description
	case contracts.Updated:
		if t.Version == -1 {
			return fmt.Errorf("%w: stream does not start with created", ErrCorruptStream)
		}
		t.Title = p.Title
		t.Description = p.Description
	case contracts.Completed:
		if t.Version == -1 {
			return fmt.Errorf("%w: stream does not start with created", ErrCorruptStream)
		}
		t.Completed = true
	case contracts.Deleted:
		if t.Version == -1 {
			return fmt.Errorf("%w: stream does not start with created", ErrCorruptStream)
		}
		t.Deleted = true
	default:
		return fmt.Errorf("%w: unknown payload %T", ErrCorruptStream, ev.Payload)
	}
	t.Version = ev.Version
	return nil
}

// Create starts a new aggregate. existing is the folded state, nil when the
// aggregate has no events.
func Create(existing *Todo, id uuid.UUID, title, description string, now time.Time) ([]contracts.Event, error) {
	if existing != nil {
		return nil, contracts.NewInvalidTransition("already exists")
	}
	return []contracts.Event{
		contracts.NewEvent(id, 0, contracts.Created{Title: title, Description: description}, now),
	}, nil
}

func (t *Todo) Complete(now time.Time) ([]contracts.Event, error) {
	if t.Deleted {
		return nil, contracts.NewInvalidTransition("deleted")
	}
	if t.Completed {
		return nil, contracts.NewInvalidTransition("already completed")
	}
	return t.next(contracts.Completed{}, now), nil
}

func (t *Todo) Delete(now time.Time) ([]contracts.Event, error) {
	if t.Deleted {
		return nil, contracts.NewInvalidTransition("already deleted")
	}
	return t.next(contracts.Deleted{}, now), nil
}

func (t *Todo) Update(title, description string, now time.Time) ([]contracts.Event, error) {
	if t.Deleted {
		return nil, contracts.NewInvalidTransition("deleted")
	}
	return t.next(contracts.Updated{Title: title, Description: description}, now), nil
}

func (t *Todo) next(p contracts.Payload, now time.Time) []contracts.Event {
	return []contracts.Event{contracts.NewEvent(t.ID, t.Version+1, p, now)}
}

func isNotFound(err error) bool {
	return errors.Is(err, contracts.ErrNotFound)
}
