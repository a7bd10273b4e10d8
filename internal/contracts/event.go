package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the closed set of todo event payloads.
type Kind string

const (
	KindCreated   Kind = "todo.created"
	KindUpdated   Kind = "todo.updated"
	KindCompleted Kind = "todo.completed"
	KindDeleted   Kind = "todo.deleted"
)

// Payload is implemented only by the event types in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

type Created struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Updated struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Completed struct{}

type Deleted struct{}

func (Created) Kind() Kind   { return KindCreated }
func (Updated) Kind() Kind   { return KindUpdated }
func (Completed) Kind() Kind { return KindCompleted }
func (Deleted) Kind() Kind   { return KindDeleted }

func (Created) isPayload()   {}
func (Updated) isPayload()   {}
func (Completed) isPayload() {}
func (Deleted) isPayload()   {}

// Event is an immutable fact recorded against a single todo aggregate.
// Version is the zero-based position of the event in its aggregate stream.
type Event struct {
	EventID     uuid.UUID
	AggregateID uuid.UUID
	OccurredAt  time.Time
	Version     int64
	Payload     Payload
}

func NewEvent(aggregateID uuid.UUID, version int64, payload Payload, now time.Time) Event {
	return Event{
		EventID:     uuid.New(),
		AggregateID: aggregateID,
		OccurredAt:  now.UTC(),
		Version:     version,
		Payload:     payload,
	}
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Same reports whether both values describe the same recorded event.
func (e Event) Same(other Event) bool {
	return e.EventID == other.EventID
}
