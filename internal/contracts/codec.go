package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// envelope is the wire and storage form of an Event.
type envelope struct {
	EventID     uuid.UUID       `json:"event_id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Kind        Kind            `json:"kind"`
	Version     int64           `json:"version"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Encode serializes an event into its self-describing JSON form.
func Encode(e Event) ([]byte, error) {
	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope{
		EventID:     e.EventID,
		AggregateID: e.AggregateID,
		Kind:        e.Payload.Kind(),
		Version:     e.Version,
		OccurredAt:  e.OccurredAt,
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if env.EventID == uuid.Nil || env.AggregateID == uuid.Nil {
		return Event{}, fmt.Errorf("%w: missing identifiers", ErrSerialization)
	}
	payload, err := UnmarshalPayload(env.Kind, env.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:     env.EventID,
		AggregateID: env.AggregateID,
		OccurredAt:  env.OccurredAt,
		Version:     env.Version,
		Payload:     payload,
	}, nil
}

func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrSerialization)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func UnmarshalPayload(kind Kind, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCreated:
		var v Created
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUpdated:
		var v Updated
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCompleted:
		var v Completed
		err = json.Unmarshal(raw, &v)
		p = v
	case KindDeleted:
		var v Deleted
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrSerialization, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return p, nil
}
