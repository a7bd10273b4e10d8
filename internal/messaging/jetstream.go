package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/sharding"
)

const (
	EventsStream   = "TODO_EVENTS"
	EventsSubjects = "todo.event.>"

	// KindHeader carries the event kind so consumers can route without decoding.
	KindHeader = "Todo-Event-Kind"
)

// EnsureStreams creates (or validates) the event stream.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(EventsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:       EventsStream,
			Subjects:   []string{EventsSubjects},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}

type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// EventPublisher forwards committed events to JetStream, one message per
// event on the aggregate's shard subject. The event id doubles as the
// JetStream message id so a retried publish is deduplicated by the server.
type EventPublisher struct {
	JS Publisher
}

func NewEventPublisher(js Publisher) *EventPublisher {
	return &EventPublisher{JS: js}
}

func (p *EventPublisher) Publish(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		msg, err := EventMsg(ev)
		if err != nil {
			return err
		}
		if _, err := p.JS.PublishMsg(msg, nats.Context(ctx), nats.MsgId(ev.EventID.String())); err != nil {
			return fmt.Errorf("publish %s v%d: %w", ev.AggregateID, ev.Version, err)
		}
	}
	return nil
}

func EventMsg(ev contracts.Event) (*nats.Msg, error) {
	data, err := contracts.Encode(ev)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(sharding.EventSubject(ev.AggregateID.String()))
	msg.Header.Set(KindHeader, string(ev.Kind()))
	msg.Data = data
	return msg, nil
}
