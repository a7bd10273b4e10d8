package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/todo-1m/eventsourcing/internal/app/datasink"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/messaging"
	"github.com/todo-1m/eventsourcing/internal/readmodel"
)

type recordingAcker struct {
	calls []ackDecision
}

func (a *recordingAcker) Ack(...nats.AckOpt) error {
	a.calls = append(a.calls, decisionAck)
	return nil
}

func (a *recordingAcker) Nak(...nats.AckOpt) error {
	a.calls = append(a.calls, decisionNak)
	return nil
}

func (a *recordingAcker) Term(...nats.AckOpt) error {
	a.calls = append(a.calls, decisionTerm)
	return nil
}

type unavailableStore struct{}

func (unavailableStore) Get(context.Context, uuid.UUID) (readmodel.Todo, bool, error) {
	return readmodel.Todo{}, false, contracts.StoreFailure("read model get", errors.New("connection refused"))
}

func (unavailableStore) Put(context.Context, readmodel.Todo, int64) error {
	return contracts.StoreFailure("read model put", errors.New("connection refused"))
}

func createdMsg(t *testing.T, id uuid.UUID) *nats.Msg {
	t.Helper()
	ev := contracts.NewEvent(id, 0, contracts.Created{Title: "Buy Milk"}, time.Now())
	msg, err := messaging.EventMsg(ev)
	if err != nil {
		t.Fatalf("EventMsg returned error: %v", err)
	}
	return msg
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name  string
		store readmodel.Writer
		msg   func(t *testing.T) *nats.Msg
		want  ackDecision
	}{
		{
			name:  "applied event is acked",
			store: readmodel.NewMemoryStore(),
			msg:   func(t *testing.T) *nats.Msg { return createdMsg(t, uuid.New()) },
			want:  decisionAck,
		},
		{
			name:  "store failure is redelivered",
			store: unavailableStore{},
			msg:   func(t *testing.T) *nats.Msg { return createdMsg(t, uuid.New()) },
			want:  decisionNak,
		},
		{
			name:  "undecodable payload is terminated",
			store: readmodel.NewMemoryStore(),
			msg: func(*testing.T) *nats.Msg {
				return &nats.Msg{Subject: "todo.event.0.x", Data: []byte("{not json"), Header: nats.Header{}}
			},
			want: decisionTerm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &consumer{
				handle:       datasink.NewService(tt.store, nil).Handle,
				applyTimeout: time.Second,
			}
			a := &recordingAcker{}
			if got := c.settle(context.Background(), tt.msg(t), a); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if len(a.calls) != 1 || a.calls[0] != tt.want {
				t.Fatalf("expected a single %s, got %v", tt.want, a.calls)
			}
		})
	}
}

func TestSettleAcksRedelivery(t *testing.T) {
	store := readmodel.NewMemoryStore()
	c := &consumer{handle: datasink.NewService(store, nil).Handle, applyTimeout: time.Second}
	msg := createdMsg(t, uuid.New())

	a := &recordingAcker{}
	c.settle(context.Background(), msg, a)
	c.settle(context.Background(), msg, a)

	if len(a.calls) != 2 || a.calls[0] != decisionAck || a.calls[1] != decisionAck {
		t.Fatalf("expected both deliveries acked, got %v", a.calls)
	}
	todos, _ := store.List(context.Background())
	if len(todos) != 1 {
		t.Fatalf("expected one todo after redelivery, got %d", len(todos))
	}
}
