package datasink

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/platform/metrics"
	"github.com/todo-1m/eventsourcing/internal/readmodel"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

const maxApplyAttempts = 5

// Source lets the projector back-fill versions it has not seen yet.
type Source interface {
	LoadAfter(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]contracts.Event, error)
}

var projectedTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "todo_projection_events_total",
	Help: "Events seen by the projector, by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	metrics.Default.MustRegister(projectedTotal)
}

// Service is the projector: it applies committed events to the read model.
// The read-model record's Version is the per-aggregate cursor, so
// redelivered events are skipped. When Source is nil an event for an
// unknown todo is dropped.
type Service struct {
	Store  readmodel.Writer
	Source Source
}

func NewService(store readmodel.Writer, source Source) *Service {
	return &Service{Store: store, Source: source}
}

// Handle decodes one wire-encoded event and applies it.
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	ev, err := contracts.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	return s.OnEvents(ctx, []contracts.Event{ev})
}

// OnEvents applies events in order.
func (s *Service) OnEvents(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		if err := s.apply(ctx, ev); err != nil {
			return fmt.Errorf("project %s v%d of %s: %w", ev.Kind(), ev.Version, ev.AggregateID, err)
		}
	}
	return nil
}

func (s *Service) apply(ctx context.Context, ev contracts.Event) error {
	var err error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err = s.applyOnce(ctx, ev)
		if !errors.Is(err, readmodel.ErrStaleCursor) {
			return err
		}
	}
	return err
}

func (s *Service) applyOnce(ctx context.Context, ev contracts.Event) error {
	rec, exists, err := s.Store.Get(ctx, ev.AggregateID)
	if err != nil {
		return err
	}
	cursor := int64(-1)
	if exists {
		cursor = rec.Version
	}

	if ev.Version <= cursor {
		projectedTotal.WithLabelValues(string(ev.Kind()), "duplicate").Inc()
		return nil
	}

	pending := []contracts.Event{ev}
	outcome := "applied"
	if ev.Version > cursor+1 && s.Source != nil {
		missing, err := s.Source.LoadAfter(ctx, ev.AggregateID, cursor)
		if err != nil {
			return err
		}
		if backfill := upTo(missing, ev.Version); len(backfill) > 0 && backfill[len(backfill)-1].Version == ev.Version {
			pending = backfill
			outcome = "backfilled"
		}
	}

	next, nextExists := rec, exists
	for _, p := range pending {
		var ok bool
		next, ok = project(next, nextExists, p)
		if !ok {
			projectedTotal.WithLabelValues(string(ev.Kind()), "orphan_dropped").Inc()
			log.WithFields(log.Fields{
				"todo_id": ev.AggregateID.String(),
				"kind":    string(ev.Kind()),
				"version": ev.Version,
			}).Warn("dropping event for todo missing from read model")
			return nil
		}
		nextExists = true
	}

	if err := s.Store.Put(ctx, next, cursor); err != nil {
		return err
	}
	projectedTotal.WithLabelValues(string(ev.Kind()), outcome).Inc()
	return nil
}

func upTo(events []contracts.Event, version int64) []contracts.Event {
	out := events[:0:0]
	for _, ev := range events {
		if ev.Version > version {
			break
		}
		out = append(out, ev)
	}
	return out
}

// project applies one event to a read-model record. It reports false when
// the event needs a record that does not exist.
func project(rec readmodel.Todo, exists bool, ev contracts.Event) (readmodel.Todo, bool) {
	if created, ok := ev.Payload.(contracts.Created); ok {
		return readmodel.Todo{
			ID:          ev.AggregateID,
			Title:       created.Title,
			Description: created.Description,
			Version:     ev.Version,
			UpdatedAt:   ev.OccurredAt,
		}, true
	}
	if !exists {
		return rec, false
	}

	switch p := ev.Payload.(type) {
	case contracts.Updated:
		rec.Title = p.Title
		rec.Description = p.Description
	case contracts.Completed:
		rec.Completed = true
	case contracts.Deleted:
		rec.Deleted = true
	}
	rec.Version = ev.Version
	rec.UpdatedAt = ev.OccurredAt
	return rec, true
}
