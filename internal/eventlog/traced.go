package eventlog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/todo-1m/eventsourcing/eventlog"

// TracedLog records one span per Log call.
type TracedLog struct {
	Next   Log
	tracer trace.Tracer
}

func Traced(next Log) *TracedLog {
	return &TracedLog{Next: next, tracer: otel.Tracer(tracerName)}
}

func (l *TracedLog) Append(ctx context.Context, events []contracts.Event, expectedPriorVersion int64) (err error) {
	attrs := []attribute.KeyValue{
		attribute.Int64("eventlog.expected_version", expectedPriorVersion),
		attribute.Int("eventlog.batch_size", len(events)),
	}
	if len(events) > 0 {
		attrs = append(attrs, attribute.String("todo.id", events[0].AggregateID.String()))
	}
	ctx, span := l.tracer.Start(ctx, "eventlog.Append", trace.WithAttributes(attrs...))
	defer func() { endSpan(span, err) }()

	err = l.Next.Append(ctx, events, expectedPriorVersion)
	var conflictErr *contracts.ConcurrencyConflictError
	if errors.As(err, &conflictErr) {
		span.SetAttributes(attribute.Int64("eventlog.actual_version", conflictErr.Actual))
	}
	return err
}

func (l *TracedLog) Load(ctx context.Context, aggregateID uuid.UUID) (events []contracts.Event, err error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.Load", trace.WithAttributes(
		attribute.String("todo.id", aggregateID.String()),
	))
	defer func() { endSpan(span, err) }()

	events, err = l.Next.Load(ctx, aggregateID)
	span.SetAttributes(attribute.Int("eventlog.event_count", len(events)))
	return events, err
}

func (l *TracedLog) LoadAfter(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) (events []contracts.Event, err error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.LoadAfter", trace.WithAttributes(
		attribute.String("todo.id", aggregateID.String()),
		attribute.Int64("eventlog.after_version", afterVersion),
	))
	defer func() { endSpan(span, err) }()

	events, err = l.Next.LoadAfter(ctx, aggregateID, afterVersion)
	span.SetAttributes(attribute.Int("eventlog.event_count", len(events)))
	return events, err
}

func (l *TracedLog) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (version int64, err error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.CurrentVersion", trace.WithAttributes(
		attribute.String("todo.id", aggregateID.String()),
	))
	defer func() { endSpan(span, err) }()
	return l.Next.CurrentVersion(ctx, aggregateID)
}

func (l *TracedLog) Scan(ctx context.Context, afterPosition int64, limit int) (entries []Entry, err error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.Scan", trace.WithAttributes(
		attribute.Int64("eventlog.after_position", afterPosition),
		attribute.Int("eventlog.limit", limit),
	))
	defer func() { endSpan(span, err) }()

	entries, err = l.Next.Scan(ctx, afterPosition, limit)
	span.SetAttributes(attribute.Int("eventlog.event_count", len(entries)))
	return entries, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
