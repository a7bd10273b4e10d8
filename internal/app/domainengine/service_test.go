package domainengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/eventlog"
)

type dispatchRecorder struct {
	mu      sync.Mutex
	batches [][]contracts.Event
	err     error
}

func (d *dispatchRecorder) dispatch(_ context.Context, events []contracts.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, events)
	return d.err
}

func newTestService(d *dispatchRecorder) (*Service, *eventlog.MemoryLog) {
	l := eventlog.NewMemoryLog()
	svc := NewService(l, d.dispatch)
	svc.Now = func() time.Time { return fixedNow }
	return svc, l
}

func TestExecute_CreateAppendsAndDispatches(t *testing.T) {
	rec := &dispatchRecorder{}
	svc, l := newTestService(rec)
	id := uuid.New()

	events, err := svc.Execute(context.Background(), id, CreateTodo{Title: "Buy Milk", Description: "2l"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(events) != 1 || events[0].Version != 0 || events[0].Kind() != contracts.KindCreated {
		t.Fatalf("unexpected events: %+v", events)
	}

	stored, _ := l.Load(context.Background(), id)
	if len(stored) != 1 || !stored[0].Same(events[0]) {
		t.Fatalf("log does not hold the committed event: %+v", stored)
	}
	if len(rec.batches) != 1 || !rec.batches[0][0].Same(events[0]) {
		t.Fatalf("expected exactly one dispatch of the committed events, got %d", len(rec.batches))
	}
}

func TestExecute_UnknownAggregateIsNotFound(t *testing.T) {
	rec := &dispatchRecorder{}
	svc, _ := newTestService(rec)

	for _, cmd := range []Command{CompleteTodo{}, DeleteTodo{}, UpdateTodo{Title: "x"}} {
		_, err := svc.Execute(context.Background(), uuid.New(), cmd)
		if !errors.Is(err, contracts.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", cmd.name(), err)
		}
	}
	if len(rec.batches) != 0 {
		t.Fatalf("nothing should be dispatched, got %d batches", len(rec.batches))
	}
}

func TestExecute_NilCommandIsRejected(t *testing.T) {
	rec := &dispatchRecorder{}
	svc, l := newTestService(rec)
	id := uuid.New()

	_, err := svc.Execute(context.Background(), id, nil)
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("expected ErrUnsupportedCommand, got %v", err)
	}
	if v, _ := l.CurrentVersion(context.Background(), id); v != -1 {
		t.Fatalf("log should be untouched, got version %d", v)
	}
}

func TestExecute_CompleteTwiceLeavesLogUntouched(t *testing.T) {
	rec := &dispatchRecorder{}
	svc, l := newTestService(rec)
	ctx := context.Background()
	id := uuid.New()

	if _, err := svc.Execute(ctx, id, CreateTodo{Title: "t", Description: "d"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Execute(ctx, id, CompleteTodo{}); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	_, err := svc.Execute(ctx, id, CompleteTodo{})
	var transition *contracts.InvalidTransitionError
	if !errors.As(err, &transition) || transition.Reason != "already completed" {
		t.Fatalf("expected InvalidTransition(already completed), got %v", err)
	}

	stored, _ := l.Load(ctx, id)
	if len(stored) != 2 {
		t.Fatalf("expected 2 events in log, got %d", len(stored))
	}
	if len(rec.batches) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(rec.batches))
	}
}

func TestExecute_CreateOnExistingAggregate(t *testing.T) {
	svc, _ := newTestService(&dispatchRecorder{})
	id := uuid.New()
	if _, err := svc.Execute(context.Background(), id, CreateTodo{Title: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.Execute(context.Background(), id, CreateTodo{Title: "b"})
	if !errors.Is(err, contracts.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExecute_DispatchFailureDoesNotUndoCommit(t *testing.T) {
	rec := &dispatchRecorder{err: errors.New("queue full")}
	svc, l := newTestService(rec)
	id := uuid.New()

	events, err := svc.Execute(context.Background(), id, CreateTodo{Title: "still stored"})
	if err != nil {
		t.Fatalf("dispatch failure must not fail the command: %v", err)
	}
	stored, _ := l.Load(context.Background(), id)
	if len(stored) != 1 || !stored[0].Same(events[0]) {
		t.Fatalf("expected committed event in log, got %+v", stored)
	}
}

// barrierLog lets two commands load the same version before either appends.
type barrierLog struct {
	*eventlog.MemoryLog
	loaded sync.WaitGroup
}

func (b *barrierLog) Load(ctx context.Context, id uuid.UUID) ([]contracts.Event, error) {
	events, err := b.MemoryLog.Load(ctx, id)
	b.loaded.Done()
	b.loaded.Wait()
	return events, err
}

func TestExecute_TwoLoadersSameVersionOneConflicts(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	inner := eventlog.NewMemoryLog()
	seed := NewService(inner, nil)
	if _, err := seed.Execute(ctx, id, CreateTodo{Title: "shared"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	bl := &barrierLog{MemoryLog: inner}
	bl.loaded.Add(2)
	rec := &dispatchRecorder{}
	svc := NewService(bl, rec.dispatch)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, cmd := range []Command{CompleteTodo{}, DeleteTodo{}} {
		wg.Add(1)
		go func(i int, cmd Command) {
			defer wg.Done()
			_, errs[i] = svc.Execute(ctx, id, cmd)
		}(i, cmd)
	}
	wg.Wait()

	var wins int
	var conflictErr *contracts.ConcurrencyConflictError
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflictErr):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflictErr == nil {
		t.Fatalf("expected one winner and one conflict, got errs=%v", errs)
	}
	if conflictErr.Expected != 0 || conflictErr.Actual != 1 {
		t.Fatalf("expected conflict {expected:0, actual:1}, got %+v", conflictErr)
	}

	stored, _ := inner.Load(ctx, id)
	if len(stored) != 2 {
		t.Fatalf("expected exactly 2 events, got %d", len(stored))
	}
	if len(rec.batches) != 1 {
		t.Fatalf("only the winner dispatches, got %d batches", len(rec.batches))
	}
}

func TestExecute_LoserSucceedsAfterReload(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(&dispatchRecorder{})
	id := uuid.New()
	if _, err := svc.Execute(ctx, id, CreateTodo{Title: "t"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Execute(ctx, id, UpdateTodo{Title: "t2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	events, err := svc.Execute(ctx, id, CompleteTodo{})
	if err != nil {
		t.Fatalf("complete after fresh load: %v", err)
	}
	if events[0].Version != 2 {
		t.Fatalf("expected version 2, got %d", events[0].Version)
	}
}
