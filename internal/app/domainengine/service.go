package domainengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/eventlog"
	"github.com/todo-1m/eventsourcing/internal/platform/metrics"
)

// Command is the closed set of intents the service executes.
type Command interface {
	name() string
}

type CreateTodo struct {
	Title       string
	Description string
}

type UpdateTodo struct {
	Title       string
	Description string
}

type CompleteTodo struct{}

type DeleteTodo struct{}

func (CreateTodo) name() string   { return "create" }
func (UpdateTodo) name() string   { return "update" }
func (CompleteTodo) name() string { return "complete" }
func (DeleteTodo) name() string   { return "delete" }

// ErrUnsupportedCommand is returned for a nil or unknown Command.
var ErrUnsupportedCommand = errors.New("unsupported command")

// DispatchFunc hands committed events to the read side.
type DispatchFunc func(ctx context.Context, events []contracts.Event) error

var (
	commandsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "todo_commands_total",
		Help: "Commands executed, by command and outcome.",
	}, []string{"command", "outcome"})

	dispatchFailuresTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "todo_dispatch_failures_total",
		Help: "Committed batches the read side could not accept.",
	}, []string{"command"})

	commandDuration = metrics.NewHistogramVec(metrics.Opts{
		Name: "todo_command_duration_seconds",
		Help: "Time from load to committed append, by command.",
	}, nil, []string{"command"})
)

func init() {
	metrics.Default.MustRegister(commandsTotal, dispatchFailuresTotal, commandDuration)
}

type Service struct {
	Log      eventlog.Log
	Dispatch DispatchFunc
	Now      func() time.Time
}

func NewService(l eventlog.Log, dispatch DispatchFunc) *Service {
	return &Service{
		Log:      l,
		Dispatch: dispatch,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute loads the aggregate, runs cmd against it and appends the
// resulting events conditioned on the loaded version. Concurrency
// conflicts are returned to the caller unchanged; retrying is their call.
// Events are dispatched once, after the append commits.
func (s *Service) Execute(ctx context.Context, id uuid.UUID, cmd Command) ([]contracts.Event, error) {
	if cmd == nil {
		return nil, ErrUnsupportedCommand
	}
	start := time.Now()
	events, err := s.execute(ctx, id, cmd)
	commandsTotal.WithLabelValues(cmd.name(), outcome(err)).Inc()
	commandDuration.ObserveSince(start, cmd.name())
	return events, err
}

func (s *Service) execute(ctx context.Context, id uuid.UUID, cmd Command) ([]contracts.Event, error) {
	history, err := s.Log.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	var current *Todo
	if len(history) > 0 {
		if current, err = FromEvents(history); err != nil {
			return nil, err
		}
	}

	now := s.Now()
	var pending []contracts.Event
	switch c := cmd.(type) {
	case CreateTodo:
		pending, err = Create(current, id, c.Title, c.Description, now)
	case UpdateTodo:
		if current == nil {
			return nil, contracts.ErrNotFound
		}
		pending, err = current.Update(c.Title, c.Description, now)
	case CompleteTodo:
		if current == nil {
			return nil, contracts.ErrNotFound
		}
		pending, err = current.Complete(now)
	case DeleteTodo:
		if current == nil {
			return nil, contracts.ErrNotFound
		}
		pending, err = current.Delete(now)
	default:
		return nil, ErrUnsupportedCommand
	}
	if err != nil {
		return nil, err
	}

	expected := int64(-1)
	if current != nil {
		expected = current.Version
	}
	if err := s.Log.Append(ctx, pending, expected); err != nil {
		return nil, err
	}

	if s.Dispatch != nil {
		if err := s.Dispatch(ctx, pending); err != nil {
			dispatchFailuresTotal.WithLabelValues(cmd.name()).Inc()
			log.WithFields(log.Fields{
				"todo_id": id.String(),
				"command": cmd.name(),
				"version": pending[len(pending)-1].Version,
			}).WithError(err).Warn("committed events were not dispatched to the read side")
		}
	}
	return pending, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, contracts.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, contracts.ErrInvalidTransition):
		return "invalid_transition"
	case isNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
