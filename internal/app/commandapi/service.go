package commandapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/app/domainengine"
	"github.com/todo-1m/eventsourcing/internal/app/query"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

var ErrTitleRequired = errors.New("title is required")

type Executor interface {
	Execute(ctx context.Context, id uuid.UUID, cmd domainengine.Command) ([]contracts.Event, error)
}

type HistoryLoader interface {
	Load(ctx context.Context, id uuid.UUID) ([]contracts.Event, error)
}

// Service is the public command and query surface of the todo system.
type Service struct {
	Commands Executor
	Queries  *query.Service
	History  HistoryLoader
	NewID    func() uuid.UUID

	// ConsistencyWait bounds how long a command waits for its events to
	// reach the read model before returning. Zero disables the wait.
	ConsistencyWait time.Duration
}

func NewService(commands Executor, queries *query.Service, history HistoryLoader) *Service {
	return &Service{
		Commands: commands,
		Queries:  queries,
		History:  history,
		NewID:    uuid.New,
	}
}

// CreateTodo stores title as given; whitespace only counts when checking
// that the title is not blank.
func (s *Service) CreateTodo(ctx context.Context, title, description string) (uuid.UUID, error) {
	if strings.TrimSpace(title) == "" {
		return uuid.Nil, ErrTitleRequired
	}
	id := s.NewID()
	if err := s.execute(ctx, id, domainengine.CreateTodo{Title: title, Description: description}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Service) UpdateTodo(ctx context.Context, id uuid.UUID, title, description string) error {
	if strings.TrimSpace(title) == "" {
		return ErrTitleRequired
	}
	return s.execute(ctx, id, domainengine.UpdateTodo{Title: title, Description: description})
}

func (s *Service) CompleteTodo(ctx context.Context, id uuid.UUID) error {
	return s.execute(ctx, id, domainengine.CompleteTodo{})
}

func (s *Service) DeleteTodo(ctx context.Context, id uuid.UUID) error {
	return s.execute(ctx, id, domainengine.DeleteTodo{})
}

func (s *Service) GetTodo(ctx context.Context, id uuid.UUID) (query.TodoView, error) {
	return s.Queries.GetTodo(ctx, id)
}

func (s *Service) ListTodos(ctx context.Context) ([]query.TodoView, error) {
	return s.Queries.ListTodos(ctx)
}

// TodoHistory returns the raw event stream of a todo, deleted ones included.
func (s *Service) TodoHistory(ctx context.Context, id uuid.UUID) ([]contracts.Event, error) {
	events, err := s.History.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, contracts.ErrNotFound
	}
	return events, nil
}

func (s *Service) execute(ctx context.Context, id uuid.UUID, cmd domainengine.Command) error {
	events, err := s.Commands.Execute(ctx, id, cmd)
	if err != nil {
		return err
	}
	if s.ConsistencyWait > 0 && len(events) > 0 {
		last := events[len(events)-1]
		if err := s.Queries.WaitForVersion(ctx, id, last.Version, s.ConsistencyWait); err != nil {
			log.WithField("todo_id", id.String()).WithError(err).Debug("stopped waiting for read model")
		}
	}
	return nil
}
