package query

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/readmodel"
)

type TodoView struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
}

// Service answers queries from the read model only; results lag the event
// log until the projector has caught up.
type Service struct {
	Todos readmodel.Reader
}

func NewService(todos readmodel.Reader) *Service {
	return &Service{Todos: todos}
}

func (s *Service) GetTodo(ctx context.Context, id uuid.UUID) (TodoView, error) {
	rec, ok, err := s.Todos.Get(ctx, id)
	if err != nil {
		return TodoView{}, err
	}
	if !ok || rec.Deleted {
		return TodoView{}, contracts.ErrNotFound
	}
	return toView(rec), nil
}

func (s *Service) ListTodos(ctx context.Context) ([]TodoView, error) {
	recs, err := s.Todos.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]TodoView, 0, len(recs))
	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		result = append(result, toView(rec))
	}
	return result, nil
}

// WaitForVersion polls until the read model has applied version of id or
// the timeout elapses. It is how a client reads its own write.
func (s *Service) WaitForVersion(ctx context.Context, id uuid.UUID, version int64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	delay := 10 * time.Millisecond
	for {
		rec, ok, err := s.Todos.Get(ctx, id)
		if err != nil {
			return err
		}
		if ok && rec.Version >= version {
			return nil
		}
		if !time.Now().Before(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		nextDelay := time.Duration(float64(delay) * 1.5)
		if nextDelay > 250*time.Millisecond {
			nextDelay = 250 * time.Millisecond
		}
		delay = nextDelay
	}
}

func toView(rec readmodel.Todo) TodoView {
	return TodoView{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Completed:   rec.Completed,
	}
}
