package readmodel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu    sync.RWMutex
	todos map[uuid.UUID]Todo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{todos: map[uuid.UUID]Todo{}}
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Todo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.todos[id]
	return t, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Todo, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.todos[rec.ID]
	switch {
	case !ok && prevVersion != -1:
		return ErrStaleCursor
	case ok && current.Version != prevVersion:
		return ErrStaleCursor
	}
	s.todos[rec.ID] = rec
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Todo, error) {
	s.mu.RLock()
	out := make([]Todo, 0, len(s.todos))
	for _, t := range s.todos {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sortTodos(out)
	return out, nil
}
