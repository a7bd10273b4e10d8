package readmodel

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrStaleCursor is returned by Put when the stored record no longer has
// the version the caller read.
var ErrStaleCursor = errors.New("read model record changed concurrently")

// Todo is the denormalized view of one aggregate. Version is the version of
// the last event applied to the record and acts as the projection cursor.
type Todo struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	Deleted     bool      `json:"deleted"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Writer is used by the projector only.
type Writer interface {
	Get(ctx context.Context, id uuid.UUID) (Todo, bool, error)
	// Put stores rec if the current record version equals prevVersion,
	// where -1 means no record exists yet.
	Put(ctx context.Context, rec Todo, prevVersion int64) error
}

type Reader interface {
	Get(ctx context.Context, id uuid.UUID) (Todo, bool, error)
	// List returns every record that is not deleted.
	List(ctx context.Context) ([]Todo, error)
}

type Store interface {
	Writer
	Reader
}

func sortTodos(todos []Todo) {
	sort.Slice(todos, func(i, j int) bool {
		if todos[i].Title != todos[j].Title {
			return todos[i].Title < todos[j].Title
		}
		return todos[i].ID.String() < todos[j].ID.String()
	})
}
