package readmodel

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

const insertTodoSQL = `
INSERT INTO todo_read_model (todo_id, title, description, completed, deleted, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (todo_id) DO NOTHING
`

const updateTodoSQL = `
UPDATE todo_read_model
SET title = $2,
    description = $3,
    completed = $4,
    deleted = $5,
    version = $6,
    updated_at = $7
WHERE todo_id = $1 AND version = $8
`

const selectTodoSQL = `
SELECT todo_id, title, description, completed, deleted, version, updated_at
FROM todo_read_model
WHERE todo_id = $1
`

const listTodosSQL = `
SELECT todo_id, title, description, completed, deleted, version, updated_at
FROM todo_read_model
WHERE NOT deleted
ORDER BY updated_at DESC, todo_id
`

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Todo, bool, error) {
	t, err := scanTodo(s.Pool.QueryRow(ctx, selectTodoSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, false, nil
		}
		return Todo{}, false, contracts.StoreFailure("read model get", err)
	}
	return t, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Todo, prevVersion int64) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prevVersion == -1 {
		tag, err = s.Pool.Exec(ctx, insertTodoSQL,
			rec.ID, rec.Title, rec.Description, rec.Completed, rec.Deleted, rec.Version, rec.UpdatedAt)
	} else {
		tag, err = s.Pool.Exec(ctx, updateTodoSQL,
			rec.ID, rec.Title, rec.Description, rec.Completed, rec.Deleted, rec.Version, rec.UpdatedAt, prevVersion)
	}
	if err != nil {
		return contracts.StoreFailure("read model put", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleCursor
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Todo, error) {
	rows, err := s.Pool.Query(ctx, listTodosSQL)
	if err != nil {
		return nil, contracts.StoreFailure("read model list", err)
	}
	defer rows.Close()

	result := make([]Todo, 0, 32)
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, contracts.StoreFailure("read model list", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.StoreFailure("read model list", err)
	}
	return result, nil
}

func scanTodo(row pgx.Row) (Todo, error) {
	var t Todo
	err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Completed,
		&t.Deleted,
		&t.Version,
		&t.UpdatedAt,
	)
	if err != nil {
		return Todo{}, err
	}
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
