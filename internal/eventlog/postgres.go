package eventlog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

const pgUniqueViolation = "23505"

const pgOpenStreamSQL = `
INSERT INTO todo_streams (aggregate_id, version)
VALUES ($1, $2)
ON CONFLICT (aggregate_id) DO NOTHING
`

const pgAdvanceStreamSQL = `
UPDATE todo_streams
SET version = $3,
    updated_at = now()
WHERE aggregate_id = $1 AND version = $2
`

const pgInsertEventSQL = `
INSERT INTO todo_events (event_id, aggregate_id, version, kind, data, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const pgStreamVersionSQL = `
SELECT version FROM todo_streams WHERE aggregate_id = $1
`

const pgLoadAfterSQL = `
SELECT data FROM todo_events
WHERE aggregate_id = $1 AND version > $2
ORDER BY version ASC
`

// Positions come from a sequence and are taken before commit, so a scan
// racing live appends can pass a position that commits later.
const pgScanSQL = `
SELECT position, data FROM todo_events
WHERE position > $1
ORDER BY position ASC
LIMIT $2
`

// PostgresLog stores events in Postgres. The todo_streams row of an
// aggregate is the compare-and-swap boundary for its version.
type PostgresLog struct {
	Pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{Pool: pool}
}

func (l *PostgresLog) Append(ctx context.Context, events []contracts.Event, expectedPriorVersion int64) error {
	if err := ValidateBatch(events, expectedPriorVersion); err != nil {
		return err
	}
	encoded, err := encodeBatch(events)
	if err != nil {
		return err
	}

	aggregateID := events[0].AggregateID
	nextVersion := events[len(events)-1].Version

	tx, err := l.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return contracts.StoreFailure("append", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if expectedPriorVersion == -1 {
		tag, err = tx.Exec(ctx, pgOpenStreamSQL, aggregateID, nextVersion)
	} else {
		tag, err = tx.Exec(ctx, pgAdvanceStreamSQL, aggregateID, expectedPriorVersion, nextVersion)
	}
	if err != nil {
		return contracts.StoreFailure("append", err)
	}
	if tag.RowsAffected() == 0 {
		actual, err := pgStreamVersion(ctx, tx, aggregateID)
		if err != nil {
			return err
		}
		return conflict(aggregateID, expectedPriorVersion, actual)
	}

	for i, ev := range events {
		if _, err := tx.Exec(ctx, pgInsertEventSQL,
			ev.EventID,
			ev.AggregateID,
			ev.Version,
			string(ev.Kind()),
			encoded[i],
			ev.OccurredAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return conflict(aggregateID, expectedPriorVersion, ev.Version)
			}
			return contracts.StoreFailure("append", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return contracts.StoreFailure("append", err)
	}
	return nil
}

func (l *PostgresLog) Load(ctx context.Context, aggregateID uuid.UUID) ([]contracts.Event, error) {
	return l.LoadAfter(ctx, aggregateID, -1)
}

func (l *PostgresLog) LoadAfter(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]contracts.Event, error) {
	rows, err := l.Pool.Query(ctx, pgLoadAfterSQL, aggregateID, afterVersion)
	if err != nil {
		return nil, contracts.StoreFailure("load", err)
	}
	defer rows.Close()

	var out []contracts.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, contracts.StoreFailure("load", err)
		}
		ev, err := contracts.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.StoreFailure("load", err)
	}
	return out, nil
}

func (l *PostgresLog) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	return pgStreamVersion(ctx, l.Pool, aggregateID)
}

func (l *PostgresLog) Scan(ctx context.Context, afterPosition int64, limit int) ([]Entry, error) {
	rows, err := l.Pool.Query(ctx, pgScanSQL, afterPosition, normalizeLimit(limit))
	if err != nil {
		return nil, contracts.StoreFailure("scan", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			position int64
			data     []byte
		)
		if err := rows.Scan(&position, &data); err != nil {
			return nil, contracts.StoreFailure("scan", err)
		}
		ev, err := contracts.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Position: position, Event: ev})
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.StoreFailure("scan", err)
	}
	return out, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgStreamVersion(ctx context.Context, q pgQuerier, aggregateID uuid.UUID) (int64, error) {
	var version int64
	err := q.QueryRow(ctx, pgStreamVersionSQL, aggregateID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return -1, nil
		}
		return -1, contracts.StoreFailure("current version", err)
	}
	return version, nil
}
