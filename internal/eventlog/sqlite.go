package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/platform/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteOpenStreamSQL = `
INSERT INTO todo_streams (aggregate_id, version)
VALUES (?, ?)
ON CONFLICT (aggregate_id) DO NOTHING
`

const sqliteAdvanceStreamSQL = `
UPDATE todo_streams
SET version = ?,
    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
WHERE aggregate_id = ? AND version = ?
`

const sqliteInsertEventSQL = `
INSERT INTO todo_events (event_id, aggregate_id, version, kind, data, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)
`

// SQLiteLog is a single-file event log. Write transactions begin
// IMMEDIATE so the version check and the insert run under the write lock.
type SQLiteLog struct {
	DB *sql.DB
}

// OpenSQLiteLog opens (or creates) the database at path and applies the
// embedded migrations.
func OpenSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite event log: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite event log: %w", err)
	}
	if err := migrations.UpSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLog{DB: db}, nil
}

func (l *SQLiteLog) Close() error {
	if l == nil || l.DB == nil {
		return nil
	}
	return l.DB.Close()
}

func (l *SQLiteLog) Append(ctx context.Context, events []contracts.Event, expectedPriorVersion int64) error {
	if err := ValidateBatch(events, expectedPriorVersion); err != nil {
		return err
	}
	encoded, err := encodeBatch(events)
	if err != nil {
		return err
	}

	aggregateID := events[0].AggregateID
	nextVersion := events[len(events)-1].Version

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return contracts.StoreFailure("append", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if expectedPriorVersion == -1 {
		res, err = tx.ExecContext(ctx, sqliteOpenStreamSQL, aggregateID.String(), nextVersion)
	} else {
		res, err = tx.ExecContext(ctx, sqliteAdvanceStreamSQL, nextVersion, aggregateID.String(), expectedPriorVersion)
	}
	if err != nil {
		return contracts.StoreFailure("append", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return contracts.StoreFailure("append", err)
	}
	if affected == 0 {
		actual, err := sqliteStreamVersion(ctx, tx, aggregateID)
		if err != nil {
			return err
		}
		return conflict(aggregateID, expectedPriorVersion, actual)
	}

	for i, ev := range events {
		if _, err := tx.ExecContext(ctx, sqliteInsertEventSQL,
			ev.EventID.String(),
			ev.AggregateID.String(),
			ev.Version,
			string(ev.Kind()),
			string(encoded[i]),
			ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			if isConstraintError(err) {
				return conflict(aggregateID, expectedPriorVersion, ev.Version)
			}
			return contracts.StoreFailure("append", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return contracts.StoreFailure("append", err)
	}
	return nil
}

func (l *SQLiteLog) Load(ctx context.Context, aggregateID uuid.UUID) ([]contracts.Event, error) {
	return l.LoadAfter(ctx, aggregateID, -1)
}

func (l *SQLiteLog) LoadAfter(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]contracts.Event, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT data FROM todo_events
		 WHERE aggregate_id = ? AND version > ?
		 ORDER BY version ASC`,
		aggregateID.String(), afterVersion,
	)
	if err != nil {
		return nil, contracts.StoreFailure("load", err)
	}
	defer rows.Close()

	var out []contracts.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, contracts.StoreFailure("load", err)
		}
		ev, err := contracts.Decode([]byte(data))
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

func (l *SQLiteLog) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	return sqliteStreamVersion(ctx, l.DB, aggregateID)
}

func (l *SQLiteLog) Scan(ctx context.Context, afterPosition int64, limit int) ([]Entry, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT position, data FROM todo_events
		 WHERE position > ?
		 ORDER BY position ASC
		 LIMIT ?`,
		afterPosition, normalizeLimit(limit),
	)
	if err != nil {
		return nil, contracts.StoreFailure("scan", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			position int64
			data     string
		)
		if err := rows.Scan(&position, &data); err != nil {
			return nil, contracts.StoreFailure("scan", err)
		}
		ev, err := contracts.Decode([]byte(data))
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

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteStreamVersion(ctx context.Context, q sqlQuerier, aggregateID uuid.UUID) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `SELECT version FROM todo_streams WHERE aggregate_id = ?`, aggregateID.String()).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, nil
		}
		return -1, contracts.StoreFailure("current version", err)
	}
	return version, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}
