package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/eventlog"
	"github.com/todo-1m/eventsourcing/internal/platform/config"
	"github.com/todo-1m/eventsourcing/internal/platform/dbpool"
	"github.com/todo-1m/eventsourcing/internal/platform/migrations"
	"github.com/todo-1m/eventsourcing/internal/readmodel"
)

const postgresReadyTimeout = 30 * time.Second

// Resources holds the event log and read model selected by configuration,
// plus the connections backing them.
type Resources struct {
	Log       eventlog.Log
	ReadModel readmodel.Store

	// Durable is false when the event log lives only in this process.
	Durable bool

	pool    *pgxpool.Pool
	redis   *redis.Client
	closers []func() error
}

func Open(ctx context.Context, cfg config.Config) (_ *Resources, err error) {
	res := &Resources{}
	defer func() {
		if err != nil {
			res.Close()
		}
	}()

	if cfg.UsesPostgres() {
		pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.DB)
		if err != nil {
			return nil, err
		}
		res.pool = pool
		res.closers = append(res.closers, func() error { pool.Close(); return nil })
		if err := dbpool.WaitReady(ctx, pool, postgresReadyTimeout); err != nil {
			return nil, err
		}
		if err := migrations.UpPostgres(ctx, pool); err != nil {
			return nil, err
		}
	}

	var base eventlog.Log
	switch cfg.EventLogDriver {
	case config.DriverMemory:
		base = eventlog.NewMemoryLog()
	case config.DriverSQLite:
		sqliteLog, err := eventlog.OpenSQLiteLog(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, sqliteLog.Close)
		base = sqliteLog
		res.Durable = true
	case config.DriverPostgres:
		base = eventlog.NewPostgresLog(res.pool)
		res.Durable = true
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", cfg.EventLogDriver)
	}
	res.Log = eventlog.Traced(base)

	switch cfg.ReadModelDriver {
	case config.DriverMemory:
		res.ReadModel = readmodel.NewMemoryStore()
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		res.redis = client
		res.closers = append(res.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		res.ReadModel = readmodel.NewRedisStore(client, cfg.RedisPrefix)
	case config.DriverPostgres:
		res.ReadModel = readmodel.NewPostgresStore(res.pool)
	default:
		return nil, fmt.Errorf("unsupported read model driver %q", cfg.ReadModelDriver)
	}

	log.WithFields(log.Fields{
		"event_log":  cfg.EventLogDriver,
		"read_model": cfg.ReadModelDriver,
	}).Info("storage ready")
	return res, nil
}

// Ready pings every backing connection.
func (r *Resources) Ready(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()

	if r.pool != nil {
		if err := r.pool.Ping(checkCtx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	if r.redis != nil {
		if err := r.redis.Ping(checkCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (r *Resources) Close() {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Warn("closing storage")
	}
}
