package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

const defaultRedisPrefix = "todo:view"

// RedisStore keeps one JSON document per todo plus a set indexing the ids
// of todos that are not deleted. Put uses WATCH on the document key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id uuid.UUID) string {
	return s.prefix + ":" + id.String()
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":live"
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (Todo, bool, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Todo{}, false, nil
	}
	if err != nil {
		return Todo{}, false, contracts.StoreFailure("read model get", err)
	}
	var t Todo
	if err := json.Unmarshal(raw, &t); err != nil {
		return Todo{}, false, fmt.Errorf("%w: decode read model %s: %v", contracts.ErrSerialization, id, err)
	}
	return t, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Todo, prevVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode read model %s: %v", contracts.ErrSerialization, rec.ID, err)
	}
	key := s.key(rec.ID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if prevVersion != -1 {
				return ErrStaleCursor
			}
		case err != nil:
			return err
		default:
			var current Todo
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("%w: decode read model %s: %v", contracts.ErrSerialization, rec.ID, err)
			}
			if current.Version != prevVersion {
				return ErrStaleCursor
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if rec.Deleted {
				pipe.SRem(ctx, s.indexKey(), rec.ID.String())
			} else {
				pipe.SAdd(ctx, s.indexKey(), rec.ID.String())
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleCursor), errors.Is(err, redis.TxFailedErr):
		return ErrStaleCursor
	case errors.Is(err, contracts.ErrSerialization):
		return err
	default:
		return contracts.StoreFailure("read model put", err)
	}
}

func (s *RedisStore) List(ctx context.Context) ([]Todo, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, contracts.StoreFailure("read model list", err)
	}
	if len(ids) == 0 {
		return []Todo{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.prefix+":"+id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, contracts.StoreFailure("read model list", err)
	}

	out := make([]Todo, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t Todo
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("%w: decode read model: %v", contracts.ErrSerialization, err)
		}
		if !t.Deleted {
			out = append(out, t)
		}
	}
	sortTodos(out)
	return out, nil
}
