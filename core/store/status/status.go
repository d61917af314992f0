package statusstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/redis/go-redis/v9"
)

// redisStatusStore keeps one plain string per task under task:{id}:status.
// Keys carry no TTL.
type redisStatusStore struct {
	rdb redis.Cmdable
}

func NewRedisStatusStore(rdb redis.Cmdable) *redisStatusStore {
	return &redisStatusStore{rdb: rdb}
}

func (s *redisStatusStore) Status(ctx context.Context, id string) (domain.TaskStatus, bool, error) {
	v, err := s.rdb.Get(ctx, statusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get status: %w", err)
	}

	return domain.TaskStatus(v), true, nil
}

// SetStatus overwrites the entry. Only the worker calls it.
func (s *redisStatusStore) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	if err := s.rdb.Set(ctx, statusKey(id), string(status), 0).Err(); err != nil {
		return fmt.Errorf("redis set status: %w", err)
	}
	return nil
}

// Backfill writes status only when no entry exists, so a read-path refill
// can never replace a value the worker already wrote.
func (s *redisStatusStore) Backfill(ctx context.Context, id string, status domain.TaskStatus) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, statusKey(id), string(status), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis backfill status: %w", err)
	}
	return ok, nil
}

func (s *redisStatusStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, statusKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete status: %w", err)
	}
	return nil
}

func statusKey(id string) string {
	return "task:" + id + ":status"
}
