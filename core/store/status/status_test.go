package statusstore

import (
	"context"
	"testing"

	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*redisStatusStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisStatusStore(rdb), mr
}

func TestStatus_Miss(t *testing.T) {
	s, _ := newTestStore(t)

	st, ok, err := s.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, st)
}

func TestSetStatus_UsesWireKeyWithoutTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "T1", domain.StatusCompleted))

	v, err := mr.Get("task:T1:status")
	require.NoError(t, err)
	assert.Equal(t, "completed", v)
	assert.Zero(t, mr.TTL("task:T1:status"))

	st, ok, err := s.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, st)
}

func TestBackfill_NeverOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "T1", domain.StatusCompleted))

	written, err := s.Backfill(ctx, "T1", domain.StatusPending)
	require.NoError(t, err)
	assert.False(t, written)

	st, _, err := s.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, st)

	written, err = s.Backfill(ctx, "T2", domain.StatusPending)
	require.NoError(t, err)
	assert.True(t, written)
}

func TestDelete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "T1", domain.StatusPending))
	require.NoError(t, s.Delete(ctx, "T1"))
	assert.False(t, mr.Exists("task:T1:status"))

	// deleting an absent key is not an error
	assert.NoError(t, s.Delete(ctx, "T1"))
}

func TestErrorsSurfaceWhenRedisIsDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	ctx := context.Background()

	_, _, err := s.Status(ctx, "T1")
	assert.Error(t, err)
	assert.Error(t, s.SetStatus(ctx, "T1", domain.StatusCompleted))
	_, err = s.Backfill(ctx, "T1", domain.StatusPending)
	assert.Error(t, err)
	assert.Error(t, s.Delete(ctx, "T1"))
}
