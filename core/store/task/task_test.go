package taskstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/you-humble/taskdispatch/core/domain"
	pgcli "github.com/you-humble/taskdispatch/core/libs/postgres"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "00001_create_tasks.sql", entries[0].Name())
	assert.Equal(t, "00002_add_task_attempts.sql", entries[1].Name())
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, domain.ErrTaskNotFound},
		{"check violation", &pgconn.PgError{Code: checkViolationCode}, domain.ErrInvalidTask},
		{"not null violation", &pgconn.PgError{Code: notNullViolationCode}, domain.ErrInvalidTask},
		{"bad uuid", &pgconn.PgError{Code: invalidTextRepresention}, domain.ErrTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.in), tt.want)
		})
	}

	other := errors.New("boom")
	assert.Same(t, other, mapError(other))
	assert.NoError(t, mapError(nil))
}

func TestInvalidIDIsNotFound(t *testing.T) {
	s := NewPostgresTaskStore(nil)
	ctx := context.Background()

	_, err := s.Task(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", domain.StatusCompleted, ""), domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.MarkPublished(ctx, "nope"), domain.ErrTaskNotFound)

	_, err = s.RecordFailure(ctx, "nope", "boom")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestCreateRejectsBlankDescription(t *testing.T) {
	s := NewPostgresTaskStore(nil)
	_, err := s.Create(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyDescription)
}

// newIntegrationStore needs DATABASE_URL pointing at a disposable database.
func newIntegrationStore(t *testing.T) *postgresTaskStore {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgcli.NewPool(ctx, pgcli.Config{URL: url, Retry: pgcli.RetryConfig{MaxRetries: 1}})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pgcli.Migrate(ctx, pool, Migrations()))

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback(context.Background()) })

	return NewPostgresTaskStore(tx)
}

func TestPostgresTaskStore_Lifecycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "resize image")
	require.NoError(t, err)
	_, err = uuid.Parse(created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Nil(t, created.PublishedAt)

	got, err := s.Task(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "resize image", got.Description)
	assert.Zero(t, got.Attempts)

	n, err := s.RecordFailure(ctx, created.ID, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordFailure(ctx, created.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err = s.Task(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "second", got.Error)

	require.NoError(t, s.MarkPublished(ctx, created.ID))
	require.NoError(t, s.MarkPublished(ctx, created.ID))
	got, err = s.Task(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedAt)

	require.NoError(t, s.UpdateStatus(ctx, created.ID, domain.StatusCompleted, ""))
	got, err = s.Task(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.Task(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(ctx, created.ID), domain.ErrTaskNotFound)
	_, err = s.RecordFailure(ctx, created.ID, "late")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, created.ID, domain.StatusCompleted, ""), domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.MarkPublished(ctx, created.ID), domain.ErrTaskNotFound)
}

func TestPostgresTaskStore_Unpublished(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "a")
	require.NoError(t, err)
	b, err := s.Create(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, s.MarkPublished(ctx, b.ID))

	tasks, err := s.Unpublished(ctx, -time.Minute, 100)
	require.NoError(t, err)

	ids := make(map[string]bool, len(tasks))
	for _, tk := range tasks {
		ids[tk.ID] = true
	}
	assert.True(t, ids[a.ID])
	assert.False(t, ids[b.ID])

	tasks, err = s.Unpublished(ctx, time.Hour, 100)
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.NotEqual(t, a.ID, tk.ID)
	}
}
