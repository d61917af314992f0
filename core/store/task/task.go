package taskstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the goose migrations rooted at the migrations directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// DB is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const taskColumns = `id::text, description, status, error, attempts, created_at, updated_at, published_at`

type postgresTaskStore struct {
	db DB
}

func NewPostgresTaskStore(db DB) *postgresTaskStore {
	return &postgresTaskStore{db: db}
}

// Create inserts a pending task; the id is assigned by the database.
func (s *postgresTaskStore) Create(ctx context.Context, description string) (domain.Task, error) {
	if strings.TrimSpace(description) == "" {
		return domain.Task{}, domain.ErrEmptyDescription
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO tasks (description, status)
		VALUES ($1, $2)
		RETURNING `+taskColumns,
		description, string(domain.StatusPending),
	)

	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", mapError(err))
	}
	return t, nil
}

func (s *postgresTaskStore) Task(ctx context.Context, id string) (domain.Task, error) {
	if !validID(id) {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1::uuid`, id)

	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, mapError(err)
	}
	return t, nil
}

func (s *postgresTaskStore) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errReason string) error {
	if !validID(id) {
		return domain.ErrTaskNotFound
	}
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidTask, status)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, error = $3, updated_at = now()
		WHERE id = $1::uuid`,
		id, string(status), errReason,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// RecordFailure counts one failed execution and keeps its reason. It returns
// the number of failed executions recorded for the task so far.
func (s *postgresTaskStore) RecordFailure(ctx context.Context, id string, reason string) (int, error) {
	if !validID(id) {
		return 0, domain.ErrTaskNotFound
	}

	var attempts int
	err := s.db.QueryRow(ctx, `
		UPDATE tasks
		SET attempts = attempts + 1, error = $2, updated_at = now()
		WHERE id = $1::uuid
		RETURNING attempts`,
		id, reason,
	).Scan(&attempts)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, domain.ErrTaskNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("record task failure: %w", err)
	}
	return attempts, nil
}

func (s *postgresTaskStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return domain.ErrTaskNotFound
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (s *postgresTaskStore) MarkPublished(ctx context.Context, id string) error {
	if !validID(id) {
		return domain.ErrTaskNotFound
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET published_at = now()
		WHERE id = $1::uuid AND published_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark task published: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		// already published is fine, a missing row is not
		if _, err := s.Task(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Unpublished lists pending tasks that were never handed to the broker and
// are older than olderThan, oldest first.
func (s *postgresTaskStore) Unpublished(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1 AND published_at IS NULL AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`,
		string(domain.StatusPending), time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unpublished tasks: %w", mapError(err))
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	return tasks, nil
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t      domain.Task
		status string
	)
	if err := row.Scan(
		&t.ID,
		&t.Description,
		&status,
		&t.Error,
		&t.Attempts,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.PublishedAt,
	); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// PostgreSQL error codes
const (
	notNullViolationCode    = "23502"
	checkViolationCode      = "23514"
	invalidTextRepresention = "22P02"
)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTaskNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case notNullViolationCode, checkViolationCode:
			return fmt.Errorf("%w: %s", domain.ErrInvalidTask, pgErr.Message)
		case invalidTextRepresention:
			return domain.ErrTaskNotFound
		}
	}

	return err
}
