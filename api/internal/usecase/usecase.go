package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/you-humble/taskdispatch/core/domain"
)

type TaskStore interface {
	Create(ctx context.Context, description string) (domain.Task, error)
	Task(ctx context.Context, id string) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	MarkPublished(ctx context.Context, id string) error
}

type StatusCache interface {
	Status(ctx context.Context, id string) (domain.TaskStatus, bool, error)
	Backfill(ctx context.Context, id string, status domain.TaskStatus) (bool, error)
	SetStatus(ctx context.Context, id string, status domain.TaskStatus) error
	Delete(ctx context.Context, id string) error
}

type TaskQueue interface {
	Enqueue(ctx context.Context, m domain.QueueMessage) error
}

type usecase struct {
	taskStore TaskStore
	cache     StatusCache
	queue     TaskQueue
}

func New(taskStore TaskStore, cache StatusCache, queue TaskQueue) *usecase {
	return &usecase{
		taskStore: taskStore,
		cache:     cache,
		queue:     queue,
	}
}

// Submit records the task and then hands it to the broker. A failed publish
// leaves the pending record in place for the outbox sweep.
func (uc *usecase) Submit(ctx context.Context, description string) (domain.SubmitResponse, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return domain.SubmitResponse{}, domain.ErrEmptyDescription
	}

	task, err := uc.taskStore.Create(ctx, description)
	if err != nil {
		return domain.SubmitResponse{}, fmt.Errorf("create task: %w", err)
	}

	resp := domain.SubmitResponse{
		Message: "Task submitted",
		TaskID:  task.ID,
		Status:  task.Status,
	}

	if err := uc.publish(ctx, task); err != nil {
		slog.Warn("publish deferred",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		resp.Message = "Task recorded, queueing deferred"
		return resp, nil
	}

	resp.Queued = true
	return resp, nil
}

// Status answers from the cache when it can. A cached status is only trusted
// while the store holds the task with the same status; a mismatch is
// corrected from the store.
func (uc *usecase) Status(ctx context.Context, id string) (domain.StatusResponse, error) {
	logger := slog.With(slog.String("task_id", id))

	status, hit, err := uc.cache.Status(ctx, id)
	if err != nil {
		logger.Warn("status cache read", slog.String("error", err.Error()))
		hit = false
	}
	if hit && !status.Valid() {
		logger.Warn("unexpected cached status", slog.String("status", string(status)))
		hit = false
	}

	if hit {
		task, err := uc.taskStore.Task(ctx, id)
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			if err := uc.cache.Delete(ctx, id); err != nil {
				logger.Warn("drop stale status", slog.String("error", err.Error()))
			}
			return domain.StatusResponse{}, domain.ErrTaskNotFound
		case err != nil:
			logger.Warn("confirm cached status", slog.String("error", err.Error()))
		case task.Status != status:
			logger.Info("cached status is stale",
				slog.String("cached", string(status)),
				slog.String("stored", string(task.Status)),
			)
			if err := uc.cache.SetStatus(ctx, id, task.Status); err != nil {
				logger.Warn("status cache refresh", slog.String("error", err.Error()))
			}
			return domain.StatusResponse{
				TaskID: id,
				Status: task.Status,
				Source: domain.SourceDatabase,
			}, nil
		}

		return domain.StatusResponse{
			TaskID: id,
			Status: status,
			Source: domain.SourceCache,
		}, nil
	}

	task, err := uc.taskStore.Task(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return domain.StatusResponse{}, err
		}
		return domain.StatusResponse{}, fmt.Errorf("load task: %w", err)
	}

	if _, err := uc.cache.Backfill(ctx, task.ID, task.Status); err != nil {
		logger.Warn("status cache backfill", slog.String("error", err.Error()))
	}

	return domain.StatusResponse{
		TaskID: task.ID,
		Status: task.Status,
		Source: domain.SourceDatabase,
	}, nil
}

// Delete removes the record and then the cache entry. A message already in
// the queue is not retracted; the worker drops it when the record is gone.
func (uc *usecase) Delete(ctx context.Context, id string) error {
	if err := uc.taskStore.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return err
		}
		return fmt.Errorf("delete task: %w", err)
	}

	if err := uc.cache.Delete(ctx, id); err != nil {
		slog.Warn("status cache delete",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (uc *usecase) Republish(ctx context.Context, id string) error {
	task, err := uc.taskStore.Task(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusPending {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotPending, task.Status)
	}

	return uc.publish(ctx, task)
}

func (uc *usecase) publish(ctx context.Context, task domain.Task) error {
	err := uc.queue.Enqueue(ctx, domain.QueueMessage{
		TaskID:      task.ID,
		Description: task.Description,
	})
	if err != nil {
		return err
	}

	if err := uc.taskStore.MarkPublished(ctx, task.ID); err != nil {
		slog.Warn("mark published",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
