package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/taskdispatch/core/domain"
)

type Store interface {
	Unpublished(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error)
	MarkPublished(ctx context.Context, id string) error
}

type Queue interface {
	Enqueue(ctx context.Context, m domain.QueueMessage) error
}

type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Grace keeps the sweep away from submissions that are still publishing.
	Grace time.Duration
	Batch int
}

// Sweeper republishes pending tasks that never reached the broker.
type Sweeper struct {
	store Store
	queue Queue
	cfg   Config
	kick  chan struct{}
}

func New(store Store, queue Queue, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}

	return &Sweeper{
		store: store,
		queue: queue,
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
	}
}

// Kick asks for a sweep as soon as possible. It never blocks.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("outbox sweeper started",
		slog.String("interval", s.cfg.Interval.String()),
		slog.String("grace", s.cfg.Grace.String()),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox sweeper stopped")
			return nil
		case <-ticker.C:
		case <-s.kick:
		}

		n, err := s.Sweep(ctx)
		if err != nil {
			slog.Warn("outbox sweep", slog.Int("published", n), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			slog.Info("outbox sweep", slog.Int("published", n))
		}
	}
}

// Sweep publishes one batch and returns how many tasks were handed over.
// It stops at the first publish error since the rest would fail the same way.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	tasks, err := s.store.Unpublished(ctx, s.cfg.Grace, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list unpublished: %w", err)
	}

	published := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		err := s.queue.Enqueue(ctx, domain.QueueMessage{
			TaskID:      t.ID,
			Description: t.Description,
		})
		if err != nil {
			return published, err
		}
		published++

		if err := s.store.MarkPublished(ctx, t.ID); err != nil {
			slog.Warn("mark published",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return published, nil
}
