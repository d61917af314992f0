package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/you-humble/taskdispatch/core/broker"
	"github.com/you-humble/taskdispatch/core/domain"
	"github.com/you-humble/taskdispatch/core/queue"
	"github.com/you-humble/taskdispatch/worker/internal/deadletter"

	"github.com/nats-io/nats.go"
)

type TaskStore interface {
	Task(ctx context.Context, id string) (domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errReason string) error
	RecordFailure(ctx context.Context, id string, reason string) (int, error)
}

type StatusCache interface {
	SetStatus(ctx context.Context, id string, status domain.TaskStatus) error
}

type Executor interface {
	Execute(ctx context.Context, m domain.QueueMessage) error
}

type DeadLetterSink interface {
	Send(ctx context.Context, l deadletter.Letter) error
}

type Broker interface {
	Ready() <-chan struct{}
	JetStream() (nats.JetStreamContext, error)
	Reset(reason error)
}

// Delivery is the part of *nats.Msg the worker settles a message with.
type Delivery interface {
	Metadata() (*nats.MsgMetadata, error)
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

type Config struct {
	Stream   string
	Consumer string
	Subject  string

	// Prefetch is the number of messages pulled per fetch. It must not
	// exceed the consumer's MaxAckPending.
	Prefetch         int
	FetchTimeout     time.Duration
	ResubscribeDelay time.Duration

	// MaxAttempts bounds how many failed executions a task gets before it
	// is dead-lettered. Store outages and shutdown redeliveries don't count.
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	ExecTimeout time.Duration
	// Heartbeat extends the ack deadline while a task executes.
	Heartbeat time.Duration
}

type Worker struct {
	cfg    Config
	broker Broker
	store  TaskStore
	cache  StatusCache
	exec   Executor
	dead   DeadLetterSink
	rnd    func() float64
}

func New(
	cfg Config,
	b Broker,
	store TaskStore,
	cache StatusCache,
	exec Executor,
	dead DeadLetterSink,
) *Worker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(time.Minute, cfg.RetryDelay)
	}

	return &Worker{
		cfg:    cfg,
		broker: b,
		store:  store,
		cache:  cache,
		exec:   exec,
		dead:   dead,
		rnd:    rand.Float64,
	}
}

// Run consumes until ctx is done. It holds at most one subscription at a
// time and subscribes again whenever the broker comes back.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		slog.String("stream", w.cfg.Stream),
		slog.String("consumer", w.cfg.Consumer),
		slog.Int("max_attempts", w.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped")
			return nil
		case <-w.broker.Ready():
		}

		err := w.consume(ctx)
		if ctx.Err() != nil {
			slog.Info("worker stopped")
			return nil
		}
		slog.Warn("consumer interrupted, subscribing again",
			slog.String("error", errString(err)),
			slog.String("retry_in", w.cfg.ResubscribeDelay.String()),
		)

		select {
		case <-ctx.Done():
			slog.Info("worker stopped")
			return nil
		case <-time.After(w.cfg.ResubscribeDelay):
		}
	}
}

func (w *Worker) consume(ctx context.Context) error {
	js, err := w.broker.JetStream()
	if err != nil {
		return err
	}

	sub, err := js.PullSubscribe(w.cfg.Subject, w.cfg.Consumer, nats.Bind(w.cfg.Stream, w.cfg.Consumer))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
			w.broker.Reset(err)
		}
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Debug("unsubscribe", slog.String("error", err.Error()))
		}
	}()

	slog.Info("consumer subscribed", slog.String("subject", w.cfg.Subject))

	for {
		if ctx.Err() != nil {
			return nil
		}

		fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		msgs, err := sub.Fetch(w.cfg.Prefetch, nats.Context(fctx))
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConsumerDeleted), errors.Is(err, nats.ErrConsumerNotFound):
				w.broker.Reset(err)
			}
			return fmt.Errorf("fetch: %w", err)
		}

		for i, msg := range msgs {
			if ctx.Err() != nil {
				// hand the unprocessed rest of the batch back
				for _, rest := range msgs[i:] {
					_ = rest.Nak()
				}
				return nil
			}
			w.handle(ctx, msg.Subject, msg.Data, msg)
		}
	}
}

// handle runs one delivery to completion. The message is settled last.
func (w *Worker) handle(ctx context.Context, subject string, data []byte, d Delivery) {
	deliveries := uint64(1)
	if md, err := d.Metadata(); err == nil {
		deliveries = md.NumDelivered
	}

	m, err := queue.Decode(data)
	if err != nil {
		slog.Error("undecodable message",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		w.giveUp(ctx, d, letterFor(subject, data, domain.QueueMessage{}, 0, deliveries), err)
		return
	}

	logger := slog.With(
		slog.String("task_id", m.TaskID),
		slog.Uint64("delivery", deliveries),
	)

	task, err := w.store.Task(ctx, m.TaskID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		logger.Info("task no longer exists, dropping message")
		settle(logger, "ack", d.Ack())
		return
	case err != nil:
		logger.Warn("load task", slog.String("error", err.Error()))
		settle(logger, "nak", d.NakWithDelay(w.retryDelay(deliveries)))
		return
	case task.Status == domain.StatusCompleted:
		logger.Info("task already completed, acknowledging redelivery")
		w.setCache(ctx, logger, m.TaskID, domain.StatusCompleted)
		settle(logger, "ack", d.Ack())
		return
	case task.Status == domain.StatusFailed:
		logger.Info("task already failed, dropping message")
		settle(logger, "ack", d.Ack())
		return
	}

	// the budget ran out earlier but no sink took the letter then
	if task.Attempts >= w.cfg.MaxAttempts {
		reason := task.Error
		if reason == "" {
			reason = "attempt limit reached"
		}
		w.giveUp(ctx, d, letterFor(subject, data, m, task.Attempts, deliveries), errors.New(reason))
		return
	}

	logger.Info("task start", slog.Int("attempt", task.Attempts+1))
	start := time.Now()

	// the outcome is recorded even when shutdown starts mid-way
	wctx := context.WithoutCancel(ctx)

	if err := w.execute(ctx, d, m); err != nil {
		if ctx.Err() != nil {
			logger.Info("task interrupted by shutdown")
			settle(logger, "nak", d.Nak())
			return
		}

		attempts, rerr := w.store.RecordFailure(wctx, m.TaskID, err.Error())
		switch {
		case errors.Is(rerr, domain.ErrTaskNotFound):
			logger.Info("task deleted during execution")
			settle(logger, "ack", d.Ack())
			return
		case rerr != nil:
			logger.Error("record failed attempt",
				slog.String("error", rerr.Error()),
				slog.String("cause", err.Error()),
			)
			settle(logger, "nak", d.NakWithDelay(w.retryDelay(deliveries)))
			return
		}

		if attempts >= w.cfg.MaxAttempts {
			w.giveUp(ctx, d, letterFor(subject, data, m, attempts, deliveries), err)
			return
		}

		delay := w.retryDelay(uint64(attempts))
		logger.Warn("task failed, redelivery scheduled",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempts),
			slog.String("retry_in", delay.String()),
		)
		settle(logger, "nak", d.NakWithDelay(delay))
		return
	}

	err = w.store.UpdateStatus(wctx, m.TaskID, domain.StatusCompleted, "")
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		logger.Info("task deleted during execution")
		settle(logger, "ack", d.Ack())
		return
	case err != nil:
		logger.Error("record completion", slog.String("error", err.Error()))
		settle(logger, "nak", d.NakWithDelay(w.retryDelay(deliveries)))
		return
	}

	w.setCache(wctx, logger, m.TaskID, domain.StatusCompleted)
	settle(logger, "ack", d.Ack())

	logger.Info("task done", slog.String("duration", time.Since(start).String()))
}

func (w *Worker) execute(ctx context.Context, d Delivery, m domain.QueueMessage) error {
	if w.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ExecTimeout)
		defer cancel()
	}

	if w.cfg.Heartbeat > 0 {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(w.cfg.Heartbeat)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					if err := d.InProgress(); err != nil {
						slog.Debug("in progress", slog.String("task_id", m.TaskID), slog.String("error", err.Error()))
					}
				}
			}
		}()
		defer func() {
			close(stop)
			wg.Wait()
		}()
	}

	return w.exec.Execute(ctx, m)
}

func letterFor(subject string, data []byte, m domain.QueueMessage, attempts int, deliveries uint64) deadletter.Letter {
	return deadletter.Letter{
		TaskID:     m.TaskID,
		Attempts:   attempts,
		Deliveries: deliveries,
		Subject:    subject,
		Payload:    string(data),
	}
}

// giveUp dead-letters the message, records the failure and terminates the
// delivery. The message stays queued if no sink accepted it.
func (w *Worker) giveUp(ctx context.Context, d Delivery, letter deadletter.Letter, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := slog.With(
		slog.String("task_id", letter.TaskID),
		slog.Uint64("delivery", letter.Deliveries),
		slog.Int("attempts", letter.Attempts),
	)

	letter.Reason = cause.Error()
	letter.FailedAt = time.Now().UTC()
	if err := w.dead.Send(ctx, letter); err != nil {
		logger.Error("dead-letter", slog.String("error", err.Error()))
		settle(logger, "nak", d.NakWithDelay(w.cfg.MaxRetryDelay))
		return
	}

	if letter.TaskID != "" {
		err := w.store.UpdateStatus(ctx, letter.TaskID, domain.StatusFailed, cause.Error())
		switch {
		case err == nil:
			w.setCache(ctx, logger, letter.TaskID, domain.StatusFailed)
		case !errors.Is(err, domain.ErrTaskNotFound):
			logger.Error("record failure", slog.String("error", err.Error()))
		}
	}

	logger.Warn("message dead-lettered", slog.String("reason", cause.Error()))
	settle(logger, "term", d.Term())
}

func (w *Worker) setCache(ctx context.Context, logger *slog.Logger, id string, st domain.TaskStatus) {
	if err := w.cache.SetStatus(ctx, id, st); err != nil {
		logger.Warn("status cache write", slog.String("error", err.Error()))
	}
}

func (w *Worker) retryDelay(deliveries uint64) time.Duration {
	return broker.ExpJitter(int(deliveries), w.cfg.RetryDelay, w.cfg.MaxRetryDelay, w.rnd)
}

func settle(logger *slog.Logger, op string, err error) {
	if err != nil {
		logger.Warn("settle message", slog.String("op", op), slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
