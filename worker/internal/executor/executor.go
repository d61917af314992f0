package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/you-humble/taskdispatch/core/domain"
)

var ErrSimulatedFailure = errors.New("simulated task failure")

type Config struct {
	// Delay stands in for the real processing time.
	Delay  time.Duration
	Jitter time.Duration
	// FailRate is the probability in [0,1] that an execution fails.
	FailRate    float64
	MaxParallel int
}

// Simulated waits for the configured delay and reports success, or a
// failure at FailRate.
type Simulated struct {
	cfg Config
	rnd func() float64
	sem chan struct{}
}

func NewSimulated(cfg Config) *Simulated {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	return &Simulated{
		cfg: cfg,
		rnd: rand.Float64,
		sem: make(chan struct{}, cfg.MaxParallel),
	}
}

func (s *Simulated) Execute(ctx context.Context, m domain.QueueMessage) error {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return fmt.Errorf("executor busy or canceled: %w", ctx.Err())
	}

	delay := s.cfg.Delay
	if s.cfg.Jitter > 0 {
		delay += time.Duration(s.rnd() * float64(s.cfg.Jitter))
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.cfg.FailRate > 0 && s.rnd() < s.cfg.FailRate {
		return fmt.Errorf("task %s: %w", m.TaskID, ErrSimulatedFailure)
	}
	return nil
}
