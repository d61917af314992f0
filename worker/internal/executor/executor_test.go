package executor

import (
	"context"
	"testing"
	"time"

	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_WaitsForDelay(t *testing.T) {
	e := NewSimulated(Config{Delay: 30 * time.Millisecond})

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), domain.QueueMessage{TaskID: "t"}))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSimulated_Failure(t *testing.T) {
	e := NewSimulated(Config{FailRate: 1})
	e.rnd = func() float64 { return 0.5 }

	err := e.Execute(context.Background(), domain.QueueMessage{TaskID: "t"})
	assert.ErrorIs(t, err, ErrSimulatedFailure)
}

func TestSimulated_Canceled(t *testing.T) {
	e := NewSimulated(Config{Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Execute(ctx, domain.QueueMessage{TaskID: "t"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulated_BoundsParallelism(t *testing.T) {
	e := NewSimulated(Config{Delay: time.Hour, MaxParallel: 1})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_ = e.Execute(ctx, domain.QueueMessage{TaskID: "a"})
	}()
	<-started
	require.Eventually(t, func() bool { return len(e.sem) == 1 }, time.Second, 5*time.Millisecond)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	err := e.Execute(short, domain.QueueMessage{TaskID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
}
