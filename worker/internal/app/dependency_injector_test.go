package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/you-humble/taskdispatch/worker/internal/infra/config"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *nats.Msg, ...nats.PubOpt) (*nats.PubAck, error) {
	return &nats.PubAck{}, nil
}

func TestDeadLetterSinks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Broker: config.Broker{DeadSubject: "tasks.dead"},
	}

	sinks := deadLetterSinks(context.Background(), cfg, nopPublisher{}, logger)
	assert.Len(t, sinks, 1)

	cfg.MinIO = config.MinIO{
		Endpoint:        "127.0.0.1:1",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		Bucket:          "taskdispatch",
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// unreachable archive falls back to the broker subject
	sinks = deadLetterSinks(ctx, cfg, nopPublisher{}, logger)
	assert.Len(t, sinks, 1)
}
