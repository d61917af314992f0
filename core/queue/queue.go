package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type queue struct {
	pub     Publisher
	subject string
}

func New(pub Publisher, subject string) *queue {
	return &queue{
		pub:     pub,
		subject: subject,
	}
}

func (q *queue) Enqueue(ctx context.Context, m domain.QueueMessage) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: q.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Content-Type", "application/json")

	// Nats-Msg-Id lets the stream drop a second copy published by the outbox sweep.
	ack, err := q.pub.Publish(ctx, msg, nats.MsgId(m.TaskID))
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", m.TaskID, err)
	}

	slog.Debug(
		"task enqueued",
		slog.String("task_id", m.TaskID),
		slog.String("subject", q.subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)

	return nil
}

func Encode(m domain.QueueMessage) ([]byte, error) {
	if strings.TrimSpace(m.TaskID) == "" {
		return nil, fmt.Errorf("%w: empty taskId", domain.ErrInvalidMessage)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (domain.QueueMessage, error) {
	var m domain.QueueMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.QueueMessage{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if strings.TrimSpace(m.TaskID) == "" {
		return domain.QueueMessage{}, fmt.Errorf("%w: empty taskId", domain.ErrInvalidMessage)
	}
	return m, nil
}
