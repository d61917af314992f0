package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// Letter describes a message the worker gave up on.
type Letter struct {
	TaskID     string    `json:"taskId,omitempty"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	Deliveries uint64    `json:"deliveries"`
	Subject    string    `json:"subject"`
	Payload    string    `json:"payload"`
	FailedAt   time.Time `json:"failedAt"`
}

type Sink interface {
	Send(ctx context.Context, l Letter) error
}

type Publisher interface {
	Publish(ctx context.Context, msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type jetStreamSink struct {
	pub     Publisher
	subject string
}

// NewJetStreamSink publishes letters to a subject of the task stream.
func NewJetStreamSink(pub Publisher, subject string) *jetStreamSink {
	return &jetStreamSink{pub: pub, subject: subject}
}

func (s *jetStreamSink) Send(ctx context.Context, l Letter) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode letter: %w", err)
	}

	msg := &nats.Msg{
		Subject: s.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Content-Type", "application/json")
	if l.TaskID != "" {
		msg.Header.Set("Task-Id", l.TaskID)
	}

	if _, err := s.pub.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

type multiSink struct {
	sinks []Sink
}

// Fanout delivers each letter to every sink concurrently. Send succeeds
// when at least one sink accepted the letter.
func Fanout(sinks ...Sink) *multiSink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Send(ctx context.Context, l Letter) error {
	if len(m.sinks) == 0 {
		return errors.New("no dead-letter sinks configured")
	}

	errs := make([]error, len(m.sinks))
	var g errgroup.Group
	for i, s := range m.sinks {
		g.Go(func() error {
			errs[i] = s.Send(ctx, l)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		slog.Warn("dead-letter sink",
			slog.String("task_id", l.TaskID),
			slog.String("error", err.Error()),
		)
	}

	if failed == len(m.sinks) {
		return fmt.Errorf("all dead-letter sinks failed: %w", errors.Join(errs...))
	}
	return nil
}
