package natsq

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	Name        string
	DialTimeout time.Duration
}

// NewConnect dials a single connection with the client library's own
// reconnect disabled; callers that want resilience own the retry loop.
func NewConnect(url string, cfg Config, opts ...nats.Option) (*nats.Conn, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	base := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.DialTimeout),
		nats.NoReconnect(),
	}

	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}

func NewJetStream(nc *nats.Conn, cfg *nats.StreamConfig, opts ...nats.JSOpt) (nats.JetStreamContext, error) {
	js, err := nc.JetStream(opts...)
	if err != nil {
		return nil, fmt.Errorf("JetStream: %w", err)
	}

	if err := EnsureStream(js, cfg); err != nil {
		return nil, err
	}

	return js, nil
}

// EnsureStream declares the stream, or updates it when the subjects, age
// limit or replica count on the server differ from cfg.
func EnsureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	info, err := js.StreamInfo(cfg.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(cfg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("JetStream AddStream: %w", err)
		}
		// declared concurrently by another process
		info, err = js.StreamInfo(cfg.Name)
	}
	if err != nil {
		return fmt.Errorf("JetStream StreamInfo: %w", err)
	}

	if !streamDrifted(info.Config, *cfg) {
		return nil
	}
	if _, err := js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("JetStream UpdateStream: %w", err)
	}
	return nil
}

// EnsureConsumer declares the durable consumer, or updates it when its
// delivery limits on the server differ from cfg.
func EnsureConsumer(js nats.JetStreamContext, stream string, cfg *nats.ConsumerConfig) error {
	info, err := js.ConsumerInfo(stream, cfg.Durable)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = js.AddConsumer(stream, cfg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return fmt.Errorf("JetStream AddConsumer: %w", err)
		}
		info, err = js.ConsumerInfo(stream, cfg.Durable)
	}
	if err != nil {
		return fmt.Errorf("JetStream ConsumerInfo: %w", err)
	}

	if !consumerDrifted(info.Config, *cfg) {
		return nil
	}
	if _, err := js.UpdateConsumer(stream, cfg); err != nil {
		return fmt.Errorf("JetStream UpdateConsumer: %w", err)
	}
	return nil
}

func streamDrifted(have, want nats.StreamConfig) bool {
	if have.MaxAge != want.MaxAge {
		return true
	}
	if want.Replicas > 0 && have.Replicas != want.Replicas {
		return true
	}

	a := slices.Clone(have.Subjects)
	b := slices.Clone(want.Subjects)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func consumerDrifted(have, want nats.ConsumerConfig) bool {
	switch {
	case want.MaxAckPending > 0 && have.MaxAckPending != want.MaxAckPending:
		return true
	case want.AckWait > 0 && have.AckWait != want.AckWait:
		return true
	case want.MaxDeliver != 0 && have.MaxDeliver != want.MaxDeliver:
		return true
	case have.FilterSubject != want.FilterSubject:
		return true
	}
	return false
}
