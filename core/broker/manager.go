package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	natsq "github.com/you-humble/taskdispatch/core/libs/nats"

	"github.com/nats-io/nats.go"
)

var ErrBrokerUnavailable = errors.New("broker unavailable")

type Config struct {
	URL         string
	Name        string
	DialTimeout time.Duration

	Stream       string
	Subjects     []string
	StreamMaxAge time.Duration

	// Consumer is declared together with the stream when set.
	Consumer *nats.ConsumerConfig

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PublishTimeout       time.Duration
}

// Manager owns the one connection and JetStream context of the process.
// Publishers and consumers borrow the current context through JetStream
// and never hold on to the underlying connection.
type Manager struct {
	cfg Config
	rnd func() float64

	mu       sync.RWMutex
	state    State
	conn     *nats.Conn
	js       nats.JetStreamContext
	ready    chan struct{}
	handlers []func(State)

	reset chan error
}

func New(cfg Config) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = max(time.Minute, cfg.ReconnectInterval)
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	return &Manager{
		cfg:   cfg,
		rnd:   rand.Float64,
		state: StateDisconnected,
		ready: make(chan struct{}),
		reset: make(chan error, 1),
	}
}

// OnStateChange registers fn to be called after every state transition.
// fn runs on the manager goroutine and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready returns a channel that is closed while the manager is connected.
// A fresh channel is handed out after every disconnect.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Manager) JetStream() (nats.JetStreamContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateConnected || m.js == nil {
		return nil, ErrBrokerUnavailable
	}
	return m.js, nil
}

// Publish fails fast with ErrBrokerUnavailable while disconnected.
func (m *Manager) Publish(ctx context.Context, msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	ack, err := js.PublishMsg(msg, append(opts, nats.Context(pctx))...)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrConnectionClosed),
			errors.Is(err, nats.ErrConnectionDraining),
			errors.Is(err, nats.ErrConnectionReconnecting):
			return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("publish: %w", ctx.Err())
			}
			return nil, fmt.Errorf("%w: publish timed out: %w", ErrBrokerUnavailable, err)
		case errors.Is(err, nats.ErrNoStreamResponse),
			errors.Is(err, nats.ErrNoResponders),
			errors.Is(err, nats.ErrStreamNotFound):
			m.Reset(err)
			return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		}
		return nil, fmt.Errorf("publish: %w", err)
	}

	return ack, nil
}

// Reset asks the manager to recreate the JetStream context and declarations.
// The live connection is kept if it is still healthy.
func (m *Manager) Reset(reason error) {
	select {
	case m.reset <- reason:
	default:
	}
}

// Run connects, waits for the connection to be lost and reconnects with
// jittered exponential backoff until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer m.disconnect()

	attempt := 0
	for {
		lost, err := m.connect()
		if err == nil {
			attempt = 0
			err = m.serve(ctx, lost)
			if ctx.Err() != nil {
				return nil
			}
		}
		m.disconnect()

		attempt++
		delay := ExpJitter(attempt, m.cfg.ReconnectInterval, m.cfg.MaxReconnectInterval, m.rnd)
		slog.Warn("broker unavailable, reconnect scheduled",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.String("retry_in", delay.String()),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (m *Manager) connect() (<-chan error, error) {
	m.setState(StateConnecting)

	lost := make(chan error, 1)
	notify := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	nc, err := natsq.NewConnect(m.cfg.URL,
		natsq.Config{
			Name:        m.cfg.Name,
			DialTimeout: m.cfg.DialTimeout,
		},
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			notify(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			notify(nats.ErrConnectionClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Warn("nats async error", slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return nil, err
	}

	js, err := m.openChannel(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	m.mu.Lock()
	m.conn = nc
	m.js = js
	m.mu.Unlock()

	slog.Info("connected to broker",
		slog.String("url", nc.ConnectedUrlRedacted()),
		slog.String("stream", m.cfg.Stream),
	)
	m.setState(StateConnected)

	return lost, nil
}

func (m *Manager) serve(ctx context.Context, lost <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-lost:
			return fmt.Errorf("connection lost: %w", err)

		case reason := <-m.reset:
			slog.Warn("broker channel reset requested", slog.String("reason", errString(reason)))

			m.mu.RLock()
			nc := m.conn
			m.mu.RUnlock()

			if nc == nil || !nc.IsConnected() {
				return fmt.Errorf("channel reset on unhealthy connection: %w", reason)
			}

			m.setState(StateConnecting)
			js, err := m.openChannel(nc)
			if err != nil {
				return fmt.Errorf("reopen channel: %w", err)
			}

			m.mu.Lock()
			m.js = js
			m.mu.Unlock()
			m.setState(StateConnected)
		}
	}
}

func (m *Manager) openChannel(nc *nats.Conn) (nats.JetStreamContext, error) {
	js, err := natsq.NewJetStream(nc, &nats.StreamConfig{
		Name:      m.cfg.Stream,
		Subjects:  m.cfg.Subjects,
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		Replicas:  1,
		MaxAge:    m.cfg.StreamMaxAge,
	}, nats.MaxWait(m.cfg.PublishTimeout))
	if err != nil {
		return nil, err
	}

	if m.cfg.Consumer != nil {
		if err := natsq.EnsureConsumer(js, m.cfg.Stream, m.cfg.Consumer); err != nil {
			return nil, err
		}
	}

	return js, nil
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	nc := m.conn
	m.conn = nil
	m.js = nil
	m.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	m.setState(StateDisconnected)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}

	m.state = s
	switch {
	case s == StateConnected:
		close(m.ready)
	case prev == StateConnected:
		m.ready = make(chan struct{})
	}
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()

	slog.Info("broker state changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)

	for _, h := range handlers {
		h(s)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
