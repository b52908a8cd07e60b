// Package realtime manages the per-topic channel subscriptions that feed
// change events into the process. The Manager keeps at most one live
// subscription per topic, refreshes bearer credentials before every join and
// reports status transitions to the caller without retrying on its own.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
)

// CredentialProvider returns the current bearer token. It is called before
// every join and its result is never reused across a teardown.
type CredentialProvider func(ctx context.Context) (string, error)

// Handler consumes a normalized change event. ctx is cancelled when the
// subscription is torn down.
type Handler func(ctx context.Context, ev *changefeed.ChangeEvent)

// Handlers maps each operation of interest to its callback.
type Handlers map[changefeed.Operation]Handler

// StatusFunc observes status transitions of a topic.
type StatusFunc func(topic string, status Status, err error)

// Callbacks are handed to a Transport when a channel is opened.
type Callbacks struct {
	// Deliver receives raw event payloads in transport order.
	Deliver func(payload []byte)
	// Status reports transitions after the initial join: Error, Subscribed
	// (after a transport-level reconnect) and Closed.
	Status func(status Status, err error)
}

// Transport opens channels on the change feed. Open blocks until the join
// handshake completes, fails, or ctx is done.
type Transport interface {
	Open(ctx context.Context, topic, credential string, cb Callbacks) (Channel, error)
}

// Channel is an open transport subscription.
type Channel interface {
	Close() error
}

// Request describes a subscription a consumer wants.
type Request struct {
	Topic       string
	Credentials CredentialProvider
	Handlers    Handlers
	OnStatus    StatusFunc
}

type subscription struct {
	topic      string
	status     Status
	credential string
	handlers   Handlers
	onStatus   StatusFunc
	channel    Channel
	ctx        context.Context
	cancel     context.CancelFunc
}

// Manager owns the set of channel subscriptions for the application session.
type Manager struct {
	transport Transport
	logger    log.Logger
	metrics   *Metrics
	now       func() time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches subscription metrics.
func WithMetrics(m *Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the receive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager creates a Manager on top of transport.
func NewManager(transport Transport, logger log.Logger, opts ...Option) *Manager {
	if transport == nil {
		panic(xerrors.New("realtime transport is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	m := &Manager{
		transport: transport,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[string]*subscription),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureSubscribed opens a subscription for req.Topic unless one is already
// connecting or subscribed, in which case it returns nil without side effects.
// A failed join is returned as *SubscriptionError and leaves the topic free
// for a later attempt.
func (m *Manager) EnsureSubscribed(ctx context.Context, req Request) error {
	if req.Topic == "" {
		return errors.New("realtime: topic is required")
	}
	if req.Credentials == nil {
		return errors.New("realtime: credential provider is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var previous Channel
	if cur, ok := m.subs[req.Topic]; ok {
		if cur.status.Live() {
			m.mu.Unlock()
			return nil
		}
		previous = cur.channel
		cur.channel = nil
		cur.handlers = nil
		cur.cancel()
	}

	handlers := make(Handlers, len(req.Handlers))
	for op, h := range req.Handlers {
		handlers[op] = h
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		topic:    req.Topic,
		status:   StatusConnecting,
		handlers: handlers,
		onStatus: req.OnStatus,
		ctx:      sctx,
		cancel:   cancel,
	}
	m.subs[req.Topic] = sub
	m.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			m.logger.Warn(ctx, "failed to release previous channel", "topic", req.Topic, "error", err)
		}
	}

	// The join is abandoned as soon as either the caller gives up or the
	// subscription is torn down.
	attemptCtx, attemptCancel := context.WithCancel(ctx)
	defer attemptCancel()
	stop := context.AfterFunc(sctx, attemptCancel)
	defer stop()

	credential, err := req.Credentials(attemptCtx)
	if err == nil && credential == "" {
		err = errors.New("empty credential")
	}
	if err != nil {
		return m.fail(ctx, sub, StatusError, fmt.Errorf("credential refresh: %w", err))
	}

	m.mu.Lock()
	if !m.current(sub) {
		m.mu.Unlock()
		return ErrClosed
	}
	sub.credential = credential
	m.mu.Unlock()

	ch, err := m.transport.Open(attemptCtx, req.Topic, credential, Callbacks{
		Deliver: func(payload []byte) { m.deliver(sub, payload) },
		Status:  func(st Status, err error) { m.transition(sub, st, err) },
	})
	if err != nil {
		st := StatusError
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			st = StatusTimedOut
		}
		return m.fail(ctx, sub, st, err)
	}

	m.mu.Lock()
	if !m.current(sub) {
		m.mu.Unlock()
		if cerr := ch.Close(); cerr != nil {
			m.logger.Warn(ctx, "failed to release channel after teardown", "topic", req.Topic, "error", cerr)
		}
		return ErrClosed
	}
	sub.channel = ch
	joined := sub.status == StatusConnecting
	if joined {
		sub.status = StatusSubscribed
	}
	m.mu.Unlock()

	if joined {
		m.logger.Info(ctx, "channel subscribed", "topic", req.Topic)
		m.report(sub, StatusSubscribed, nil)
	}
	return nil
}

// Teardown closes the subscription for topic, detaches its handlers and
// releases the transport channel. It reports whether a subscription existed.
func (m *Manager) Teardown(topic string) bool {
	m.mu.Lock()
	sub, ok := m.subs[topic]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.subs, topic)
	sub.status = StatusClosed
	sub.handlers = nil
	ch := sub.channel
	sub.channel = nil
	sub.cancel()
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Warn(context.Background(), "failed to release channel", "topic", topic, "error", err)
		}
	}
	m.logger.Info(context.Background(), "channel closed", "topic", topic)
	m.report(sub, StatusClosed, nil)
	return true
}

// Close tears down every subscription and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	for _, t := range topics {
		m.Teardown(t)
	}
}

// Status returns the current status of topic, StatusIdle when unknown.
func (m *Manager) Status(topic string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[topic]; ok {
		return sub.status
	}
	return StatusIdle
}

// Statuses returns a snapshot of every tracked topic.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.subs))
	for t, sub := range m.subs {
		out[t] = sub.status
	}
	return out
}

// current must be called with m.mu held.
func (m *Manager) current(sub *subscription) bool {
	return m.subs[sub.topic] == sub && sub.status != StatusClosed
}

func (m *Manager) fail(ctx context.Context, sub *subscription, st Status, err error) error {
	m.mu.Lock()
	if !m.current(sub) {
		m.mu.Unlock()
		return ErrClosed
	}
	sub.status = st
	sub.handlers = nil
	sub.cancel()
	m.mu.Unlock()

	m.logger.Warn(ctx, "channel join failed", "topic", sub.topic, "status", st, "error", err)
	m.report(sub, st, err)
	return &SubscriptionError{Topic: sub.topic, Status: st, Err: err}
}

func (m *Manager) transition(sub *subscription, st Status, err error) {
	m.mu.Lock()
	if !m.current(sub) {
		m.mu.Unlock()
		return
	}
	sub.status = st
	var ch Channel
	if st == StatusClosed {
		delete(m.subs, sub.topic)
		sub.handlers = nil
		ch = sub.channel
		sub.channel = nil
		sub.cancel()
		if err == nil {
			err = ErrConnectionLost
		}
	}
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if st.Degraded() || st == StatusClosed {
		m.logger.Warn(context.Background(), "channel status changed", "topic", sub.topic, "status", st, "error", err)
	} else {
		m.logger.Info(context.Background(), "channel status changed", "topic", sub.topic, "status", st)
	}
	m.report(sub, st, err)
}

func (m *Manager) deliver(sub *subscription, payload []byte) {
	m.mu.Lock()
	active := m.current(sub)
	handlers := sub.handlers
	m.mu.Unlock()

	if !active {
		m.metrics.event(sub.topic, "stale")
		return
	}

	ev, err := changefeed.Decode(payload, sub.topic, m.now())
	if err != nil {
		m.metrics.event(sub.topic, "invalid")
		m.logger.Warn(sub.ctx, "dropping invalid change event", "topic", sub.topic, "error", err)
		return
	}

	h, ok := handlers[ev.Operation]
	if !ok || h == nil {
		m.metrics.event(sub.topic, "unhandled")
		return
	}
	// unsubscribed while decoding
	if sub.ctx.Err() != nil {
		m.metrics.event(sub.topic, "stale")
		return
	}
	m.metrics.event(sub.topic, "delivered")
	h(sub.ctx, ev)
}

func (m *Manager) report(sub *subscription, st Status, err error) {
	m.metrics.transition(sub.topic, st)
	m.metrics.setActive(m.liveCount())
	if sub.onStatus != nil {
		sub.onStatus(sub.topic, st, err)
	}
}

func (m *Manager) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.subs {
		if sub.status.Live() {
			n++
		}
	}
	return n
}
