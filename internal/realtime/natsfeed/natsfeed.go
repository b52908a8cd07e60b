// Package natsfeed is a realtime.Transport backed by NATS core subjects.
// Each topic gets its own connection so a credential refresh or teardown on
// one topic never disturbs another.
package natsfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/hazardwatch/internal/realtime"
)

// SubjectPrefix is prepended to every topic subject.
const SubjectPrefix = "changes."

const defaultJoinTimeout = 10 * time.Second

// Subject maps a topic such as "hazards:new" to "changes.hazards.new".
func Subject(topic string) string {
	return SubjectPrefix + strings.ReplaceAll(topic, ":", ".")
}

// Config configures the NATS transport.
type Config struct {
	URL         string
	ClientName  string
	JoinTimeout time.Duration
}

// Transport opens one NATS connection per topic, authenticated with the
// bearer credential handed to Open.
type Transport struct {
	cfg    Config
	logger log.Logger
}

// New returns a NATS transport.
func New(cfg Config, logger log.Logger) *Transport {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "hazardwatch"
	}
	return &Transport{cfg: cfg, logger: logger}
}

type channel struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func (c *channel) Close() error {
	err := c.sub.Unsubscribe()
	c.nc.Close()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

// Open connects, subscribes to the topic subject and waits for the server to
// acknowledge the subscription. Status callbacks fire only after the join.
func (t *Transport) Open(ctx context.Context, topic, credential string, cb realtime.Callbacks) (realtime.Channel, error) {
	var joined atomic.Bool
	status := func(st realtime.Status, err error) {
		if joined.Load() && cb.Status != nil {
			cb.Status(st, err)
		}
	}

	timeout := t.cfg.JoinTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(t.cfg.ClientName+":"+topic),
		nats.Token(credential),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = realtime.ErrConnectionLost
			}
			status(realtime.StatusError, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			status(realtime.StatusSubscribed, nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			status(realtime.StatusClosed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			status(realtime.StatusError, err)
		}),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("connect %s: %w", topic, err))
	}

	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}

	sub, err := nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		if cb.Deliver != nil {
			cb.Deliver(m.Data)
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	// The flush round trip is the join handshake: once the server answers the
	// PING the subscription is registered.
	if err := nc.FlushTimeout(timeout); err != nil {
		nc.Close()
		return nil, classify(fmt.Errorf("join %s: %w", topic, err))
	}
	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}

	joined.Store(true)
	t.logger.Info(ctx, "nats channel joined", "topic", topic, "subject", Subject(topic), "server", nc.ConnectedUrlRedacted())
	return &channel{nc: nc, sub: sub}, nil
}

func classify(err error) error {
	if errors.Is(err, nats.ErrTimeout) {
		return fmt.Errorf("%w: %w", realtime.ErrTimeout, err)
	}
	return err
}
