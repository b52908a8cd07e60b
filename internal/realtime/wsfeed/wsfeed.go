// Package wsfeed is a realtime.Transport that joins topics on a websocket
// change-feed endpoint. The wire protocol is a small JSON framing:
//
//	-> {"type":"join","topic":"hazards:new","ref":"01J..."}
//	<- {"type":"reply","ref":"01J...","status":"ok"}
//	<- {"type":"event","payload":{...change event...}}
//	<- {"type":"error","reason":"..."}
//	-> {"type":"heartbeat"}
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/hazardwatch/internal/realtime"
)

const (
	defaultJoinTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	writeWait                = 5 * time.Second
)

// Frame types.
const (
	FrameJoin      = "join"
	FrameReply     = "reply"
	FrameEvent     = "event"
	FrameError     = "error"
	FrameHeartbeat = "heartbeat"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Status  string          `json:"status,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinError is returned when the server refuses a join.
type JoinError struct {
	Topic  string
	Reason string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s refused: %s", e.Topic, e.Reason)
}

// Config configures the websocket transport.
type Config struct {
	URL               string
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Transport dials one websocket per topic.
type Transport struct {
	cfg    Config
	dialer websocket.Dialer
	logger log.Logger
}

// New returns a websocket transport.
func New(cfg Config, logger log.Logger) *Transport {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Transport{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout:  cfg.JoinTimeout,
			EnableCompression: true,
		},
		logger: logger,
	}
}

// Open dials the endpoint with the credential as a bearer token, sends the
// join frame and waits for the matching reply.
func (t *Transport) Open(ctx context.Context, topic, credential string, cb realtime.Callbacks) (realtime.Channel, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", topic, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", topic, err)
	}

	if err := t.join(ctx, conn, topic); err != nil {
		_ = conn.Close()
		return nil, err
	}

	ch := &channel{
		conn:   conn,
		topic:  topic,
		cb:     cb,
		logger: t.logger,
		stop:   make(chan struct{}),
	}
	go ch.readLoop()
	go ch.heartbeat(t.cfg.HeartbeatInterval)

	t.logger.Info(ctx, "websocket channel joined", "topic", topic)
	return ch, nil
}

func (t *Transport) join(ctx context.Context, conn *websocket.Conn, topic string) error {
	// Unblock the handshake read if the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	ref := ulid.Make().String()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := writeFrame(conn, Frame{Type: FrameJoin, Topic: topic, Ref: ref}); err != nil {
		return fmt.Errorf("send join %s: %w", topic, err)
	}

	deadline := time.Now().Add(t.cfg.JoinTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	for {
		f, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: join %s", realtime.ErrTimeout, topic)
			}
			return fmt.Errorf("await join reply %s: %w", topic, err)
		}
		if f.Type != FrameReply || f.Ref != ref {
			continue
		}
		if f.Status != "ok" {
			return &JoinError{Topic: topic, Reason: f.Reason}
		}
		break
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

type channel struct {
	conn   *websocket.Conn
	topic  string
	cb     realtime.Callbacks
	logger log.Logger

	writeMu sync.Mutex
	closing atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.stop)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *channel) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if c.closing.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.status(realtime.StatusClosed, realtime.ErrConnectionLost)
			} else {
				c.status(realtime.StatusError, fmt.Errorf("read %s: %w", c.topic, err))
			}
			_ = c.conn.Close()
			return
		}

		switch f.Type {
		case FrameEvent:
			if c.cb.Deliver != nil && len(f.Payload) > 0 {
				c.cb.Deliver(f.Payload)
			}
		case FrameError:
			c.status(realtime.StatusError, errors.New(f.Reason))
		}
	}
}

func (c *channel) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = writeFrame(c.conn, Frame{Type: FrameHeartbeat})
			}
			c.writeMu.Unlock()
			if err != nil {
				if !c.closing.Load() {
					c.logger.Warn(context.Background(), "websocket heartbeat failed", "topic", c.topic, "error", err)
				}
				return
			}
		}
	}
}

func (c *channel) status(st realtime.Status, err error) {
	if c.cb.Status != nil {
		c.cb.Status(st, err)
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func readFrame(conn *websocket.Conn) (Frame, error) {
	var f Frame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		// malformed frames are skipped by callers
		return Frame{}, nil
	}
	return f, nil
}
