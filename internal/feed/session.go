// Package feed connects the subscription manager to the event router for
// one application session. It decides which topics the session's role may
// open, routes every delivered event, and turns channel degradation into a
// single user-facing alert.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hazardwatch/internal/alerts"
	"github.com/linnemanlabs/hazardwatch/internal/authz"
	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
	"github.com/linnemanlabs/hazardwatch/internal/realtime"
	"github.com/linnemanlabs/hazardwatch/internal/router"
)

// ErrStopped is returned by Start and Resubscribe after Stop.
var ErrStopped = errors.New("feed session stopped")

// Config wires a Session.
type Config struct {
	Manager     *realtime.Manager
	Router      *router.Router
	Checker     authz.Checker
	Role        authz.Role
	Credentials realtime.CredentialProvider
	// Notice receives every status transition. Optional.
	Notice *alerts.DegradedNotice
	// OnStatus is an additional status observer. Optional.
	OnStatus realtime.StatusFunc
	Logger   log.Logger
}

// Session owns the subscriptions opened on behalf of one role.
type Session struct {
	cfg    Config
	logger log.Logger

	mu      sync.Mutex
	topics  map[string]struct{}
	stopped bool
}

// NewSession returns a Session. Manager, Router, Checker and Credentials
// are required.
func NewSession(cfg Config) *Session {
	switch {
	case cfg.Manager == nil:
		panic(xerrors.New("feed.NewSession: manager is required"))
	case cfg.Router == nil:
		panic(xerrors.New("feed.NewSession: router is required"))
	case cfg.Checker == nil:
		panic(xerrors.New("feed.NewSession: checker is required"))
	case cfg.Credentials == nil:
		panic(xerrors.New("feed.NewSession: credential provider is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("component", "feed", "role", cfg.Role),
		topics: make(map[string]struct{}),
	}
}

// Allowed returns the routed topics the session's role may subscribe to.
func (s *Session) Allowed() []string {
	return authz.Topics(s.cfg.Checker, s.cfg.Role, s.cfg.Router.Topics())
}

// Start subscribes every allowed topic. Join failures do not stop the
// remaining topics; they are joined into the returned error and have
// already been reported through the status observers.
func (s *Session) Start(ctx context.Context) error {
	allowed := s.Allowed()
	denied := len(s.cfg.Router.Topics()) - len(allowed)
	s.logger.Info(ctx, "starting feed session", "topics", len(allowed), "denied", denied)

	var errs []error
	for _, topic := range allowed {
		if err := s.subscribe(ctx, topic); err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resubscribe retries every tracked topic that is not live. The manager
// itself never retries; this is the session's retry policy.
func (s *Session) Resubscribe(ctx context.Context) error {
	var errs []error
	for _, topic := range s.Topics() {
		if s.cfg.Manager.Status(topic).Live() {
			continue
		}
		if err := s.subscribe(ctx, topic); err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run calls Resubscribe every interval until ctx is done or the session
// stops.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Resubscribe(ctx); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
				s.logger.Warn(ctx, "resubscribe failed", "error", err)
			}
		}
	}
}

// Topics returns the topics the session has requested, sorted.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stop tears down every topic the session requested, exactly once each.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = map[string]struct{}{}
	s.mu.Unlock()

	sort.Strings(topics)
	for _, t := range topics {
		s.cfg.Manager.Teardown(t)
	}
	s.logger.Info(context.Background(), "feed session stopped", "topics", len(topics))
}

func (s *Session) subscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	err := s.cfg.Manager.EnsureSubscribed(ctx, realtime.Request{
		Topic:       topic,
		Credentials: s.cfg.Credentials,
		Handlers:    s.handlers(topic),
		OnStatus:    s.observe,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (s *Session) handlers(topic string) realtime.Handlers {
	hs := realtime.Handlers{}
	for _, op := range s.cfg.Router.Operations(topic) {
		hs[op] = s.route
	}
	return hs
}

func (s *Session) route(ctx context.Context, ev *changefeed.ChangeEvent) {
	res := s.cfg.Router.Route(ctx, ev)
	if len(res.Errors) > 0 {
		s.logger.Warn(ctx, "change event routed with failures",
			"topic", ev.Topic, "operation", ev.Operation, "failures", len(res.Errors))
	}
}

func (s *Session) observe(topic string, st realtime.Status, err error) {
	if s.cfg.Notice != nil {
		s.cfg.Notice.Observe(topic, st, err)
	}
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(topic, st, err)
	}
}
