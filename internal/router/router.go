// Package router turns change events into their client-visible effects:
// notification feed entries, cache invalidation batches and transient alerts.
package router

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hazardwatch/internal/alerts"
	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
)

const tracerName = "github.com/linnemanlabs/hazardwatch/internal/router"

// NotificationSink receives notifications produced by routing.
type NotificationSink interface {
	Add(n notification.Notification) (notification.Notification, error)
}

// Invalidator marks cached query results stale.
type Invalidator interface {
	Invalidate(ctx context.Context, keys []string) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, keys []string) error

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(ctx context.Context, keys []string) error { return f(ctx, keys) }

// Invalidators fans a batch out to several invalidators and joins their errors.
type Invalidators []Invalidator

// Invalidate forwards keys to every invalidator.
func (is Invalidators) Invalidate(ctx context.Context, keys []string) error {
	var errs []error
	for _, inv := range is {
		if inv == nil {
			continue
		}
		if err := inv.Invalidate(ctx, keys); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Effect is what one interest produces for one event. Either field may be nil.
type Effect struct {
	Notification *notification.Notification
	Alert        *alerts.Alert
}

// Interest binds a (topic, operation) pair to its invalidation keys and an
// optional notification/alert builder.
type Interest struct {
	Name      string
	Topic     string
	Operation changefeed.Operation
	// Invalidate lists cache keys marked stale for every matching event.
	Invalidate []string
	// Match filters which events produce an Effect. nil matches all.
	Match func(ev *changefeed.ChangeEvent) bool
	// Build produces the effect for a matching event. nil produces nothing.
	Build func(ev *changefeed.ChangeEvent) Effect
}

type key struct {
	topic string
	op    changefeed.Operation
}

// Router dispatches change events to the registered interests.
type Router struct {
	interests   map[key][]Interest
	store       NotificationSink
	invalidator Invalidator
	emitter     alerts.Emitter
	logger      log.Logger
	metrics     *Metrics
}

// Config holds the router's downstream effects. Any of them may be nil.
type Config struct {
	Store       NotificationSink
	Invalidator Invalidator
	Emitter     alerts.Emitter
	Logger      log.Logger
	Metrics     *Metrics
}

// New builds a router for the given interests.
func New(cfg Config, interests ...Interest) *Router {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	r := &Router{
		interests:   make(map[key][]Interest),
		store:       cfg.Store,
		invalidator: cfg.Invalidator,
		emitter:     cfg.Emitter,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	for _, in := range interests {
		k := key{in.Topic, in.Operation}
		r.interests[k] = append(r.interests[k], in)
	}
	return r
}

// Topics returns the distinct topics with at least one interest.
func (r *Router) Topics() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range r.interests {
		if !seen[k.topic] {
			seen[k.topic] = true
			out = append(out, k.topic)
		}
	}
	slices.Sort(out)
	return out
}

// Operations returns the operations registered for topic.
func (r *Router) Operations(topic string) []changefeed.Operation {
	var out []changefeed.Operation
	for _, op := range []changefeed.Operation{changefeed.OpInsert, changefeed.OpUpdate, changefeed.OpDelete} {
		if len(r.interests[key{topic, op}]) > 0 {
			out = append(out, op)
		}
	}
	return out
}

// Result describes what one Route call did.
type Result struct {
	Interests     int
	Notifications []notification.Notification
	Invalidated   []string
	Alerts        int
	Stale         bool
	Errors        []error
}

// Route applies every interest registered for the event's topic and
// operation. The notification store is written first, then the invalidation
// batch is sent, then alerts are emitted. A failing step is logged and never
// prevents the later ones. Invalidation fires for every matching interest
// whether or not its predicate passed.
//
// Route does nothing once ctx is done, so a consumer that has been torn down
// cannot mutate the store through a late delivery. ctx is checked again
// before each notification write.
func (r *Router) Route(ctx context.Context, ev *changefeed.ChangeEvent) Result {
	var res Result
	if ev == nil {
		return res
	}
	if ctx.Err() != nil {
		res.Stale = true
		r.metrics.routed(ev, "stale")
		return res
	}

	interests := r.interests[key{ev.Topic, ev.Operation}]
	res.Interests = len(interests)
	if len(interests) == 0 {
		r.metrics.routed(ev, "unmatched")
		return res
	}

	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("hazardwatch.topic", ev.Topic),
		attribute.String("hazardwatch.operation", string(ev.Operation)),
		attribute.Int("hazardwatch.interests", len(interests)),
	))
	defer span.End()

	var (
		keys    []string
		effects []Effect
	)
	for _, in := range interests {
		keys = appendUnique(keys, in.Invalidate...)
		eff, err := r.build(in, ev)
		if err != nil {
			res.Errors = append(res.Errors, err)
			r.fail(ctx, span, "build", err, "interest", in.Name)
			continue
		}
		effects = append(effects, eff)
	}

	for _, eff := range effects {
		if eff.Notification == nil || r.store == nil {
			continue
		}
		// the consumer may have been torn down while interests were built
		if ctx.Err() != nil {
			res.Stale = true
			break
		}
		n := withTopic(*eff.Notification, ev.Topic)
		err := guard(func() error {
			n, err := r.store.Add(n)
			if err == nil {
				res.Notifications = append(res.Notifications, n)
			}
			return err
		})
		if err != nil {
			res.Errors = append(res.Errors, err)
			r.fail(ctx, span, "notification", err)
		}
	}

	if res.Stale {
		span.SetAttributes(attribute.Bool("hazardwatch.stale", true))
		r.metrics.routed(ev, "stale")
		return res
	}

	if len(keys) > 0 && r.invalidator != nil {
		err := guard(func() error { return r.invalidator.Invalidate(ctx, keys) })
		if err != nil {
			res.Errors = append(res.Errors, err)
			r.fail(ctx, span, "invalidation", err, "keys", keys)
		} else {
			res.Invalidated = keys
		}
	}

	for _, eff := range effects {
		if eff.Alert == nil || r.emitter == nil {
			continue
		}
		a := *eff.Alert
		if a.Topic == "" {
			a.Topic = ev.Topic
		}
		err := guard(func() error {
			r.emitter.Emit(ctx, a)
			return nil
		})
		if err != nil {
			res.Errors = append(res.Errors, err)
			r.fail(ctx, span, "alert", err)
			continue
		}
		res.Alerts++
	}

	span.SetAttributes(
		attribute.Int("hazardwatch.notifications", len(res.Notifications)),
		attribute.Int("hazardwatch.alerts", res.Alerts),
		attribute.StringSlice("hazardwatch.invalidated", res.Invalidated),
	)
	outcome := "routed"
	if len(res.Errors) > 0 {
		outcome = "partial"
	}
	r.metrics.routed(ev, outcome)
	r.metrics.observe(ev.Topic, time.Since(start))
	return res
}

func (r *Router) build(in Interest, ev *changefeed.ChangeEvent) (eff Effect, err error) {
	err = guard(func() error {
		if in.Match != nil && !in.Match(ev) {
			return nil
		}
		if in.Build != nil {
			eff = in.Build(ev)
		}
		return nil
	})
	return eff, err
}

func (r *Router) fail(ctx context.Context, span trace.Span, effect string, err error, kv ...any) {
	span.RecordError(err)
	span.SetStatus(codes.Error, effect+" failed")
	r.metrics.failed(effect)
	r.logger.Error(ctx, err, "route effect failed", append([]any{"effect", effect}, kv...)...)
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// withTopic records topic on n unless a builder already set one.
func withTopic(n notification.Notification, topic string) notification.Notification {
	if n.Topic() != "" || topic == "" {
		return n
	}
	n.Metadata = maps.Clone(n.Metadata)
	if n.Metadata == nil {
		n.Metadata = make(map[string]string, 1)
	}
	n.Metadata[notification.MetaTopic] = topic
	return n
}

func appendUnique(dst []string, keys ...string) []string {
	for _, k := range keys {
		if !slices.Contains(dst, k) {
			dst = append(dst, k)
		}
	}
	return dst
}
