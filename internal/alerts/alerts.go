// Package alerts carries transient user-facing alerts out of the process.
// Emission is fire-and-forget: emitters never report failure to the caller.
package alerts

import (
	"context"
	"sync"

	"github.com/linnemanlabs/hazardwatch/internal/notification"
	"github.com/linnemanlabs/hazardwatch/internal/realtime"
)

// Alert is a transient toast.
type Alert struct {
	Severity    notification.Severity `json:"severity"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	ActionLink  string                `json:"actionLink,omitempty"`
	// Topic is the change-feed topic the alert came from. Push clients
	// only receive alerts for topics their role may subscribe to.
	Topic string `json:"topic,omitempty"`
}

// Emitter surfaces alerts. Implementations must not block the caller on I/O.
type Emitter interface {
	Emit(ctx context.Context, a Alert)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, a Alert)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, a Alert) { f(ctx, a) }

// Fanout emits to every wrapped emitter in order.
type Fanout []Emitter

// Emit forwards a to each emitter.
func (f Fanout) Emit(ctx context.Context, a Alert) {
	for _, e := range f {
		if e != nil {
			e.Emit(ctx, a)
		}
	}
}

// Degraded alert wording. One alert is shown per outage, not per attempt.
const (
	DegradedTitle       = "Real-time updates unavailable"
	DegradedDescription = "Live updates are paused. Data on screen may be out of date until the connection recovers."
)

// DegradedNotice turns subscription status transitions into at most one
// degraded-service alert per outage. It is safe for concurrent use.
type DegradedNotice struct {
	emitter Emitter

	mu       sync.Mutex
	degraded map[string]bool
	raised   bool
}

// NewDegradedNotice returns a notice that emits through e.
func NewDegradedNotice(e Emitter) *DegradedNotice {
	return &DegradedNotice{emitter: e, degraded: make(map[string]bool)}
}

// Observe is a realtime.StatusFunc.
func (d *DegradedNotice) Observe(topic string, st realtime.Status, err error) {
	bad := st.Degraded() || (st == realtime.StatusClosed && err != nil)

	d.mu.Lock()
	if bad {
		d.degraded[topic] = true
	} else {
		delete(d.degraded, topic)
	}
	fire := bad && !d.raised
	if fire {
		d.raised = true
	}
	if len(d.degraded) == 0 {
		d.raised = false
	}
	d.mu.Unlock()

	if fire && d.emitter != nil {
		d.emitter.Emit(context.Background(), Alert{
			Severity:    notification.SeverityWarning,
			Title:       DegradedTitle,
			Description: DegradedDescription,
		})
	}
}

// Degraded reports whether any topic is currently degraded.
func (d *DegradedNotice) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.degraded) > 0
}
