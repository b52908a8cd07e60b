package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/linnemanlabs/hazardwatch/internal/notification"
	"github.com/linnemanlabs/hazardwatch/internal/realtime"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Emit(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestFanout_EmitsToAll(t *testing.T) {
	t.Parallel()

	a, b := &recorder{}, &recorder{}
	var calls int
	f := Fanout{a, nil, b, EmitterFunc(func(context.Context, Alert) { calls++ })}

	f.Emit(context.Background(), Alert{Severity: notification.SeverityInfo, Title: "x"})

	if a.count() != 1 || b.count() != 1 || calls != 1 {
		t.Errorf("emits = %d,%d,%d, want 1,1,1", a.count(), b.count(), calls)
	}
}

func TestDegradedNotice_OnePerOutage(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	d := NewDegradedNotice(rec)

	d.Observe("hazards:new", realtime.StatusSubscribed, nil)
	d.Observe("hazards:new", realtime.StatusError, errors.New("reset"))
	d.Observe("hazards:new", realtime.StatusTimedOut, nil)
	d.Observe("rss:feeds", realtime.StatusError, errors.New("reset"))
	d.Observe("hazards:new", realtime.StatusClosed, realtime.ErrConnectionLost)

	if got := rec.count(); got != 1 {
		t.Fatalf("alerts during outage = %d, want 1", got)
	}
	if rec.alerts[0].Title != DegradedTitle {
		t.Errorf("title = %q, want %q", rec.alerts[0].Title, DegradedTitle)
	}
	if rec.alerts[0].Severity != notification.SeverityWarning {
		t.Errorf("severity = %q, want warning", rec.alerts[0].Severity)
	}
	if !d.Degraded() {
		t.Error("Degraded = false during outage")
	}

	// recover every topic, then fail again: a new outage gets a new alert
	d.Observe("hazards:new", realtime.StatusSubscribed, nil)
	d.Observe("rss:feeds", realtime.StatusSubscribed, nil)
	if d.Degraded() {
		t.Error("Degraded = true after recovery")
	}
	d.Observe("rss:feeds", realtime.StatusError, errors.New("reset"))
	if got := rec.count(); got != 2 {
		t.Errorf("alerts after second outage = %d, want 2", got)
	}
}

func TestDegradedNotice_CleanCloseIsNotDegraded(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	d := NewDegradedNotice(rec)
	d.Observe("hazards:new", realtime.StatusSubscribed, nil)
	d.Observe("hazards:new", realtime.StatusClosed, nil)

	if rec.count() != 0 {
		t.Errorf("alerts = %d, want 0 for teardown", rec.count())
	}
}
