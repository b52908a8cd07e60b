package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Cache keys invalidated after an acknowledged decision. They match the
// router's key table.
const (
	keyTriageQueue    = "triage-queue"
	keyCitizenReports = "citizen-reports"
	keyHazards        = "hazards"
	keyMapMarkers     = "map-markers"
)

// Invalidator receives cache keys made stale by a decision.
type Invalidator interface {
	Invalidate(ctx context.Context, keys []string) error
}

// Machine runs triage actions against a Backend and enforces at most one
// in-flight action per report.
type Machine struct {
	backend     Backend
	logger      log.Logger
	metrics     *Metrics
	invalidator Invalidator
	now         func() time.Time

	// ctx is cancelled by Close and bounds every backend call.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]Action
	view     map[string]*Report
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics attaches triage metrics.
func WithMetrics(mt *Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithInvalidator sets the sink for cache keys made stale by decisions.
func WithInvalidator(inv Invalidator) Option {
	return func(m *Machine) { m.invalidator = inv }
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine returns a Machine over backend.
func NewMachine(backend Backend, logger log.Logger, opts ...Option) *Machine {
	if backend == nil {
		panic(xerrors.New("triage.NewMachine: backend is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		backend:  backend,
		logger:   logger.With("component", "triage"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]Action),
		view:     make(map[string]*Report),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// List returns triage candidates matching f. The status defaults to
// unverified.
func (m *Machine) List(ctx context.Context, f Filter) ([]Report, error) {
	f, err := f.Normalize()
	if err != nil {
		m.metrics.list("invalid")
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}

	reports, err := m.backend.ListReports(ctx, f)
	if err != nil {
		m.metrics.list("error")
		return nil, fmt.Errorf("list reports: %w", err)
	}
	m.metrics.list("ok")

	m.mu.Lock()
	if !m.closed {
		for i := range reports {
			m.view[reports[i].TrackingID] = reports[i].Clone()
		}
	}
	m.mu.Unlock()
	return reports, nil
}

// Validate moves an unverified report to verified.
func (m *Machine) Validate(ctx context.Context, trackingID, notes, actor string) (*Report, error) {
	return m.act(ctx, trackingID, Decision{Action: ActionValidate, Notes: notes, Actor: actor})
}

// Reject moves an unverified report to rejected.
func (m *Machine) Reject(ctx context.Context, trackingID, notes, actor string) (*Report, error) {
	return m.act(ctx, trackingID, Decision{Action: ActionReject, Notes: notes, Actor: actor})
}

// MarkDuplicate moves an unverified report to duplicate.
func (m *Machine) MarkDuplicate(ctx context.Context, trackingID, notes, actor string) (*Report, error) {
	return m.act(ctx, trackingID, Decision{Action: ActionDuplicate, Notes: notes, Actor: actor})
}

// Apply runs d against the report. It fails with a *ConflictError while
// another action on the same report is unacknowledged, and with a
// *BackendError when the backend refuses or cannot be reached; in both
// cases the report keeps its previous status.
func (m *Machine) Apply(ctx context.Context, trackingID string, d Decision) (*Report, error) {
	return m.act(ctx, trackingID, d)
}

func (m *Machine) act(ctx context.Context, id string, d Decision) (*Report, error) {
	if id == "" {
		m.metrics.action(d.Action, "invalid")
		return nil, &DecisionError{Reason: "tracking id is required"}
	}
	if err := d.Validate(); err != nil {
		m.metrics.action(d.Action, "invalid")
		return nil, err
	}
	L := m.logger.With("tracking_id", id, "action", d.Action)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.metrics.action(d.Action, "closed")
		return nil, ErrClosed
	}
	if running, ok := m.inflight[id]; ok {
		m.mu.Unlock()
		m.metrics.action(d.Action, "conflict")
		L.Warn(ctx, "triage action rejected, another action in flight", "in_flight", running)
		return nil, &ConflictError{TrackingID: id, InFlight: running}
	}
	if r, ok := m.view[id]; ok && r.Status.Terminal() {
		m.mu.Unlock()
		m.metrics.action(d.Action, "processed")
		return nil, &AlreadyProcessedError{TrackingID: id, Status: r.Status}
	}
	m.inflight[id] = d.Action
	m.wg.Add(1)
	m.mu.Unlock()
	m.metrics.inflight(1)

	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
		m.metrics.inflight(-1)
		m.wg.Done()
	}()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	start := m.now()
	rep, err := m.backend.ApplyDecision(callCtx, id, d)
	m.metrics.observe(d.Action, m.now().Sub(start))
	if err == nil && (rep == nil || rep.Status != d.Action.Target()) {
		got := Status("")
		if rep != nil {
			got = rep.Status
		}
		err = fmt.Errorf("backend left report in status %q, want %q", got, d.Action.Target())
	}
	if err != nil {
		m.metrics.action(d.Action, "error")
		be := &BackendError{TrackingID: id, Action: d.Action, Err: err}
		var r interface{ Reason() string }
		if errors.As(err, &r) {
			be.Reason = r.Reason()
		}
		var ap *AlreadyProcessedError
		if errors.As(err, &ap) {
			m.markStatus(id, ap.Status)
		}
		L.Error(ctx, err, "triage action failed")
		return nil, be
	}
	m.metrics.action(d.Action, "ok")

	if !m.remember(rep) {
		return rep.Clone(), nil
	}
	L.Info(ctx, "triage action acknowledged", "status", rep.Status)

	keys := []string{keyTriageQueue, keyCitizenReports}
	if rep.Status == StatusVerified {
		keys = append(keys, keyHazards, keyMapMarkers)
	}
	if m.invalidator != nil {
		if err := m.invalidator.Invalidate(context.WithoutCancel(ctx), keys); err != nil {
			L.Warn(ctx, "cache invalidation after triage failed", "error", err)
		}
	}
	return rep.Clone(), nil
}

// remember patches the local view unless the machine has been closed.
func (m *Machine) remember(r *Report) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.view[r.TrackingID] = r.Clone()
	return true
}

// markStatus records a status learned from a backend refusal.
func (m *Machine) markStatus(id string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if r, ok := m.view[id]; ok {
		r.Status = st
		return
	}
	m.view[id] = &Report{TrackingID: id, Status: st}
}

// View returns the locally known state of a report.
func (m *Machine) View(trackingID string) (*Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.view[trackingID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// InFlight returns the unacknowledged action for a report, if any.
func (m *Machine) InFlight(trackingID string) (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.inflight[trackingID]
	return a, ok
}

// Pending returns the tracking IDs with an unacknowledged action, sorted.
func (m *Machine) Pending() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.inflight))
	for id := range m.inflight {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close cancels in-flight backend calls, waits for them to return and
// rejects further actions. Results arriving after Close do not touch the
// local view.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Machine) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
