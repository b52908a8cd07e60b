package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Queries slower than this are logged at info; the rest at debug.
const slowQuery = 250 * time.Millisecond

var queryObserver atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

type (
	operationKey  struct{}
	dbStatsKey    struct{}
	queryStateKey struct{}
)

// queryState carries what TraceQueryEnd needs from TraceQueryStart.
type queryState struct {
	start     time.Time
	operation string
	table     string
	argCount  int
}

// QueryLabels identifies one query for metrics.
type QueryLabels struct {
	// Route is the chi route pattern of the request that issued the
	// query, or "background" for change feed and machine work.
	Route string
	// Operation is the store method, e.g. "pgstore.ApplyDecision".
	Operation string
	// Outcome is "ok" or "error".
	Outcome string
}

// QueryObserver receives per-query durations (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, l QueryLabels, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, l QueryLabels, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, l QueryLabels, dur time.Duration) {
	f(ctx, l, dur)
}

// SetQueryObserver installs the global query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// ReqDBStats accumulates the queries issued while serving one API request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// WithOperation names the store method issuing the queries made with ctx.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey{}, op)
}

func operationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		return op
	}
	return "unknown"
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "background"
}

// tableOf returns the first table named after FROM, INTO or UPDATE.
func tableOf(sql string) string {
	fields := strings.Fields(sql)
	for i := 0; i+1 < len(fields); i++ {
		switch strings.ToUpper(fields[i]) {
		case "FROM", "INTO", "UPDATE":
			t := strings.Trim(fields[i+1], `"(;`)
			if t != "" && !strings.HasPrefix(t, "$") {
				return strings.ToLower(t)
			}
		}
	}
	return ""
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a log
// line, request accounting and metrics for every query. Bind arguments are
// counted, never logged: report descriptions and notes come from citizens.
type loggingTracer struct {
	inner pgx.QueryTracer
}

// wrapQueryTracer wraps inner with logging and metrics.
func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		start:     time.Now(),
		operation: operationFromContext(ctx),
		table:     tableOf(data.SQL),
		argCount:  len(data.Args),
	}
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("hazardwatch.db.operation", st.operation))
		if st.table != "" {
			span.SetAttributes(attribute.String("hazardwatch.db.table", st.table))
		}
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so the span closes with its own timing
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, QueryLabels{Route: routeFromContext(ctx), Operation: st.operation, Outcome: outcome}, dur)
	}

	fields := []any{
		"db.operation", st.operation,
		"db.table", st.table,
		"db.arg_count", st.argCount,
		"db.duration", dur.Seconds(),
		"db.rows", data.CommandTag.RowsAffected(),
	}
	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	if dur >= slowQuery {
		L.Info(ctx, "slow db query", fields...)
		return
	}
	L.Debug(ctx, "db query", fields...)
}
