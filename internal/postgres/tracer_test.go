package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type recordingObserver struct {
	mu     sync.Mutex
	labels []QueryLabels
}

func (o *recordingObserver) ObserveQuery(_ context.Context, l QueryLabels, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.labels = append(o.labels, l)
}

// stubTracer records that it was called around the logging tracer.
type stubTracer struct {
	starts, ends int
}

func (s *stubTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	s.starts++
	return ctx
}

func (s *stubTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {
	s.ends++
}

func TestTableOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"select", "SELECT status FROM citizen_reports WHERE tracking_id = $1", "citizen_reports"},
		{"insert", "INSERT INTO hazards (id, hazard_type) VALUES ($1, $2)", "hazards"},
		{"update multiline", "UPDATE citizen_reports\n\t\tSET status = $2", "citizen_reports"},
		{"lowercase keywords", "select 1 from Citizen_Reports", "citizen_reports"},
		{"no table", "SELECT 1", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tableOf(tt.sql); got != tt.want {
				t.Errorf("tableOf(%q) = %q, want %q", tt.sql, got, tt.want)
			}
		})
	}
}

func TestWithOperation(t *testing.T) {
	t.Parallel()

	if got := operationFromContext(context.Background()); got != "unknown" {
		t.Errorf("bare context operation = %q, want unknown", got)
	}
	ctx := WithOperation(context.Background(), "pgstore.Submit")
	if got := operationFromContext(ctx); got != "pgstore.Submit" {
		t.Errorf("operation = %q, want pgstore.Submit", got)
	}
	if got := operationFromContext(WithOperation(ctx, "")); got != "pgstore.Submit" {
		t.Errorf("empty op overwrote operation: %q", got)
	}
}

func TestRouteFromContext(t *testing.T) {
	t.Parallel()

	if got := routeFromContext(context.Background()); got != "background" {
		t.Errorf("route = %q, want background", got)
	}
	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{"/api/v1/reports/{id}/validate"}
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rc)
	if got := routeFromContext(ctx); got != "/api/v1/reports/{id}/validate" {
		t.Errorf("route = %q", got)
	}
}

// Not parallel: swaps the global query observer.
func TestLoggingTracer_RecordsQuery(t *testing.T) {
	obs := &recordingObserver{}
	SetQueryObserver(obs)
	defer SetQueryObserver(nil)

	inner := &stubTracer{}
	tr := wrapQueryTracer(inner)

	ctx := NewReqDBStatsContext(WithOperation(context.Background(), "pgstore.ApplyDecision"))
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{
		SQL:  "UPDATE citizen_reports SET status = $2 WHERE tracking_id = $1",
		Args: []any{"HW-1", "verified"},
	})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "INSERT INTO hazards (id) VALUES ($1)"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "23505", ConstraintName: "hazards_source_report_id_key"}})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}

	s, _ := ReqDBStatsFromContext(ctx)
	if s.QueryCount != 2 || s.ErrorCount != 1 {
		t.Errorf("stats = %d queries %d errors, want 2/1", s.QueryCount, s.ErrorCount)
	}

	want := []QueryLabels{
		{Route: "background", Operation: "pgstore.ApplyDecision", Outcome: "ok"},
		{Route: "background", Operation: "pgstore.ApplyDecision", Outcome: "error"},
	}
	if len(obs.labels) != len(want) {
		t.Fatalf("observed %d queries, want %d", len(obs.labels), len(want))
	}
	for i := range want {
		if obs.labels[i] != want[i] {
			t.Errorf("labels[%d] = %+v, want %+v", i, obs.labels[i], want[i])
		}
	}
}

func TestLoggingTracer_EndWithoutStart(t *testing.T) {
	t.Parallel()

	// a foreign context must not panic or be counted
	ctx := NewReqDBStatsContext(context.Background())
	wrapQueryTracer(nil).TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
	if s, _ := ReqDBStatsFromContext(ctx); s.QueryCount != 0 {
		t.Errorf("QueryCount = %d, want 0", s.QueryCount)
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestReqDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestNewPool_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("expected parse error")
	}
}
