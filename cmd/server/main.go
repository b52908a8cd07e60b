// Hazardwatch keeps a validator dashboard live: it subscribes to the
// hazard change feed, routes events into notifications, cache invalidation
// and alerts, and serves the citizen report triage API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/hazardwatch/internal/alerts"
	"github.com/linnemanlabs/hazardwatch/internal/alerts/slack"
	"github.com/linnemanlabs/hazardwatch/internal/api"
	"github.com/linnemanlabs/hazardwatch/internal/authz"
	hc "github.com/linnemanlabs/hazardwatch/internal/cfg"
	"github.com/linnemanlabs/hazardwatch/internal/feed"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
	"github.com/linnemanlabs/hazardwatch/internal/postgres"
	"github.com/linnemanlabs/hazardwatch/internal/push"
	"github.com/linnemanlabs/hazardwatch/internal/querycache"
	"github.com/linnemanlabs/hazardwatch/internal/realtime"
	"github.com/linnemanlabs/hazardwatch/internal/realtime/natsfeed"
	"github.com/linnemanlabs/hazardwatch/internal/realtime/wsfeed"
	"github.com/linnemanlabs/hazardwatch/internal/router"
	"github.com/linnemanlabs/hazardwatch/internal/triage"
	"github.com/linnemanlabs/hazardwatch/internal/triage/httpbackend"
	"github.com/linnemanlabs/hazardwatch/internal/triage/memstore"
	"github.com/linnemanlabs/hazardwatch/internal/triage/pgstore"
)

const appName = "hazardwatch"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    hc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first; env vars fill in whatever flags left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// HAZARDWATCH_ env vars do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "HAZARDWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	role, _ := authz.ParseRole(appCfg.SubscriberRole)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"transport", appCfg.Transport,
		"subscriber_role", role,
		"notification_cap", appCfg.NotificationCap,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling starts early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	reg := m.Registry()

	// push hub fans alerts, invalidations and notification counts to browsers
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	// clients see only the topics their role may subscribe to
	gate := authz.NewGate()
	var notifications *notification.Store
	hub := push.NewHub(L,
		push.WithToken(appCfg.APIToken),
		push.WithAccess(gate),
		push.WithDefaultRole(role),
		push.WithCounts(func(r authz.Role) (int, int) {
			return notifications.Count(authz.NotificationFilter(gate, r))
		}),
	)
	go hub.Run(hubCtx)

	// query cache, marked stale by router and triage invalidations
	cache := querycache.New(
		time.Duration(appCfg.QueryCacheTTLSeconds)*time.Second,
		querycache.WithMetrics(querycache.NewMetrics(reg)),
	)
	go cache.Run(hubCtx, time.Minute)
	invalidators := router.Invalidators{cache, hub}

	notifications = notification.NewStore(
		notification.WithCapacity(appCfg.NotificationCap),
		notification.WithObserver(hub.NotificationsChanged),
		notification.WithMetrics(notification.NewMetrics(reg)),
	)

	var emitters alerts.Fanout
	emitters = append(emitters, hub)
	var slackNotifier *slack.Notifier
	if appCfg.SlackWebhookURL != "" {
		slackNotifier = slack.New(appCfg.SlackWebhookURL, L)
		emitters = append(emitters, slackNotifier)
		L.Info(ctx, "alert sink enabled", "type", "slack")
	}

	// per-query DB duration histogram
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hazardwatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "operation", "outcome"})
	reg.MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, l postgres.QueryLabels, dur time.Duration) {
			dbQueryDuration.WithLabelValues(l.Route, l.Operation, l.Outcome).Observe(dur.Seconds())
		},
	))

	// report backend: postgres, remote triage API, or in-memory
	var backend triage.Backend
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		backend = pgStore
		L.Info(ctx, "using postgres report store")
	case appCfg.TriageAPIURL != "":
		client, err := httpbackend.New(httpbackend.Config{
			BaseURL: appCfg.TriageAPIURL,
			Token:   appCfg.TriageAPIToken,
		}, L)
		if err != nil {
			return fmt.Errorf("triage api client: %w", err)
		}
		backend = client
		L.Info(ctx, "using remote triage api", "url", appCfg.TriageAPIURL)
	default:
		backend = memstore.New()
		L.Info(ctx, "using in-memory report store (no database-url or triage-api-url configured)")
	}

	machine := triage.NewMachine(backend, L,
		triage.WithMetrics(triage.NewMetrics(reg)),
		triage.WithInvalidator(invalidators),
	)

	// change-feed transport
	joinTimeout := time.Duration(appCfg.JoinTimeoutSeconds) * time.Second
	var transport realtime.Transport
	switch appCfg.Transport {
	case hc.TransportWebSocket:
		transport = wsfeed.New(wsfeed.Config{URL: appCfg.RealtimeURL, JoinTimeout: joinTimeout}, L)
	default:
		transport = natsfeed.New(natsfeed.Config{URL: appCfg.NATSURL, ClientName: appName, JoinTimeout: joinTimeout}, L)
	}
	manager := realtime.NewManager(transport, L, realtime.WithMetrics(realtime.NewMetrics(reg)))

	rt := router.New(router.Config{
		Store:       notifications,
		Invalidator: invalidators,
		Emitter:     emitters,
		Logger:      L,
		Metrics:     router.NewMetrics(reg),
	}, router.DefaultInterests()...)

	notice := alerts.NewDegradedNotice(emitters)
	session := feed.NewSession(feed.Config{
		Manager: manager,
		Router:  rt,
		Checker: gate,
		Role:    role,
		Credentials: func(context.Context) (string, error) {
			return appCfg.RealtimeToken, nil
		},
		Notice: notice,
		Logger: L,
	})

	// a failed topic is not fatal: the dashboard runs degraded and Run retries it
	if err := session.Start(ctx); err != nil {
		L.Warn(ctx, "change feed started degraded", "error", err)
	}
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	if appCfg.ResubscribeSeconds > 0 {
		go session.Run(feedCtx, time.Duration(appCfg.ResubscribeSeconds)*time.Second)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method and a DB stats accumulator for query metrics.
	r.Use(dbStats)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	apiHTTP := api.New(api.Config{
		Logger:        L,
		Triage:        machine,
		Notifications: notifications,
		Subscriptions: manager,
		Degradation:   notice,
		Cache:         cache,
		Access:        gate,
		Token:         appCfg.APIToken,
		DefaultRole:   role,
	})
	apiHTTP.RegisterRoutes(r)

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	// the push socket is hijacked by the websocket upgrade, so it bypasses the
	// response-wrapping middleware above
	root := http.NewServeMux()
	root.Handle("/ws", httpmw.Recover(L, nil)(hub))
	root.Handle("/", h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), root, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// Feed teardown runs before the hub stops so clients see the last events.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"change feed", func(context.Context) error {
			stopFeed()
			session.Stop()
			manager.Close()
			return nil
		}},
		{"triage machine", func(context.Context) error {
			machine.Close()
			return nil
		}},
		{"alert sinks", func(ctx context.Context) error {
			if slackNotifier == nil {
				return nil
			}
			return waitCtx(ctx, slackNotifier.Wait)
		}},
		{"push hub", func(context.Context) error {
			stopHub()
			notifications.Close()
			return nil
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// dbStats logs the per-request query totals once the handler returns.
func dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.NewReqDBStatsContext(req.Context())
		next.ServeHTTP(w, req.WithContext(ctx))
		if s, ok := postgres.ReqDBStatsFromContext(ctx); ok && s.QueryCount > 0 {
			log.FromContext(ctx).Info(ctx, "request db stats",
				"db.query_count", s.QueryCount,
				"db.total_duration", s.TotalDuration.Seconds(),
				"db.error_count", s.ErrorCount,
			)
		}
	})
}

// waitCtx runs wait and returns early with ctx's error if it expires first.
func waitCtx(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
