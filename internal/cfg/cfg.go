package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"

	"github.com/linnemanlabs/hazardwatch/internal/authz"
)

// Change-feed transports.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	TriageAPIURL          string
	TriageAPIToken        string
	Transport             string
	NATSURL               string
	RealtimeURL           string
	RealtimeToken         string
	JoinTimeoutSeconds    int
	ResubscribeSeconds    int
	NotificationCap       int
	QueryCacheTTLSeconds  int
	SlackWebhookURL       string
	SubscriberRole        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the report store")
	fs.StringVar(&c.TriageAPIURL, "triage-api-url", "", "remote triage API base URL (alternative to database-url; both empty = in-memory store)")
	fs.StringVar(&c.TriageAPIToken, "triage-api-token", "", "bearer token for the remote triage API")
	fs.StringVar(&c.Transport, "transport", TransportNATS, "change-feed transport (nats|websocket)")
	fs.StringVar(&c.NATSURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL for the nats transport")
	fs.StringVar(&c.RealtimeURL, "realtime-url", "", "websocket endpoint for the websocket transport")
	fs.StringVar(&c.RealtimeToken, "realtime-token", "", "bearer credential attached to change-feed subscriptions")
	fs.IntVar(&c.JoinTimeoutSeconds, "realtime-join-timeout-seconds", 10, "seconds to wait for a channel join before it times out (1..120)")
	fs.IntVar(&c.ResubscribeSeconds, "resubscribe-seconds", 30, "interval for retrying degraded channels (0 = never, ..3600)")
	fs.IntVar(&c.NotificationCap, "notification-cap", 100, "maximum notifications kept, oldest evicted first (1..10000)")
	fs.IntVar(&c.QueryCacheTTLSeconds, "query-cache-ttl-seconds", 30, "seconds a cached query result stays fresh (0 = until invalidated, ..3600)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alerts")
	fs.StringVar(&c.SubscriberRole, "subscriber-role", string(authz.RoleValidator), "role the service subscribes to the change feed as")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// One report backend at most
	if c.DatabaseURL != "" && c.TriageAPIURL != "" {
		errs = append(errs, errors.New("DATABASE_URL and TRIAGE_API_URL are mutually exclusive"))
	}
	if c.TriageAPIURL != "" {
		if err := checkURL(c.TriageAPIURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("invalid TRIAGE_API_URL: %w", err))
		}
	}

	switch c.Transport {
	case TransportNATS:
		if err := checkURL(c.NATSURL, "nats", "tls"); err != nil {
			errs = append(errs, fmt.Errorf("invalid NATS_URL: %w", err))
		}
	case TransportWebSocket:
		if err := checkURL(c.RealtimeURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("invalid REALTIME_URL: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid TRANSPORT %q (must be nats or websocket)", c.Transport))
	}

	// Subscriptions carry this credential
	if c.RealtimeToken == "" {
		errs = append(errs, errors.New("REALTIME_TOKEN is required"))
	}

	if c.JoinTimeoutSeconds <= 0 || c.JoinTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid REALTIME_JOIN_TIMEOUT_SECONDS %d (must be 1..120)", c.JoinTimeoutSeconds))
	}
	if c.ResubscribeSeconds < 0 || c.ResubscribeSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid RESUBSCRIBE_SECONDS %d (must be 0..3600)", c.ResubscribeSeconds))
	}
	if c.NotificationCap <= 0 || c.NotificationCap > 10000 {
		errs = append(errs, fmt.Errorf("invalid NOTIFICATION_CAP %d (must be 1..10000)", c.NotificationCap))
	}
	if c.QueryCacheTTLSeconds < 0 || c.QueryCacheTTLSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid QUERY_CACHE_TTL_SECONDS %d (must be 0..3600)", c.QueryCacheTTLSeconds))
	}

	if c.SlackWebhookURL != "" {
		if err := checkURL(c.SlackWebhookURL, "https"); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}

	if _, ok := authz.ParseRole(c.SubscriberRole); !ok {
		errs = append(errs, fmt.Errorf("invalid SUBSCRIBER_ROLE %q", c.SubscriberRole))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed", u.Scheme)
}
