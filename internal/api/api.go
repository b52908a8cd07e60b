// Package api serves the HTTP surface of the service: the triage queue and
// actions, the notification feed, and change-feed subscription status.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hazardwatch/internal/authmw"
	"github.com/linnemanlabs/hazardwatch/internal/authz"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
	"github.com/linnemanlabs/hazardwatch/internal/querycache"
	"github.com/linnemanlabs/hazardwatch/internal/realtime"
	"github.com/linnemanlabs/hazardwatch/internal/triage"
)

// Triage defines the triage operations the API needs.
type Triage interface {
	List(ctx context.Context, f triage.Filter) ([]triage.Report, error)
	Apply(ctx context.Context, trackingID string, d triage.Decision) (*triage.Report, error)
	Pending() []string
}

// Notifications is the notification feed the API exposes.
type Notifications interface {
	Visible(keep func(notification.Notification) bool, limit int) ([]notification.Notification, int, int)
	Count(keep func(notification.Notification) bool) (unread, total int)
	Get(id string) (notification.Notification, bool)
	MarkRead(id string) bool
	MarkAllRead() int
	Remove(id string) bool
	ClearAll() int
}

// Subscriptions reports change-feed channel status.
type Subscriptions interface {
	Statuses() map[string]realtime.Status
}

// Degradation reports whether live updates are currently unavailable.
type Degradation interface {
	Degraded() bool
}

// Config holds the API dependencies. Triage and Notifications are required.
type Config struct {
	Logger        log.Logger
	Triage        Triage
	Notifications Notifications
	Subscriptions Subscriptions
	Degradation   Degradation
	Cache         *querycache.Cache
	// Access decides which feed entries a role sees. Defaults to authz.NewGate.
	Access authz.Checker
	// Token enables bearer authentication when non-empty.
	Token string
	// DefaultRole applies to requests without a role header.
	DefaultRole authz.Role
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger        log.Logger
	triage        Triage
	notifications Notifications
	subscriptions Subscriptions
	degradation   Degradation
	cache         *querycache.Cache
	access        authz.Checker
	token         string
	defaultRole   authz.Role
}

// New creates a new API handler.
func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Triage == nil {
		panic(xerrors.New("triage is required"))
	}
	if cfg.Notifications == nil {
		panic(xerrors.New("notification store is required"))
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = authz.RoleCitizen
	}
	if cfg.Access == nil {
		cfg.Access = authz.NewGate()
	}
	return &API{
		logger:        cfg.Logger.With("component", "api"),
		triage:        cfg.Triage,
		notifications: cfg.Notifications,
		subscriptions: cfg.Subscriptions,
		degradation:   cfg.Degradation,
		cache:         cfg.Cache,
		access:        cfg.Access,
		token:         cfg.Token,
		defaultRole:   cfg.DefaultRole,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.token != "" {
			r.Use(authmw.BearerToken(a.token))
		}
		r.Use(authmw.Identify(a.defaultRole))

		r.Route("/reports", func(r chi.Router) {
			r.Use(authmw.Require(authz.CanTriage))
			r.Get("/", a.handleListReports)
			r.Get("/pending", a.handlePendingActions)
			r.Post("/{id}/{action}", a.handleTriageAction)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", a.handleListNotifications)
			r.Get("/unread", a.handleUnreadCount)
			r.Post("/{id}/read", a.handleMarkRead)

			// the feed is shared: bulk changes and removal are admin-only
			r.Group(func(r chi.Router) {
				r.Use(authmw.Require(authz.CanManageFeed))
				r.Delete("/", a.handleClearNotifications)
				r.Post("/read-all", a.handleMarkAllRead)
				r.Delete("/{id}", a.handleRemoveNotification)
			})
		})

		r.Get("/subscriptions", a.handleSubscriptions)
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status string `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
