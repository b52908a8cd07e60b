// Package push fans router output out to connected UI clients over
// websockets: alerts, cache invalidation batches and notification counts.
package push

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hazardwatch/internal/alerts"
	"github.com/linnemanlabs/hazardwatch/internal/authmw"
	"github.com/linnemanlabs/hazardwatch/internal/authz"
)

// Message types sent to clients.
const (
	MessageTypeAlert         = "alert"
	MessageTypeInvalidate    = "invalidate"
	MessageTypeNotifications = "notifications"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Message is the envelope written to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	// Topic scopes the message to clients whose role may subscribe to it.
	// Empty reaches every client.
	Topic string `json:"-"`
}

// CountFunc returns the notification counts visible to role.
type CountFunc func(role authz.Role) (unread, total int)

// InvalidateData is the payload of an invalidate message.
type InvalidateData struct {
	Keys []string `json:"keys"`
}

// NotificationsData is the payload of a notifications message.
type NotificationsData struct {
	Unread int `json:"unread"`
	Total  int `json:"total"`
}

var clientIDCounter atomic.Uint64

type client struct {
	id   uint64
	role authz.Role
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// Option configures a Hub.
type Option func(*Hub)

// WithToken requires clients to present token, either as a bearer
// Authorization header or as the token query parameter browsers can set.
func WithToken(token string) Option {
	return func(h *Hub) { h.token = []byte(token) }
}

// WithAccess sets the checker scoping topic messages to roles.
func WithAccess(c authz.Checker) Option {
	return func(h *Hub) { h.access = c }
}

// WithDefaultRole sets the role of clients that name none.
func WithDefaultRole(r authz.Role) Option {
	return func(h *Hub) { h.defaultRole = r }
}

// WithCounts makes notification count messages per role. Without it every
// client receives the counts passed to NotificationsChanged.
func WithCounts(fn CountFunc) Option {
	return func(h *Hub) { h.counts = fn }
}

// Hub tracks connected clients and broadcasts messages to them.
type Hub struct {
	logger      log.Logger
	upgrader    websocket.Upgrader
	token       []byte
	access      authz.Checker
	defaultRole authz.Role
	counts      CountFunc

	mu      sync.Mutex
	clients map[*client]struct{}

	broadcast  chan Message
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// NewHub returns a hub. Run must be called for messages to flow.
func NewHub(logger log.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Hub{
		logger:      logger.With("component", "push"),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		access:      authz.NewGate(),
		defaultRole: authz.RoleCitizen,
		clients:     make(map[*client]struct{}),
		broadcast:   make(chan Message, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			n := h.closeAll()
			h.logger.Info(ctx, "push hub stopped", "clients_closed", n)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info(ctx, "push client connected", "clients", total)
		case c := <-h.unregister:
			h.drop(c)
		case m := <-h.broadcast:
			h.fanout(m)
		}
	}
}

// Broadcast queues m for every client. It never blocks; when the queue is
// full the message is dropped.
func (h *Hub) Broadcast(m Message) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- m:
		return true
	default:
		h.logger.Warn(context.Background(), "push queue full, dropping message", "type", m.Type)
		return false
	}
}

// Emit implements alerts.Emitter.
func (h *Hub) Emit(_ context.Context, a alerts.Alert) {
	h.Broadcast(Message{Type: MessageTypeAlert, Data: a, Topic: a.Topic})
}

// Invalidate implements router.Invalidator.
func (h *Hub) Invalidate(_ context.Context, keys []string) error {
	h.Broadcast(Message{Type: MessageTypeInvalidate, Data: InvalidateData{Keys: append([]string(nil), keys...)}})
	return nil
}

// NotificationsChanged is a notification.Observer.
func (h *Hub) NotificationsChanged(unread, total int) {
	h.Broadcast(Message{Type: MessageTypeNotifications, Data: NotificationsData{Unread: unread, Total: total}})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP authenticates the request, upgrades it and attaches the client
// to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "push hub stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	if !h.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	role, ok := h.role(r)
	if !ok {
		http.Error(w, "unknown role", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "push upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   clientIDCounter.Add(1),
		role: role,
		hub:  h,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) authorized(r *http.Request) bool {
	if len(h.token) == 0 {
		return true
	}
	got := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = auth[len("Bearer "):]
	}
	return subtle.ConstantTimeCompare([]byte(got), h.token) == 1
}

// role reads the client role from the identity header or the role query
// parameter.
func (h *Hub) role(r *http.Request) (authz.Role, bool) {
	raw := r.Header.Get(authmw.RoleHeader)
	if raw == "" {
		raw = r.URL.Query().Get("role")
	}
	if raw == "" {
		return h.defaultRole, true
	}
	return authz.ParseRole(raw)
}

func (h *Hub) fanout(m Message) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	perRole := make(map[authz.Role]NotificationsData)
	for _, c := range clients {
		if m.Topic != "" && !h.access.CanSubscribe(m.Topic, c.role) {
			continue
		}
		out := m
		if m.Type == MessageTypeNotifications && h.counts != nil {
			d, ok := perRole[c.role]
			if !ok {
				d.Unread, d.Total = h.counts(c.role)
				perRole[c.role] = d
			}
			out.Data = d
		}
		select {
		case c.send <- out:
		default:
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.clients)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	return n
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send anything meaningful; reading keeps control frames
	// flowing and detects disconnects.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(m)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
