// Package querycache is the local read cache for API query results. Entries
// are keyed by a query descriptor such as "triage-queue:status=unverified"
// and are marked stale by invalidation keys from the event router.
package querycache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type entry struct {
	value    any
	storedAt time.Time
	stale    bool
}

// Cache is a TTL cache whose entries can also be invalidated by key prefix.
// A key k invalidates the entry named k and every entry named "k:...".
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics attaches cache metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New returns a cache whose entries expire after ttl. ttl <= 0 disables expiry.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{entries: make(map[string]*entry), ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached value for key. fresh is false when the entry is
// missing, expired or invalidated.
func (c *Cache) Get(key string) (value any, fresh bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.metrics.lookup("miss")
		return nil, false
	}
	if e.stale || (c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl) {
		c.metrics.lookup("stale")
		return e.value, false
	}
	c.metrics.lookup("hit")
	return e.value, true
}

// Set stores value under key as fresh.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, storedAt: c.now()}
}

// Invalidate marks every entry matching one of keys stale. It never fails.
func (c *Cache) Invalidate(_ context.Context, keys []string) error {
	c.mu.Lock()
	n := 0
	for name, e := range c.entries {
		if e.stale {
			continue
		}
		for _, k := range keys {
			if name == k || strings.HasPrefix(name, k+":") {
				e.stale = true
				n++
				break
			}
		}
	}
	c.mu.Unlock()
	c.metrics.invalidated(n)
	return nil
}

// Purge drops entries that are stale or expired and returns how many went.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for name, e := range c.entries {
		if e.stale || (c.ttl > 0 && now.Sub(e.storedAt) > c.ttl) {
			delete(c.entries, name)
			n++
		}
	}
	return n
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run purges dead entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Purge()
		}
	}
}

// Metrics holds Prometheus metrics for the query cache.
type Metrics struct {
	Lookups     *prometheus.CounterVec
	Invalidated prometheus.Counter
}

// NewMetrics registers and returns cache metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_query_cache_lookups_total",
			Help: "Query cache lookups by result.",
		}, []string{"result"}),
		Invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazardwatch_query_cache_invalidated_total",
			Help: "Query cache entries marked stale by invalidation keys.",
		}),
	}
	reg.MustRegister(m.Lookups, m.Invalidated)
	return m
}

func (m *Metrics) lookup(result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) invalidated(n int) {
	if m == nil {
		return
	}
	m.Invalidated.Add(float64(n))
}
