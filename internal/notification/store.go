package notification

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultCapacity bounds the feed when no capacity is configured.
const DefaultCapacity = 100

// retiredFactor sizes the memory of removed and evicted IDs relative to
// capacity. An ID stays unusable until that many later IDs have retired.
const retiredFactor = 16

// Observer is called after every mutation that changed the store, with the
// counts as of that mutation. It runs outside the store lock.
type Observer func(unread, total int)

// Store is the process-wide notification feed. Reads may run concurrently with
// each other and with the single writer; every mutation is atomic with
// respect to reads.
type Store struct {
	mu       sync.RWMutex
	items    []Notification // newest first
	index    map[string]struct{}
	retired  map[string]struct{}
	order    []string // retired IDs, oldest first
	unread   int
	capacity int
	closed   bool

	now       func() time.Time
	observers []Observer
	metrics   *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity caps the number of retained notifications. Values below 1
// fall back to DefaultCapacity.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock overrides the timestamp source for notifications added without one.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver registers a change observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// WithMetrics attaches feed metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns an empty feed.
func NewStore(opts ...Option) *Store {
	s := &Store{
		index:    make(map[string]struct{}),
		retired:  make(map[string]struct{}),
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Capacity returns the configured maximum size.
func (s *Store) Capacity() int { return s.capacity }

// Add inserts n at the head of the feed, assigning an ID and timestamp when
// absent, and evicts the oldest entries beyond capacity. The stored copy is
// returned.
func (s *Store) Add(n Notification) (Notification, error) {
	if !n.Type.Valid() || !n.Severity.Valid() || n.Title == "" {
		return Notification{}, fmt.Errorf("%w: type=%q severity=%q", ErrInvalid, n.Type, n.Severity)
	}
	n = n.clone()
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Notification{}, ErrClosed
	}
	if n.ID == "" {
		n.ID = ulid.Make().String()
	} else if s.known(n.ID) {
		s.mu.Unlock()
		return Notification{}, fmt.Errorf("%w: %s", ErrDuplicate, n.ID)
	}

	s.items = append(s.items, Notification{})
	copy(s.items[1:], s.items)
	s.items[0] = n
	s.index[n.ID] = struct{}{}
	if !n.Read {
		s.unread++
	}

	evicted := 0
	for len(s.items) > s.capacity {
		last := s.items[len(s.items)-1]
		s.items = s.items[:len(s.items)-1]
		s.retire(last.ID)
		if !last.Read {
			s.unread--
		}
		evicted++
	}
	unread, total := s.unread, len(s.items)
	s.mu.Unlock()

	s.metrics.added(n.Type, evicted)
	s.notify(unread, total)
	return n.clone(), nil
}

// MarkRead marks id as read. Unknown or already-read IDs are a no-op.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	changed := false
	for i := range s.items {
		if s.items[i].ID == id {
			if !s.items[i].Read {
				s.items[i].Read = true
				s.unread--
				changed = true
			}
			break
		}
	}
	unread, total := s.unread, len(s.items)
	s.mu.Unlock()

	if changed {
		s.notify(unread, total)
	}
	return changed
}

// MarkAllRead marks every entry read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	n := 0
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].Read = true
			n++
		}
	}
	s.unread = 0
	total := len(s.items)
	s.mu.Unlock()

	if n > 0 {
		s.notify(0, total)
	}
	return n
}

// Remove deletes id. Removing an absent ID is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.index[id]; !ok {
		s.mu.Unlock()
		return false
	}
	for i := range s.items {
		if s.items[i].ID == id {
			if !s.items[i].Read {
				s.unread--
			}
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.retire(id)
	unread, total := s.unread, len(s.items)
	s.mu.Unlock()

	s.notify(unread, total)
	return true
}

// ClearAll empties the feed and returns how many entries were removed.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	n := len(s.items)
	for _, it := range s.items {
		s.retire(it.ID)
	}
	s.items = nil
	s.unread = 0
	s.mu.Unlock()

	if n > 0 {
		s.notify(0, 0)
	}
	return n
}

// UnreadCount returns the number of unread entries.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// List returns a copy of the feed, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Notification, n)
	for i := 0; i < n; i++ {
		out[i] = s.items[i].clone()
	}
	return out
}

// Visible returns the newest entries keep accepts, capped at limit when
// limit > 0, with the unread and total counts over every accepted entry.
// A nil keep accepts everything.
func (s *Store) Visible(keep func(Notification) bool, limit int) (items []Notification, unread, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items = []Notification{}
	for i := range s.items {
		if keep != nil && !keep(s.items[i]) {
			continue
		}
		total++
		if !s.items[i].Read {
			unread++
		}
		if limit <= 0 || len(items) < limit {
			items = append(items, s.items[i].clone())
		}
	}
	return items, unread, total
}

// Count returns the unread and total counts over the entries keep accepts.
func (s *Store) Count(keep func(Notification) bool) (unread, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.items {
		if keep != nil && !keep(s.items[i]) {
			continue
		}
		total++
		if !s.items[i].Read {
			unread++
		}
	}
	return unread, total
}

// Get returns a copy of the entry with id.
func (s *Store) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.index[id]; !ok {
		return Notification{}, false
	}
	for i := range s.items {
		if s.items[i].ID == id {
			return s.items[i].clone(), true
		}
	}
	return Notification{}, false
}

// Close rejects further additions. Existing entries stay readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// known reports whether id is live or retired. Callers hold s.mu.
func (s *Store) known(id string) bool {
	if _, ok := s.index[id]; ok {
		return true
	}
	_, ok := s.retired[id]
	return ok
}

// retire moves id from the live index to the bounded retired set so a
// replayed event cannot resurrect an entry the user already dismissed.
// Callers hold s.mu.
func (s *Store) retire(id string) {
	delete(s.index, id)
	if _, ok := s.retired[id]; ok {
		return
	}
	s.retired[id] = struct{}{}
	s.order = append(s.order, id)
	if limit := s.capacity * retiredFactor; len(s.order) > limit {
		drop := len(s.order) - limit
		for _, old := range s.order[:drop] {
			delete(s.retired, old)
		}
		s.order = append(s.order[:0:0], s.order[drop:]...)
	}
}

func (s *Store) notify(unread, total int) {
	s.metrics.set(unread, total)
	for _, o := range s.observers {
		o(unread, total)
	}
}
