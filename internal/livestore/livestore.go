// Package livestore keeps a bounded ring of recent items and fans them out
// to filtered subscribers. One Store instance serves one item shape
// (telemetry rows, event rows, full envelopes); the ingestion pipeline adds,
// the streaming API subscribes.
package livestore

import (
	"errors"
	"sync"

	"github.com/roastlabs/ingestion/internal/roast"
)

// ErrInvalidLimit is returned for a negative query limit; the HTTP layer
// maps it to 400.
var ErrInvalidLimit = errors.New("limit must not be negative")

const (
	// DefaultCapacity bounds the ring of recent items.
	DefaultCapacity = 4096
	// subscriberQueue bounds each subscriber's outgoing queue. A slow
	// consumer loses its oldest undelivered items (drop-oldest) rather
	// than blocking Add or its peers.
	subscriberQueue = 256
)

// Filter matches items by origin. An unset field matches any value.
type Filter struct {
	OrgID     string
	SiteID    string
	MachineID string
}

// Matches reports whether an origin passes the filter.
func (f Filter) Matches(o roast.Origin) bool {
	if f.OrgID != "" && f.OrgID != o.OrgID {
		return false
	}
	if f.SiteID != "" && f.SiteID != o.SiteID {
		return false
	}
	if f.MachineID != "" && f.MachineID != o.MachineID {
		return false
	}
	return true
}

type subscriber[T any] struct {
	id     int
	filter Filter
	ch     chan T
}

// Store is a ring buffer of recent items plus a filtered pub/sub surface.
type Store[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	originOf func(T) roast.Origin

	subs   map[int]*subscriber[T]
	nextID int

	dropped func() // optional metrics hook, called per dropped delivery
}

// New creates a store. originOf extracts an item's origin for filter
// matching. capacity ≤ 0 picks DefaultCapacity.
func New[T any](capacity int, originOf func(T) roast.Origin) *Store[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store[T]{
		capacity: capacity,
		originOf: originOf,
		subs:     make(map[int]*subscriber[T]),
	}
}

// OnDrop registers a hook invoked whenever a slow subscriber loses an item.
func (s *Store[T]) OnDrop(fn func()) { s.dropped = fn }

// Add appends an item and enqueues it to every matching subscriber. The
// send never blocks: a full subscriber queue evicts its oldest entry first,
// so each subscriber sees items in Add order with gaps under backpressure.
func (s *Store[T]) Add(item T) {
	s.mu.Lock()
	s.items = append(s.items, item)
	if len(s.items) > s.capacity {
		// Drop the oldest; copy to keep the backing array from pinning
		// evicted items.
		s.items = append(s.items[:0:0], s.items[1:]...)
	}
	s.mu.Unlock()

	origin := s.originOf(item)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.filter.Matches(origin) {
			continue
		}
		select {
		case sub.ch <- item:
		default:
			select {
			case <-sub.ch:
				if s.dropped != nil {
					s.dropped()
				}
			default:
			}
			select {
			case sub.ch <- item:
			default:
				// A concurrent Add refilled the slot we just freed; the
				// new item is the loss this time and counts the same.
				if s.dropped != nil {
					s.dropped()
				}
			}
		}
	}
}

// Query returns filtered items newest-first. limit == 0 returns everything
// retained; limit < 0 is ErrInvalidLimit.
func (s *Store[T]) Query(filter Filter, limit int) ([]T, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0)
	for i := len(s.items) - 1; i >= 0; i-- {
		if !filter.Matches(s.originOf(s.items[i])) {
			continue
		}
		out = append(out, s.items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe registers a filtered subscriber and returns its delivery
// channel plus a cancel function. After cancel returns, no further items
// are delivered and the channel is closed.
func (s *Store[T]) Subscribe(filter Filter) (<-chan T, func()) {
	s.mu.Lock()
	s.nextID++
	sub := &subscriber[T]{
		id:     s.nextID,
		filter: filter,
		ch:     make(chan T, subscriberQueue),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// The write lock excludes in-flight Add enumerations, so a
			// racing delivery completes before the entry disappears.
			s.mu.Lock()
			delete(s.subs, sub.id)
			close(sub.ch)
			s.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SubscriberCount reports the number of active subscriptions.
func (s *Store[T]) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Len reports how many items the ring currently retains.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
