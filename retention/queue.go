// Package retention implements the bounded hard-reference queue that decides
// when a mutable page has gone cold enough to be written out.
//
// Every Touch of an item takes a reference on it; every eviction of a queue
// slot hands the item to the Listener, which releases that reference. An
// item's reference count therefore always equals the number of slots it
// occupies, and the listener sees a count of zero exactly when the last slot
// holding the item leaves the queue.
package retention

import (
	"fmt"

	"github.com/INLOpen/emberstore/core"
)

// Counted is an item whose reference count is maintained by the queue.
// AddRef adjusts the count by delta and returns the new value.
type Counted interface {
	comparable
	AddRef(delta int) int
}

// Listener is notified when the slot holding item is evicted. It is
// responsible for releasing the reference the slot held (AddRef(-1)).
type Listener[T Counted] interface {
	Evicted(q *Queue[T], item T) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc[T Counted] func(q *Queue[T], item T) error

func (f ListenerFunc[T]) Evicted(q *Queue[T], item T) error { return f(q, item) }

type entry[T Counted] struct {
	item T
	seq  uint64
}

// Queue is a fixed-capacity ring of hard references. It is not safe for
// concurrent use; the owning tree serializes all calls.
type Queue[T Counted] struct {
	ring     []entry[T]
	head     int // index of the oldest entry
	n        int
	scan     int
	seq      uint64
	evicted  uint64
	listener Listener[T]
}

// New creates a queue holding up to capacity entries. The scan most recent
// entries are checked for duplicates before a new slot is consumed.
func New[T Counted](capacity, scan int, listener Listener[T]) (*Queue[T], error) {
	if capacity < 2 {
		return nil, core.NewValidationError("queue_capacity", capacity, "must be at least 2")
	}
	if scan < 0 || scan > capacity {
		return nil, core.NewValidationError("queue_scan", scan, fmt.Sprintf("must be in [0,%d]", capacity))
	}
	if listener == nil {
		return nil, core.NewValidationError("listener", "<nil>", "eviction listener is required")
	}
	return &Queue[T]{
		ring:     make([]entry[T], capacity),
		scan:     scan,
		listener: listener,
	}, nil
}

// Touch takes a reference on item and records it as most recently used.
// If item is already among the scan most recent entries the reference is
// released again and no slot is consumed; Touch then reports false. When
// the queue is full the oldest entry is evicted first.
func (q *Queue[T]) Touch(item T) (bool, error) {
	item.AddRef(1)
	if q.recent(item) {
		item.AddRef(-1)
		return false, nil
	}
	if q.n == len(q.ring) {
		if err := q.evictOldest(); err != nil {
			item.AddRef(-1)
			return false, err
		}
	}
	q.seq++
	q.ring[(q.head+q.n)%len(q.ring)] = entry[T]{item: item, seq: q.seq}
	q.n++
	return true, nil
}

// recent reports whether item occupies one of the scan most recent slots.
func (q *Queue[T]) recent(item T) bool {
	limit := q.scan
	if limit > q.n {
		limit = q.n
	}
	for i := 1; i <= limit; i++ {
		if q.ring[(q.head+q.n-i)%len(q.ring)].item == item {
			return true
		}
	}
	return false
}

func (q *Queue[T]) evictOldest() error {
	var zero entry[T]
	e := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	q.evicted++
	return q.listener.Evicted(q, e.item)
}

// EvictAll evicts every entry, oldest first. It stops at the first listener
// error; entries not yet evicted stay on the queue.
func (q *Queue[T]) EvictAll() error {
	for q.n > 0 {
		if err := q.evictOldest(); err != nil {
			return err
		}
	}
	return nil
}

// Items returns the queued items, oldest first. An item appears once per slot.
func (q *Queue[T]) Items() []T {
	out := make([]T, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.ring[(q.head+i)%len(q.ring)].item)
	}
	return out
}

// Contains reports whether item occupies any slot.
func (q *Queue[T]) Contains(item T) bool {
	for i := 0; i < q.n; i++ {
		if q.ring[(q.head+i)%len(q.ring)].item == item {
			return true
		}
	}
	return false
}

func (q *Queue[T]) Len() int { return q.n }
func (q *Queue[T]) Capacity() int { return len(q.ring) }
func (q *Queue[T]) Scan() int { return q.scan }
func (q *Queue[T]) Listener() Listener[T] { return q.listener }
func (q *Queue[T]) Sequence() uint64 { return q.seq }
func (q *Queue[T]) EvictionCount() uint64 { return q.evicted }
