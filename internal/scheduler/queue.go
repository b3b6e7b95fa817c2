package scheduler

import (
	"time"

	"github.com/creachadair/mds/mapset"
)

// WorkItem is one unit of work: a page number or a collection entry.
// Providers lists the sub-fetches still outstanding for the item; an empty
// list means a single fetch.
type WorkItem[K comparable] struct {
	ID         K
	EnqueuedAt time.Time
	Providers  []string
}

// Queue holds the pending deque and the membership sets of one generation.
// An id is in at most one of pending (mirrored by queued) and active, and an
// id retired this generation is not accepted again until Reset.
//
// Queue is not safe for concurrent use; its owner serializes access.
type Queue[K comparable] struct {
	pending deque[WorkItem[K]]
	queued  mapset.Set[K]
	active  mapset.Set[K]
	done    mapset.Set[K]
}

func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{
		queued: mapset.New[K](),
		active: mapset.New[K](),
		done:   mapset.New[K](),
	}
}

// EnqueueIfEligible appends item unless its id is already queued, active or
// done, and reports whether it was added.
func (q *Queue[K]) EnqueueIfEligible(item WorkItem[K]) bool {
	if q.queued.Has(item.ID) || q.active.Has(item.ID) || q.done.Has(item.ID) {
		return false
	}
	q.pending.PushBack(item)
	q.queued.Add(item.ID)
	return true
}

// RequeueFront moves an active item back to the head of pending.
func (q *Queue[K]) RequeueFront(item WorkItem[K]) {
	q.active.Remove(item.ID)
	if q.queued.Has(item.ID) {
		return
	}
	q.pending.PushFront(item)
	q.queued.Add(item.ID)
}

// TakeUpTo moves at most n items from the head of pending to active.
func (q *Queue[K]) TakeUpTo(n int) []WorkItem[K] {
	n = min(n, q.pending.Len())
	if n <= 0 {
		return nil
	}
	out := make([]WorkItem[K], 0, n)
	for range n {
		item, _ := q.pending.PopFront()
		q.queued.Remove(item.ID)
		q.active.Add(item.ID)
		out = append(out, item)
	}
	return out
}

// Retire settles an active item. Throttled items return to the front of the
// queue; every other outcome marks the id done for this generation.
func (q *Queue[K]) Retire(item WorkItem[K], outcome Outcome) {
	if outcome == OutcomeThrottled {
		q.RequeueFront(item)
		return
	}
	q.active.Remove(item.ID)
	q.done.Add(item.ID)
}

// Reset drops all state, as when a generation ends.
func (q *Queue[K]) Reset() {
	q.pending.Clear()
	q.queued.Clear()
	q.active.Clear()
	q.done.Clear()
}

func (q *Queue[K]) Len() int { return q.pending.Len() }

func (q *Queue[K]) ActiveLen() int { return q.active.Len() }

func (q *Queue[K]) DoneLen() int { return q.done.Len() }

// Idle reports whether nothing is pending or active.
func (q *Queue[K]) Idle() bool {
	return q.pending.Len() == 0 && q.active.Len() == 0
}

func (q *Queue[K]) IsDone(id K) bool { return q.done.Has(id) }

// Pending returns the pending ids in dispatch order.
func (q *Queue[K]) Pending() []K {
	out := make([]K, q.pending.Len())
	for i := range out {
		out[i] = q.pending.At(i).ID
	}
	return out
}
