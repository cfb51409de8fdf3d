// Package politeness orders domain keys by the time they may next be served.
//
// Each known domain lives in an arena keyed by hostname and is either
// Scheduled (waiting in the heap for its ready time) or InFlight (handed to a
// scheduler and not poppable until replaced by a new ready time or cleared).
package politeness

import (
	"container/heap"
	"errors"
	"fmt"
	"time"
)

// ErrNotPlaceholder is returned by ClearPlaceholder when the domain is not in
// flight. It signals a bookkeeping race.
var ErrNotPlaceholder = errors.New("domain entry is not a placeholder")

// State is the lifecycle state of a domain in the queue.
type State int

// Domain states.
const (
	Absent State = iota
	Scheduled
	InFlight
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Scheduled:
		return "scheduled"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type entry struct {
	key   string
	ready time.Time
	seq   uint64
	state State
	index int
}

// Queue is not safe for concurrent use; callers serialize access.
type Queue struct {
	domains map[string]*entry
	ready   readyHeap
	seq     uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{domains: make(map[string]*entry)}
}

// Push schedules key at ready. A scheduled key is left untouched; an in-flight
// placeholder is upgraded to the new ready time. It reports whether the queue
// changed.
func (q *Queue) Push(key string, ready time.Time) bool {
	e, ok := q.domains[key]
	if ok && e.state == Scheduled {
		return false
	}
	if !ok {
		e = &entry{key: key}
		q.domains[key] = e
	}
	q.seq++
	e.ready = ready
	e.seq = q.seq
	e.state = Scheduled
	heap.Push(&q.ready, e)
	return true
}

// Peek returns the earliest scheduled key without removing it.
func (q *Queue) Peek() (string, time.Time, bool) {
	if len(q.ready) == 0 {
		return "", time.Time{}, false
	}
	e := q.ready[0]
	return e.key, e.ready, true
}

// Pop removes the earliest scheduled key and leaves it in flight.
func (q *Queue) Pop() (string, time.Time, bool) {
	if len(q.ready) == 0 {
		return "", time.Time{}, false
	}
	e, _ := heap.Pop(&q.ready).(*entry)
	e.state = InFlight
	return e.key, e.ready, true
}

// ClearPlaceholder forgets an in-flight domain.
func (q *Queue) ClearPlaceholder(key string) error {
	e, ok := q.domains[key]
	if !ok || e.state != InFlight {
		state := Absent
		if ok {
			state = e.state
		}
		return fmt.Errorf("clear %s (%s): %w", key, state, ErrNotPlaceholder)
	}
	delete(q.domains, key)
	return nil
}

// State reports the state of key.
func (q *Queue) State(key string) State {
	e, ok := q.domains[key]
	if !ok {
		return Absent
	}
	return e.state
}

// Len counts all known domains, scheduled or in flight.
func (q *Queue) Len() int {
	return len(q.domains)
}

// ScheduledLen counts domains waiting in the heap.
func (q *Queue) ScheduledLen() int {
	return len(q.ready)
}

type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].ready.Equal(h[j].ready) {
		return h[i].seq < h[j].seq
	}
	return h[i].ready.Before(h[j].ready)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e, _ := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
