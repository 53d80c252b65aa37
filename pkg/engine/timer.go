package engine

import (
	"container/heap"
	"time"

	"code.cloudfoundry.org/clock"
)

// timerEpsilon absorbs clock jitter when deciding whether the earliest timer
// is due, so the loop does not spin on sub-millisecond remainders.
const timerEpsilon = 10 * time.Millisecond

// NoTimerDelay is returned by the queue when no timer is armed.
const NoTimerDelay = time.Duration(-1)

// Timer is a scheduled callback, one-shot or repeating. Callbacks run on the
// engine loop. A Timer belongs to at most one engine at a time.
type Timer struct {
	fireDelay time.Duration
	interval  time.Duration
	callback  func(*Timer)

	q      *timerQueue
	entry  *timerEntry
	firing bool
}

// NewTimer builds a timer firing once after delay. A positive interval makes
// it repeat every interval after the first firing.
func NewTimer(delay, interval time.Duration, callback func(*Timer)) *Timer {
	return &Timer{fireDelay: delay, interval: interval, callback: callback}
}

// Invalidate disarms the timer. Called from within its own callback, it
// prevents the re-arm that would otherwise follow a repeating timer's firing.
// Invalidating an unarmed timer is a no-op.
func (t *Timer) Invalidate() {
	if t.firing {
		t.fireDelay = 0
		t.interval = 0
		return
	}
	if t.q != nil {
		t.q.invalidate(t)
	}
}

// IsValid reports whether the timer is armed or currently firing.
func (t *Timer) IsValid() bool { return t.entry != nil || t.firing }

// Reschedule disarms the timer and re-arms it to fire after delay, keeping
// its interval and callback.
func (t *Timer) Reschedule(delay time.Duration) error {
	q := t.q
	if q == nil {
		return errInvalidTimer
	}
	q.invalidate(t)
	t.fireDelay = delay
	return q.schedule(t)
}

// timerEntry is one heap slot. Disarming tombstones the entry in place; the
// heap drops dead entries lazily when peeking or popping.
type timerEntry struct {
	t        *Timer
	fireTime time.Time
	seq      uint64
	dead     bool
}

type timerQueue struct {
	clk   clock.Clock
	heap  entryHeap
	armed int
	seq   uint64
}

func newTimerQueue(clk clock.Clock) *timerQueue {
	return &timerQueue{clk: clk}
}

// schedule arms t to fire after its fireDelay. Timers without a positive
// delay cannot be armed.
func (q *timerQueue) schedule(t *Timer) error {
	if t.fireDelay <= 0 {
		return errInvalidTimer
	}
	if t.entry != nil {
		return errInvalidTimer
	}
	t.q = q
	q.push(t, q.clk.Now().Add(t.fireDelay))
	return nil
}

func (q *timerQueue) push(t *Timer, fireTime time.Time) {
	q.seq++
	e := &timerEntry{t: t, fireTime: fireTime, seq: q.seq}
	t.entry = e
	heap.Push(&q.heap, e)
	q.armed++
}

// invalidate tombstones t's live heap entry, if any.
func (q *timerQueue) invalidate(t *Timer) {
	if t.entry == nil {
		return
	}
	t.entry.dead = true
	t.entry = nil
	q.armed--
}

// peek returns the earliest live entry, discarding dead entries on the way.
func (q *timerQueue) peek() *timerEntry {
	for q.heap.Len() > 0 {
		e := q.heap[0]
		if !e.dead {
			return e
		}
		heap.Pop(&q.heap)
	}
	return nil
}

// nextFireDelay returns the delay until the earliest live timer, or
// NoTimerDelay when none is armed.
func (q *timerQueue) nextFireDelay() time.Duration {
	e := q.peek()
	if e == nil {
		return NoTimerDelay
	}
	d := e.fireTime.Sub(q.clk.Now())
	if d < 0 {
		d = 0
	}
	return d
}

// expired reports whether the earliest live timer is due.
func (q *timerQueue) expired() bool {
	e := q.peek()
	if e == nil {
		return false
	}
	return !e.fireTime.After(q.clk.Now().Add(timerEpsilon))
}

// fire pops and fires the earliest live timer. The timer's fireDelay is
// cleared before its callback runs, so a one-shot that does not reschedule
// stays disarmed. Repeating timers re-arm at the next scheduled instant
// strictly after now: delayed callbacks never replay missed ticks.
func (q *timerQueue) fire() {
	e := q.peek()
	if e == nil {
		return
	}
	heap.Pop(&q.heap)
	q.armed--
	t := e.t
	t.entry = nil

	t.fireDelay = 0
	t.firing = true
	t.callback(t)
	t.firing = false

	switch {
	case t.entry != nil:
		// Callback re-armed the timer itself.
	case t.fireDelay > 0:
		// Callback asked for another shot.
		q.push(t, q.clk.Now().Add(t.fireDelay))
	case t.interval > 0:
		now := q.clk.Now()
		next := e.fireTime.Add(t.interval)
		if !next.After(now) {
			missed := now.Sub(e.fireTime) / t.interval
			next = e.fireTime.Add((missed + 1) * t.interval)
		}
		q.push(t, next)
	}
}

// clear drops every entry and disarms their timers.
func (q *timerQueue) clear() {
	for _, e := range q.heap {
		if !e.dead {
			e.t.entry = nil
		}
	}
	q.heap = nil
	q.armed = 0
}

// entryHeap orders entries by fire time, then by insertion order.
type entryHeap []*timerEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].fireTime.Equal(h[j].fireTime) {
		return h[i].fireTime.Before(h[j].fireTime)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
