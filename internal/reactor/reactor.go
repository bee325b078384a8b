// Package reactor provides the single-threaded cooperative event loop the
// control loops run on.
//
// Every callback (timer fire, posted transport event) runs to completion on
// the loop goroutine before the next one starts, so loop state needs no
// locks. Code running on the loop never blocks on I/O; it hands blocking
// work to a goroutine and Posts the result back.
package reactor

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler is what control loops depend on. Reactor is the production
// implementation; Manual drives the same loops in virtual time for tests.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time
	// Schedule runs fn on the loop after d. Timers fire in non-decreasing
	// deadline order; equal deadlines fire in scheduling order.
	Schedule(d time.Duration, fn func()) Timer
	// Post queues fn to run on the loop. Safe from any goroutine; callbacks
	// posted by one goroutine run in the order they were posted.
	Post(fn func())
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Reactor runs callbacks on a single goroutine started by Run.
type Reactor struct {
	mu     sync.Mutex
	timers timerHeap
	seq    uint64
	posted []func()
	wake   chan struct{}
	now    func() time.Time
}

// New creates an idle reactor. Nothing runs until Run is called.
func New() *Reactor {
	return &Reactor{wake: make(chan struct{}, 1), now: time.Now}
}

func (r *Reactor) Now() time.Time { return r.now() }

func (r *Reactor) Schedule(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	r.seq++
	t := &timer{deadline: r.now().Add(d), seq: r.seq, fn: fn, owner: &r.mu}
	heap.Push(&r.timers, t)
	r.mu.Unlock()
	r.signal()
	return t
}

func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.posted = append(r.posted, fn)
	r.mu.Unlock()
	r.signal()
}

// Call runs fn on the loop and waits for it to finish. It is how code outside
// the loop (the status API) reads loop-owned state.
func (r *Reactor) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes callbacks until ctx is done. Pending timers are dropped.
func (r *Reactor) Run(ctx context.Context) error {
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		for r.step() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait := time.Hour
		r.mu.Lock()
		if next := r.timers.peek(); next != nil {
			wait = next.deadline.Sub(r.now())
		}
		r.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-idle.C:
		}
	}
}

// step runs one unit of work: the oldest posted callback, or else the
// earliest due timer. It reports whether anything ran.
func (r *Reactor) step() bool {
	r.mu.Lock()
	if len(r.posted) > 0 {
		fn := r.posted[0]
		r.posted[0] = nil
		r.posted = r.posted[1:]
		r.mu.Unlock()
		fn()
		return true
	}
	t := r.popDueLocked(r.now())
	r.mu.Unlock()
	if t == nil {
		return false
	}
	t.fn()
	return true
}

// popDueLocked removes and returns the earliest timer whose deadline has
// passed, skipping stopped ones.
func (r *Reactor) popDueLocked(now time.Time) *timer {
	for {
		next := r.timers.peek()
		if next == nil || next.deadline.After(now) {
			return nil
		}
		heap.Pop(&r.timers)
		if next.stopped {
			continue
		}
		next.fired = true
		return next
	}
}

type timer struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	stopped  bool
	fired    bool
	owner    *sync.Mutex
}

func (t *timer) Stop() bool {
	t.owner.Lock()
	defer t.owner.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// timerHeap orders by deadline, then by scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
func (h timerHeap) peek() *timer {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
