package reactor

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a Scheduler driven by hand in virtual time. Nothing runs until
// Drain or Advance is called, which makes loop behaviour deterministic in
// tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers timerHeap
	seq    uint64
	posted []func()
}

// NewManual starts the virtual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &timer{deadline: m.now.Add(d), seq: m.seq, fn: fn, owner: &m.mu}
	heap.Push(&m.timers, t)
	return t
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

// Pending returns the number of live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Drain runs posted callbacks and timers due at the current virtual time
// until none are left.
func (m *Manual) Drain() {
	for m.runOne() {
	}
}

// Advance moves the clock forward by d, firing every timer that falls due on
// the way at its own deadline, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.Drain()
		m.mu.Lock()
		next := m.nextLiveLocked()
		if next == nil || next.deadline.After(target) {
			m.now = target
			m.mu.Unlock()
			m.Drain()
			return
		}
		m.now = next.deadline
		m.mu.Unlock()
	}
}

func (m *Manual) nextLiveLocked() *timer {
	for {
		next := m.timers.peek()
		if next == nil || !next.stopped {
			return next
		}
		heap.Pop(&m.timers)
	}
}

func (m *Manual) runOne() bool {
	m.mu.Lock()
	if len(m.posted) > 0 {
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()
		fn()
		return true
	}
	next := m.nextLiveLocked()
	if next == nil || next.deadline.After(m.now) {
		m.mu.Unlock()
		return false
	}
	heap.Pop(&m.timers)
	next.fired = true
	m.mu.Unlock()
	next.fn()
	return true
}

// DrainUntil keeps draining until cond holds or timeout passes. Callbacks
// posted by other goroutines (transport readers, probes) arrive
// asynchronously, so tests wait for the state they expect rather than for a
// number of callbacks. cond runs on the calling goroutine, like callbacks.
func (m *Manual) DrainUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.Drain()
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
