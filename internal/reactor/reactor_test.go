package reactor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReactorTimerOrder(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}
	}
	done := make(chan struct{})

	// Scheduled out of order; equal deadlines keep scheduling order.
	r.Schedule(30*time.Millisecond, record(3))
	r.Schedule(10*time.Millisecond, record(1))
	r.Schedule(20*time.Millisecond, record(2))
	r.Schedule(40*time.Millisecond, func() { close(done) })

	go r.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expect [1 2 3], got %v", got)
	}
}

func TestReactorStopTimer(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	tm := r.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	if !tm.Stop() {
		t.Fatal("expect Stop to report a pending timer")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	done := make(chan struct{})
	r.Schedule(50*time.Millisecond, func() { close(done) })
	go r.Run(ctx)

	<-done
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestReactorPostOrderAndCall(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	var got []int
	for i := 0; i < 100; i++ {
		n := i
		r.Post(func() { got = append(got, n) })
	}

	var n int
	if err := r.Call(ctx, func() { n = len(got) }); err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("expect 100 callbacks before Call, got %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("posted callbacks reordered at %d: %v", i, v)
		}
	}
}

func TestReactorRunStopsOnCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expect context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	var fires []time.Duration
	var tick func()
	tick = func() {
		fires = append(fires, m.Now().Sub(start))
		if len(fires) < 3 {
			m.Schedule(5*time.Second, tick)
		}
	}
	m.Schedule(5*time.Second, tick)

	m.Advance(4 * time.Second)
	if len(fires) != 0 {
		t.Fatalf("expect no fires before deadline, got %v", fires)
	}
	m.Advance(20 * time.Second)
	if len(fires) != 3 {
		t.Fatalf("expect 3 fires, got %v", fires)
	}
	for i, want := range []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second} {
		if fires[i] != want {
			t.Fatalf("fire %d at %v, expect %v", i, fires[i], want)
		}
	}
	if m.Now().Sub(start) != 24*time.Second {
		t.Fatalf("expect clock at 24s, got %v", m.Now().Sub(start))
	}
	if m.Pending() != 0 {
		t.Fatalf("expect no pending timers, got %d", m.Pending())
	}
}

func TestManualStoppedTimerDoesNotFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	tm := m.Schedule(time.Second, func() { fired = true })
	tm.Stop()
	m.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}
