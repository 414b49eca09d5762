package loop

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil).Start()
	t.Cleanup(l.Close)
	return l
}

func TestDispatchRunsInOrder(t *testing.T) {
	l := newTestLoop(t)

	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		l.Dispatch(func() {
			got = append(got, i)
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestDispatchFromTaskRunsAfterTask(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	err := l.Call(func() {
		l.Dispatch(func() { order = append(order, "inner") })
		order = append(order, "outer")
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	// Flush the inner task.
	if err := l.Call(func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("order = %v, want [outer inner]", order)
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := newTestLoop(t)

	l.Dispatch(func() { panic("boom") })

	ran := false
	if err := l.Call(func() { ran = true }); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !ran {
		t.Fatal("expected task after panic to run")
	}
}

func TestCallAfterClose(t *testing.T) {
	l := New(nil).Start()
	l.Close()

	if err := l.Call(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() error = %v, want ErrClosed", err)
	}
	if l.Dispatch(func() {}) {
		t.Fatal("Dispatch() on closed loop should return false")
	}
}

func TestAfterFuncFires(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStopPreventsRun(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan struct{}, 1)
	timer := l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	if !timer.Stop() {
		t.Fatal("Stop() = false, want true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true, want false")
	}

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerStopAfterQueued(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	var timer *Timer
	block := make(chan struct{})
	// Hold the loop so the timer task queues behind this one.
	l.Dispatch(func() { <-block })
	timer = l.AfterFunc(0, func() { fired = true })
	time.Sleep(20 * time.Millisecond)
	l.Dispatch(func() { timer.Stop() })
	close(block)

	// Ordering: block task, timer task, stop task. The timer task was queued
	// first, so it runs. Queue a stop ahead of a second timer instead.
	if err := l.Call(func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !fired {
		t.Fatal("expected timer queued before Stop to run")
	}

	fired = false
	block2 := make(chan struct{})
	l.Dispatch(func() { <-block2 })
	timer = l.AfterFunc(0, func() { fired = true })
	time.Sleep(20 * time.Millisecond)
	timer.Stop()
	close(block2)
	if err := l.Call(func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if fired {
		t.Fatal("timer stopped while queued must not run")
	}
}

func TestNilTimerStop(t *testing.T) {
	var timer *Timer
	if timer.Stop() {
		t.Fatal("nil Stop() = true, want false")
	}
}
