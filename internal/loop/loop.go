// Package loop provides the single-goroutine event loop that owns a client's
// protocol state.
//
// Every mutation of client and transport state happens inside a task run by
// the loop, one task at a time, so no further locking is needed. Network
// completions and timers never touch state directly: they Dispatch a task.
// A dispatched task always runs after the task that dispatched it returns,
// which is what gives callbacks their "never on the caller's stack" guarantee.
package loop

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Call once the loop has been closed.
var ErrClosed = errors.New("loop: closed")

// Loop runs dispatched functions sequentially on a single goroutine.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool

	logger *slog.Logger
}

// New creates a loop. Run must be called (usually as a goroutine) to start
// processing tasks.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the loop on a new goroutine and returns the loop.
func (l *Loop) Start() *Loop {
	go l.Run()
	return l
}

// Run processes tasks until Close is called.
func (l *Loop) Run() {
	for {
		select {
		case <-l.wake:
			for {
				fn, ok := l.next()
				if !ok {
					break
				}
				l.execute(fn)
			}

		case <-l.done:
			return
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}

// execute runs a task with panic recovery so one bad task cannot stop the loop.
func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Dispatch queues fn to run on the loop. The queue is unbounded and strictly
// FIFO. It returns false if the loop is closed.
func (l *Loop) Dispatch(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
//
// Call must not be used from inside a task: the loop would wait on itself.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	if !l.Dispatch(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Close stops the loop. Pending tasks are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.tasks = nil
	close(l.done)
}

// Done is closed when the loop is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a cancellable delayed task.
type Timer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, func() {
		l.Dispatch(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			fn()
		})
	})
	return t
}

// Stop cancels the timer. A stopped timer never runs its function, even when
// the underlying timer already fired and its task is waiting in the queue.
// It reports whether the call prevented the function from running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.timer.Stop()
	return !t.stopped.Swap(true)
}
