// Package loop provides the single logical thread on which all dispute and
// persistence state is mutated.
//
// Message arrivals, timer callbacks and completion callbacks are all funneled
// through a Scheduler so that Dispute and DisputeList values are never touched
// by two goroutines at once. The only other goroutines in the subsystem are
// the per-file persistence writers, which only ever see immutable bytes.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Stop cancels the callback. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

// Scheduler runs callbacks on the logical thread.
type Scheduler interface {
	// Execute queues fn to run on the logical thread. Safe to call from any goroutine.
	Execute(fn func())
	// After queues fn to run on the logical thread once d has elapsed.
	After(d time.Duration, fn func()) Task
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// Loop is the production Scheduler: one goroutine draining an unbounded FIFO.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	running atomic.Bool
	stopped atomic.Bool
}

// New creates a loop. Call Run in a goroutine to start it.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "loop"),
	}
}

// Execute implements Scheduler.
func (l *Loop) Execute(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After implements Scheduler.
func (l *Loop) After(d time.Duration, fn func()) Task {
	t := &timerTask{}
	t.timer = time.AfterFunc(d, func() {
		l.Execute(func() {
			if t.cancelled.Load() {
				return
			}
			t.fired.Store(true)
			fn()
		})
	})
	return t
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run drains the queue until ctx is cancelled or Stop is called. Callbacks
// already queued when the loop is asked to stop are still executed.
func (l *Loop) Run(ctx context.Context) {
	l.running.Store(true)
	defer func() {
		l.running.Store(false)
		close(l.done)
	}()

	for {
		l.drain()
		select {
		case <-ctx.Done():
			l.drain()
			return
		case <-l.stop:
			l.drain()
			return
		case <-l.wake:
		}
	}
}

// Stop signals Run to exit after draining. It is safe to call more than once.
func (l *Loop) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		close(l.stop)
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.safeRun(fn)
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic on logical thread", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

type timerTask struct {
	timer     *time.Timer
	fired     atomic.Bool
	cancelled atomic.Bool
}

func (t *timerTask) Stop() bool {
	t.timer.Stop()
	if t.fired.Load() {
		return false
	}
	return t.cancelled.CompareAndSwap(false, true)
}
