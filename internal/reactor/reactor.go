// Package reactor implements the single-threaded event loop that drives
// every other component in the daemon: HTTP I/O callbacks, action-queue
// timers, and SIGCHLD delivery all run as tasks posted to one reactor
// goroutine, so no two callbacks ever execute concurrently with each
// other. This is the Go idiom for the C++ original's boost::asio
// io_context: a single consumer goroutine draining a mailbox, rather
// than a thread pinned to an event loop.
package reactor

import (
	"context"
	"sync"
	"time"
)

// Reactor is a single-threaded task dispatcher. All Post'd functions and
// all Timer callbacks run strictly one at a time, in the order the
// reactor goroutine observes them becoming ready. There is exactly one
// Reactor per running daemon (§4.1, §5 of the specification).
type Reactor struct {
	tasks chan func()
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

// New creates a Reactor with the given task mailbox depth. A depth of 0
// makes Post synchronous with the loop goroutine; callers that need to
// enqueue from many concurrent goroutines (HTTP connections, the SIGCHLD
// watcher) should use a depth large enough to avoid backpressure on
// hot paths, which is why the daemon constructs this with a few hundred
// slots of headroom.
func New(mailboxDepth int) *Reactor {
	return &Reactor{
		tasks: make(chan func(), mailboxDepth),
		done:  make(chan struct{}),
	}
}

// Post schedules fn to run on the reactor goroutine. Safe to call from
// any goroutine, including from within another task running on the
// reactor itself (fn runs after the caller returns). Post is a no-op
// once the reactor has stopped.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	select {
	case r.tasks <- fn:
	case <-r.done:
	}
}

// Call runs fn on the reactor goroutine and blocks the caller until it
// completes. This is the bridge used by HTTP handlers, which run on
// Go's own per-connection goroutines, to touch state (the action
// queue, the counters) that must only ever be mutated from the reactor
// goroutine.
func (r *Reactor) Call(fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-r.done:
	}
}

// Run drains the task mailbox until Stop is called or ctx is cancelled.
// Run returns after the currently ready tasks finish; it does not wait
// for tasks Post'd after Stop.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.done:
			r.drainReady()
			return nil
		case <-ctx.Done():
			r.Stop()
			r.drainReady()
			return ctx.Err()
		}
	}
}

// drainReady runs any tasks that are already buffered without blocking,
// so a Stop doesn't abandon work a caller assumed would still run this
// tick.
func (r *Reactor) drainReady() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		default:
			return
		}
	}
}

// Stop causes Run to return once currently buffered tasks are drained.
// Idempotent.
func (r *Reactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.done)
}

// Timer is a cancellable one-shot callback scheduled on the reactor.
type Timer struct {
	t *time.Timer
}

// After schedules fn to run on the reactor goroutine after d elapses.
// The returned Timer's Stop cancels delivery if it hasn't fired yet;
// Stop is safe to call even after the timer has already fired.
func (r *Reactor) After(d time.Duration, fn func()) *Timer {
	t := time.AfterFunc(d, func() {
		r.Post(fn)
	})
	return &Timer{t: t}
}

// Stop cancels the timer. Returns false if the timer already fired or
// was already stopped.
func (tm *Timer) Stop() bool {
	if tm == nil || tm.t == nil {
		return false
	}
	return tm.t.Stop()
}
