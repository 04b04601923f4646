// Package queue implements the serial action queue: a FIFO of actions
// owned exclusively by the queue, run one at a time, with a two-stage
// terminate→kill timeout escalation for the head action. There is
// exactly one Queue per daemon (§4.3, §5 of the specification).
package queue

import (
	"log/slog"
	"time"

	"github.com/tjfontaine/gitlab-hookshot/internal/process"
	"github.com/tjfontaine/gitlab-hookshot/internal/reactor"
)

// killGrace is the fixed delay between SIGTERM and SIGKILL once an
// action's own timeout has elapsed (§4.3).
const killGrace = 1 * time.Second

// Kind distinguishes the two payload variants an Action can carry.
type Kind int

const (
	KindProcess Kind = iota
	KindFunc
)

// Action is a queued unit of work. Exactly one of Descriptor (for
// KindProcess) or Func (for KindFunc) is set.
type Action struct {
	Name       string
	Kind       Kind
	Descriptor process.Descriptor
	Func       func() error
	Timeout    time.Duration
}

// state is the timeout escalation state machine for the head action
// (§4.3): Idle, Running, Terminating, Killing.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateTerminating
	stateKilling
)

// Counters are the monotone process-lifetime counters exposed by the
// status endpoint (§3, §6).
type Counters struct {
	RequestsReceived   uint64
	RequestsWellFormed uint64
	ActionsScheduled   uint64
	ActionsExecuted    uint64
	ActionsFailed      uint64
	LastFailure        time.Time
}

// Queue is the process-global serial action queue. All of its methods
// must only be called from the reactor goroutine, Append included:
// callers on other goroutines reach it through reactor.Call.
type Queue struct {
	reactor    *reactor.Reactor
	supervisor *process.Supervisor
	logger     *slog.Logger

	pending []*Action
	state   state
	pid     int

	terminateTimer *reactor.Timer
	killTimer      *reactor.Timer

	Counters Counters
}

// New constructs the single Queue instance for a daemon.
func New(r *reactor.Reactor, supervisor *process.Supervisor, logger *slog.Logger) *Queue {
	return &Queue{
		reactor:    r,
		supervisor: supervisor,
		logger:     logger,
		state:      stateIdle,
	}
}

// Append enqueues action. If the queue was empty, it schedules an
// immediate "execute next" reactor event rather than running inline,
// so a caller is never re-entered from its own stack (§4.3).
//
// Must be called on the reactor goroutine (use reactor.Call from an
// HTTP handler).
func (q *Queue) Append(a *Action) {
	q.Counters.ActionsScheduled++
	wasEmpty := len(q.pending) == 0
	q.pending = append(q.pending, a)
	if wasEmpty && q.state == stateIdle {
		q.reactor.Post(q.executeNext)
	}
}

// Len reports the number of actions still pending, including one
// currently running. Exposed for tests and the status page.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Idle reports whether nothing is pending and no action is running or
// mid-escalation. A reload waits for this before tearing down the
// daemon context that owns the queue.
func (q *Queue) Idle() bool {
	return q.state == stateIdle && len(q.pending) == 0
}

func (q *Queue) executeNext() {
	if len(q.pending) == 0 || q.state != stateIdle {
		return
	}

	head := q.pending[0]
	q.state = stateRunning
	q.logger.Info("executing hook", slog.String("name", head.Name))

	switch head.Kind {
	case KindFunc:
		err := runFunc(head.Func)
		q.finish(head, err, 0)
	case KindProcess:
		q.startProcess(head)
	}
}

func runFunc(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &recoveredPanicError{value: r}
		}
	}()
	return fn()
}

type recoveredPanicError struct{ value any }

func (e *recoveredPanicError) Error() string {
	return "action function panicked"
}

func (q *Queue) startProcess(head *Action) {
	pid, err := q.supervisor.Start(head.Descriptor, func(err error, exitCode int) {
		q.onProcessCompletion(head, err, exitCode)
	})
	if err != nil {
		q.finish(head, err, -1)
		return
	}

	q.pid = pid
	q.terminateTimer = q.reactor.After(head.Timeout, func() {
		q.onTerminateTimeout(head)
	})
}

func (q *Queue) onProcessCompletion(head *Action, err error, exitCode int) {
	q.terminateTimer.Stop()
	q.killTimer.Stop()
	q.finish(head, err, exitCode)
}

func (q *Queue) onTerminateTimeout(head *Action) {
	if q.state != stateRunning {
		return
	}
	q.state = stateTerminating
	if err := q.supervisor.Terminate(q.pid); err != nil {
		q.logger.Warn("terminate failed", slog.String("name", head.Name), slog.Any("error", err))
	}
	q.killTimer = q.reactor.After(killGrace, func() {
		q.onKillTimeout(head)
	})
}

func (q *Queue) onKillTimeout(head *Action) {
	if q.state != stateTerminating {
		return
	}
	q.state = stateKilling
	if err := q.supervisor.Kill(q.pid); err != nil {
		q.logger.Warn("kill failed", slog.String("name", head.Name), slog.Any("error", err))
	}
	q.finish(head, &timeoutError{name: head.Name}, -1)
}

// timeoutError reports an action that exceeded its timeout and was
// escalated to SIGKILL (§7 TimeoutError).
type timeoutError struct{ name string }

func (e *timeoutError) Error() string {
	return "action " + e.name + " timed out"
}

func (q *Queue) finish(head *Action, err error, exitCode int) {
	if len(q.pending) == 0 || q.pending[0] != head {
		return
	}
	q.pending = q.pending[1:]
	q.state = stateIdle
	q.pid = 0

	if err != nil {
		q.Counters.ActionsFailed++
		q.Counters.LastFailure = time.Now()
		q.logger.Warn("hook failed",
			slog.String("name", head.Name),
			slog.Any("error", err),
			slog.Int("exit_code", exitCode))
	} else {
		q.logger.Info("hook completed",
			slog.String("name", head.Name),
			slog.Int("exit_code", exitCode))
	}
	q.Counters.ActionsExecuted++

	if len(q.pending) > 0 {
		q.reactor.Post(q.executeNext)
	}
}
