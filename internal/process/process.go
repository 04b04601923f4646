// Package process is the child-process supervisor: it forks and execs
// external commands, tracks them in a live map keyed by pid, and
// reaps exits with a persistent SIGCHLD watcher that drains
// every exited child in a loop rather than assuming one signal means
// one child (the known Linux SIGCHLD-coalescing race called out in
// the specification's design notes).
package process

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tjfontaine/gitlab-hookshot/internal/reactor"
)

// Descriptor fully describes a child process before fork: the program
// path, its argv (program is argv[0]), a fully materialized "K=V"
// environment vector, and optional uid/gid to drop into. Descriptor
// values must be built before fork; nothing in Start may allocate or
// take a lock between fork and execve in the child.
type Descriptor struct {
	Program string
	Argv    []string
	Env     []string

	// HasCredential, when true, drops privileges in the child to UID/GID
	// before execve.
	HasCredential bool
	UID           uint32
	GID           uint32
}

// CompletionFunc reports a child's outcome. err is nil for a clean
// exit (exitCode is its status); err is a *KilledError when the child
// died from a signal. CompletionFunc fires at most once per Start,
// never after Kill.
type CompletionFunc func(err error, exitCode int)

// KilledError reports a child that died from a signal (SIGTERM,
// SIGKILL, a core-dumping signal) rather than exiting normally.
type KilledError struct {
	Signal int
}

func (e *KilledError) Error() string {
	return fmt.Sprintf("process killed by signal %d", e.Signal)
}

type liveEntry struct {
	completion CompletionFunc
}

// Supervisor owns the live list of forked children and the SIGCHLD
// watcher that reaps them. There should be exactly one Supervisor per
// daemon; all of its methods except the internal reap loop must only
// be called from the reactor goroutine.
type Supervisor struct {
	reactor *reactor.Reactor

	mu   sync.Mutex
	live map[int]*liveEntry

	sigCh chan os.Signal
	stop  chan struct{}
}

// New creates a Supervisor bound to r. Call WatchSignals to begin
// watching SIGCHLD.
func New(r *reactor.Reactor) *Supervisor {
	return &Supervisor{
		reactor: r,
		live:    make(map[int]*liveEntry),
		sigCh:   make(chan os.Signal, 16),
		stop:    make(chan struct{}),
	}
}

// WatchSignals installs the persistent SIGCHLD handler. The handler
// itself only forwards delivery to the reactor goroutine; the reap
// work (draining waitid/wait4 until no child remains) happens there,
// never on the signal-delivery goroutine, to keep reaping serialized
// with every other reactor callback.
func (s *Supervisor) WatchSignals() {
	signal.Notify(s.sigCh, unix.SIGCHLD)
	go func() {
		for {
			select {
			case <-s.sigCh:
				s.reactor.Post(s.reap)
			case <-s.stop:
				return
			}
		}
	}()
}

// StopWatching tears down the SIGCHLD watcher. Safe to call once.
func (s *Supervisor) StopWatching() {
	signal.Stop(s.sigCh)
	close(s.stop)
}

// Start forks and execs desc, registering completion on the live list.
// In the child: all signals are unblocked, the uid/gid drop (if
// requested) happens via setgroups/setgid/setuid, then execve runs
// desc.Program with desc.Argv and desc.Env. On execve failure
// syscall.ForkExec passes the error back to the parent and Start
// returns it; the child prints no diagnostic of its own and exits
// with status 253.
//
// Must be called on the reactor goroutine.
func (s *Supervisor) Start(desc Descriptor, completion CompletionFunc) (int, error) {
	var cred *syscall.Credential
	if desc.HasCredential {
		cred = &syscall.Credential{Uid: desc.UID, Gid: desc.GID}
	}

	attr := &syscall.ProcAttr{
		Env: desc.Env,
		Files: []uintptr{0, 1, 2},
		Sys: &syscall.SysProcAttr{
			Credential: cred,
		},
	}

	pid, err := syscall.ForkExec(desc.Program, desc.Argv, attr)
	if err != nil {
		return 0, fmt.Errorf("fork/exec %s: %w", desc.Program, err)
	}

	s.mu.Lock()
	s.live[pid] = &liveEntry{completion: completion}
	s.mu.Unlock()

	return pid, nil
}

// Terminate sends SIGTERM to pid. The completion is left registered;
// it fires normally when the child exits.
func (s *Supervisor) Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid and unregisters its completion immediately,
// guaranteeing the completion will not fire even once the child is
// reaped.
func (s *Supervisor) Kill(pid int) error {
	s.mu.Lock()
	delete(s.live, pid)
	s.mu.Unlock()
	return unix.Kill(pid, unix.SIGKILL)
}

// reap drains exited children until wait4 reports none left. Runs on
// the reactor goroutine, so the live-list map needs no locking beyond
// what guards Start/Kill racing from other goroutines (there are none
// once all callers are disciplined to the reactor, but the mutex costs
// nothing and protects callers during tests that poke the live list
// directly).
func (s *Supervisor) reap() {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || wpid <= 0 {
			return
		}

		s.mu.Lock()
		entry, ok := s.live[wpid]
		if ok {
			delete(s.live, wpid)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		switch {
		case ws.Exited():
			entry.completion(nil, ws.ExitStatus())
		case ws.Signaled():
			entry.completion(&KilledError{Signal: int(ws.Signal())}, -1)
		default:
			entry.completion(fmt.Errorf("process %d: unrecognized wait status %#x", wpid, ws), -1)
		}
	}
}

// Live reports whether pid is still tracked. Exposed for tests.
func (s *Supervisor) Live(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[pid]
	return ok
}
