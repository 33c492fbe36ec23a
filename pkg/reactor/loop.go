//go:build linux

// Package reactor implements the single-threaded, readiness-driven I/O
// supervisor at the heart of the relay: one goroutine owns an epoll instance,
// fans out readable/writable events to whatever registered them, and runs
// every plugin callback inline. Nothing here blocks; all sockets it touches
// must already be nonblocking.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Standard loop errors.
var (
	ErrLoopAlreadyRunning = errors.New("reactor: loop is already running")
	ErrLoopClosed         = errors.New("reactor: loop is closed")
	ErrReentrantRun       = errors.New("reactor: Run called from within the loop goroutine")
)

// Task is work posted onto the loop goroutine via Submit. Tasks run with the
// same non-reentrancy guarantees as an I/O callback: no task may block the
// loop. Tasks run from the wake-up fd's callback during a poll's dispatch,
// so they may run before or after the callbacks of other fds reported ready
// by that same poll.
type Task func()

// Loop is the engine's event loop driver (component 4.3 of the design: it
// owns the epoll instance, arms/disarms read and write interest per socket,
// and is the only goroutine that ever touches a registered fd).
type Loop struct {
	poller epollPoller

	wakeFD int

	mu      sync.Mutex
	pending []Task

	goroutineID atomic.Uint64
	running     atomic.Bool
	closed      atomic.Bool
}

// New creates a Loop with its epoll instance and wake-up eventfd initialized,
// but not yet running; call Run to start servicing events.
func New() (*Loop, error) {
	l := &Loop{wakeFD: -1}

	if err := l.poller.init(); err != nil {
		return nil, err
	}

	wakeFD, err := createWakeFD()
	if err != nil {
		_ = l.poller.close()
		return nil, err
	}
	l.wakeFD = wakeFD

	if err := l.poller.RegisterFD(wakeFD, EventRead, func(IOEvents) {
		drainWakeFD(wakeFD)
		l.drainPending()
	}); err != nil {
		_ = closeFD(wakeFD)
		_ = l.poller.close()
		return nil, err
	}

	return l, nil
}

// RegisterFD arms the loop to invoke cb whenever fd reports one of events.
// The loop never calls this itself; acceptor and session code register their
// sockets explicitly. Each fd has one registration and one callback, so a
// session's read and write interest share a single entry that ModifyFD
// toggles.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return l.poller.RegisterFD(fd, events, cb)
}

// UnregisterFD removes fd from the poller. Idempotent at the session layer's
// call site: close paths call this even when a watcher may already be
// disarmed, and ErrFDNotRegistered is treated as success by callers.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD changes which events fd is armed for, without a full
// unregister/register round trip (used to toggle read interest on
// pause/resume and write interest as pending_out transitions to/from empty).
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}

// Submit queues task to run on the loop goroutine at the next opportunity.
// Safe to call from any goroutine, including from inside another Task or I/O
// callback (in which case the task simply runs on a later pass).
func (l *Loop) Submit(task Task) {
	if task == nil || l.closed.Load() {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()
	signalWakeFD(l.wakeFD)
}

func (l *Loop) drainPending() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, t := range tasks {
		t()
	}
}

// isLoopThread reports whether the calling goroutine is the one running Run.
func (l *Loop) isLoopThread() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// Run drives the loop until ctx is cancelled or Close is called. It blocks
// the calling goroutine and must not be invoked re-entrantly.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.running.Store(false)

	l.goroutineID.Store(currentGoroutineID())
	defer l.goroutineID.Store(0)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Submit(func() {})
			close(stop)
		case <-stop:
		}
	}()
	defer func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if l.closed.Load() {
			return nil
		}

		if _, err := l.poller.PollIO(-1); err != nil {
			return err
		}
	}
}

// Close tears down the epoll instance and wake fd. Run returns once the
// in-flight poll observes the closed flag; callers that want a synchronous
// stop should cancel the context passed to Run instead.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	signalWakeFD(l.wakeFD)
	err := l.poller.close()
	if cerr := closeFD(l.wakeFD); err == nil {
		err = cerr
	}
	return err
}
