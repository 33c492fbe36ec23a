//go:build linux

package reactor

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-indexed FD lookup. A transparent relay listens on a
// single well-known port and never expects to see descriptors anywhere near
// this ceiling; the bound exists to keep RegisterFD O(1) without a map.
const maxFDs = 65536

// IOEvents is a bitmask of readiness conditions reported by the poller.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// Standard poller errors.
var (
	ErrFDOutOfRange        = errors.New("reactor: fd out of range")
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrFDNotRegistered     = errors.New("reactor: fd not registered")
	ErrPollerClosed        = errors.New("reactor: poller closed")
)

// IOCallback is invoked on the loop goroutine when a registered fd reports
// one of the events it was armed for.
type IOCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// epollPoller manages I/O event registration using epoll.
//
// Unlike a general-purpose poller meant to be driven from arbitrary
// goroutines, this spec's concurrency model (§5: "Per-session state is
// mutated only from the loop thread") means every RegisterFD/UnregisterFD/
// ModifyFD call is either (a) one-time setup before Run starts — the
// listening socket in Engine.Listen — or (b) issued synchronously from
// inside a callback during PollIO's dispatch once the loop is running: the
// acceptor registers a new session's fd from inside onAcceptable, and the
// read/write paths arm/disarm interest from inside onReadable/onWritable
// (see internal/relay's callers). Either way there is a single goroutine touching
// the fds table at any given time, with a happens-before edge between setup
// and the first PollIO call, so no lock is needed. The only field genuinely
// touched cross-goroutine is closed, flipped by Loop.Close from whatever
// goroutine calls it while the loop goroutine may be blocked in EpollWait;
// that one stays atomic.
type epollPoller struct {
	epfd     int32
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	closed   atomic.Bool
}

// init initializes the epoll instance.
func (p *epollPoller) init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

// close closes the epoll instance.
func (p *epollPoller) close() error {
	p.closed.Store(true)
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

// RegisterFD registers a file descriptor for I/O event monitoring. Must be
// called from the loop goroutine.
func (p *epollPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fds[fd] = fdInfo{}
		return err
	}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring. It is safe to call
// more than once; a second call is a no-op reported as ErrFDNotRegistered.
// Must be called from the loop goroutine.
func (p *epollPoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	if !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD updates the events being monitored for a file descriptor. Must be
// called from the loop goroutine.
func (p *epollPoller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	if !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// PollIO blocks for up to timeoutMs (or indefinitely, if negative) and
// dispatches any ready callbacks inline on the calling goroutine. Returns
// the number of FDs that reported readiness. Must be called from the loop
// goroutine.
func (p *epollPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	p.dispatchEvents(n)
	return n, nil
}

// dispatchEvents runs inline on the loop goroutine. A callback invoked here
// may itself call UnregisterFD/ModifyFD on a later entry in this same batch
// (e.g. a session closing a different fd mid fan-out); since dispatch reads
// p.fds[fd] fresh for every entry rather than off a snapshot taken before
// the wait, that mutation is observed correctly without any extra guard.
func (p *epollPoller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		info := p.fds[fd]
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
