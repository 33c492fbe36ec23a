//go:build linux

// Package relay implements the relay table, acceptor, and per-session
// read/write/callback-bus logic described in spec §4.2, §4.4, and §4.5. It
// is the component that turns readiness events delivered by pkg/reactor
// into plugin fan-out and socket I/O.
package relay

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/luckypoem/tcp-chain/internal/observability"
	"github.com/luckypoem/tcp-chain/pkg/reactor"
	"github.com/luckypoem/tcp-chain/pkg/relayplugin"
)

// listenBacklog is small by design (spec §6): this is a transparent
// interception point, not an outward-facing server under load.
const listenBacklog = 2

// Engine wires the relay table, the event loop, and the loaded plugin hook
// table together. It is the Acceptor (§4.4) and the Callback Bus (§4.5) in
// one type, since both need the same table/loop/hooks to do their work.
type Engine struct {
	loop  *reactor.Loop
	table *Table
	hooks []relayplugin.Hooks
	log   observability.Logger

	bufferSize int
	listenFD   int

	// resolveDest recovers the pre-redirect destination for an accepted fd.
	// Defaults to the real SO_ORIGINAL_DST query; tests substitute a stub
	// since plain loopback connections carry no conntrack redirect state.
	resolveDest func(fd int) (netip.AddrPort, error)
}

// NewEngine constructs an Engine over an already-created loop and table.
// hooks is the bound plugin hook table, in discovery order; that order is
// the permanent fan-out order for the engine's lifetime.
func NewEngine(loop *reactor.Loop, table *Table, hooks []relayplugin.Hooks, bufferSize int, log observability.Logger) *Engine {
	return &Engine{loop: loop, table: table, hooks: hooks, bufferSize: bufferSize, log: log, listenFD: -1, resolveDest: originalDestination}
}

// InitPlugins invokes on_init exactly once per plugin (spec §4.1), handing
// each its stable id and the three Callback Bus entry points bound to this
// Engine. Must be called once, after every plugin is registered and before
// Listen/Run.
func (e *Engine) InitPlugins() {
	for i := range e.hooks {
		h := e.hooks[i].OnInit
		if h == nil {
			continue
		}
		h(relayplugin.InitContext{
			PluginID: relayplugin.PluginID(i),
			Host: relayplugin.Host{
				Send:      e.relaySendSession,
				Close:     e.relayCloseSession,
				PauseRecv: e.relayPauseRecvSession,
			},
			Loop: e.loop,
		})
	}
}

// Listen opens, binds, and arms the listening socket on port (spec §6: TCP
// 3033, all interfaces, IPv4, backlog 2). Must be called before loop.Run.
func (e *Engine) Listen(port uint16) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("relay: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("relay: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("relay: bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("relay: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("relay: set nonblocking: %w", err)
	}

	e.listenFD = fd
	return e.loop.RegisterFD(fd, reactor.EventRead, e.onAcceptable)
}

// Addr reports the listening socket's bound address, useful when Listen was
// called with port 0 (as tests do) to let the kernel pick one.
func (e *Engine) Addr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(e.listenFD)
	if err != nil {
		return netip.AddrPort{}, err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("relay: unexpected sockaddr type %T", sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}

// Close releases the listening socket. In-flight sessions are unaffected;
// they continue to be driven by the loop until they close independently.
func (e *Engine) Close() error {
	if e.listenFD < 0 {
		return nil
	}
	_ = e.loop.UnregisterFD(e.listenFD)
	err := unix.Close(e.listenFD)
	e.listenFD = -1
	return err
}

// onAcceptable implements spec §4.4.
func (e *Engine) onAcceptable(reactor.IOEvents) {
	clientFD, _, err := unix.Accept(e.listenFD)
	if err != nil {
		// Spurious wake-up or a transient accept error; the listener stays
		// armed and the event is simply dropped (§4.4 "Error edge").
		return
	}

	if err := unix.SetNonblock(clientFD, true); err != nil {
		_ = unix.Close(clientFD)
		return
	}
	// Tolerates spurious errors re-asserting nonblocking on the listener.
	_ = unix.SetNonblock(e.listenFD, true)

	dst, err := e.resolveDest(clientFD)
	if err != nil {
		e.log.Warn("original destination recovery failed, dropping connection", "err", err)
		_ = unix.Close(clientFD)
		return
	}

	src := peerAddr(clientFD)

	id, err := e.table.Allocate(clientFD, src, dst, len(e.hooks))
	if err != nil {
		e.log.Warn("relay table full, dropping connection", "err", err, "capacity", e.table.Cap())
		_ = unix.Close(clientFD)
		return
	}
	slot := e.table.Get(id)

	for i := range e.hooks {
		if h := e.hooks[i].OnConnect; h != nil {
			h(&slot.PluginState[i])
		}
		if !slot.Active {
			// A plugin closed the session from within on_connect.
			return
		}
	}

	if err := e.loop.RegisterFD(clientFD, reactor.EventRead, func(ev reactor.IOEvents) {
		e.onEvent(id, ev)
	}); err != nil {
		e.relayClose(id)
		return
	}
	slot.ReadArmed = true

	e.log.Info("session accepted", "src", src, "dst", dst, "live", e.table.Len())
}

// peerAddr resolves the accepted socket's peer address; failure leaves a
// zero-value AddrPort, which is non-fatal (src_addr is informational).
func peerAddr(fd int) netip.AddrPort {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
}

// onEvent fans a single epoll readiness notification out into the
// write-then-read order. Writing first drains pending_out before more bytes
// are accepted, which matches "byte-order is FIFO" without requiring two
// separate epoll registrations per fd (see pkg/reactor's one-fd,
// one-callback model — an adaptation of libev's per-watcher dispatch).
func (e *Engine) onEvent(id int, ev reactor.IOEvents) {
	slot := e.table.Get(id)
	if !slot.Active {
		return
	}
	if ev&reactor.EventWrite != 0 {
		e.onWritable(id)
		if slot = e.table.Get(id); !slot.Active {
			return
		}
	}
	if ev&reactor.EventRead != 0 {
		e.onReadable(id)
	}
}
