// Package relayplugin defines the stable ABI between the relay engine and
// its dynamically loaded filter modules. A plugin module is a Go plugin
// (built with -buildmode=plugin) that exports six package-level functions
// matching the Hooks fields; see the pluginhost loader for exactly how they
// are resolved and bound.
package relayplugin

import (
	"net/netip"

	"github.com/luckypoem/tcp-chain/pkg/reactor"
)

// PluginID is a plugin's stable index into the hook table, assigned in
// discovery order at load time and fixed for the process lifetime.
type PluginID int

// SlotID is a relay session's index into the relay table. It is stable for
// the lifetime of the session but is reused once the session is released;
// plugins must not retain a SlotID across an on_close callback and expect it
// to keep identifying the same session.
type SlotID int

// Buffer is the mutable view handed to OnRecv and OnSend: a plugin may call
// SetLen to shorten or, up to the underlying capacity, grow what subsequent
// plugins in the fan-out (and ultimately the engine) observe. This is the
// "mutable buffer descriptor (pointer, length, capacity)" the design calls
// for in place of a raw pointer-and-length pair.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer wraps data, exposing only the first n bytes as the buffer's
// current contents. Capacity is len(data).
func NewBuffer(data []byte, n int) *Buffer {
	return &Buffer{data: data, n: n}
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len reports the buffer's current length.
func (b *Buffer) Len() int {
	return b.n
}

// Cap reports the buffer's total capacity; SetLen can grow up to this bound
// without the engine reallocating under the plugin.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// SetLen resizes the buffer's visible contents to n bytes, which must be
// within [0, Cap()]. It reports whether the resize was accepted.
func (b *Buffer) SetLen(n int) bool {
	if n < 0 || n > len(b.data) {
		return false
	}
	b.n = n
	return true
}

// Session is the per-plugin, per-connection record handed to every hook. It
// mirrors the engine's relay slot but is a borrowed view: Data is the only
// field a plugin owns outright, and it is the plugin's responsibility to
// allocate it (typically in OnConnect) and release it in OnClose, since the
// engine neither reads nor frees it.
type Session struct {
	// PluginID identifies which plugin this record belongs to.
	PluginID PluginID
	// RelayID is the back-index into the relay table for the owning slot.
	// It is only valid while the slot is active; resolve it through Host on
	// every call rather than caching derived state across callbacks.
	RelayID SlotID

	// Data is opaque, plugin-owned per-session state.
	Data any

	// Shared is the session's shared_data scratch region, visible to every
	// plugin attached to this session. Plugins run serially and
	// cooperatively within a session, so no locking is required to use it.
	Shared []byte

	// Src is the peer address as seen by accept.
	Src netip.AddrPort
	// Dst is the recovered pre-redirect destination address.
	Dst netip.AddrPort

	// Takeovered is an advisory flag: a plugin that sets it declares that it
	// alone governs the socket's semantics for the rest of the session. The
	// engine does not read it; enforcement is a convention between plugins.
	Takeovered *bool
}

// Host is the Callback Bus surface a plugin uses to reach back into the
// engine. It is bound once per plugin at OnInit and is safe to retain for
// the plugin's lifetime.
type Host struct {
	// Send injects bytes toward the client socket for the session identified
	// by sess. See the engine's relay_send semantics: on_send is fanned out
	// first, then the bytes are sent or queued depending on pending_out.
	Send func(sess *Session, data []byte) (int, error)

	// Close terminates the session identified by sess. Idempotent: a second
	// call after the session is already inactive returns ErrSessionInactive
	// (the engine's analogue of the original ABI's "-1" sentinel) and has no
	// further side effects.
	Close func(sess *Session) error

	// PauseRecv arms or disarms read interest on the client socket. Calling
	// it with the same state it is already in is a no-op.
	PauseRecv func(sess *Session, pause bool)
}

// InitContext is passed to OnInit exactly once per plugin, at startup,
// after every plugin's hooks have been registered.
type InitContext struct {
	PluginID PluginID
	Host     Host

	// Loop is the shared event loop driving the engine. A plugin that wants
	// its own upstream sockets or idle timers registers them here rather
	// than spinning up a goroutine that touches session state off-loop.
	Loop *reactor.Loop
}

// Hooks is the full six-entry-point ABI a plugin module exports as
// package-level functions of these exact signatures. All six must resolve
// by name (OnInit, OnConnect, OnRecv, OnSend, OnClose, PauseRemoteRecv) or
// the loader rejects the module outright; there is no partial registration.
type Hooks struct {
	OnInit          func(InitContext)
	OnConnect       func(sess *Session)
	OnRecv          func(sess *Session, buf *Buffer)
	OnSend          func(sess *Session, buf *Buffer)
	OnClose         func(sess *Session)
	PauseRemoteRecv func(sess *Session, pause bool)
}
