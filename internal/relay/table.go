package relay

import (
	"errors"
	"net/netip"

	"github.com/luckypoem/tcp-chain/pkg/relayplugin"
)

// ErrTableFull is returned by Table.Allocate when every slot is occupied.
var ErrTableFull = errors.New("relay: table full")

// pendingOut is the per-session FIFO of bytes accepted by relay_send but not
// yet written to the kernel (spec §3 pending_out). It grows by reallocation
// when a burst exceeds its current capacity and is never shrunk within a
// session's lifetime.
type pendingOut struct {
	buf []byte
	n   int
}

func (p *pendingOut) Len() int { return p.n }

// append grows buf if necessary and appends data after the existing n bytes.
func (p *pendingOut) append(data []byte) {
	need := p.n + len(data)
	if need > cap(p.buf) {
		grown := make([]byte, need, need*2)
		copy(grown, p.buf[:p.n])
		p.buf = grown
	} else if need > len(p.buf) {
		p.buf = p.buf[:need]
	}
	copy(p.buf[p.n:need], data)
	p.n = need
}

// consume shifts the buffer left by n bytes, as the write path does after a
// partial send.
func (p *pendingOut) consume(n int) {
	copy(p.buf, p.buf[n:p.n])
	p.n -= n
}

func (p *pendingOut) bytes() []byte { return p.buf[:p.n] }

func (p *pendingOut) reset() { p.n = 0 }

// Slot is one entry of the fixed-capacity relay table (spec §3 "Relay
// slot"). Its address is stable for the lifetime of the session it holds;
// only the acceptor sets Active true and only the close path sets it false.
type Slot struct {
	Active  bool
	Closing bool

	FD int

	Src, Dst netip.AddrPort

	Pending pendingOut
	Shared  []byte

	Takeovered bool

	ReadArmed, WriteArmed bool

	PluginState []relayplugin.Session
}

// Table is the fixed-capacity relay table (spec §4.2): linear-scan allocate
// and O(1) release over a preallocated array, with a hard admission ceiling.
type Table struct {
	slots      []Slot
	bufferSize int
	count      int
}

// NewTable preallocates maxRelays slots, each later initialized with a
// shared_data and pending_out region of bufferSize bytes on Allocate.
func NewTable(maxRelays, bufferSize int) *Table {
	return &Table{slots: make([]Slot, maxRelays), bufferSize: bufferSize}
}

// Allocate finds the first inactive slot, initializes it per spec §3/§4.2,
// and returns its index. pluginCount plugin-state records are materialized,
// one per loaded plugin, each carrying borrowed views of the session's
// shared_data, addresses, and takeover flag.
func (t *Table) Allocate(fd int, src, dst netip.AddrPort, pluginCount int) (int, error) {
	for i := range t.slots {
		if t.slots[i].Active {
			continue
		}
		s := &t.slots[i]
		*s = Slot{
			Active: true,
			FD:     fd,
			Src:    src,
			Dst:    dst,
			Shared: make([]byte, t.bufferSize),
		}
		s.Pending.buf = make([]byte, 0, t.bufferSize)
		if pluginCount > 0 {
			s.PluginState = make([]relayplugin.Session, pluginCount)
			for p := 0; p < pluginCount; p++ {
				s.PluginState[p] = relayplugin.Session{
					PluginID:   relayplugin.PluginID(p),
					RelayID:    relayplugin.SlotID(i),
					Shared:     s.Shared,
					Src:        src,
					Dst:        dst,
					Takeovered: &s.Takeovered,
				}
			}
		}
		t.count++
		return i, nil
	}
	return -1, ErrTableFull
}

// Release marks slot id inactive and drops its buffers. It must be called
// exactly once per successful Allocate (spec §4.2); calling it on an
// already-inactive slot is a no-op.
func (t *Table) Release(id int) {
	s := &t.slots[id]
	if !s.Active {
		return
	}
	*s = Slot{}
	t.count--
}

// Get returns the slot at id. Callers must check Active before trusting its
// contents; ids are reused once released.
func (t *Table) Get(id int) *Slot { return &t.slots[id] }

// Len reports the number of currently active slots (the live-session
// counter of spec §4.4/§8).
func (t *Table) Len() int { return t.count }

// Cap reports MAX_RELAYS, the admission ceiling.
func (t *Table) Cap() int { return len(t.slots) }
