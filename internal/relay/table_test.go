package relay

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AllocateRelease(t *testing.T) {
	tbl := NewTable(2, 64)

	id, err := tbl.Allocate(11, netip.AddrPort{}, netip.AddrPort{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	slot := tbl.Get(id)
	assert.True(t, slot.Active)
	assert.Equal(t, 11, slot.FD)

	tbl.Release(id)
	assert.Equal(t, 0, tbl.Len())
	assert.False(t, tbl.Get(id).Active)
}

func TestTable_AdmissionCeiling(t *testing.T) {
	tbl := NewTable(2, 64)

	_, err := tbl.Allocate(1, netip.AddrPort{}, netip.AddrPort{}, 0)
	require.NoError(t, err)
	_, err = tbl.Allocate(2, netip.AddrPort{}, netip.AddrPort{}, 0)
	require.NoError(t, err)

	_, err = tbl.Allocate(3, netip.AddrPort{}, netip.AddrPort{}, 0)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, tbl.Cap(), tbl.Len())
}

func TestTable_ReleaseFreesSlotForReuse(t *testing.T) {
	tbl := NewTable(1, 64)

	id, err := tbl.Allocate(1, netip.AddrPort{}, netip.AddrPort{}, 0)
	require.NoError(t, err)
	tbl.Release(id)

	id2, err := tbl.Allocate(2, netip.AddrPort{}, netip.AddrPort{}, 0)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestPendingOut_AppendConsumeGrows(t *testing.T) {
	var p pendingOut
	p.buf = make([]byte, 0, 4)

	p.append([]byte("ab"))
	assert.Equal(t, 2, p.Len())

	p.append([]byte("cdefgh")) // exceeds initial capacity of 4
	assert.Equal(t, 8, p.Len())
	assert.Equal(t, "abcdefgh", string(p.bytes()))

	p.consume(3)
	assert.Equal(t, "defgh", string(p.bytes()))

	p.reset()
	assert.Equal(t, 0, p.Len())
}
