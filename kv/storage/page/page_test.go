package page

import (
	"bytes"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/kv/ids"
)

func TestHeaderRoundTrip(t *testing.T) {
	p := New(7, TypeHeap)
	p.SetLSN(99)
	assert.Equal(t, ids.PageId(7), p.Id())
	assert.Equal(t, ids.LSN(99), p.LSN())
	assert.Equal(t, TypeHeap, p.Type())
	assert.Equal(t, uint16(0), p.SlotCount())
	assert.Equal(t, Size-HeaderSize, p.FreeSpace())
}

func TestInsertRead(t *testing.T) {
	p := New(1, TypeHeap)
	s0, err := p.Insert([]byte("alpha"))
	require.NoError(t, err)
	s1, err := p.Insert([]byte("beta"))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), s0)
	assert.Equal(t, uint16(1), s1)

	got, err := p.Read(s0)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)
	got, err = p.Read(s1)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), got)

	_, err = p.Read(5)
	assert.Equal(t, ErrBadSlot, errors.Cause(err))
}

func TestInsertUntilFull(t *testing.T) {
	p := New(1, TypeHeap)
	tuple := bytes.Repeat([]byte{0xab}, 100)
	inserted := 0
	for {
		_, err := p.Insert(tuple)
		if err != nil {
			assert.Equal(t, ErrPageFull, errors.Cause(err))
			break
		}
		inserted++
	}
	assert.Equal(t, (Size-HeaderSize)/(100+SlotSize), inserted)
}

func TestDeleteAndReuse(t *testing.T) {
	p := New(1, TypeHeap)
	s, err := p.Insert([]byte("doomed"))
	require.NoError(t, err)
	_, err = p.Insert([]byte("keeper"))
	require.NoError(t, err)

	require.NoError(t, p.Delete(s))
	assert.True(t, p.IsDead(s))
	_, err = p.Read(s)
	assert.Error(t, err)
	assert.Equal(t, 1, p.LiveSlots())

	// The dead slot is reused, not a new one appended.
	s2, err := p.Insert([]byte("reborn"))
	require.NoError(t, err)
	assert.Equal(t, s, s2)
	assert.Equal(t, uint16(2), p.SlotCount())
}

func TestOverwriteInPlace(t *testing.T) {
	p := New(1, TypeHeap)
	s, err := p.Insert([]byte("longer value"))
	require.NoError(t, err)

	require.NoError(t, p.Overwrite(s, []byte("short")))
	got, err := p.Read(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)

	err = p.Overwrite(s, []byte("this one is far too long now"))
	assert.Equal(t, ErrNoFit, errors.Cause(err))
}

func TestCompactReclaimsSpace(t *testing.T) {
	p := New(1, TypeHeap)
	big := bytes.Repeat([]byte{1}, 4000)
	var slots []uint16
	for i := 0; i < 4; i++ {
		s, err := p.Insert(big)
		require.NoError(t, err)
		slots = append(slots, s)
	}
	_, err := p.Insert(big)
	require.Error(t, err)

	require.NoError(t, p.Delete(slots[1]))
	require.NoError(t, p.Delete(slots[3]))
	p.Compact()

	// Survivors keep their slots and contents.
	got, err := p.Read(slots[0])
	require.NoError(t, err)
	assert.Equal(t, big, got)
	got, err = p.Read(slots[2])
	require.NoError(t, err)
	assert.Equal(t, big, got)

	// Freed space is insertable again (slot reuse plus compacted area).
	_, err = p.Insert(big)
	assert.NoError(t, err)
}

func TestInsertAtGrowsDirectory(t *testing.T) {
	p := New(1, TypeHeap)
	require.NoError(t, p.InsertAt(3, []byte("redo")))
	assert.Equal(t, uint16(4), p.SlotCount())
	got, err := p.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("redo"), got)
	assert.True(t, p.IsDead(0))
	assert.True(t, p.IsDead(2))
}

func TestChecksum(t *testing.T) {
	p := New(9, TypeBTreeLeaf)
	_, err := p.Insert([]byte("checked"))
	require.NoError(t, err)
	p.UpdateChecksum()
	require.NoError(t, p.VerifyChecksum())

	// Flip a byte in the tuple area: verification must fail.
	p.Bytes()[Size-1] ^= 0xff
	err = p.VerifyChecksum()
	assert.Equal(t, ErrChecksum, errors.Cause(err))
}
