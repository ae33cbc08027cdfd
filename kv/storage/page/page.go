// Package page implements the fixed-size slotted page that every on-disk
// structure is built from. A page is laid out as
//
//	+--------------------+------------------------+ ... +-------------+
//	| 25-byte header     | slot directory  ->     |     |  <- tuples  |
//	+--------------------+------------------------+ ... +-------------+
//
// The slot directory grows forward from the header, tuple data grows
// backward from the end of the page, and the free-space pointer in the
// header marks where tuple data currently begins. Indexes point at slots,
// not raw offsets, so tuples can be moved by compaction without touching
// any reference to them.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
)

const (
	// Size is the fixed page size.
	Size = 16 * 1024

	// HeaderSize is the byte length of the page header:
	// PageId(8) | LSN(8) | Type(1) | Checksum(4) | FreeSpacePtr(2) | SlotCount(2).
	HeaderSize = 25

	// SlotSize is the byte length of one slot directory entry:
	// offset(2) | length(2) | flags(2).
	SlotSize = 6
)

// Header field offsets.
const (
	offPageId   = 0
	offLSN      = 8
	offType     = 16
	offChecksum = 17
	offFreePtr  = 21
	offSlotCnt  = 23
)

// Type tags what a page holds.
type Type byte

const (
	TypeFree Type = iota
	TypeMeta
	TypeHeap
	TypeBTreeInternal
	TypeBTreeLeaf
)

// Slot flags.
const (
	// FlagDead marks a slot whose tuple has been physically removed.
	// Dead slots are reusable by later inserts.
	FlagDead uint16 = 1 << 0
)

var (
	// ErrChecksum reports page corruption detected on read. It is fatal for
	// the affected page and is never repaired silently.
	ErrChecksum = errors.New("page: checksum mismatch")

	// ErrPageFull reports that a tuple does not fit in the page's free space.
	ErrPageFull = errors.New("page: not enough free space")

	// ErrBadSlot reports access to a slot that does not exist or is dead.
	ErrBadSlot = errors.New("page: no such slot")

	// ErrNoFit reports an in-place overwrite larger than the existing tuple.
	ErrNoFit = errors.New("page: tuple does not fit in slot")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Page wraps a fixed-size buffer with the slotted layout. The zero value is
// not usable; use New or FromBytes.
type Page struct {
	data []byte
}

// New formats an empty page of the given type in a fresh buffer.
func New(id ids.PageId, t Type) *Page {
	p := &Page{data: make([]byte, Size)}
	p.SetId(id)
	p.SetType(t)
	p.setFreePtr(Size)
	return p
}

// Reset clears the slot directory and tuple area, keeping the page id.
// Callers re-populate the page and stamp a new LSN.
func (p *Page) Reset(t Type) {
	for i := HeaderSize; i < Size; i++ {
		p.data[i] = 0
	}
	p.SetType(t)
	p.setSlotCount(0)
	p.setFreePtr(Size)
}

// FromBytes wraps an existing Size-byte buffer without copying. The caller
// is expected to have verified the checksum if the buffer came from disk.
func FromBytes(data []byte) *Page {
	if len(data) != Size {
		panic("page: buffer is not page-sized")
	}
	return &Page{data: data}
}

// Bytes returns the underlying buffer. The checksum is only current after
// UpdateChecksum.
func (p *Page) Bytes() []byte { return p.data }

func (p *Page) Id() ids.PageId         { return ids.PageId(binary.BigEndian.Uint64(p.data[offPageId:])) }
func (p *Page) SetId(id ids.PageId)    { binary.BigEndian.PutUint64(p.data[offPageId:], uint64(id)) }
func (p *Page) LSN() ids.LSN           { return ids.LSN(binary.BigEndian.Uint64(p.data[offLSN:])) }
func (p *Page) SetLSN(lsn ids.LSN)     { binary.BigEndian.PutUint64(p.data[offLSN:], uint64(lsn)) }
func (p *Page) Type() Type             { return Type(p.data[offType]) }
func (p *Page) SetType(t Type)         { p.data[offType] = byte(t) }
func (p *Page) SlotCount() uint16      { return binary.BigEndian.Uint16(p.data[offSlotCnt:]) }
func (p *Page) setSlotCount(n uint16)  { binary.BigEndian.PutUint16(p.data[offSlotCnt:], n) }
func (p *Page) freePtr() uint16        { return binary.BigEndian.Uint16(p.data[offFreePtr:]) }
func (p *Page) setFreePtr(n int)       { binary.BigEndian.PutUint16(p.data[offFreePtr:], uint16(n)) }

// UpdateChecksum recomputes the CRC32 over the page with the checksum field
// zeroed and stores it in the header.
func (p *Page) UpdateChecksum() {
	binary.BigEndian.PutUint32(p.data[offChecksum:], 0)
	sum := crc32.Checksum(p.data, castagnoli)
	binary.BigEndian.PutUint32(p.data[offChecksum:], sum)
}

// VerifyChecksum returns ErrChecksum if the stored checksum does not match
// the page contents.
func (p *Page) VerifyChecksum() error {
	stored := binary.BigEndian.Uint32(p.data[offChecksum:])
	binary.BigEndian.PutUint32(p.data[offChecksum:], 0)
	sum := crc32.Checksum(p.data, castagnoli)
	binary.BigEndian.PutUint32(p.data[offChecksum:], stored)
	if sum != stored {
		return errors.Annotatef(ErrChecksum, "page %d", p.Id())
	}
	return nil
}

func (p *Page) slotOffset(slot uint16) int {
	return HeaderSize + int(slot)*SlotSize
}

func (p *Page) slot(slot uint16) (off, length, flags uint16) {
	base := p.slotOffset(slot)
	return binary.BigEndian.Uint16(p.data[base:]),
		binary.BigEndian.Uint16(p.data[base+2:]),
		binary.BigEndian.Uint16(p.data[base+4:])
}

func (p *Page) setSlot(slot, off, length, flags uint16) {
	base := p.slotOffset(slot)
	binary.BigEndian.PutUint16(p.data[base:], off)
	binary.BigEndian.PutUint16(p.data[base+2:], length)
	binary.BigEndian.PutUint16(p.data[base+4:], flags)
}

// FreeSpace returns the bytes available between the slot directory and the
// tuple area, not counting reusable dead slots.
func (p *Page) FreeSpace() int {
	return int(p.freePtr()) - (HeaderSize + int(p.SlotCount())*SlotSize)
}

// HasRoomFor reports whether a tuple of n bytes can be inserted, assuming a
// new slot entry is needed.
func (p *Page) HasRoomFor(n int) bool {
	return p.FreeSpace() >= n+SlotSize
}

// Insert places tuple in the page and returns its slot. Dead slots are
// reused before the directory is grown. Returns ErrPageFull when neither
// fits.
func (p *Page) Insert(tuple []byte) (uint16, error) {
	n := int(p.SlotCount())
	for s := 0; s < n; s++ {
		if _, _, flags := p.slot(uint16(s)); flags&FlagDead != 0 {
			if p.FreeSpace() < len(tuple) {
				return 0, errors.Annotatef(ErrPageFull, "page %d reuse slot %d", p.Id(), s)
			}
			off := int(p.freePtr()) - len(tuple)
			copy(p.data[off:], tuple)
			p.setFreePtr(off)
			p.setSlot(uint16(s), uint16(off), uint16(len(tuple)), 0)
			return uint16(s), nil
		}
	}
	if !p.HasRoomFor(len(tuple)) {
		return 0, errors.Annotatef(ErrPageFull, "page %d need %d have %d", p.Id(), len(tuple)+SlotSize, p.FreeSpace())
	}
	off := int(p.freePtr()) - len(tuple)
	copy(p.data[off:], tuple)
	p.setFreePtr(off)
	slot := p.SlotCount()
	p.setSlot(slot, uint16(off), uint16(len(tuple)), 0)
	p.setSlotCount(slot + 1)
	return slot, nil
}

// InsertAt places tuple at an exact slot index, growing the directory with
// dead slots as needed. Used by redo, which must reproduce slot assignment.
func (p *Page) InsertAt(slot uint16, tuple []byte) error {
	for p.SlotCount() <= slot {
		s := p.SlotCount()
		if p.FreeSpace() < SlotSize {
			return errors.Annotatef(ErrPageFull, "page %d growing directory", p.Id())
		}
		p.setSlot(s, 0, 0, FlagDead)
		p.setSlotCount(s + 1)
	}
	if p.FreeSpace() < len(tuple) {
		// Replayed inserts orphan the previous copy of the tuple; compaction
		// gets that space back.
		p.setSlot(slot, 0, 0, FlagDead)
		p.Compact()
		if p.FreeSpace() < len(tuple) {
			return errors.Annotatef(ErrPageFull, "page %d insert at %d", p.Id(), slot)
		}
	}
	off := int(p.freePtr()) - len(tuple)
	copy(p.data[off:], tuple)
	p.setFreePtr(off)
	p.setSlot(slot, uint16(off), uint16(len(tuple)), 0)
	return nil
}

// Replace swaps the tuple at slot for one of any length, moving it within
// the page when the new tuple is longer. A dead slot is revived. Used by
// redo and undo, which must land images at exact slots.
func (p *Page) Replace(slot uint16, tuple []byte) error {
	if slot >= p.SlotCount() {
		return errors.Annotatef(ErrBadSlot, "page %d slot %d", p.Id(), slot)
	}
	off, length, flags := p.slot(slot)
	if flags&FlagDead == 0 && len(tuple) <= int(length) {
		copy(p.data[off:], tuple)
		p.setSlot(slot, off, uint16(len(tuple)), flags)
		return nil
	}
	if p.FreeSpace() < len(tuple) {
		p.setSlot(slot, off, length, FlagDead)
		p.Compact()
		if p.FreeSpace() < len(tuple) {
			return errors.Annotatef(ErrPageFull, "page %d replace slot %d", p.Id(), slot)
		}
	}
	newOff := int(p.freePtr()) - len(tuple)
	copy(p.data[newOff:], tuple)
	p.setFreePtr(newOff)
	p.setSlot(slot, uint16(newOff), uint16(len(tuple)), 0)
	return nil
}

// Read returns the tuple stored at slot. The returned slice aliases the
// page buffer and is only valid until the page is next modified.
func (p *Page) Read(slot uint16) ([]byte, error) {
	if slot >= p.SlotCount() {
		return nil, errors.Annotatef(ErrBadSlot, "page %d slot %d of %d", p.Id(), slot, p.SlotCount())
	}
	off, length, flags := p.slot(slot)
	if flags&FlagDead != 0 {
		return nil, errors.Annotatef(ErrBadSlot, "page %d slot %d is dead", p.Id(), slot)
	}
	return p.data[off : off+length], nil
}

// IsDead reports whether a slot exists but holds no tuple.
func (p *Page) IsDead(slot uint16) bool {
	if slot >= p.SlotCount() {
		return false
	}
	_, _, flags := p.slot(slot)
	return flags&FlagDead != 0
}

// Overwrite replaces the tuple at slot in place. The new tuple must not be
// longer than the existing one; otherwise ErrNoFit is returned and the
// caller appends a new version elsewhere.
func (p *Page) Overwrite(slot uint16, tuple []byte) error {
	if slot >= p.SlotCount() {
		return errors.Annotatef(ErrBadSlot, "page %d slot %d", p.Id(), slot)
	}
	off, length, flags := p.slot(slot)
	if flags&FlagDead != 0 {
		return errors.Annotatef(ErrBadSlot, "page %d slot %d is dead", p.Id(), slot)
	}
	if len(tuple) > int(length) {
		return errors.Annotatef(ErrNoFit, "page %d slot %d: %d > %d", p.Id(), slot, len(tuple), length)
	}
	copy(p.data[off:], tuple)
	p.setSlot(slot, off, uint16(len(tuple)), flags)
	return nil
}

// Delete marks the slot dead. The space is reclaimed by Compact; the slot
// index stays valid for reuse so references retain their meaning.
func (p *Page) Delete(slot uint16) error {
	if slot >= p.SlotCount() {
		return errors.Annotatef(ErrBadSlot, "page %d slot %d", p.Id(), slot)
	}
	off, length, _ := p.slot(slot)
	p.setSlot(slot, off, length, FlagDead)
	return nil
}

// Compact rewrites live tuples against the end of the page, reclaiming the
// space of dead ones. Slot indexes are preserved.
func (p *Page) Compact() {
	type live struct {
		slot  uint16
		tuple []byte
		flags uint16
	}
	n := p.SlotCount()
	tuples := make([]live, 0, n)
	for s := uint16(0); s < n; s++ {
		off, length, flags := p.slot(s)
		if flags&FlagDead != 0 {
			continue
		}
		buf := make([]byte, length)
		copy(buf, p.data[off:off+length])
		tuples = append(tuples, live{slot: s, tuple: buf, flags: flags})
	}
	top := Size
	for _, t := range tuples {
		top -= len(t.tuple)
		copy(p.data[top:], t.tuple)
		p.setSlot(t.slot, uint16(top), uint16(len(t.tuple)), t.flags)
	}
	p.setFreePtr(top)
}

// LiveSlots returns the number of slots holding tuples.
func (p *Page) LiveSlots() int {
	live := 0
	for s := uint16(0); s < p.SlotCount(); s++ {
		if _, _, flags := p.slot(s); flags&FlagDead == 0 {
			live++
		}
	}
	return live
}
