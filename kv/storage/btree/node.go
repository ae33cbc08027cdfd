package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/page"
)

// Node layout on a slotted page. Slot 0 is the node header; every other
// live slot is one entry. Entry order on the page is arbitrary: the sorted
// order is rebuilt in memory on read, which is what lets single-entry
// changes be logged as plain slot operations.
//
// Header, leaf:     1 | prev(8) | next(8) | plen(2) | prefix
// Header, internal: 0 | leftmost child(8) | plen(2) | prefix
// Entry, leaf:      klen(2) | key suffix | value page(8) | value slot(2)
// Entry, internal:  klen(2) | key suffix | child(8)
//
// The prefix is fixed at node creation from the node's key-range bounds, so
// it is shared by every key the node can ever hold; entries store suffixes.

const headerSlot = uint16(0)

// ErrBadNode reports a page that does not parse as a tree node.
var ErrBadNode = errors.New("btree: malformed node")

type node struct {
	pid    ids.PageId
	leaf   bool
	prefix []byte

	// parallel slices, sorted by key; keys are full (prefix restored).
	keys  [][]byte
	slots []uint16

	vals     []ids.RecordId // leaf only
	children []ids.PageId   // internal only, child for keys[i]

	leftmost   ids.PageId // internal: subtree with keys below keys[0]
	prev, next ids.PageId // leaf links
}

func leafHeader(prev, next ids.PageId, prefix []byte) []byte {
	buf := make([]byte, 19+len(prefix))
	buf[0] = 1
	binary.BigEndian.PutUint64(buf[1:], uint64(prev))
	binary.BigEndian.PutUint64(buf[9:], uint64(next))
	binary.BigEndian.PutUint16(buf[17:], uint16(len(prefix)))
	copy(buf[19:], prefix)
	return buf
}

func internalHeader(leftmost ids.PageId, prefix []byte) []byte {
	buf := make([]byte, 11+len(prefix))
	binary.BigEndian.PutUint64(buf[1:], uint64(leftmost))
	binary.BigEndian.PutUint16(buf[9:], uint16(len(prefix)))
	copy(buf[11:], prefix)
	return buf
}

func leafEntry(suffix []byte, val ids.RecordId) []byte {
	buf := make([]byte, 2+len(suffix)+10)
	binary.BigEndian.PutUint16(buf, uint16(len(suffix)))
	copy(buf[2:], suffix)
	binary.BigEndian.PutUint64(buf[2+len(suffix):], uint64(val.Page))
	binary.BigEndian.PutUint16(buf[10+len(suffix):], val.Slot)
	return buf
}

func internalEntry(suffix []byte, child ids.PageId) []byte {
	buf := make([]byte, 2+len(suffix)+8)
	binary.BigEndian.PutUint16(buf, uint16(len(suffix)))
	copy(buf[2:], suffix)
	binary.BigEndian.PutUint64(buf[2+len(suffix):], uint64(child))
	return buf
}

// readNode parses the page into an in-memory node with keys sorted.
func readNode(pg *page.Page) (*node, error) {
	hdr, err := pg.Read(headerSlot)
	if err != nil || len(hdr) < 1 {
		return nil, errors.Annotatef(ErrBadNode, "page %d header", pg.Id())
	}
	n := &node{pid: pg.Id(), leaf: hdr[0] == 1}
	switch {
	case n.leaf:
		if len(hdr) < 19 {
			return nil, errors.Annotatef(ErrBadNode, "page %d leaf header", pg.Id())
		}
		n.prev = ids.PageId(binary.BigEndian.Uint64(hdr[1:]))
		n.next = ids.PageId(binary.BigEndian.Uint64(hdr[9:]))
		plen := int(binary.BigEndian.Uint16(hdr[17:]))
		n.prefix = append([]byte(nil), hdr[19:19+plen]...)
	default:
		if len(hdr) < 11 {
			return nil, errors.Annotatef(ErrBadNode, "page %d internal header", pg.Id())
		}
		n.leftmost = ids.PageId(binary.BigEndian.Uint64(hdr[1:]))
		plen := int(binary.BigEndian.Uint16(hdr[9:]))
		n.prefix = append([]byte(nil), hdr[11:11+plen]...)
	}

	total := pg.SlotCount()
	for s := uint16(1); s < total; s++ {
		if pg.IsDead(s) {
			continue
		}
		raw, err := pg.Read(s)
		if err != nil {
			return nil, err
		}
		klen := int(binary.BigEndian.Uint16(raw))
		if n.leaf {
			if len(raw) != 2+klen+10 {
				return nil, errors.Annotatef(ErrBadNode, "page %d slot %d", pg.Id(), s)
			}
			key := make([]byte, len(n.prefix)+klen)
			copy(key, n.prefix)
			copy(key[len(n.prefix):], raw[2:2+klen])
			n.keys = append(n.keys, key)
			n.slots = append(n.slots, s)
			n.vals = append(n.vals, ids.RecordId{
				Page: ids.PageId(binary.BigEndian.Uint64(raw[2+klen:])),
				Slot: binary.BigEndian.Uint16(raw[10+klen:]),
			})
		} else {
			if len(raw) != 2+klen+8 {
				return nil, errors.Annotatef(ErrBadNode, "page %d slot %d", pg.Id(), s)
			}
			key := make([]byte, len(n.prefix)+klen)
			copy(key, n.prefix)
			copy(key[len(n.prefix):], raw[2:2+klen])
			n.keys = append(n.keys, key)
			n.slots = append(n.slots, s)
			n.children = append(n.children, ids.PageId(binary.BigEndian.Uint64(raw[2+klen:])))
		}
	}
	n.sortEntries()
	return n, nil
}

func (n *node) sortEntries() {
	idx := make([]int, len(n.keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return bytes.Compare(n.keys[idx[a]], n.keys[idx[b]]) < 0 })
	keys := make([][]byte, len(idx))
	slots := make([]uint16, len(idx))
	var vals []ids.RecordId
	var children []ids.PageId
	if n.leaf {
		vals = make([]ids.RecordId, len(idx))
	} else {
		children = make([]ids.PageId, len(idx))
	}
	for to, from := range idx {
		keys[to] = n.keys[from]
		slots[to] = n.slots[from]
		if n.leaf {
			vals[to] = n.vals[from]
		} else {
			children[to] = n.children[from]
		}
	}
	n.keys, n.slots, n.vals, n.children = keys, slots, vals, children
}

// writeNode serializes n onto pg from scratch. Only used inside structure
// modifications, which log the whole page image afterwards.
func (n *node) writeNode(pg *page.Page) error {
	t := page.TypeBTreeInternal
	if n.leaf {
		t = page.TypeBTreeLeaf
	}
	pg.Reset(t)
	var hdr []byte
	if n.leaf {
		hdr = leafHeader(n.prev, n.next, n.prefix)
	} else {
		hdr = internalHeader(n.leftmost, n.prefix)
	}
	if err := pg.InsertAt(headerSlot, hdr); err != nil {
		return err
	}
	n.slots = make([]uint16, len(n.keys))
	for i, key := range n.keys {
		suffix := key[len(n.prefix):]
		var entry []byte
		if n.leaf {
			entry = leafEntry(suffix, n.vals[i])
		} else {
			entry = internalEntry(suffix, n.children[i])
		}
		slot, err := pg.Insert(entry)
		if err != nil {
			return err
		}
		n.slots[i] = slot
	}
	return nil
}

// fits reports whether the node's serialized form fits one page.
func (n *node) fits() bool {
	size := page.HeaderSize + (1+len(n.keys))*page.SlotSize
	if n.leaf {
		size += 19 + len(n.prefix)
	} else {
		size += 11 + len(n.prefix)
	}
	perEntry := 10
	if !n.leaf {
		perEntry = 8
	}
	for _, k := range n.keys {
		size += 2 + len(k) - len(n.prefix) + perEntry
	}
	return size <= page.Size
}

// suffix strips the node prefix; the caller guarantees key is in range.
func (n *node) suffix(key []byte) []byte {
	return key[len(n.prefix):]
}

// search returns the position of key and whether it is present. For absent
// keys the position is the insertion point.
func (n *node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childFor routes a key: the child whose separator is the greatest one not
// exceeding key, or the leftmost child when key precedes every separator.
func (n *node) childFor(key []byte) ids.PageId {
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
	if i == 0 {
		return n.leftmost
	}
	return n.children[i-1]
}

// commonPrefix of two bounds; safe choice of node prefix for any key in
// [lo, hi). An empty bound contributes nothing.
func commonPrefix(lo, hi []byte) []byte {
	if len(lo) == 0 || len(hi) == 0 {
		return nil
	}
	n := 0
	for n < len(lo) && n < len(hi) && lo[n] == hi[n] {
		n++
	}
	return append([]byte(nil), lo[:n]...)
}
