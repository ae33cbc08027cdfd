package btree

import (
	"bytes"

	"github.com/meridiandb/meridian/kv/ids"
)

// Iterator walks leaves in key order through the sibling links, holding a
// latch only while reading one leaf. Between leaves the tree may
// reorganize; the iterator detects a changed chain by checking that each
// leaf's back link points at the leaf it came from, and restarts from the
// root when it does not. Every key present for the whole scan is returned
// exactly once.
type Iterator struct {
	t       *Tree
	n       *node
	pos     int
	lastKey []byte
	valid   bool
	err     error
}

// Seek returns an iterator positioned at the first key >= key. A nil key
// seeks to the start of the tree.
func (t *Tree) Seek(key []byte) *Iterator {
	it := &Iterator{t: t}
	it.seek(key)
	return it
}

// SeekFirst returns an iterator at the smallest key.
func (t *Tree) SeekFirst() *Iterator { return t.Seek(nil) }

// SeekLast returns an iterator at the largest key.
func (t *Tree) SeekLast() *Iterator {
	it := &Iterator{t: t}
	n, err := t.descendLast()
	if err != nil {
		it.fail(err)
		return it
	}
	it.n = n
	it.pos = len(n.keys) - 1
	it.valid = true
	it.skipBackward()
	return it
}

// Valid reports whether the iterator points at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Err returns the error that invalidated the iterator, if any.
func (it *Iterator) Err() error { return it.err }

// Key returns the current key. Valid until the next move.
func (it *Iterator) Key() []byte { return it.n.keys[it.pos] }

// Value returns the record id stored under the current key.
func (it *Iterator) Value() ids.RecordId { return it.n.vals[it.pos] }

// Next advances to the next key in order.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.lastKey = it.n.keys[it.pos]
	it.pos++
	it.skipForward()
}

// Prev steps back to the previous key in order.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	it.lastKey = it.n.keys[it.pos]
	it.pos--
	it.skipBackward()
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.valid = false
}

func (it *Iterator) seek(key []byte) {
	h, n, err := it.t.descendRead(key)
	if err != nil {
		it.fail(err)
		return
	}
	h.RUnlock()
	h.Release()
	it.n = n
	it.pos, _ = n.search(key)
	it.valid = true
	it.skipForward()
}

// skipForward moves to the next leaf while the position is past the end of
// the current one, which also skips leaves emptied by deletes.
func (it *Iterator) skipForward() {
	for it.valid && it.pos >= len(it.n.keys) {
		next := it.n.next
		if next == ids.NonePage {
			it.valid = false
			return
		}
		n, err := it.t.readLeaf(next)
		if err != nil || !n.leaf || n.prev != it.n.pid {
			// The chain changed between leaves (split, merge, or the page
			// was recycled). Position is recovered from the last key seen.
			reseekCounter.Inc()
			it.reseekAfter(it.lastKey)
			return
		}
		it.n = n
		it.pos = 0
	}
}

func (it *Iterator) skipBackward() {
	for it.valid && it.pos < 0 {
		prev := it.n.prev
		if prev == ids.NonePage {
			it.valid = false
			return
		}
		n, err := it.t.readLeaf(prev)
		if err != nil || !n.leaf || n.next != it.n.pid {
			reseekCounter.Inc()
			it.reseekBefore(it.lastKey)
			return
		}
		it.n = n
		it.pos = len(n.keys) - 1
	}
}

// reseekAfter restarts from the root at the first key strictly greater
// than k.
func (it *Iterator) reseekAfter(k []byte) {
	it.seek(k)
	if it.valid && bytes.Equal(it.n.keys[it.pos], k) {
		it.pos++
		it.skipForward()
	}
}

// reseekBefore restarts from the root at the last key strictly less
// than k.
func (it *Iterator) reseekBefore(k []byte) {
	it.seek(k)
	if !it.valid {
		// k was past the end of the tree; resume from the back.
		if it.err != nil {
			return
		}
		last := it.t.SeekLast()
		*it = *last
	}
	for it.valid && bytes.Compare(it.n.keys[it.pos], k) >= 0 {
		it.pos--
		it.skipBackward()
	}
}

// readLeaf reads one leaf under a shared latch and returns a detached
// snapshot of it.
func (t *Tree) readLeaf(pid ids.PageId) (*node, error) {
	h, err := t.pool.Fetch(pid)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	h.RLock()
	defer h.RUnlock()
	return readNode(h.Page())
}

// descendLast walks to the rightmost leaf under coupled read latches.
func (t *Tree) descendLast() (*node, error) {
	h, err := t.pool.Fetch(t.root)
	if err != nil {
		return nil, err
	}
	h.RLock()
	for {
		n, err := readNode(h.Page())
		if err != nil {
			h.RUnlock()
			h.Release()
			return nil, err
		}
		if n.leaf {
			h.RUnlock()
			h.Release()
			return n, nil
		}
		child := n.leftmost
		if len(n.children) > 0 {
			child = n.children[len(n.children)-1]
		}
		ch, err := t.pool.Fetch(child)
		if err != nil {
			h.RUnlock()
			h.Release()
			return nil, err
		}
		ch.RLock()
		h.RUnlock()
		h.Release()
		h = ch
	}
}
