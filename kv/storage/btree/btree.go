// Package btree implements the ordered index: a B+Tree over buffer-pool
// pages mapping keys to heap record ids. Leaves are doubly linked for range
// scans, nodes share a per-node key prefix to raise fanout, and concurrent
// descent uses latch coupling.
//
// Index changes are logged as maintenance records owned by no transaction:
// plain slot operations for single-entry changes, full page images for
// splits and merges. Rolled-back transactions leave their index entries
// behind; version visibility hides them and vacuum removes them.
package btree

import (
	"bytes"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/buffer"
	"github.com/meridiandb/meridian/kv/storage/page"
	"github.com/meridiandb/meridian/kv/wal"
)

// MaxKeySize bounds keys so that a split always leaves room for any entry
// and fanout stays high.
const MaxKeySize = 1024

var (
	// ErrKeyTooLarge reports a key over MaxKeySize bytes.
	ErrKeyTooLarge = errors.New("btree: key too large")
	// ErrEmptyKey reports an empty key, which cannot be indexed.
	ErrEmptyKey = errors.New("btree: empty key")
)

// a node is mergeable once dead and reclaimed space dominates the page.
const underflowFree = 3 * page.Size / 4

// Tree is the index. Safe for concurrent use: readers couple read latches
// down the tree; writers latch only the leaf, falling back to the structure
// mutex when a split or merge is needed.
type Tree struct {
	pool *buffer.Pool
	wal  *wal.Manager
	meta ids.PageId
	// root page id never changes: root splits grow downward by moving the
	// old root's contents into fresh children.
	root ids.PageId

	// smo serializes splits, merges and root changes.
	smo sync.Mutex
}

// Create formats a new tree: a meta page and an empty root leaf, both
// logged as full images so a crash before flush rebuilds them.
func Create(pool *buffer.Pool, w *wal.Manager) (*Tree, error) {
	mh, err := pool.NewPage(page.TypeMeta)
	if err != nil {
		return nil, err
	}
	defer mh.Release()
	rh, err := pool.NewPage(page.TypeBTreeLeaf)
	if err != nil {
		return nil, err
	}
	defer rh.Release()

	t := &Tree{pool: pool, wal: w, meta: mh.Page().Id(), root: rh.Page().Id()}

	mh.Lock()
	rh.Lock()
	defer mh.Unlock()
	defer rh.Unlock()

	rootLeaf := &node{pid: t.root, leaf: true}
	if err := rootLeaf.writeNode(rh.Page()); err != nil {
		return nil, err
	}
	rootRef := make([]byte, 8)
	putPageId(rootRef, t.root)
	if err := mh.Page().InsertAt(0, rootRef); err != nil {
		return nil, err
	}

	lsn, err := w.AppendPageImages(ids.NoneTxn, wal.TypePageSplit, []wal.PageImage{
		{Page: t.meta, Image: mh.Page().Bytes()},
		{Page: t.root, Image: rh.Page().Bytes()},
	})
	if err != nil {
		return nil, err
	}
	mh.Page().SetLSN(lsn)
	rh.Page().SetLSN(lsn)
	mh.MarkDirty(lsn)
	rh.MarkDirty(lsn)
	log.Info("btree created",
		zap.Uint64("meta-page", uint64(t.meta)),
		zap.Uint64("root-page", uint64(t.root)))
	return t, nil
}

// Open loads an existing tree from its meta page.
func Open(pool *buffer.Pool, w *wal.Manager, meta ids.PageId) (*Tree, error) {
	h, err := pool.Fetch(meta)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	h.RLock()
	defer h.RUnlock()
	raw, err := h.Page().Read(0)
	if err != nil || len(raw) != 8 {
		return nil, errors.Annotatef(ErrBadNode, "meta page %d", meta)
	}
	return &Tree{pool: pool, wal: w, meta: meta, root: readPageId(raw)}, nil
}

// MetaPage returns the page id to pass to Open next time.
func (t *Tree) MetaPage() ids.PageId { return t.meta }

func putPageId(buf []byte, id ids.PageId) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(id)
		id >>= 8
	}
}

func readPageId(buf []byte) ids.PageId {
	var id ids.PageId
	for i := 0; i < 8; i++ {
		id = id<<8 | ids.PageId(buf[i])
	}
	return id
}

// Get returns the record id stored under key.
func (t *Tree) Get(key []byte) (ids.RecordId, bool, error) {
	h, n, err := t.descendRead(key)
	if err != nil {
		return ids.NoneRecord, false, err
	}
	defer h.Release()
	defer h.RUnlock()
	i, found := n.search(key)
	if !found {
		return ids.NoneRecord, false, nil
	}
	return n.vals[i], true, nil
}

// descendRead couples read latches from the root to the leaf responsible
// for key. The returned handle is read-latched and pinned.
func (t *Tree) descendRead(key []byte) (*buffer.Handle, *node, error) {
	h, err := t.pool.Fetch(t.root)
	if err != nil {
		return nil, nil, err
	}
	h.RLock()
	for {
		n, err := readNode(h.Page())
		if err != nil {
			h.RUnlock()
			h.Release()
			return nil, nil, err
		}
		if n.leaf {
			return h, n, nil
		}
		ch, err := t.pool.Fetch(n.childFor(key))
		if err != nil {
			h.RUnlock()
			h.Release()
			return nil, nil, err
		}
		// Child latched before the parent is let go.
		ch.RLock()
		h.RUnlock()
		h.Release()
		h = ch
	}
}

// descendWrite couples latches to the leaf, read on internals and write on
// the leaf itself.
func (t *Tree) descendWrite(key []byte) (*buffer.Handle, *node, error) {
restart:
	h, err := t.pool.Fetch(t.root)
	if err != nil {
		return nil, nil, err
	}
	// The root might be a leaf; probe its kind under a read latch first so
	// we know which latch mode to take.
	h.RLock()
	n, err := readNode(h.Page())
	if err != nil {
		h.RUnlock()
		h.Release()
		return nil, nil, err
	}
	if n.leaf {
		h.RUnlock()
		h.Lock()
		// Re-read: it may have stopped being a leaf between latches.
		n, err = readNode(h.Page())
		if err != nil {
			h.Unlock()
			h.Release()
			return nil, nil, err
		}
		if n.leaf {
			return h, n, nil
		}
		// The root grew while the latch mode switched. The snapshot taken
		// before the switch cannot be trusted; start over.
		h.Unlock()
		h.Release()
		goto restart
	}
	for {
		child := n.childFor(key)
		ch, err := t.pool.Fetch(child)
		if err != nil {
			h.RUnlock()
			h.Release()
			return nil, nil, err
		}
		cn, err := func() (*node, error) {
			ch.RLock()
			defer ch.RUnlock()
			return readNode(ch.Page())
		}()
		if err != nil {
			h.RUnlock()
			h.Release()
			ch.Release()
			return nil, nil, err
		}
		if cn.leaf {
			ch.Lock()
			h.RUnlock()
			h.Release()
			// Re-read under the write latch; a concurrent slot change may
			// have landed between the probe and the latch.
			cn, err = readNode(ch.Page())
			if err != nil {
				ch.Unlock()
				ch.Release()
				return nil, nil, err
			}
			return ch, cn, nil
		}
		ch.RLock()
		h.RUnlock()
		h.Release()
		h = ch
		n = cn
	}
}

// Put inserts key -> val, overwriting the value if the key exists.
func (t *Tree) Put(key []byte, val ids.RecordId) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return errors.Annotatef(ErrKeyTooLarge, "%d bytes", len(key))
	}
	for {
		h, n, err := t.descendWrite(key)
		if err != nil {
			return err
		}
		done, err := t.putLeaf(h, n, key, val)
		h.Unlock()
		h.Release()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// Leaf is full: reorganize and try again.
		if err := t.split(key); err != nil {
			return err
		}
	}
}

// putLeaf tries the single-leaf fast path. Returns done=false when the
// leaf has no room and a split is required.
func (t *Tree) putLeaf(h *buffer.Handle, n *node, key []byte, val ids.RecordId) (bool, error) {
	pg := h.Page()
	i, found := n.search(key)
	if found {
		before, err := pg.Read(n.slots[i])
		if err != nil {
			return false, err
		}
		prev := make([]byte, len(before))
		copy(prev, before)
		after := leafEntry(n.suffix(key), val)
		lsn, err := t.wal.AppendUpdate(ids.NoneTxn, n.pid, n.slots[i], prev, after)
		if err != nil {
			return false, err
		}
		if err := pg.Overwrite(n.slots[i], after); err != nil {
			return false, err
		}
		pg.SetLSN(lsn)
		h.MarkDirty(lsn)
		return true, nil
	}
	entry := leafEntry(n.suffix(key), val)
	slot, err := pg.Insert(entry)
	if errors.Cause(err) == page.ErrPageFull {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lsn, err := t.wal.AppendInsert(ids.NoneTxn, n.pid, slot, entry)
	if err != nil {
		return false, err
	}
	pg.SetLSN(lsn)
	h.MarkDirty(lsn)
	insertCounter.Inc()
	return true, nil
}

// Delete removes key. Missing keys are not an error. Underflowing leaves
// are merged with a sibling when the combined content fits one page.
func (t *Tree) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	h, n, err := t.descendWrite(key)
	if err != nil {
		return err
	}
	i, found := n.search(key)
	if !found {
		h.Unlock()
		h.Release()
		return nil
	}
	pg := h.Page()
	before, err := pg.Read(n.slots[i])
	if err != nil {
		h.Unlock()
		h.Release()
		return err
	}
	prev := make([]byte, len(before))
	copy(prev, before)
	lsn, err := t.wal.AppendDelete(ids.NoneTxn, n.pid, n.slots[i], prev)
	if err != nil {
		h.Unlock()
		h.Release()
		return err
	}
	if err := pg.Delete(n.slots[i]); err != nil {
		h.Unlock()
		h.Release()
		return err
	}
	pg.SetLSN(lsn)
	h.MarkDirty(lsn)
	deleteCounter.Inc()
	underflow := pg.FreeSpace() > underflowFree && n.pid != t.root
	h.Unlock()
	h.Release()

	if underflow {
		// Best effort: a failed merge leaves a sparse but correct tree.
		if err := t.merge(key); err != nil {
			log.Warn("btree merge failed", zap.Error(err))
		}
	}
	return nil
}

// pathEntry is one X-latched node on a structure-modification descent,
// with the key-range bounds that determine the node's prefix.
type pathEntry struct {
	h      *buffer.Handle
	n      *node
	lo, hi []byte
}

func releasePath(path []pathEntry) {
	for i := len(path) - 1; i >= 0; i-- {
		path[i].h.Unlock()
		path[i].h.Release()
	}
}

// descendLocked X-latches the whole path root to leaf. Only called with
// the structure mutex held, so at most one such descent exists and it
// cannot deadlock with latch-coupled readers.
func (t *Tree) descendLocked(key []byte) ([]pathEntry, error) {
	var path []pathEntry
	pid := t.root
	var lo, hi []byte
	for {
		h, err := t.pool.Fetch(pid)
		if err != nil {
			releasePath(path)
			return nil, err
		}
		h.Lock()
		n, err := readNode(h.Page())
		if err != nil {
			h.Unlock()
			h.Release()
			releasePath(path)
			return nil, err
		}
		path = append(path, pathEntry{h: h, n: n, lo: lo, hi: hi})
		if n.leaf {
			return path, nil
		}
		i, _ := n.search(key)
		// childFor semantics, tracking the child's bounds as we go.
		j := i
		if j < len(n.keys) && bytes.Equal(n.keys[j], key) {
			j++
		}
		if j == 0 {
			pid = n.leftmost
			if len(n.keys) > 0 {
				hi = n.keys[0]
			}
		} else {
			pid = n.children[j-1]
			lo = n.keys[j-1]
			if j < len(n.keys) {
				hi = n.keys[j]
			}
			// hi inherited from the parent when j == len(n.keys).
		}
	}
}

// split reorganizes the tree so the leaf covering key has room again.
func (t *Tree) split(key []byte) error {
	t.smo.Lock()
	defer t.smo.Unlock()

	path, err := t.descendLocked(key)
	if err != nil {
		return err
	}
	defer releasePath(path)

	leaf := path[len(path)-1]
	// Another writer may have split this leaf while we waited on the
	// structure mutex.
	probe := leafEntry(leaf.n.suffix(key), ids.NoneRecord)
	if leaf.h.Page().HasRoomFor(len(probe)) {
		return nil
	}

	sm := &smoBatch{tree: t}
	if err := sm.splitNode(path, len(path)-1); err != nil {
		sm.releaseExtras()
		return err
	}
	return sm.commit(wal.TypePageSplit)
}

// smoBatch accumulates every page touched by one structure modification so
// it can be logged as a single record of full images.
type smoBatch struct {
	tree    *Tree
	touched []*buffer.Handle
	extra   []*buffer.Handle // latched in addition to the descent path
	freed   []ids.PageId     // absorbed pages, returned to the allocator
}

func (sm *smoBatch) touch(h *buffer.Handle) {
	sm.touched = append(sm.touched, h)
}

// fetchLatched pins and X-latches a page outside the descent path (a leaf
// neighbor), released on commit.
func (sm *smoBatch) fetchLatched(pid ids.PageId) (*buffer.Handle, error) {
	h, err := sm.tree.pool.Fetch(pid)
	if err != nil {
		return nil, err
	}
	h.Lock()
	sm.extra = append(sm.extra, h)
	return h, nil
}

// commit logs one full-image record for all touched pages and stamps them.
func (sm *smoBatch) commit(typ wal.RecType) error {
	images := make([]wal.PageImage, 0, len(sm.touched))
	for _, h := range sm.touched {
		images = append(images, wal.PageImage{Page: h.Page().Id(), Image: h.Page().Bytes()})
	}
	lsn, err := sm.tree.wal.AppendPageImages(ids.NoneTxn, typ, images)
	if err == nil {
		for _, h := range sm.touched {
			h.Page().SetLSN(lsn)
			h.MarkDirty(lsn)
		}
		if typ == wal.TypePageSplit {
			splitCounter.Inc()
		} else {
			mergeCounter.Inc()
		}
	}
	sm.releaseExtras()
	return err
}

func (sm *smoBatch) releaseExtras() {
	for i := len(sm.extra) - 1; i >= 0; i-- {
		sm.extra[i].Unlock()
		sm.extra[i].Release()
	}
	sm.extra = nil
}

// splitNode splits path[idx] at its median, pushing a separator into the
// parent, splitting ancestors recursively when they lack room.
func (sm *smoBatch) splitNode(path []pathEntry, idx int) error {
	e := path[idx]
	n := e.n
	if len(n.keys) < 2 {
		return errors.Annotatef(ErrBadNode, "page %d: cannot split %d keys", n.pid, len(n.keys))
	}
	m := len(n.keys) / 2

	rightHandle, err := sm.tree.pool.NewPage(pageTypeOf(n))
	if err != nil {
		return err
	}
	rightHandle.Lock()
	sm.extra = append(sm.extra, rightHandle)
	right := &node{pid: rightHandle.Page().Id(), leaf: n.leaf}

	var sep []byte
	if n.leaf {
		// Leaf split copies the separator up: the right leaf keeps it.
		sep = n.keys[m]
		right.keys = append(right.keys, n.keys[m:]...)
		right.vals = append(right.vals, n.vals[m:]...)
		n.keys = n.keys[:m]
		n.vals = n.vals[:m]

		right.prev = n.pid
		right.next = n.next
		n.next = right.pid
		if right.next != ids.NonePage {
			nb, err := sm.fetchLatched(right.next)
			if err != nil {
				return err
			}
			nbNode, err := readNode(nb.Page())
			if err != nil {
				return err
			}
			nbNode.prev = right.pid
			if err := nbNode.writeNode(nb.Page()); err != nil {
				return err
			}
			sm.touch(nb)
		}
	} else {
		// Internal split moves the separator up: neither half keeps it.
		sep = n.keys[m]
		right.leftmost = n.children[m]
		right.keys = append(right.keys, n.keys[m+1:]...)
		right.children = append(right.children, n.children[m+1:]...)
		n.keys = n.keys[:m]
		n.children = n.children[:m]
	}
	n.prefix = commonPrefix(e.lo, sep)
	right.prefix = commonPrefix(sep, e.hi)

	if err := n.writeNode(e.h.Page()); err != nil {
		return err
	}
	if err := right.writeNode(rightHandle.Page()); err != nil {
		return err
	}
	sm.touch(e.h)
	sm.touch(rightHandle)

	if idx == 0 {
		return sm.growRoot(e, sep, right.pid)
	}
	return sm.insertSeparator(path, idx-1, sep, right.pid)
}

func pageTypeOf(n *node) page.Type {
	if n.leaf {
		return page.TypeBTreeLeaf
	}
	return page.TypeBTreeInternal
}

// insertSeparator adds (sep -> child) to the internal node at path[idx],
// splitting it first if the separator does not fit.
func (sm *smoBatch) insertSeparator(path []pathEntry, idx int, sep []byte, child ids.PageId) error {
	e := path[idx]
	n := e.n
	i, _ := n.search(sep)
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = sep
	n.children = append(n.children, ids.NonePage)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child

	if n.fits() {
		if err := n.writeNode(e.h.Page()); err != nil {
			return err
		}
		sm.touch(e.h)
		return nil
	}
	// No room: split this internal node too; the recursion re-homes the
	// entries, separator included.
	return sm.splitNode(path, idx)
}

// growRoot turns the root into an internal node over two fresh children.
// The root page id is stable, so the meta page never changes and readers
// can always start at the same page.
func (sm *smoBatch) growRoot(rootEntry pathEntry, sep []byte, right ids.PageId) error {
	leftHandle, err := sm.tree.pool.NewPage(pageTypeOf(rootEntry.n))
	if err != nil {
		return err
	}
	leftHandle.Lock()
	sm.extra = append(sm.extra, leftHandle)

	// The old root's (already split) left half moves to a fresh page.
	left := rootEntry.n
	left.pid = leftHandle.Page().Id()
	if left.leaf {
		// The sibling links written during the split referenced the root
		// page; re-point them at the left half's new home.
		if left.next == right {
			// right.prev was set to the root pid inside splitNode.
			for _, h := range sm.extra {
				if h.Page().Id() == right {
					rn, err := readNode(h.Page())
					if err != nil {
						return err
					}
					rn.prev = left.pid
					if err := rn.writeNode(h.Page()); err != nil {
						return err
					}
				}
			}
		}
	}
	if err := left.writeNode(leftHandle.Page()); err != nil {
		return err
	}
	sm.touch(leftHandle)

	newRoot := &node{
		pid:      sm.tree.root,
		leftmost: left.pid,
		keys:     [][]byte{sep},
		children: []ids.PageId{right},
	}
	if err := newRoot.writeNode(rootEntry.h.Page()); err != nil {
		return err
	}
	sm.touch(rootEntry.h)
	return nil
}

// merge absorbs the leaf covering key into a sibling when their combined
// content fits one page, removing the separator from the parent and
// shrinking the root when it runs out of separators.
func (t *Tree) merge(key []byte) error {
	t.smo.Lock()
	defer t.smo.Unlock()

	path, err := t.descendLocked(key)
	if err != nil {
		return err
	}
	sm := &smoBatch{tree: t}
	err = func() error {
		defer releasePath(path)
		if len(path) < 2 {
			return nil // root leaf never merges
		}
		if err := sm.mergeAt(path, len(path)-1); err != nil {
			sm.releaseExtras()
			return err
		}
		if len(sm.touched) == 0 {
			sm.releaseExtras()
			sm.freed = nil
			return nil
		}
		return sm.commit(wal.TypePageMerge)
	}()
	if err != nil {
		return err
	}
	// Freed pages go back to the allocator once every latch and pin on
	// them is gone.
	for _, pid := range sm.freed {
		t.pool.DropPage(pid)
	}
	return nil
}

// mergeAt merges path[idx] with a parent-adjacent sibling if possible.
func (sm *smoBatch) mergeAt(path []pathEntry, idx int) error {
	if idx == 0 {
		return sm.shrinkRoot(path[0])
	}
	e := path[idx]
	parent := path[idx-1]

	// Locate e among the parent's children.
	pos := -1 // -1 means leftmost
	if parent.n.leftmost != e.n.pid {
		for i, c := range parent.n.children {
			if c == e.n.pid {
				pos = i
				break
			}
		}
		if pos == -1 {
			return errors.Annotatef(ErrBadNode, "page %d not under parent %d", e.n.pid, parent.n.pid)
		}
	}

	// Merge with the right sibling so the survivor is the left node and
	// leaf next-links only ever skip forward.
	var left, right *node
	var leftHandle *buffer.Handle
	var sepIdx int
	if pos+1 < len(parent.n.children) {
		sepIdx = pos + 1
		rh, err := sm.fetchLatched(parent.n.children[sepIdx])
		if err != nil {
			return err
		}
		rn, err := readNode(rh.Page())
		if err != nil {
			return err
		}
		left, right, leftHandle = e.n, rn, e.h
	} else if pos >= 0 {
		// Rightmost child: merge into the left neighbor.
		sepIdx = pos
		var lpid ids.PageId
		if pos == 0 {
			lpid = parent.n.leftmost
		} else {
			lpid = parent.n.children[pos-1]
		}
		lh, err := sm.fetchLatched(lpid)
		if err != nil {
			return err
		}
		ln, err := readNode(lh.Page())
		if err != nil {
			return err
		}
		left, right, leftHandle = ln, e.n, lh
	} else {
		// Leftmost child with no right sibling: parent has one child and
		// no separators; handled by root shrink via the parent.
		return nil
	}

	merged := &node{pid: left.pid, leaf: left.leaf}
	if left.leaf {
		merged.keys = append(append([][]byte(nil), left.keys...), right.keys...)
		merged.vals = append(append([]ids.RecordId(nil), left.vals...), right.vals...)
		merged.prev = left.prev
		merged.next = right.next
	} else {
		// Internal merge pulls the separator down between the halves.
		merged.keys = append(append([][]byte(nil), left.keys...), parent.n.keys[sepIdx])
		merged.keys = append(merged.keys, right.keys...)
		merged.children = append(append([]ids.PageId(nil), left.children...), right.leftmost)
		merged.children = append(merged.children, right.children...)
		merged.leftmost = left.leftmost
	}

	// Bounds of the merged node span both halves.
	lo, hi := parentBounds(parent, sepIdx)
	merged.prefix = commonPrefix(lo, hi)
	if !merged.fits() {
		return nil // combined content too big; leave the tree sparse
	}

	if err := merged.writeNode(leftHandle.Page()); err != nil {
		return err
	}
	sm.touch(leftHandle)

	if merged.leaf && merged.next != ids.NonePage {
		nb, err := sm.fetchLatched(merged.next)
		if err != nil {
			return err
		}
		nbNode, err := readNode(nb.Page())
		if err != nil {
			return err
		}
		nbNode.prev = merged.pid
		if err := nbNode.writeNode(nb.Page()); err != nil {
			return err
		}
		sm.touch(nb)
	}

	// Drop the separator and the absorbed child from the parent.
	pn := parent.n
	pn.keys = append(pn.keys[:sepIdx], pn.keys[sepIdx+1:]...)
	freed := pn.children[sepIdx]
	pn.children = append(pn.children[:sepIdx], pn.children[sepIdx+1:]...)
	if err := pn.writeNode(parent.h.Page()); err != nil {
		return err
	}
	sm.touch(parent.h)
	sm.freed = append(sm.freed, freed)

	if parent.h.Page().FreeSpace() > underflowFree || len(pn.keys) == 0 {
		return sm.mergeAt(path, idx-1)
	}
	return nil
}

// parentBounds returns the key range spanned by the two children on either
// side of separator sepIdx, read before the separator is removed.
func parentBounds(parent pathEntry, sepIdx int) (lo, hi []byte) {
	lo, hi = parent.lo, parent.hi
	if sepIdx > 0 {
		lo = parent.n.keys[sepIdx-1]
	}
	if sepIdx+1 < len(parent.n.keys) {
		hi = parent.n.keys[sepIdx+1]
	}
	return lo, hi
}

// shrinkRoot collapses an internal root with a single child: the child's
// contents move into the root page, keeping the root id stable.
func (sm *smoBatch) shrinkRoot(root pathEntry) error {
	if root.n.leaf || len(root.n.keys) > 0 {
		return nil
	}
	ch, err := sm.fetchLatched(root.n.leftmost)
	if err != nil {
		return err
	}
	cn, err := readNode(ch.Page())
	if err != nil {
		return err
	}
	cn.pid = sm.tree.root
	if err := cn.writeNode(root.h.Page()); err != nil {
		return err
	}
	sm.touch(root.h)
	sm.freed = append(sm.freed, ch.Page().Id())
	return nil
}
