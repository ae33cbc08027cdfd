package btree

import (
	"bytes"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/buffer"
	"github.com/meridiandb/meridian/kv/storage/page"
	"github.com/meridiandb/meridian/kv/wal"
)

// Pair is one bulk-load input entry.
type Pair struct {
	Key []byte
	Val ids.RecordId
}

// ErrUnsorted reports bulk input that is not strictly increasing.
var ErrUnsorted = errors.New("btree: bulk input not sorted")

// pages per structure-modification record during a bulk load.
const bulkImageChunk = 8

// headroom left in bulk-built nodes so the first later insert does not
// split immediately.
const bulkSlack = page.Size / 16

// BulkLoad builds a fresh tree from sorted, unique pairs, packing leaves
// bottom-up instead of descending per key. Considerably faster than
// repeated Put for large sorted input.
func BulkLoad(pool *buffer.Pool, w *wal.Manager, pairs []Pair) (*Tree, error) {
	t, err := Create(pool, w)
	if err != nil {
		return nil, err
	}
	if err := t.Load(pairs); err != nil {
		return nil, err
	}
	return t, nil
}

// Load fills an empty tree from presorted pairs, reusing the tree's meta
// and root pages so its identity on disk does not change. The tree must
// hold no keys.
func (t *Tree) Load(pairs []Pair) error {
	for i, p := range pairs {
		if len(p.Key) == 0 {
			return ErrEmptyKey
		}
		if len(p.Key) > MaxKeySize {
			return errors.Annotatef(ErrKeyTooLarge, "%d bytes", len(p.Key))
		}
		if i > 0 && bytes.Compare(pairs[i-1].Key, p.Key) >= 0 {
			return errors.Annotatef(ErrUnsorted, "entry %d", i)
		}
	}
	if err := t.ensureEmpty(); err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}

	bw := &bulkWriter{t: t}
	level, err := bw.writeLeafLevel(chunkLeaves(pairs))
	if err != nil {
		bw.abort()
		return err
	}
	for len(level) > 1 {
		level, err = bw.writeInternalLevel(level)
		if err != nil {
			bw.abort()
			return err
		}
	}
	return bw.flush()
}

func (t *Tree) ensureEmpty() error {
	h, err := t.pool.Fetch(t.root)
	if err != nil {
		return err
	}
	defer h.Release()
	h.RLock()
	defer h.RUnlock()
	n, err := readNode(h.Page())
	if err != nil {
		return err
	}
	if !n.leaf || len(n.keys) > 0 {
		return errors.New("btree: bulk load target is not empty")
	}
	return nil
}

// levelEntry is one finished subtree: its page and the smallest key it
// covers (nil for the leftmost subtree of the level).
type levelEntry struct {
	pid ids.PageId
	key []byte
}

// chunkLeaves packs pairs into in-memory leaves, then fixes each node's
// prefix from its final key-range bounds.
func chunkLeaves(pairs []Pair) []*node {
	var nodes []*node
	cur := &node{leaf: true}
	size := leafBaseSize
	for _, p := range pairs {
		esz := 2 + len(p.Key) + 10 + page.SlotSize
		if len(cur.keys) > 0 && size+esz > page.Size-bulkSlack {
			nodes = append(nodes, cur)
			cur = &node{leaf: true}
			size = leafBaseSize
		}
		cur.keys = append(cur.keys, p.Key)
		cur.vals = append(cur.vals, p.Val)
		size += esz
	}
	nodes = append(nodes, cur)
	assignPrefixes(nodes)
	return nodes
}

const (
	leafBaseSize     = page.HeaderSize + page.SlotSize + 19
	internalBaseSize = page.HeaderSize + page.SlotSize + 11
)

// assignPrefixes sets each node's prefix from its routing bounds: a node
// covers [its first key, next node's first key). Prefixes only shrink the
// serialized size the chunking estimated without them.
func assignPrefixes(nodes []*node) {
	for i, n := range nodes {
		var lo, hi []byte
		if i > 0 {
			lo = n.keys[0]
		}
		if i+1 < len(nodes) {
			hi = nodes[i+1].keys[0]
		}
		n.prefix = commonPrefix(lo, hi)
	}
}

// bulkWriter allocates pages for finished nodes and logs their images in
// chunks, keeping at most one chunk of pages pinned.
type bulkWriter struct {
	t       *Tree
	pending []*buffer.Handle
}

func (bw *bulkWriter) add(h *buffer.Handle) error {
	bw.pending = append(bw.pending, h)
	if len(bw.pending) >= bulkImageChunk {
		return bw.flush()
	}
	return nil
}

func (bw *bulkWriter) flush() error {
	if len(bw.pending) == 0 {
		return nil
	}
	images := make([]wal.PageImage, 0, len(bw.pending))
	for _, h := range bw.pending {
		images = append(images, wal.PageImage{Page: h.Page().Id(), Image: h.Page().Bytes()})
	}
	lsn, err := bw.t.wal.AppendPageImages(ids.NoneTxn, wal.TypePageSplit, images)
	if err != nil {
		return err
	}
	for _, h := range bw.pending {
		h.Page().SetLSN(lsn)
		h.MarkDirty(lsn)
		h.Unlock()
		h.Release()
	}
	bw.pending = nil
	return nil
}

func (bw *bulkWriter) abort() {
	for _, h := range bw.pending {
		h.Unlock()
		h.Release()
	}
	bw.pending = nil
}

func (bw *bulkWriter) newPage(t page.Type) (*buffer.Handle, error) {
	h, err := bw.t.pool.NewPage(t)
	if err != nil {
		return nil, err
	}
	h.Lock()
	return h, nil
}

// writeRoot serializes n into the stable root page.
func (bw *bulkWriter) writeRoot(n *node) error {
	h, err := bw.t.pool.Fetch(bw.t.root)
	if err != nil {
		return err
	}
	h.Lock()
	n.pid = bw.t.root
	if err := n.writeNode(h.Page()); err != nil {
		h.Unlock()
		h.Release()
		return err
	}
	return bw.add(h)
}

// writeLeafLevel places the chunked leaves on pages, threading the sibling
// links as it goes. A single leaf becomes the root itself.
func (bw *bulkWriter) writeLeafLevel(nodes []*node) ([]levelEntry, error) {
	if len(nodes) == 1 {
		if err := bw.writeRoot(nodes[0]); err != nil {
			return nil, err
		}
		return []levelEntry{{pid: bw.t.root}}, nil
	}
	handles := make([]*buffer.Handle, 1)
	var err error
	handles[0], err = bw.newPage(page.TypeBTreeLeaf)
	if err != nil {
		return nil, err
	}
	level := make([]levelEntry, 0, len(nodes))
	for i, n := range nodes {
		h := handles[i]
		n.pid = h.Page().Id()
		if i > 0 {
			n.prev = handles[i-1].Page().Id()
		}
		if i+1 < len(nodes) {
			// The next leaf's page is allocated ahead so this one can
			// point at it.
			nh, err := bw.newPage(page.TypeBTreeLeaf)
			if err != nil {
				h.Unlock()
				h.Release()
				return nil, err
			}
			handles = append(handles, nh)
			n.next = nh.Page().Id()
		}
		if err := n.writeNode(h.Page()); err != nil {
			h.Unlock()
			h.Release()
			return nil, err
		}
		var key []byte
		if i > 0 {
			key = n.keys[0]
		}
		level = append(level, levelEntry{pid: n.pid, key: key})
		if err := bw.add(h); err != nil {
			return nil, err
		}
	}
	return level, nil
}

// writeInternalLevel builds one internal level over the given subtrees.
// When everything fits a single node it is written into the root page.
func (bw *bulkWriter) writeInternalLevel(level []levelEntry) ([]levelEntry, error) {
	nodes, starts := chunkInternal(level)
	if len(nodes) == 1 {
		if err := bw.writeRoot(nodes[0]); err != nil {
			return nil, err
		}
		return []levelEntry{{pid: bw.t.root}}, nil
	}
	out := make([]levelEntry, 0, len(nodes))
	for i, n := range nodes {
		h, err := bw.newPage(page.TypeBTreeInternal)
		if err != nil {
			return nil, err
		}
		n.pid = h.Page().Id()
		if err := n.writeNode(h.Page()); err != nil {
			h.Unlock()
			h.Release()
			return nil, err
		}
		out = append(out, levelEntry{pid: n.pid, key: starts[i]})
		if err := bw.add(h); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// chunkInternal packs subtrees into internal nodes. The first subtree of a
// chunk becomes the node's leftmost child and its smallest key becomes the
// chunk's own routing key in the level above.
func chunkInternal(level []levelEntry) (nodes []*node, starts [][]byte) {
	cur := &node{leftmost: level[0].pid}
	starts = append(starts, level[0].key)
	size := internalBaseSize
	for _, e := range level[1:] {
		esz := 2 + len(e.key) + 8 + page.SlotSize
		if len(cur.keys) > 0 && size+esz > page.Size-bulkSlack {
			nodes = append(nodes, cur)
			cur = &node{leftmost: e.pid}
			starts = append(starts, e.key)
			size = internalBaseSize
			continue
		}
		cur.keys = append(cur.keys, e.key)
		cur.children = append(cur.children, e.pid)
		size += esz
	}
	nodes = append(nodes, cur)
	// Bounds of internal node i are its own routing key and the next
	// node's routing key.
	for i, n := range nodes {
		var lo, hi []byte
		lo = starts[i]
		if i+1 < len(nodes) {
			hi = starts[i+1]
		}
		n.prefix = commonPrefix(lo, hi)
	}
	return nodes, starts
}
