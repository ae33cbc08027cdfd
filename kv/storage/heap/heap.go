// Package heap implements the row store: slotted pages holding versioned
// tuples addressed by (page, slot) record ids. Every mutation is logged
// before the transaction can commit; the buffer pool keeps the pages
// cache-resident and enforces the write-ahead rule on write-back.
package heap

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/buffer"
	"github.com/meridiandb/meridian/kv/storage/disk"
	"github.com/meridiandb/meridian/kv/storage/page"
	"github.com/meridiandb/meridian/kv/wal"
)

// ErrNotFound reports a record id addressing no live tuple.
var ErrNotFound = errors.New("heap: tuple not found")

// Store is the versioned row store. Safe for concurrent use; page access is
// serialized by frame latches, the free-space map by the store mutex.
type Store struct {
	pool *buffer.Pool
	wal  *wal.Manager

	mu sync.Mutex
	// pages owned by the store, in allocation order, for scans.
	pages []ids.PageId
	// fsm maps a page to its last known free byte count. Values are
	// advisory: the page is re-checked under its latch before use.
	fsm map[ids.PageId]int
}

// Open builds a store over the pool, discovering existing heap pages by
// scanning the data file's allocation range once.
func Open(pool *buffer.Pool, w *wal.Manager, dm *disk.Manager) (*Store, error) {
	s := &Store{pool: pool, wal: w, fsm: make(map[ids.PageId]int)}
	n := dm.PageCount()
	for id := ids.PageId(1); uint64(id) <= n; id++ {
		pg, err := dm.TryReadPage(id)
		if err != nil {
			return nil, errors.Annotate(err, "heap: open")
		}
		if pg == nil || pg.Type() != page.TypeHeap {
			continue
		}
		s.pages = append(s.pages, id)
		s.fsm[id] = pg.FreeSpace()
	}
	log.Info("heap store opened", zap.Int("pages", len(s.pages)))
	return s, nil
}

// Insert writes a brand new row version owned by txn and returns its id.
func (s *Store) Insert(txn ids.TxnId, data []byte, flags uint16) (ids.RecordId, error) {
	t := &Tuple{Xmin: txn, Flags: flags, Data: data}
	return s.place(txn, t, ids.NonePage)
}

// InsertVersion writes a new version chained on top of next without
// touching next itself. Used when the newest existing version already
// carries its deleter's stamp, which must survive as-is for older
// snapshots.
func (s *Store) InsertVersion(txn ids.TxnId, data []byte, flags uint16, next ids.RecordId) (ids.RecordId, error) {
	t := &Tuple{Xmin: txn, Next: next, Flags: flags, Data: data}
	return s.place(txn, t, next.Page)
}

// place stores an encoded tuple on a page with room, preferring prefer when
// it is a real page, and logs the insert.
func (s *Store) place(txn ids.TxnId, t *Tuple, prefer ids.PageId) (ids.RecordId, error) {
	enc := t.Encode()
	need := len(enc) + page.SlotSize
	for _, pid := range s.candidatePages(need, prefer) {
		rid, ok, err := s.tryInsert(txn, pid, enc)
		if err != nil {
			return ids.NoneRecord, err
		}
		if ok {
			return rid, nil
		}
	}

	h, err := s.pool.NewPage(page.TypeHeap)
	if err != nil {
		return ids.NoneRecord, err
	}
	pid := h.Page().Id()
	h.Lock()
	slot, err := h.Page().Insert(enc)
	if err != nil {
		h.Unlock()
		h.Release()
		return ids.NoneRecord, err
	}
	lsn, err := s.wal.AppendInsert(txn, pid, slot, enc)
	if err != nil {
		h.Unlock()
		h.Release()
		return ids.NoneRecord, err
	}
	h.Page().SetLSN(lsn)
	free := h.Page().FreeSpace()
	h.Unlock()
	h.MarkDirty(lsn)
	h.Release()

	s.mu.Lock()
	s.pages = append(s.pages, pid)
	s.fsm[pid] = free
	s.mu.Unlock()
	insertCounter.Inc()
	return ids.RecordId{Page: pid, Slot: slot}, nil
}

func (s *Store) candidatePages(need int, prefer ids.PageId) []ids.PageId {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ids.PageId
	if prefer != ids.NonePage {
		if free, ok := s.fsm[prefer]; ok && free >= need {
			out = append(out, prefer)
		}
	}
	for pid, free := range s.fsm {
		if pid != prefer && free >= need {
			out = append(out, pid)
			if len(out) >= 4 {
				break
			}
		}
	}
	return out
}

func (s *Store) tryInsert(txn ids.TxnId, pid ids.PageId, enc []byte) (ids.RecordId, bool, error) {
	h, err := s.pool.Fetch(pid)
	if err != nil {
		return ids.NoneRecord, false, err
	}
	defer h.Release()
	h.Lock()
	defer h.Unlock()
	slot, err := h.Page().Insert(enc)
	if errors.Cause(err) == page.ErrPageFull {
		s.noteFree(pid, h.Page().FreeSpace())
		return ids.NoneRecord, false, nil
	}
	if err != nil {
		return ids.NoneRecord, false, err
	}
	lsn, err := s.wal.AppendInsert(txn, pid, slot, enc)
	if err != nil {
		return ids.NoneRecord, false, err
	}
	h.Page().SetLSN(lsn)
	h.MarkDirty(lsn)
	s.noteFree(pid, h.Page().FreeSpace())
	insertCounter.Inc()
	return ids.RecordId{Page: pid, Slot: slot}, true, nil
}

func (s *Store) noteFree(pid ids.PageId, free int) {
	s.mu.Lock()
	s.fsm[pid] = free
	s.mu.Unlock()
}

// Fetch returns the tuple at rid. The returned tuple's Data is copied out
// of the page, so it stays valid after the latch drops.
func (s *Store) Fetch(rid ids.RecordId) (*Tuple, error) {
	h, err := s.pool.Fetch(rid.Page)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	h.RLock()
	defer h.RUnlock()
	return readTuple(h.Page(), rid.Slot)
}

func readTuple(pg *page.Page, slot uint16) (*Tuple, error) {
	raw, err := pg.Read(slot)
	if errors.Cause(err) == page.ErrBadSlot {
		return nil, errors.Annotatef(ErrNotFound, "page %d slot %d", pg.Id(), slot)
	}
	if err != nil {
		return nil, err
	}
	t, err := DecodeTuple(raw)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	t.Data = data
	return t, nil
}

// Update supersedes the version at head: head's Xmax is stamped with txn
// and a new version is appended, preferring head's page for locality. The
// returned id is the new chain head; the caller repoints its index at it.
func (s *Store) Update(txn ids.TxnId, head ids.RecordId, data []byte, flags uint16) (ids.RecordId, error) {
	if err := s.stampXmax(txn, head); err != nil {
		return ids.NoneRecord, err
	}
	t := &Tuple{Xmin: txn, Next: head, Flags: flags, Data: data}
	rid, err := s.place(txn, t, head.Page)
	if err != nil {
		return ids.NoneRecord, err
	}
	updateCounter.Inc()
	return rid, nil
}

// Delete tombstones the version at head: Xmax is set, nothing is removed.
// Readers with older snapshots keep seeing the row; vacuum reclaims it once
// no snapshot can.
func (s *Store) Delete(txn ids.TxnId, head ids.RecordId) error {
	if err := s.stampXmax(txn, head); err != nil {
		return err
	}
	deleteCounter.Inc()
	return nil
}

// stampXmax rewrites the tuple header at rid with Xmax = txn, logging the
// before and after images. The encoded length is unchanged, so the tuple
// stays in place.
func (s *Store) stampXmax(txn ids.TxnId, rid ids.RecordId) error {
	h, err := s.pool.Fetch(rid.Page)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Lock()
	defer h.Unlock()
	pg := h.Page()
	raw, err := pg.Read(rid.Slot)
	if errors.Cause(err) == page.ErrBadSlot {
		return errors.Annotatef(ErrNotFound, "%s", rid)
	}
	if err != nil {
		return err
	}
	t, err := DecodeTuple(raw)
	if err != nil {
		return err
	}
	before := make([]byte, len(raw))
	copy(before, raw)
	t.Xmax = txn
	after := t.Encode()
	lsn, err := s.wal.AppendUpdate(txn, rid.Page, rid.Slot, before, after)
	if err != nil {
		return err
	}
	if err := pg.Overwrite(rid.Slot, after); err != nil {
		return err
	}
	pg.SetLSN(lsn)
	h.MarkDirty(lsn)
	return nil
}

// Truncate clears the version chain pointer of rid so the older versions
// behind it become unreachable. Used by vacuum right before it reclaims
// them.
func (s *Store) Truncate(txn ids.TxnId, rid ids.RecordId) error {
	h, err := s.pool.Fetch(rid.Page)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Lock()
	defer h.Unlock()
	pg := h.Page()
	raw, err := pg.Read(rid.Slot)
	if errors.Cause(err) == page.ErrBadSlot {
		return errors.Annotatef(ErrNotFound, "%s", rid)
	}
	if err != nil {
		return err
	}
	t, err := DecodeTuple(raw)
	if err != nil {
		return err
	}
	if t.Next.IsNone() {
		return nil
	}
	before := make([]byte, len(raw))
	copy(before, raw)
	t.Next = ids.NoneRecord
	after := t.Encode()
	lsn, err := s.wal.AppendUpdate(txn, rid.Page, rid.Slot, before, after)
	if err != nil {
		return err
	}
	if err := pg.Overwrite(rid.Slot, after); err != nil {
		return err
	}
	pg.SetLSN(lsn)
	h.MarkDirty(lsn)
	return nil
}

// WalkVersions follows the chain from head, newest first, calling fn for
// each version until fn returns false or the chain ends.
func (s *Store) WalkVersions(head ids.RecordId, fn func(rid ids.RecordId, t *Tuple) bool) error {
	rid := head
	for !rid.IsNone() {
		t, err := s.Fetch(rid)
		if err != nil {
			return err
		}
		if !fn(rid, t) {
			return nil
		}
		rid = t.Next
	}
	return nil
}

// Scan calls fn for every live slot in the store, page by page in
// allocation order. Sequential page fetches let the pool prefetch ahead.
func (s *Store) Scan(fn func(rid ids.RecordId, t *Tuple) (bool, error)) error {
	s.mu.Lock()
	pages := append([]ids.PageId(nil), s.pages...)
	s.mu.Unlock()
	for _, pid := range pages {
		h, err := s.pool.Fetch(pid)
		if err != nil {
			return err
		}
		h.RLock()
		pg := h.Page()
		n := pg.SlotCount()
		type hit struct {
			rid ids.RecordId
			t   *Tuple
		}
		hits := make([]hit, 0, n)
		for slot := uint16(0); slot < n; slot++ {
			if pg.IsDead(slot) {
				continue
			}
			t, err := readTuple(pg, slot)
			if err != nil {
				h.RUnlock()
				h.Release()
				return err
			}
			hits = append(hits, hit{rid: ids.RecordId{Page: pid, Slot: slot}, t: t})
		}
		h.RUnlock()
		h.Release()
		for _, ht := range hits {
			more, err := fn(ht.rid, ht.t)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
	return nil
}

// Reclaim physically removes a dead version, logging the delete for undo
// and redo, and compacts the page when dead space dominates. Called by
// vacuum for versions no snapshot can see.
func (s *Store) Reclaim(txn ids.TxnId, rid ids.RecordId) error {
	h, err := s.pool.Fetch(rid.Page)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Lock()
	defer h.Unlock()
	pg := h.Page()
	raw, err := pg.Read(rid.Slot)
	if errors.Cause(err) == page.ErrBadSlot {
		// Already reclaimed.
		return nil
	}
	if err != nil {
		return err
	}
	before := make([]byte, len(raw))
	copy(before, raw)
	lsn, err := s.wal.AppendDelete(txn, rid.Page, rid.Slot, before)
	if err != nil {
		return err
	}
	if err := pg.Delete(rid.Slot); err != nil {
		return err
	}
	pg.SetLSN(lsn)
	h.MarkDirty(lsn)
	if pg.LiveSlots()*2 < int(pg.SlotCount()) {
		pg.Compact()
	}
	s.noteFree(rid.Page, pg.FreeSpace())
	reclaimCounter.Inc()
	return nil
}
