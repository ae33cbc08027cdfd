// Package buffer implements the page cache sitting between the disk manager
// and everything above it: a fixed number of frames, pin counting, LRU
// eviction of unpinned frames, dirty tracking for checkpoints, and
// asynchronous prefetch for sequential scans.
package buffer

import (
	"container/list"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/disk"
	"github.com/meridiandb/meridian/kv/storage/page"
	"github.com/meridiandb/meridian/kv/util/worker"
)

// ErrPoolStarved reports that every frame is pinned. Writes are rejected;
// callers holding pins should release and retry.
var ErrPoolStarved = errors.New("buffer: all frames pinned")

// how many pages ahead the prefetcher reads once a sequential run is
// seen, when the caller does not say.
const defaultPrefetchWindow = 8

// runs of this many consecutive fetches trigger prefetch.
const seqThreshold = 3

// LogFlusher is the slice of the WAL the pool needs: before a dirty page is
// written back, the log covering its changes must be durable.
type LogFlusher interface {
	Flush(lsn ids.LSN) error
}

type frame struct {
	latch sync.RWMutex
	page  *page.Page

	// The fields below are guarded by the pool mutex, not the latch.
	id     ids.PageId
	pins   int
	dirty  bool
	recLSN ids.LSN
	ele    *list.Element
}

// Handle is a pinned reference to a cached page. The pin blocks eviction;
// the latch serializes access to the page contents. Release once done.
type Handle struct {
	pool *Pool
	f    *frame
}

func (h *Handle) Page() *page.Page { return h.f.page }
func (h *Handle) Lock()            { h.f.latch.Lock() }
func (h *Handle) Unlock()          { h.f.latch.Unlock() }
func (h *Handle) RLock()           { h.f.latch.RLock() }
func (h *Handle) RUnlock()         { h.f.latch.RUnlock() }

// MarkDirty records that the caller mutated the page under its write latch.
// recLSN is the log record that made the change; the first one since the
// page was last clean feeds the checkpoint's dirty-page table.
func (h *Handle) MarkDirty(recLSN ids.LSN) {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if !h.f.dirty {
		h.f.dirty = true
		h.f.recLSN = recLSN
	}
}

// Release unpins the page. The handle must not be used afterwards.
func (h *Handle) Release() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	h.f.pins--
	if h.f.pins == 0 {
		h.f.ele = h.pool.lru.PushFront(h.f)
	}
}

// Pool caches pages in a fixed set of frames.
type Pool struct {
	dm  *disk.Manager
	fl  LogFlusher
	cap int

	mu    sync.Mutex
	table map[ids.PageId]*frame
	free  []*frame
	// lru holds unpinned frames only, most recently released at the front.
	lru *list.List

	// sequential-run detection for prefetch
	lastFetch ids.PageId
	seqRun    int
	window    int

	prefetch *worker.Worker
	wg       sync.WaitGroup
}

// NewPool creates a pool of capacity frames over dm. fl enforces the
// write-ahead rule on dirty write-back; it is required. window is how far
// ahead sequential scans prefetch; zero picks the default.
func NewPool(dm *disk.Manager, fl LogFlusher, capacity, window int) *Pool {
	if window <= 0 {
		window = defaultPrefetchWindow
	}
	p := &Pool{
		dm:     dm,
		fl:     fl,
		cap:    capacity,
		window: window,
		table:  make(map[ids.PageId]*frame, capacity),
		free:   make([]*frame, 0, capacity),
		lru:    list.New(),
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &frame{})
	}
	p.prefetch = worker.NewWorker("buffer-prefetch", &p.wg)
	p.prefetch.Start(prefetchHandler{p})
	return p
}

// Fetch pins the page, loading it from disk on a miss. Consecutive ids
// fetched in order schedule asynchronous prefetch of the pages ahead.
func (p *Pool) Fetch(id ids.PageId) (*Handle, error) {
	p.mu.Lock()
	p.noteFetchLocked(id)
	if f, ok := p.table[id]; ok {
		p.pinLocked(f)
		p.mu.Unlock()
		hitCounter.Inc()
		return &Handle{pool: p, f: f}, nil
	}
	missCounter.Inc()
	f, err := p.claimFrameLocked(id)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The frame is pinned and latched by claimFrameLocked; IO happens
	// without the pool mutex.
	pg, err := p.dm.TryReadPage(id)
	if err == nil && pg == nil {
		// Allocated but never flushed: materialize it empty.
		pg = page.New(id, page.TypeHeap)
	}
	if err != nil {
		f.latch.Unlock()
		p.mu.Lock()
		delete(p.table, id)
		f.id = ids.NonePage
		p.free = append(p.free, f)
		p.mu.Unlock()
		return nil, err
	}
	f.page = pg
	f.latch.Unlock()
	return &Handle{pool: p, f: f}, nil
}

// NewPage allocates a fresh page of the given type and returns it pinned.
func (p *Pool) NewPage(t page.Type) (*Handle, error) {
	id := p.dm.Allocate()
	p.mu.Lock()
	f, err := p.claimFrameLocked(id)
	p.mu.Unlock()
	if err != nil {
		p.dm.Free(id)
		return nil, err
	}
	f.page = page.New(id, t)
	f.latch.Unlock()
	return &Handle{pool: p, f: f}, nil
}

func (p *Pool) pinLocked(f *frame) {
	if f.pins == 0 && f.ele != nil {
		p.lru.Remove(f.ele)
		f.ele = nil
	}
	f.pins++
}

// claimFrameLocked reserves a frame for id: a free frame if one exists,
// otherwise the least-recently-used unpinned frame, written back first if
// dirty. The returned frame is pinned, write-latched and already in the
// table; the caller fills frame.page and drops the latch.
func (p *Pool) claimFrameLocked(id ids.PageId) (*frame, error) {
	var f *frame
	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		victim := p.lru.Back()
		if victim == nil {
			starvedCounter.Inc()
			return nil, errors.Annotatef(ErrPoolStarved, "%d frames", p.cap)
		}
		f = victim.Value.(*frame)
		if f.dirty {
			// The victim is unpinned, so nobody holds its latch; write it
			// back before the frame changes identity. Done under the pool
			// mutex so no concurrent fetch can race the disk write.
			if err := p.writeBack(f.page, true); err != nil {
				return nil, err
			}
			f.dirty = false
		}
		p.lru.Remove(victim)
		f.ele = nil
		delete(p.table, f.id)
		evictionCounter.Inc()
	}
	f.id = id
	f.pins = 1
	f.dirty = false
	f.recLSN = ids.NoneLSN
	f.page = nil
	f.latch.Lock()
	p.table[id] = f
	return f, nil
}

// writeBack enforces the write-ahead rule before the page goes to disk.
func (p *Pool) writeBack(pg *page.Page, dirty bool) error {
	if !dirty {
		return nil
	}
	if err := p.fl.Flush(pg.LSN()); err != nil {
		return errors.Annotate(err, "buffer: wal flush before write-back")
	}
	if err := p.dm.WritePage(pg); err != nil {
		return err
	}
	writeBackCounter.Inc()
	return nil
}

func (p *Pool) noteFetchLocked(id ids.PageId) {
	if id == p.lastFetch+1 {
		p.seqRun++
		if p.seqRun >= seqThreshold {
			select {
			case p.prefetch.Sender() <- prefetchTask{from: id + 1, n: p.window}:
			default:
				// Prefetch is advisory; drop it when the worker is behind.
			}
			p.seqRun = 0
		}
	} else {
		p.seqRun = 0
	}
	p.lastFetch = id
}

type prefetchTask struct {
	from ids.PageId
	n    int
}

type prefetchHandler struct {
	p *Pool
}

func (h prefetchHandler) Handle(t worker.Task) {
	task, ok := t.(prefetchTask)
	if !ok {
		return
	}
	limit := ids.PageId(h.p.dm.PageCount())
	for i := 0; i < task.n; i++ {
		id := task.from + ids.PageId(i)
		if id > limit {
			return
		}
		h.p.mu.Lock()
		_, cached := h.p.table[id]
		h.p.mu.Unlock()
		if cached {
			continue
		}
		hd, err := h.p.Fetch(id)
		if err != nil {
			return
		}
		hd.Release()
		prefetchCounter.Inc()
	}
}

// DropPage evicts the page without write-back and returns its id to the
// allocator's free list. For pages that have just been unlinked from every
// on-disk structure. A no-op if the page is still pinned.
func (p *Pool) DropPage(id ids.PageId) {
	p.mu.Lock()
	f, ok := p.table[id]
	if ok {
		if f.pins > 0 {
			p.mu.Unlock()
			return
		}
		if f.ele != nil {
			p.lru.Remove(f.ele)
			f.ele = nil
		}
		delete(p.table, id)
		f.id = ids.NonePage
		f.dirty = false
		f.page = nil
		p.free = append(p.free, f)
	}
	p.mu.Unlock()
	p.dm.Free(id)
}

// FlushPage writes the page back to disk if it is cached and dirty. The
// frame stays resident.
func (p *Pool) FlushPage(id ids.PageId) error {
	p.mu.Lock()
	f, ok := p.table[id]
	if !ok || !f.dirty {
		p.mu.Unlock()
		return nil
	}
	p.pinLocked(f)
	f.dirty = false
	f.recLSN = ids.NoneLSN
	p.mu.Unlock()

	f.latch.RLock()
	err := p.writeBack(f.page, true)
	f.latch.RUnlock()

	p.mu.Lock()
	f.pins--
	if f.pins == 0 {
		f.ele = p.lru.PushFront(f)
	}
	if err != nil {
		// Still dirty; keep it in the next checkpoint's table.
		f.dirty = true
	}
	p.mu.Unlock()
	return err
}

// FlushAll writes every dirty resident page back. Used at clean shutdown.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	dirty := make([]ids.PageId, 0)
	for id, f := range p.table {
		if f.dirty {
			dirty = append(dirty, id)
		}
	}
	p.mu.Unlock()
	for _, id := range dirty {
		if err := p.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DirtyPages snapshots the dirty-page table for a fuzzy checkpoint: page id
// to the LSN of the first record that dirtied it.
func (p *Pool) DirtyPages() map[ids.PageId]ids.LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	dpt := make(map[ids.PageId]ids.LSN, len(p.table))
	for id, f := range p.table {
		if f.dirty {
			dpt[id] = f.recLSN
		}
	}
	return dpt
}

// WithPage runs fn on the page under its write latch, marking the frame
// dirty when fn reports a change. It stamps no LSN; fn does that. This is
// how transaction rollback applies compensation records through the cache.
func (p *Pool) WithPage(id ids.PageId, fn func(*page.Page) (bool, error)) error {
	h, err := p.Fetch(id)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Lock()
	defer h.Unlock()
	dirty, err := fn(h.Page())
	if err != nil {
		return err
	}
	if dirty {
		h.MarkDirty(h.Page().LSN())
	}
	return nil
}

// Restore replaces the cached page with a full image.
func (p *Pool) Restore(id ids.PageId, image []byte) error {
	return p.WithPage(id, func(pg *page.Page) (bool, error) {
		copy(pg.Bytes(), image)
		pg.SetId(id)
		return true, nil
	})
}

// Close stops the prefetcher. It does not flush; call FlushAll first when
// shutting down cleanly.
func (p *Pool) Close() {
	p.prefetch.Stop()
	p.wg.Wait()
	log.Info("buffer pool closed", zap.Int("frames", p.cap))
}
