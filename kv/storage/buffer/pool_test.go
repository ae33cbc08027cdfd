package buffer

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/disk"
	"github.com/meridiandb/meridian/kv/storage/page"
)

// fakeFlusher records the highest LSN the pool asked to make durable.
type fakeFlusher struct {
	flushed ids.LSN
}

func (f *fakeFlusher) Flush(lsn ids.LSN) error {
	if lsn > f.flushed {
		f.flushed = lsn
	}
	return nil
}

func newTestPool(t *testing.T, capacity int) (*Pool, *disk.Manager, *fakeFlusher, func()) {
	dir, err := ioutil.TempDir("", "buffer-test")
	require.NoError(t, err)
	dm, err := disk.Open(dir)
	require.NoError(t, err)
	fl := &fakeFlusher{}
	p := NewPool(dm, fl, capacity, 0)
	return p, dm, fl, func() {
		p.Close()
		dm.Close()
		os.RemoveAll(dir)
	}
}

func writeTestPage(t *testing.T, dm *disk.Manager, tuple string) ids.PageId {
	id := dm.Allocate()
	pg := page.New(id, page.TypeHeap)
	_, err := pg.Insert([]byte(tuple))
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(pg))
	return id
}

func TestFetchMissThenHit(t *testing.T) {
	p, dm, _, cleanup := newTestPool(t, 4)
	defer cleanup()

	id := writeTestPage(t, dm, "cached")
	h, err := p.Fetch(id)
	require.NoError(t, err)
	h.RLock()
	tuple, err := h.Page().Read(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), tuple)
	h.RUnlock()

	h2, err := p.Fetch(id)
	require.NoError(t, err)
	assert.Same(t, h.Page(), h2.Page(), "hit must reuse the resident frame")
	h.Release()
	h2.Release()
}

func TestPinnedFramesAreNeverEvicted(t *testing.T) {
	p, dm, _, cleanup := newTestPool(t, 2)
	defer cleanup()

	a := writeTestPage(t, dm, "a")
	b := writeTestPage(t, dm, "b")
	c := writeTestPage(t, dm, "c")

	ha, err := p.Fetch(a)
	require.NoError(t, err)
	hb, err := p.Fetch(b)
	require.NoError(t, err)

	// Both frames pinned: a third fetch must fail rather than evict.
	_, err = p.Fetch(c)
	require.Error(t, err)
	assert.Equal(t, ErrPoolStarved, errors.Cause(err))

	// Releasing one frame makes it the eviction victim.
	hb.Release()
	hc, err := p.Fetch(c)
	require.NoError(t, err)
	hc.Release()

	// The pinned page is still resident and intact.
	ha.RLock()
	tuple, err := ha.Page().Read(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), tuple)
	ha.RUnlock()
	ha.Release()
}

func TestDirtyEvictionFlushesLogFirst(t *testing.T) {
	p, dm, fl, cleanup := newTestPool(t, 1)
	defer cleanup()

	a := writeTestPage(t, dm, "a")
	b := writeTestPage(t, dm, "b")

	ha, err := p.Fetch(a)
	require.NoError(t, err)
	ha.Lock()
	_, err = ha.Page().Insert([]byte("mutated"))
	require.NoError(t, err)
	ha.Page().SetLSN(ids.LSN(4242))
	ha.Unlock()
	ha.MarkDirty(ids.LSN(4242))
	ha.Release()

	// The only frame is dirty; fetching b evicts a, which must hit the log
	// first and then the data file.
	hb, err := p.Fetch(b)
	require.NoError(t, err)
	hb.Release()
	assert.Equal(t, ids.LSN(4242), fl.flushed)

	got, err := dm.ReadPage(a)
	require.NoError(t, err)
	tuple, err := got.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutated"), tuple)
}

func TestDirtyPageTableTracksFirstDirtyingRecord(t *testing.T) {
	p, dm, _, cleanup := newTestPool(t, 4)
	defer cleanup()

	id := writeTestPage(t, dm, "a")
	h, err := p.Fetch(id)
	require.NoError(t, err)
	h.MarkDirty(ids.LSN(100))
	h.MarkDirty(ids.LSN(200)) // later records must not move recLSN
	h.Release()

	dpt := p.DirtyPages()
	require.Len(t, dpt, 1)
	assert.Equal(t, ids.LSN(100), dpt[id])

	require.NoError(t, p.FlushAll())
	assert.Empty(t, p.DirtyPages())
}

func TestSequentialFetchTriggersPrefetch(t *testing.T) {
	p, dm, _, cleanup := newTestPool(t, 32)
	defer cleanup()

	var pids []ids.PageId
	for i := 0; i < 16; i++ {
		pids = append(pids, writeTestPage(t, dm, "seq"))
	}

	// A run of consecutive fetches should pull pages ahead into the pool.
	for i := 0; i < seqThreshold+1; i++ {
		h, err := p.Fetch(pids[i])
		require.NoError(t, err)
		h.Release()
	}

	target := pids[seqThreshold+2]
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		_, resident := p.table[target]
		p.mu.Unlock()
		if resident {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("page %d was not prefetched", target)
}

func TestPrefetchWindowConfigurable(t *testing.T) {
	dir, err := ioutil.TempDir("", "buffer-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	dm, err := disk.Open(dir)
	require.NoError(t, err)
	defer dm.Close()

	p := NewPool(dm, &fakeFlusher{}, 8, 2)
	assert.Equal(t, 2, p.window)
	p.Close()

	p = NewPool(dm, &fakeFlusher{}, 8, 0)
	assert.Equal(t, defaultPrefetchWindow, p.window)
	p.Close()
}

func TestNewPageIsPinnedAndTyped(t *testing.T) {
	p, _, _, cleanup := newTestPool(t, 2)
	defer cleanup()

	h, err := p.NewPage(page.TypeBTreeLeaf)
	require.NoError(t, err)
	assert.Equal(t, page.TypeBTreeLeaf, h.Page().Type())
	assert.Equal(t, ids.PageId(1), h.Page().Id())
	h.Release()
}
