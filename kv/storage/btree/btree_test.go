package btree

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/buffer"
	"github.com/meridiandb/meridian/kv/storage/disk"
	"github.com/meridiandb/meridian/kv/wal"
)

type testEnv struct {
	dir  string
	dm   *disk.Manager
	wal  *wal.Manager
	pool *buffer.Pool
}

func newTestEnv(t *testing.T) (*testEnv, func()) {
	dir, err := ioutil.TempDir("", "btree-test")
	require.NoError(t, err)
	env := &testEnv{dir: dir}
	env.open(t)
	return env, func() {
		env.close()
		os.RemoveAll(dir)
	}
}

func (e *testEnv) open(t *testing.T) {
	var err error
	e.dm, err = disk.Open(filepath.Join(e.dir, "data"))
	require.NoError(t, err)
	e.wal, err = wal.Open(filepath.Join(e.dir, "wal"), wal.Config{
		SegmentSize:       1 << 20,
		GroupCommitWindow: time.Millisecond,
	})
	require.NoError(t, err)
	e.pool = buffer.NewPool(e.dm, e.wal, 128, 0)
}

func (e *testEnv) close() {
	e.pool.Close()
	e.wal.Close()
	e.dm.Close()
}

func rid(n uint64) ids.RecordId {
	return ids.RecordId{Page: ids.PageId(n), Slot: uint16(n % 100)}
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func TestPutGetRoundTrip(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("alpha"), rid(1)))
	require.NoError(t, tr.Put([]byte("beta"), rid(2)))

	v, ok, err := tr.Get([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rid(1), v)

	_, ok, err = tr.Get([]byte("gamma"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("k"), rid(1)))
	require.NoError(t, tr.Put([]byte("k"), rid(2)))

	v, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rid(2), v)
}

func TestRejectsBadKeys(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	assert.Error(t, tr.Put(nil, rid(1)))
	assert.Error(t, tr.Put(make([]byte, MaxKeySize+1), rid(1)))
}

func TestSplitsKeepEveryKeyReachable(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	// Enough entries to split leaves several times and grow the root.
	const n = 5000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i*7%n), rid(uint64(i*7%n))))
	}
	for i := 0; i < n; i++ {
		v, ok, err := tr.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d missing", i)
		assert.Equal(t, rid(uint64(i)), v)
	}
}

func TestScanIsSorted(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	const n = 3000
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	// fixed shuffle, no randomness in tests
	for i := range perm {
		j := (i * 2654435761) % n
		perm[i], perm[j] = perm[j], perm[i]
	}
	for _, i := range perm {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}

	var got [][]byte
	for it := tr.SeekFirst(); it.Valid(); it.Next() {
		got = append(got, append([]byte(nil), it.Key()...))
	}
	require.NoError(t, err)
	require.Len(t, got, n)
	assert.True(t, sort.SliceIsSorted(got, func(a, b int) bool {
		return bytes.Compare(got[a], got[b]) < 0
	}))
	assert.Equal(t, key(0), got[0])
	assert.Equal(t, key(n-1), got[n-1])
}

func TestSeekPositionsAtFirstKeyNotBelow(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	for i := 0; i < 100; i += 2 {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}

	it := tr.Seek(key(31))
	require.True(t, it.Valid())
	assert.Equal(t, key(32), it.Key())

	it = tr.Seek(key(200))
	assert.False(t, it.Valid())
	assert.NoError(t, it.Err())
}

func TestReverseScan(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}

	count := 0
	for it := tr.SeekLast(); it.Valid(); it.Prev() {
		assert.Equal(t, key(n-1-count), it.Key())
		count++
	}
	assert.Equal(t, n, count)
}

func TestDeleteThenMergeKeepsSurvivors(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	const n = 4000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}
	// Empty out a contiguous band of leaves so merges fire.
	for i := 500; i < 3500; i++ {
		require.NoError(t, tr.Delete(key(i)))
	}
	for i := 0; i < n; i++ {
		_, ok, err := tr.Get(key(i))
		require.NoError(t, err)
		assert.Equal(t, i < 500 || i >= 3500, ok, "key %d", i)
	}
	// Order survives the reorganizations.
	var prev []byte
	count := 0
	for it := tr.SeekFirst(); it.Valid(); it.Next() {
		if prev != nil {
			assert.True(t, bytes.Compare(prev, it.Key()) < 0)
		}
		prev = append(prev[:0], it.Key()...)
		count++
	}
	assert.Equal(t, 1000, count)
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)
	require.NoError(t, tr.Put([]byte("k"), rid(1)))
	require.NoError(t, tr.Delete([]byte("absent")))

	_, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrefixCompressionSharesCommonLead(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)

	// Long shared prefix: without compression these would overflow leaves
	// far earlier.
	lead := bytes.Repeat([]byte("tenant/42/orders/"), 4)
	const n = 2000
	for i := 0; i < n; i++ {
		k := append(append([]byte(nil), lead...), key(i)...)
		require.NoError(t, tr.Put(k, rid(uint64(i))))
	}
	for i := 0; i < n; i++ {
		k := append(append([]byte(nil), lead...), key(i)...)
		v, ok, err := tr.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rid(uint64(i)), v)
	}
}

func TestTreeReopensFromMetaPage(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)
	const n = 1500
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}
	meta := tr.MetaPage()
	require.NoError(t, env.pool.FlushAll())
	env.dm.CloseClean()
	env.wal.Close()
	env.pool.Close()

	env.open(t)
	tr2, err := Open(env.pool, env.wal, meta)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		v, ok, err := tr2.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rid(uint64(i)), v)
	}
}

func TestCrashRecoveryRebuildsTree(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)
	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}
	meta := tr.MetaPage()
	// No flush: everything lives in the log and the pool. Dropping the
	// pool without FlushAll simulates losing volatile state.
	env.wal.Close()
	env.pool.Close()
	env.dm.Close()

	env.open(t)
	store := wal.NewDiskPageStore(env.dm)
	_, err = env.wal.Recover(store)
	require.NoError(t, err)

	tr2, err := Open(env.pool, env.wal, meta)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		v, ok, err := tr2.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d lost", i)
		assert.Equal(t, rid(uint64(i)), v)
	}
}

func TestBulkLoadMatchesIncremental(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	const n = 10000
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Key: key(i), Val: rid(uint64(i))}
	}
	tr, err := BulkLoad(env.pool, env.wal, pairs)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		v, ok, err := tr.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, rid(uint64(i)), v)
	}
	count := 0
	for it := tr.SeekFirst(); it.Valid(); it.Next() {
		assert.Equal(t, key(count), it.Key())
		count++
	}
	assert.Equal(t, n, count)

	// Bulk-built trees accept further writes.
	require.NoError(t, tr.Put([]byte("zzz-after"), rid(7)))
	v, ok, err := tr.Get([]byte("zzz-after"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rid(7), v)
}

func TestBulkLoadRejectsUnsortedInput(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	_, err := BulkLoad(env.pool, env.wal, []Pair{
		{Key: []byte("b"), Val: rid(1)},
		{Key: []byte("a"), Val: rid(2)},
	})
	require.Error(t, err)
}

func TestBulkLoadEmptyInput(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := BulkLoad(env.pool, env.wal, nil)
	require.NoError(t, err)
	_, ok, err := tr.Get([]byte("anything"))
	require.NoError(t, err)
	assert.False(t, ok)
	it := tr.SeekFirst()
	assert.False(t, it.Valid())
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	tr, err := Create(env.pool, env.wal)
	require.NoError(t, err)
	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put(key(i), rid(uint64(i))))
	}

	done := make(chan error, 8)
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := g; i < n; i += 4 {
				if _, ok, err := tr.Get(key(i)); err != nil || !ok {
					done <- fmt.Errorf("reader %d: key %d ok=%v err=%v", g, i, ok, err)
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := n + g; i < n+800; i += 4 {
				if err := tr.Put(key(i), rid(uint64(i))); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(g)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	for i := 0; i < n+800; i++ {
		_, ok, err := tr.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
	}
}
