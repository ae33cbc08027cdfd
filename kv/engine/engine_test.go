package engine

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/kv/config"
	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/mvcc"
	"github.com/meridiandb/meridian/kv/twopc"
)

func testConfig(dir string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.DBPath = dir
	cfg.BufferPoolFrames = 128
	cfg.WALSegmentSize = 1 << 20
	cfg.GroupCommitWindowMs = 0
	cfg.CheckpointIntervalMs = 60_000
	cfg.LockWaitTimeoutMs = 200
	cfg.DeadlockDetectIntervalMs = 10
	cfg.VacuumIntervalMs = 60_000
	cfg.VacuumPagesPerSec = 100_000
	cfg.TwoPCResolveIntervalMs = 20
	return cfg
}

func openTestEngine(t *testing.T) (*Engine, *config.Config, func()) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	cfg := testConfig(dir)
	e, err := Open(cfg)
	require.NoError(t, err)
	return e, cfg, func() {
		e.Close()
		os.RemoveAll(dir)
	}
}

// crash tears the engine down without flushing pages or marking the store
// clean, as a process kill would.
func crash(e *Engine) {
	e.checkpointer.Stop()
	e.vac.Stop()
	e.locks.Close()
	e.pool.Close()
	e.wal.Close()
	e.dm.Close()
}

func mustPut(t *testing.T, e *Engine, key, val string) {
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte(key), []byte(val)))
	require.NoError(t, tx.Commit())
}

func mustGet(t *testing.T, e *Engine, key string) []byte {
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	defer tx.Abort()
	v, err := tx.Get([]byte(key))
	require.NoError(t, err)
	return v
}

func TestPutGetRoundTrip(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "alpha", "1")
	mustPut(t, e, "beta", "2")

	assert.Equal(t, []byte("1"), mustGet(t, e, "alpha"))
	assert.Equal(t, []byte("2"), mustGet(t, e, "beta"))
	assert.Nil(t, mustGet(t, e, "gamma"))
}

func TestOverwriteReplacesValue(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "k", "old")
	mustPut(t, e, "k", "new")
	assert.Equal(t, []byte("new"), mustGet(t, e, "k"))
}

func TestDeleteHidesKey(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "k", "v")
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Delete([]byte("k")))
	require.NoError(t, tx.Commit())

	assert.Nil(t, mustGet(t, e, "k"))

	// a later put brings the key back
	mustPut(t, e, "k", "again")
	assert.Equal(t, []byte("again"), mustGet(t, e, "k"))
}

func TestDeleteAbsentKeyIsNoop(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Delete([]byte("never")))
	require.NoError(t, tx.Commit())
}

func TestUncommittedWritesInvisibleToOthers(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	writer, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, writer.Put([]byte("k"), []byte("v")))

	assert.Nil(t, mustGet(t, e, "k"))

	require.NoError(t, writer.Commit())
	assert.Equal(t, []byte("v"), mustGet(t, e, "k"))
}

func TestAbortRestoresPreviousValue(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "k", "committed")

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("doomed-1")))
	require.NoError(t, tx.Put([]byte("k"), []byte("doomed-2")))
	require.NoError(t, tx.Put([]byte("fresh"), []byte("doomed-3")))
	require.NoError(t, tx.Abort())

	assert.Equal(t, []byte("committed"), mustGet(t, e, "k"))
	assert.Nil(t, mustGet(t, e, "fresh"))
}

func TestUseAfterFinishFails(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = tx.Get([]byte("k"))
	assert.Error(t, err)
	assert.Error(t, tx.Put([]byte("k"), []byte("v")))
	assert.Error(t, tx.Commit())
	assert.NoError(t, tx.Abort())
}

func TestRepeatableReadKeepsSnapshot(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "k", "before")

	rr, err := e.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	v, err := rr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), v)

	mustPut(t, e, "k", "after")

	v, err = rr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), v, "repeatable read must not move")
	require.NoError(t, rr.Abort())

	rc, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	defer rc.Abort()
	v, err = rc.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), v)
}

func TestSnapshotWriteConflictIsRetryable(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "k", "v0")

	rr, err := e.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	_, err = rr.Get([]byte("k"))
	require.NoError(t, err)

	mustPut(t, e, "k", "v1")

	err = rr.Put([]byte("k"), []byte("lost"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, rr.Abort())

	assert.Equal(t, []byte("v1"), mustGet(t, e, "k"))
}

func TestSerializableFirstCommitterWins(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "x", "0")
	mustPut(t, e, "y", "0")

	t1, err := e.Begin(mvcc.Serializable)
	require.NoError(t, err)
	t2, err := e.Begin(mvcc.Serializable)
	require.NoError(t, err)

	// each reads the other's write target
	_, err = t1.Get([]byte("y"))
	require.NoError(t, err)
	_, err = t2.Get([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, t1.Put([]byte("x"), []byte("1")))
	require.NoError(t, t2.Put([]byte("y"), []byte("1")))

	require.NoError(t, t1.Commit())
	err = t2.Commit()
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, t2.Abort())
}

func TestRunTxnRetriesConflicts(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "counter", "0")

	attempts := 0
	err := e.RunTxn(mvcc.RepeatableRead, 3, func(tx *Txn) error {
		attempts++
		v, err := tx.Get([]byte("counter"))
		if err != nil {
			return err
		}
		if attempts == 1 {
			// concurrent commit between this read and the write
			mustPut(t, e, "counter", "interloper")
		}
		return tx.Put([]byte("counter"), append(v, 'x'))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []byte("interloperx"), mustGet(t, e, "counter"))
}

func TestScanRange(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	for i := 0; i < 50; i++ {
		mustPut(t, e, fmt.Sprintf("k-%03d", i), fmt.Sprintf("v-%d", i))
	}
	// delete a band; the scan must skip it
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	for i := 20; i < 30; i++ {
		require.NoError(t, tx.Delete([]byte(fmt.Sprintf("k-%03d", i))))
	}
	require.NoError(t, tx.Commit())

	reader, err := e.Begin(mvcc.RepeatableRead)
	require.NoError(t, err)
	defer reader.Abort()
	var got []string
	err = reader.Scan([]byte("k-010"), []byte("k-040"), func(k, v []byte) (bool, error) {
		got = append(got, string(k))
		return true, nil
	})
	require.NoError(t, err)

	var want []string
	for i := 10; i < 40; i++ {
		if i >= 20 && i < 30 {
			continue
		}
		want = append(want, fmt.Sprintf("k-%03d", i))
	}
	assert.Equal(t, want, got)
}

func TestCleanShutdownReopens(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)

	e, err := Open(cfg)
	require.NoError(t, err)
	mustPut(t, e, "k", "v")
	require.NoError(t, e.Close())

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, []byte("v"), mustGet(t, e, "k"))
}

func TestCrashRecoveryRestoresCommittedData(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)

	e, err := Open(cfg)
	require.NoError(t, err)
	const n = 1000
	for i := 0; i < n; i++ {
		mustPut(t, e, fmt.Sprintf("key-%05d", i), fmt.Sprintf("val-%d", i))
	}
	crash(e)

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	for i := 0; i < n; i++ {
		v := mustGet(t, e, fmt.Sprintf("key-%05d", i))
		require.Equal(t, []byte(fmt.Sprintf("val-%d", i)), v, "key %d", i)
	}
}

func TestCrashRollsBackOpenTransaction(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)

	e, err := Open(cfg)
	require.NoError(t, err)
	mustPut(t, e, "stable", "v1")

	open, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, open.Put([]byte("stable"), []byte("v2")))
	require.NoError(t, open.Put([]byte("orphan"), []byte("x")))
	crash(e)

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, []byte("v1"), mustGet(t, e, "stable"))
	assert.Nil(t, mustGet(t, e, "orphan"))
}

func TestVacuumPrunesDeletedKeys(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "dead", "v")
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Delete([]byte("dead")))
	require.NoError(t, tx.Commit())

	stats, err := e.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntriesRemoved)

	_, ok, err := e.idx.Get([]byte("dead"))
	require.NoError(t, err)
	assert.False(t, ok, "index entry should be gone")
}

func TestBulkLoadThenRead(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	const n = 5000
	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		rows[i] = Row{
			Key:   []byte(fmt.Sprintf("bulk-%06d", i)),
			Value: []byte(fmt.Sprintf("v-%d", i)),
		}
	}
	require.NoError(t, e.BulkLoad(rows))

	assert.Equal(t, []byte("v-0"), mustGet(t, e, "bulk-000000"))
	assert.Equal(t, []byte(fmt.Sprintf("v-%d", n-1)), mustGet(t, e, fmt.Sprintf("bulk-%06d", n-1)))

	// incremental writes keep working on the loaded tree
	mustPut(t, e, "bulk-000000", "patched")
	assert.Equal(t, []byte("patched"), mustGet(t, e, "bulk-000000"))

	reader, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	defer reader.Abort()
	count := 0
	err = reader.Scan([]byte("bulk-"), []byte("bulk-~"), func(k, v []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestBulkLoadRejectsNonEmptyDatabase(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	mustPut(t, e, "existing", "v")
	err := e.BulkLoad([]Row{{Key: []byte("a"), Value: []byte("1")}})
	require.Error(t, err)
	assert.Equal(t, []byte("v"), mustGet(t, e, "existing"))
}

func TestTwoPhaseCommitAcrossEngines(t *testing.T) {
	e1, _, cleanup1 := openTestEngine(t)
	defer cleanup1()
	e2, _, cleanup2 := openTestEngine(t)
	defer cleanup2()

	coord := twopc.NewCoordinator(e1.wal, nil, time.Second, 20*time.Millisecond)
	defer coord.Close()

	txn := e1.gen.Next()
	t1, err := e1.BeginWith(txn, mvcc.ReadCommitted)
	require.NoError(t, err)
	t2, err := e2.BeginWith(txn, mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, t1.Put([]byte("debit"), []byte("-10")))
	require.NoError(t, t2.Put([]byte("credit"), []byte("+10")))

	err = coord.Execute(txn, []twopc.Participant{
		e1.Participant("node-1"),
		e2.Participant("node-2"),
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("-10"), mustGet(t, e1, "debit"))
	assert.Equal(t, []byte("+10"), mustGet(t, e2, "credit"))
}

func TestPreparedTxnSurvivesCrashAndCommits(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)

	e, err := Open(cfg)
	require.NoError(t, err)

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("indoubt"), []byte("v")))
	require.NoError(t, e.PrepareTxn(tx.ID()))
	// the coordinator's decision lands in the same log, then the node dies
	// before it is applied
	_, err = e.wal.Decide(tx.ID(), true)
	require.NoError(t, err)
	crash(e)

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, []ids.TxnId{tx.ID()}, e.InDoubt())
	// prepared writes stay invisible until the decision is applied
	assert.Nil(t, mustGet(t, e, "indoubt"))

	r := twopc.NewResolver(e, e, time.Hour)
	r.Enqueue(e.InDoubt()...)
	r.ResolveOnce()
	assert.Equal(t, 0, r.Pending())

	assert.Equal(t, []byte("v"), mustGet(t, e, "indoubt"))
}

func TestPreparedTxnAbortDecisionRollsBack(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)

	e, err := Open(cfg)
	require.NoError(t, err)
	mustPut(t, e, "k", "keep")

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("discard")))
	require.NoError(t, e.PrepareTxn(tx.ID()))
	_, err = e.wal.Decide(tx.ID(), false)
	require.NoError(t, err)
	crash(e)

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	r := twopc.NewResolver(e, e, time.Hour)
	r.Enqueue(e.InDoubt()...)
	r.ResolveOnce()
	assert.Equal(t, 0, r.Pending())

	assert.Equal(t, []byte("keep"), mustGet(t, e, "k"))
}

func TestPreparedTxnHoldsLocksAfterRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)

	e, err := Open(cfg)
	require.NoError(t, err)
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("held"), []byte("v")))
	require.NoError(t, e.PrepareTxn(tx.ID()))
	crash(e)

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	// another writer must not slip past the in-doubt transaction's lock
	other, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	err = other.Put([]byte("held"), []byte("stolen"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, other.Abort())
}

func TestCommitVisibleOnlyAfterFlush(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg := testConfig(dir)
	cfg.GroupCommitWindowMs = 100

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("slow"), []byte("v")))

	done := make(chan error, 1)
	go func() { done <- tx.Commit() }()

	// While the commit record sits in the group-commit window, readers
	// must not see the row: a crash now would undo it.
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		// flushed before we could look, nothing left to observe
		require.NoError(t, err)
	default:
		assert.Nil(t, mustGet(t, e, "slow"))
		require.NoError(t, <-done)
	}
	assert.Equal(t, []byte("v"), mustGet(t, e, "slow"))
}

func TestCommitDecisionRedeliveryAcks(t *testing.T) {
	e, _, cleanup := openTestEngine(t)
	defer cleanup()

	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("dup"), []byte("v")))
	require.NoError(t, e.PrepareTxn(tx.ID()))

	// At-least-once delivery: every copy of the decision must ack.
	require.NoError(t, e.CommitPrepared(tx.ID()))
	require.NoError(t, e.CommitPrepared(tx.ID()))
	assert.Equal(t, []byte("v"), mustGet(t, e, "dup"))

	// The released key is writable again after the redelivery.
	mustPut(t, e, "dup", "v2")
	assert.Equal(t, []byte("v2"), mustGet(t, e, "dup"))

	tx2, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx2.Put([]byte("gone"), []byte("v")))
	require.NoError(t, e.PrepareTxn(tx2.ID()))
	require.NoError(t, e.AbortPrepared(tx2.ID()))
	require.NoError(t, e.AbortPrepared(tx2.ID()))
	assert.Nil(t, mustGet(t, e, "gone"))
}
