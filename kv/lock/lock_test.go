package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/kv/ids"
)

type fakeWork map[ids.TxnId]int

func (f fakeWork) RecordCount(txn ids.TxnId) int { return f[txn] }

func newTestManager(t *testing.T) *Manager {
	cfg := DefaultConfig()
	cfg.DetectInterval = 10 * time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second
	m := NewManager(cfg, fakeWork{})
	return m
}

func TestSharedLocksCoexist(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	res := RowResource("users", []byte("k"))

	require.NoError(t, m.Acquire(ids.TxnId(1), res, S))
	require.NoError(t, m.Acquire(ids.TxnId(2), res, S))
}

func TestExclusiveConflictTimesOut(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	res := RowResource("users", []byte("k"))

	require.NoError(t, m.Acquire(ids.TxnId(1), res, X))
	err := m.AcquireTimeout(ids.TxnId(2), res, X, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ErrLockTimeout, errors.Cause(err))
}

func TestReleasePromotesWaiter(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	res := RowResource("users", []byte("k"))

	require.NoError(t, m.Acquire(ids.TxnId(1), res, X))
	got := make(chan error, 1)
	go func() {
		got <- m.Acquire(ids.TxnId(2), res, X)
	}()
	time.Sleep(20 * time.Millisecond)
	m.ReleaseAll(ids.TxnId(1))

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never granted")
	}
}

func TestUpgradeSharedToExclusive(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	res := RowResource("users", []byte("k"))
	txn := ids.TxnId(1)

	require.NoError(t, m.Acquire(txn, res, S))
	require.NoError(t, m.Acquire(txn, res, X))
	assert.Equal(t, X, m.HeldModes(txn)[res.tag])
}

func TestSharedPlusIntentIsSIX(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	res := TableResource("users")
	txn := ids.TxnId(1)

	require.NoError(t, m.Acquire(txn, res, S))
	require.NoError(t, m.Acquire(txn, res, IX))
	assert.Equal(t, SIX, m.HeldModes(txn)[res.tag])
}

func TestRowLockImpliesTableIntent(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.Acquire(ids.TxnId(1), RowResource("users", []byte("k")), X))
	assert.Equal(t, IX, m.HeldModes(ids.TxnId(1))[TableResource("users").tag])

	// A full-table S lock conflicts with the intent.
	err := m.AcquireTimeout(ids.TxnId(2), TableResource("users"), S, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ErrLockTimeout, errors.Cause(err))
}

func TestRowLocksOnDistinctKeysCoexist(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.Acquire(ids.TxnId(1), RowResource("users", []byte("a")), X))
	require.NoError(t, m.Acquire(ids.TxnId(2), RowResource("users", []byte("b")), X))
}

func TestEscalationTradesRowsForTableLock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalateThreshold = 3
	cfg.DetectInterval = 0
	m := NewManager(cfg, fakeWork{})
	defer m.Close()
	txn := ids.TxnId(1)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	for _, k := range keys {
		require.NoError(t, m.Acquire(txn, RowResource("users", k), X))
	}

	held := m.HeldModes(txn)
	assert.Equal(t, X, held[TableResource("users").tag])
	for _, k := range keys[:3] {
		_, ok := held[RowResource("users", k).tag]
		assert.False(t, ok, "row lock %s should be escalated away", k)
	}

	// Another transaction is fully blocked by the table lock now.
	err := m.AcquireTimeout(ids.TxnId(2), RowResource("users", []byte("z")), X, 50*time.Millisecond)
	require.Error(t, err)
}

func TestTryAcquire(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	res := RowResource("users", []byte("k"))

	require.NoError(t, m.Acquire(ids.TxnId(1), res, X))
	assert.False(t, m.TryAcquire(ids.TxnId(2), res, X))
	m.ReleaseAll(ids.TxnId(1))
	assert.True(t, m.TryAcquire(ids.TxnId(2), res, X))
}

func TestDeadlockExactlyOneVictim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DetectInterval = 10 * time.Millisecond
	cfg.DefaultTimeout = 5 * time.Second
	// txn 2 has done more work, so txn 1 must be the victim.
	m := NewManager(cfg, fakeWork{ids.TxnId(1): 1, ids.TxnId(2): 100})
	defer m.Close()

	a := RowResource("users", []byte("a"))
	b := RowResource("users", []byte("b"))
	require.NoError(t, m.Acquire(ids.TxnId(1), a, X))
	require.NoError(t, m.Acquire(ids.TxnId(2), b, X))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = m.Acquire(ids.TxnId(1), b, X)
		if errs[0] != nil {
			m.ReleaseAll(ids.TxnId(1))
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = m.Acquire(ids.TxnId(2), a, X)
		if errs[1] != nil {
			m.ReleaseAll(ids.TxnId(2))
		}
	}()
	wg.Wait()

	require.Error(t, errs[0], "least-work transaction is the victim")
	assert.Equal(t, ErrDeadlockVictim, errors.Cause(errs[0]))
	require.NoError(t, errs[1], "survivor completes after the victim aborts")
}

func TestVictimTieBreakYoungest(t *testing.T) {
	m := NewManager(Config{DetectInterval: 0, DefaultTimeout: time.Second, EscalateThreshold: 1024}, fakeWork{})
	defer m.Close()

	a := RowResource("users", []byte("a"))
	b := RowResource("users", []byte("b"))
	old, young := ids.TxnId(1), ids.TxnId(2)
	require.NoError(t, m.Acquire(old, a, X))
	require.NoError(t, m.Acquire(young, b, X))

	done := make(chan error, 2)
	go func() { done <- m.Acquire(old, b, X) }()
	go func() { done <- m.Acquire(young, a, X) }()
	time.Sleep(50 * time.Millisecond)

	m.mu.Lock()
	victim, _, _ := m.findVictimLocked()
	m.mu.Unlock()
	assert.Equal(t, young, victim)

	// Unblock the goroutines.
	m.ReleaseAll(old)
	m.ReleaseAll(young)
	<-done
	<-done
}
