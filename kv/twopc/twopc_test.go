package twopc

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/wal"
)

func openTestWAL(t *testing.T, dir string) *wal.Manager {
	m, err := wal.Open(dir, wal.Config{
		SegmentSize:       1 << 20,
		GroupCommitWindow: time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

// fakePart records the protocol calls it receives.
type fakePart struct {
	id       string
	voteErr  error
	mu       sync.Mutex
	prepared bool
	outcome  string // "", "commit", "abort"
	failures int    // times to fail delivery before accepting
}

func (p *fakePart) ID() string { return p.id }

func (p *fakePart) Prepare(txn ids.TxnId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voteErr != nil {
		return p.voteErr
	}
	p.prepared = true
	return nil
}

func (p *fakePart) Commit(txn ids.TxnId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("participant %s unreachable", p.id)
	}
	p.outcome = "commit"
	return nil
}

func (p *fakePart) Abort(txn ids.TxnId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = "abort"
	return nil
}

func (p *fakePart) state() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepared, p.outcome
}

func newTestCoordinator(t *testing.T) (*Coordinator, *wal.Manager, func()) {
	dir, err := ioutil.TempDir("", "twopc-test")
	require.NoError(t, err)
	w := openTestWAL(t, filepath.Join(dir, "wal"))
	c := NewCoordinator(w, nil, time.Second, 20*time.Millisecond)
	return c, w, func() {
		c.Close()
		w.Close()
		os.RemoveAll(dir)
	}
}

func TestAllCommitVotesCommitEverywhere(t *testing.T) {
	c, _, cleanup := newTestCoordinator(t)
	defer cleanup()

	a := &fakePart{id: "a"}
	b := &fakePart{id: "b"}
	txn := ids.TxnId(1)
	require.NoError(t, c.Execute(txn, []Participant{a, b}))

	for _, p := range []*fakePart{a, b} {
		prepared, outcome := p.state()
		assert.True(t, prepared)
		assert.Equal(t, "commit", outcome)
	}
	assert.True(t, c.Resolved(txn))
	commit, ok := c.Decision(txn)
	require.True(t, ok)
	assert.True(t, commit)
}

func TestOneNoVoteAbortsEverywhere(t *testing.T) {
	c, _, cleanup := newTestCoordinator(t)
	defer cleanup()

	a := &fakePart{id: "a"}
	b := &fakePart{id: "b", voteErr: errors.New("out of disk")}
	txn := ids.TxnId(2)
	err := c.Execute(txn, []Participant{a, b})
	require.Error(t, err)
	assert.Equal(t, ErrAborted, errors.Cause(err))

	_, outcome := a.state()
	assert.Equal(t, "abort", outcome, "yes-voter is driven to abort")
	commit, ok := c.Decision(txn)
	require.True(t, ok)
	assert.False(t, commit)
}

func TestUnreachableParticipantGetsRedelivery(t *testing.T) {
	c, _, cleanup := newTestCoordinator(t)
	defer cleanup()

	a := &fakePart{id: "a"}
	b := &fakePart{id: "b", failures: 2}
	txn := ids.TxnId(3)
	require.NoError(t, c.Execute(txn, []Participant{a, b}))
	assert.False(t, c.Resolved(txn), "b has not acknowledged yet")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Resolved(txn) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, c.Resolved(txn))
	_, outcome := b.state()
	assert.Equal(t, "commit", outcome)
}

func TestDecisionSurvivesCoordinatorRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "twopc-restart")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	w := openTestWAL(t, filepath.Join(dir, "wal"))
	c := NewCoordinator(w, nil, time.Second, time.Hour)
	txn := ids.TxnId(7)
	require.NoError(t, c.Execute(txn, []Participant{&fakePart{id: "a"}}))
	c.Close()
	w.Close()

	// Restart: decisions come back through log analysis.
	w2 := openTestWAL(t, filepath.Join(dir, "wal"))
	defer w2.Close()
	res, err := w2.Recover(wal.NewDiskPageStore(nil))
	require.NoError(t, err)
	require.True(t, res.Decisions[txn])

	c2 := NewCoordinator(w2, res.Decisions, time.Second, time.Hour)
	defer c2.Close()
	commit, ok := c2.Decision(txn)
	require.True(t, ok)
	assert.True(t, commit)
}

// blockedApplier counts applications for the resolver tests.
type mapSource struct {
	mu sync.Mutex
	d  map[ids.TxnId]bool
}

func (s *mapSource) Decision(txn ids.TxnId) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	commit, ok := s.d[txn]
	return commit, ok
}

func (s *mapSource) set(txn ids.TxnId, commit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d[txn] = commit
}

type recordApplier struct {
	mu        sync.Mutex
	committed []ids.TxnId
	aborted   []ids.TxnId
}

func (a *recordApplier) CommitPrepared(txn ids.TxnId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed = append(a.committed, txn)
	return nil
}

func (a *recordApplier) AbortPrepared(txn ids.TxnId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, txn)
	return nil
}

func TestResolverBlocksUntilDecisionKnown(t *testing.T) {
	source := &mapSource{d: make(map[ids.TxnId]bool)}
	applier := &recordApplier{}
	r := NewResolver(source, applier, 10*time.Millisecond)
	defer r.Stop()

	txn := ids.TxnId(9)
	r.Enqueue(txn)
	r.Start()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.Pending(), "no decision, still in doubt")

	source.set(txn, true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Pending() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, r.Pending())
	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.Equal(t, []ids.TxnId{txn}, applier.committed)
	assert.Empty(t, applier.aborted)
}

func TestResolverAppliesAbortDecision(t *testing.T) {
	source := &mapSource{d: map[ids.TxnId]bool{ids.TxnId(4): false}}
	applier := &recordApplier{}
	r := NewResolver(source, applier, time.Hour)

	r.Enqueue(ids.TxnId(4))
	r.ResolveOnce()
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, []ids.TxnId{ids.TxnId(4)}, applier.aborted)
}
