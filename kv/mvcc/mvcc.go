// Package mvcc tracks transaction state and decides tuple visibility.
// Versions are never interpreted through live references: a tuple names
// its neighbours by record id and this package only answers "is this
// xmin/xmax committed as of that snapshot".
package mvcc

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/heap"
)

// IsolationLevel selects the snapshot policy layered on the version chain.
type IsolationLevel int

const (
	// ReadCommitted takes a fresh snapshot for every statement.
	ReadCommitted IsolationLevel = iota
	// RepeatableRead takes one snapshot at begin and keeps it.
	RepeatableRead
	// Serializable is RepeatableRead plus read-set validation at commit.
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	}
	return "unknown"
}

// TxnState is the lifecycle of a transaction. Transitions outside the
// arrows below are rejected at the call boundary.
//
//	Active | Prepared -> Committing -> Committed
//	Active -> Prepared
//	Active | Prepared | Committing -> Aborted
type TxnState int

const (
	StateActive TxnState = iota
	StatePrepared
	// StateCommitting is between BeginCommit and FinalizeCommit: the
	// commit sequence is assigned but the transaction is not yet visible.
	StateCommitting
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

var (
	// ErrSerializationFailure means a concurrent transaction committed a
	// write this one read. Retryable.
	ErrSerializationFailure = errors.New("mvcc: serialization failure")
	// ErrTxnNotFound means the transaction id is not registered.
	ErrTxnNotFound = errors.New("mvcc: transaction not found")
	// ErrBadTransition reports an operation invalid in the current state.
	ErrBadTransition = errors.New("mvcc: invalid state transition")
)

// Snapshot is the committed prefix a transaction reads: every transaction
// whose commit sequence is at or below seq, plus the owner's own writes.
type Snapshot struct {
	owner ids.TxnId
	seq   uint64
}

type txnMeta struct {
	state     TxnState
	level     IsolationLevel
	startSeq  uint64
	commitSeq uint64    // assigned by BeginCommit
	snap      *Snapshot // fixed snapshot; nil under ReadCommitted
	// serializable read/write sets, keyed by user key
	reads  map[string]struct{}
	writes map[string]struct{}
}

// commitSlot tracks one assigned commit sequence until it is published.
type commitSlot struct {
	txn  ids.TxnId
	done bool // FinalizeCommit ran, commit record durable
	dead bool // aborted after the sequence was assigned
}

// Manager owns transaction states and the commit ordering. The commit
// sequence is a dense logical clock: snapshots are "everything at or
// below seq", so a snapshot can never observe transaction T2 without
// every transaction that committed before T2.
type Manager struct {
	mu        sync.RWMutex
	txns      map[ids.TxnId]*txnMeta
	committed map[ids.TxnId]uint64 // txn -> commit seq
	commitSeq uint64
	// visibleSeq trails commitSeq: sequences above it belong to commits
	// whose log records are not yet known durable. Snapshots are cut at
	// visibleSeq, and pending holds the gap, published strictly in order.
	visibleSeq uint64
	pending    map[uint64]*commitSlot
	// last committed write per key, for serializable validation. Trimmed
	// against the oldest active snapshot by TrimCommitted.
	recentWrites map[string]uint64
}

func NewManager() *Manager {
	return &Manager{
		txns:         make(map[ids.TxnId]*txnMeta),
		committed:    make(map[ids.TxnId]uint64),
		pending:      make(map[uint64]*commitSlot),
		recentWrites: make(map[string]uint64),
	}
}

// Begin registers txn as active and fixes its snapshot when the isolation
// level calls for one.
func (m *Manager) Begin(txn ids.TxnId, level IsolationLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := &txnMeta{state: StateActive, level: level, startSeq: m.visibleSeq}
	if level != ReadCommitted {
		meta.snap = &Snapshot{owner: txn, seq: m.visibleSeq}
	}
	if level == Serializable {
		meta.reads = make(map[string]struct{})
		meta.writes = make(map[string]struct{})
	}
	m.txns[txn] = meta
	activeTxns.Inc()
}

// AdoptPrepared re-registers a transaction recovered in the prepared
// state: in doubt, invisible, holding its place until a decision arrives.
func (m *Manager) AdoptPrepared(txn ids.TxnId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txn] = &txnMeta{state: StatePrepared, level: RepeatableRead, startSeq: m.visibleSeq}
	activeTxns.Inc()
}

// StatementSnapshot returns the snapshot the next statement of txn reads
// under. Read committed re-snapshots here; the other levels return the
// begin-time snapshot.
func (m *Manager) StatementSnapshot(txn ids.TxnId) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.txns[txn]
	if !ok {
		return Snapshot{}, errors.Annotatef(ErrTxnNotFound, "%s", txn)
	}
	if meta.state != StateActive {
		return Snapshot{}, errors.Annotatef(ErrBadTransition, "read in state %s", meta.state)
	}
	if meta.snap != nil {
		return *meta.snap, nil
	}
	return Snapshot{owner: txn, seq: m.visibleSeq}, nil
}

// State returns the current lifecycle state of txn.
func (m *Manager) State(txn ids.TxnId) (TxnState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if meta, ok := m.txns[txn]; ok {
		return meta.state, true
	}
	if _, ok := m.committed[txn]; ok {
		return StateCommitted, true
	}
	return StateAborted, false
}

// committedBefore reports whether txn's commit is inside the snapshot.
// A transaction id that is neither live nor in the commit table belongs
// to a transaction that committed before this process (or before the
// table was trimmed), which every snapshot includes: losers were undone
// by recovery and their versions no longer exist.
func (m *Manager) committedBefore(txn ids.TxnId, s Snapshot) bool {
	if txn == ids.NoneTxn {
		return false
	}
	if seq, ok := m.committed[txn]; ok {
		return seq <= s.seq
	}
	if _, live := m.txns[txn]; live {
		return false
	}
	return true
}

// Visible decides whether one tuple version is in the snapshot's view:
// its creator committed inside the snapshot (or is the snapshot's owner)
// and its deleter, if any, did not.
func (m *Manager) Visible(tup *heap.Tuple, s Snapshot) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visibleLocked(tup, s)
}

func (m *Manager) visibleLocked(tup *heap.Tuple, s Snapshot) bool {
	if tup.Xmin != s.owner && !m.committedBefore(tup.Xmin, s) {
		return false
	}
	if tup.Xmax == ids.NoneTxn {
		return true
	}
	if tup.Xmax == s.owner {
		return false // deleted by ourselves
	}
	return !m.committedBefore(tup.Xmax, s)
}

// Updatable reports whether a writer holding the key's exclusive lock may
// build a new version on top of tup. False means a transaction outside the
// writer's snapshot already superseded the key; proceeding would silently
// lose that update, so the writer must fail with a serialization conflict.
func (m *Manager) Updatable(tup *heap.Tuple, s Snapshot) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tup.Xmin == s.owner {
		return true
	}
	return m.committedBefore(tup.Xmin, s)
}

// RecordRead notes a key in txn's read set. Only serializable
// transactions pay for this.
func (m *Manager) RecordRead(txn ids.TxnId, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.txns[txn]; ok && meta.reads != nil {
		meta.reads[string(key)] = struct{}{}
	}
}

// RecordWrite notes a key in txn's write set.
func (m *Manager) RecordWrite(txn ids.TxnId, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.txns[txn]; ok && meta.writes != nil {
		meta.writes[string(key)] = struct{}{}
	}
}

// Prepare moves txn from active to prepared.
func (m *Manager) Prepare(txn ids.TxnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.txns[txn]
	if !ok {
		return errors.Annotatef(ErrTxnNotFound, "%s", txn)
	}
	if meta.state != StateActive {
		return errors.Annotatef(ErrBadTransition, "prepare in state %s", meta.state)
	}
	meta.state = StatePrepared
	return nil
}

// BeginCommit validates txn and assigns it the next slot in the commit
// order, in the committing state: invisible to every snapshot until
// FinalizeCommit. The caller makes the commit record durable between the
// two calls, so a reader can never observe a commit that recovery would
// undo. Serializable transactions fail here when a key they read was
// overwritten by a commit after their snapshot.
func (m *Manager) BeginCommit(txn ids.TxnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.txns[txn]
	if !ok {
		return errors.Annotatef(ErrTxnNotFound, "%s", txn)
	}
	if meta.state != StateActive && meta.state != StatePrepared {
		return errors.Annotatef(ErrBadTransition, "commit in state %s", meta.state)
	}
	if meta.level == Serializable && meta.state == StateActive {
		if err := m.validateLocked(meta); err != nil {
			return err
		}
	}
	m.commitSeq++
	meta.state = StateCommitting
	meta.commitSeq = m.commitSeq
	m.pending[meta.commitSeq] = &commitSlot{txn: txn}
	if meta.writes != nil {
		// Recorded at sequence time, not publish time: a later
		// serializable validation must fail against this commit even
		// while its record is still in the flush pipeline.
		for k := range meta.writes {
			m.recentWrites[k] = meta.commitSeq
		}
	}
	return nil
}

// FinalizeCommit publishes txn after its commit record is durable.
// Sequences publish strictly in order; when an earlier committer has not
// finalized yet, txn stays invisible until it does.
func (m *Manager) FinalizeCommit(txn ids.TxnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.txns[txn]
	if !ok {
		return errors.Annotatef(ErrTxnNotFound, "%s", txn)
	}
	if meta.state != StateCommitting {
		return errors.Annotatef(ErrBadTransition, "finalize in state %s", meta.state)
	}
	m.pending[meta.commitSeq].done = true
	m.advanceLocked()
	return nil
}

// advanceLocked moves the visibility horizon over every consecutive
// resolved sequence, publishing commits and skipping aborted slots.
func (m *Manager) advanceLocked() {
	for {
		slot, ok := m.pending[m.visibleSeq+1]
		if !ok || (!slot.done && !slot.dead) {
			return
		}
		m.visibleSeq++
		delete(m.pending, m.visibleSeq)
		if slot.dead {
			continue
		}
		m.committed[slot.txn] = m.visibleSeq
		delete(m.txns, slot.txn)
		activeTxns.Dec()
		commitCounter.Inc()
	}
}

// Commit is BeginCommit and FinalizeCommit back to back, for callers with
// no durability step in between.
func (m *Manager) Commit(txn ids.TxnId) error {
	if err := m.BeginCommit(txn); err != nil {
		return err
	}
	return m.FinalizeCommit(txn)
}

// validateLocked is first-committer-wins: any read key overwritten since
// the snapshot dooms the transaction.
func (m *Manager) validateLocked(meta *txnMeta) error {
	for k := range meta.reads {
		if seq, ok := m.recentWrites[k]; ok && seq > meta.snap.seq {
			serializationFailures.Inc()
			return errors.Annotatef(ErrSerializationFailure, "key %q overwritten at seq %d", k, seq)
		}
	}
	return nil
}

// Abort drops txn. The caller must finish the physical undo of txn's
// effects first: while the undo runs, txn is still registered here and its
// stamps read as uncommitted; once forgotten, an unknown id reads as
// committed long ago.
func (m *Manager) Abort(txn ids.TxnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.txns[txn]
	if !ok {
		return errors.Annotatef(ErrTxnNotFound, "%s", txn)
	}
	if meta.state == StateCommitted {
		return errors.Annotatef(ErrBadTransition, "abort in state %s", meta.state)
	}
	if meta.state == StateCommitting {
		// The assigned sequence must not hold up later commits.
		m.pending[meta.commitSeq].dead = true
		m.advanceLocked()
	}
	delete(m.txns, txn)
	activeTxns.Dec()
	abortCounter.Inc()
	return nil
}

// Horizon is the commit sequence below which every active transaction's
// snapshot lies. Versions deleted at or before the horizon are invisible
// to every current and future snapshot.
func (m *Manager) Horizon() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.visibleSeq
	for _, meta := range m.txns {
		s := meta.startSeq
		if meta.snap != nil {
			s = meta.snap.seq
		}
		if s < h {
			h = s
		}
	}
	return h
}

// horizonSnapshot is a reader-less snapshot at the horizon, used by
// vacuum to test "invisible to everyone".
func (m *Manager) horizonSnapshot() Snapshot {
	return Snapshot{owner: ids.NoneTxn, seq: m.Horizon()}
}

// Reclaimable reports whether a version can be physically removed: its
// deleter committed at or before the horizon, so no current or future
// snapshot can see it. Aborted transactions leave nothing to test here,
// their versions are removed by the undo itself.
func (m *Manager) Reclaimable(tup *heap.Tuple, horizon Snapshot) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tup.Xmax != ids.NoneTxn && m.committedBefore(tup.Xmax, horizon)
}

// TrimCommitted drops bookkeeping no active snapshot can distinguish:
// validation entries below the horizon, and commit-table entries every
// live and future snapshot already includes, which then read as
// committed long ago. Called from the vacuum tick; without it both
// tables grow for the life of the process.
func (m *Manager) TrimCommitted() {
	h := m.Horizon()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, seq := range m.recentWrites {
		if seq <= h {
			delete(m.recentWrites, k)
		}
	}
	for txn, seq := range m.committed {
		if seq <= h {
			delete(m.committed, txn)
		}
	}
}
