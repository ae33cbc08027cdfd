// Package lock is the pessimistic side of concurrency control: hierarchical
// S/X/IS/IX/SIX locks over tables, pages and rows, waiter queues with
// timeouts, row-to-table escalation, and wait-for-graph deadlock detection.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/util/worker"
)

// Mode is a lock mode in the standard hierarchy.
type Mode int

const (
	IS Mode = iota
	IX
	S
	SIX
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	}
	return "?"
}

// compatible is the usual multigranularity matrix.
var compatible = [5][5]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, X: false},
	IX:  {IS: true, IX: true, S: false, SIX: false, X: false},
	S:   {IS: true, IX: false, S: true, SIX: false, X: false},
	SIX: {IS: true, IX: false, S: false, SIX: false, X: false},
	X:   {IS: false, IX: false, S: false, SIX: false, X: false},
}

// covers reports whether holding a suffices for a request of b.
func (a Mode) covers(b Mode) bool {
	switch a {
	case X:
		return true
	case SIX:
		return b == SIX || b == S || b == IX || b == IS
	case S:
		return b == S || b == IS
	case IX:
		return b == IX || b == IS
	case IS:
		return b == IS
	}
	return false
}

// combine is the least mode as strong as both, for lock upgrades.
func combine(a, b Mode) Mode {
	if a.covers(b) {
		return a
	}
	if b.covers(a) {
		return b
	}
	// The only incomparable pair below X is {S, IX}.
	return SIX
}

// Kind is the granularity of a resource.
type Kind int

const (
	KindTable Kind = iota
	KindPage
	KindRow
)

// Resource names one lockable thing. Rows and pages carry their table so
// intention locks can be taken on the parent automatically.
type Resource struct {
	kind  Kind
	table string
	tag   string
}

func TableResource(table string) Resource {
	return Resource{kind: KindTable, table: table, tag: "t/" + table}
}

func PageResource(table string, pid ids.PageId) Resource {
	return Resource{kind: KindPage, table: table, tag: fmt.Sprintf("p/%s/%d", table, pid)}
}

func RowResource(table string, key []byte) Resource {
	return Resource{kind: KindRow, table: table, tag: "r/" + table + "/" + string(key)}
}

var (
	// ErrLockTimeout means the wait budget ran out. Retryable.
	ErrLockTimeout = errors.New("lock: timeout")
	// ErrDeadlockVictim means the detector chose this transaction to break
	// a cycle. Retryable after abort.
	ErrDeadlockVictim = errors.New("lock: deadlock victim")
)

// RecordCounter reports work done per transaction; the deadlock victim is
// the one with the least. The WAL manager implements it.
type RecordCounter interface {
	RecordCount(txn ids.TxnId) int
}

type waiter struct {
	txn  ids.TxnId
	mode Mode
	ch   chan error
}

type lockState struct {
	holders map[ids.TxnId]Mode
	queue   []*waiter
}

// Config tunes the manager.
type Config struct {
	// EscalateThreshold is the row-lock count per table above which a
	// transaction's row locks are traded for one table lock.
	EscalateThreshold int
	// DetectInterval is how often the deadlock detector runs.
	DetectInterval time.Duration
	// DefaultTimeout bounds a single lock wait.
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		EscalateThreshold: 1024,
		DetectInterval:    50 * time.Millisecond,
		DefaultTimeout:    5 * time.Second,
	}
}

// Manager is the shared lock table. One instance per engine, guarded by a
// single mutex; waits happen on per-waiter channels outside it.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
	// resources held per transaction, for release and victim ranking
	byTxn map[ids.TxnId]map[string]Mode
	// row locks per (txn, table), for escalation
	rowCount map[ids.TxnId]map[string]int
	cfg      Config
	work     RecordCounter
	detector *worker.Ticker
}

func NewManager(cfg Config, work RecordCounter) *Manager {
	m := &Manager{
		locks:    make(map[string]*lockState),
		byTxn:    make(map[ids.TxnId]map[string]Mode),
		rowCount: make(map[ids.TxnId]map[string]int),
		cfg:      cfg,
		work:     work,
	}
	if cfg.DetectInterval > 0 {
		m.detector = worker.NewTicker("deadlock-detector", cfg.DetectInterval)
		m.detector.Start(m.detectOnce)
	}
	return m
}

// Close stops the detector.
func (m *Manager) Close() {
	if m.detector != nil {
		m.detector.Stop()
	}
}

// Acquire takes res in mode for txn, waiting up to the default timeout.
// Intention locks on the table parent are taken implicitly for row and
// page resources.
func (m *Manager) Acquire(txn ids.TxnId, res Resource, mode Mode) error {
	return m.AcquireTimeout(txn, res, mode, m.cfg.DefaultTimeout)
}

func intentionFor(mode Mode) Mode {
	if mode == X || mode == IX || mode == SIX {
		return IX
	}
	return IS
}

// AcquireTimeout is Acquire with an explicit wait budget.
func (m *Manager) AcquireTimeout(txn ids.TxnId, res Resource, mode Mode, timeout time.Duration) error {
	if res.kind != KindTable {
		parent := TableResource(res.table)
		if err := m.acquireOne(txn, parent, intentionFor(mode), timeout); err != nil {
			return err
		}
	}
	if res.kind == KindRow {
		if esc, err := m.maybeEscalate(txn, res, mode, timeout); esc || err != nil {
			return err
		}
	}
	return m.acquireOne(txn, res, mode, timeout)
}

// TryAcquire takes the lock only if it is free right now.
func (m *Manager) TryAcquire(txn ids.TxnId, res Resource, mode Mode) bool {
	if res.kind != KindTable {
		if !m.tryOne(txn, TableResource(res.table), intentionFor(mode)) {
			return false
		}
	}
	return m.tryOne(txn, res, mode)
}

func (m *Manager) tryOne(txn ids.TxnId, res Resource, mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(res.tag)
	if !m.grantableLocked(st, txn, mode) {
		return false
	}
	m.grantLocked(st, txn, res, mode)
	return true
}

// maybeEscalate trades txn's row locks on res's table for one table lock
// once the threshold is crossed. Reports esc=true when the table lock now
// covers the request.
func (m *Manager) maybeEscalate(txn ids.TxnId, res Resource, mode Mode, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if held, ok := m.byTxn[txn][TableResource(res.table).tag]; ok && held.covers(mode) {
		m.mu.Unlock()
		return true, nil
	}
	count := m.rowCount[txn][res.table]
	m.mu.Unlock()
	if count < m.cfg.EscalateThreshold {
		return false, nil
	}

	tableMode := S
	if mode == X || mode == IX {
		tableMode = X
	}
	if err := m.acquireOne(txn, TableResource(res.table), tableMode, timeout); err != nil {
		return false, err
	}
	m.releaseRows(txn, res.table)
	escalations.Inc()
	log.Info("lock escalation",
		zap.String("txn", txn.String()),
		zap.String("table", res.table),
		zap.String("mode", tableMode.String()))
	return true, nil
}

func (m *Manager) acquireOne(txn ids.TxnId, res Resource, mode Mode, timeout time.Duration) error {
	m.mu.Lock()
	if held, ok := m.byTxn[txn][res.tag]; ok && held.covers(mode) {
		m.mu.Unlock()
		return nil
	}
	st := m.state(res.tag)
	if m.grantableLocked(st, txn, mode) {
		m.grantLocked(st, txn, res, mode)
		m.mu.Unlock()
		return nil
	}
	w := &waiter{txn: txn, mode: mode, ch: make(chan error, 1)}
	if _, upgrading := st.holders[txn]; upgrading {
		// Upgraders go first: they already hold part of the resource and
		// queueing them behind fresh requests deadlocks with FIFO grants.
		st.queue = append([]*waiter{w}, st.queue...)
	} else {
		st.queue = append(st.queue, w)
	}
	m.mu.Unlock()

	waitsTotal.Inc()
	select {
	case err := <-w.ch:
		return err
	case <-time.After(timeout):
		m.abandon(res.tag, w)
		// The grant may have raced the timeout.
		select {
		case err := <-w.ch:
			return err
		default:
		}
		timeoutsTotal.Inc()
		return errors.Annotatef(ErrLockTimeout, "%s %s after %s", mode, res.tag, timeout)
	}
}

// abandon removes w from the queue after a timeout.
func (m *Manager) abandon(tag string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[tag]
	if !ok {
		return
	}
	for i, q := range st.queue {
		if q == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			break
		}
	}
	m.promoteLocked(tag, st)
}

func (m *Manager) state(tag string) *lockState {
	st, ok := m.locks[tag]
	if !ok {
		st = &lockState{holders: make(map[ids.TxnId]Mode)}
		m.locks[tag] = st
	}
	return st
}

// grantableLocked: compatible with every other holder, and nobody is
// queued ahead (upgrades only need compatibility).
func (m *Manager) grantableLocked(st *lockState, txn ids.TxnId, mode Mode) bool {
	for holder, held := range st.holders {
		if holder == txn {
			continue
		}
		if !compatible[held][mode] {
			return false
		}
	}
	_, upgrading := st.holders[txn]
	return upgrading || len(st.queue) == 0
}

func (m *Manager) grantLocked(st *lockState, txn ids.TxnId, res Resource, mode Mode) {
	if held, ok := st.holders[txn]; ok {
		mode = combine(held, mode)
	}
	st.holders[txn] = mode
	held, ok := m.byTxn[txn]
	if !ok {
		held = make(map[string]Mode)
		m.byTxn[txn] = held
	}
	if _, already := held[res.tag]; !already {
		locksHeld.Inc()
		if res.kind == KindRow {
			rc, ok := m.rowCount[txn]
			if !ok {
				rc = make(map[string]int)
				m.rowCount[txn] = rc
			}
			rc[res.table]++
		}
	}
	held[res.tag] = st.holders[txn]
}

// ReleaseAll drops every lock txn holds and fails its pending waits.
// Called at commit and abort.
func (m *Manager) ReleaseAll(txn ids.TxnId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tag := range m.byTxn[txn] {
		if st, ok := m.locks[tag]; ok {
			delete(st.holders, txn)
			locksHeld.Dec()
			m.promoteLocked(tag, st)
		}
	}
	delete(m.byTxn, txn)
	delete(m.rowCount, txn)
	// Pending waiters of txn elsewhere are failed so no goroutine blocks
	// on behalf of a finished transaction.
	for tag, st := range m.locks {
		changed := false
		for i := 0; i < len(st.queue); {
			if st.queue[i].txn == txn {
				st.queue[i].ch <- errors.Annotatef(ErrDeadlockVictim, "transaction finished while waiting")
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				changed = true
				continue
			}
			i++
		}
		if changed {
			m.promoteLocked(tag, st)
		}
	}
}

// releaseRows drops txn's row locks on table after escalation.
func (m *Manager) releaseRows(txn ids.TxnId, table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := "r/" + table + "/"
	for tag := range m.byTxn[txn] {
		if len(tag) >= len(prefix) && tag[:len(prefix)] == prefix {
			if st, ok := m.locks[tag]; ok {
				delete(st.holders, txn)
				locksHeld.Dec()
				m.promoteLocked(tag, st)
			}
			delete(m.byTxn[txn], tag)
		}
	}
	if rc, ok := m.rowCount[txn]; ok {
		delete(rc, table)
	}
}

// promoteLocked grants queued waiters in order while they fit.
func (m *Manager) promoteLocked(tag string, st *lockState) {
	for len(st.queue) > 0 {
		w := st.queue[0]
		if !m.grantableQueuedLocked(st, w) {
			break
		}
		st.queue = st.queue[1:]
		m.grantLocked(st, w.txn, resourceFromTag(tag), w.mode)
		w.ch <- nil
	}
	if len(st.holders) == 0 && len(st.queue) == 0 {
		delete(m.locks, tag)
	}
}

// grantableQueuedLocked ignores queue position: w is already at the head.
func (m *Manager) grantableQueuedLocked(st *lockState, w *waiter) bool {
	for holder, held := range st.holders {
		if holder == w.txn {
			continue
		}
		if !compatible[held][w.mode] {
			return false
		}
	}
	return true
}

// resourceFromTag rebuilds enough of a Resource for bookkeeping on grant.
func resourceFromTag(tag string) Resource {
	kind := KindTable
	var table string
	switch {
	case len(tag) > 2 && tag[0] == 'r':
		kind = KindRow
		rest := tag[2:]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				table = rest[:i]
				break
			}
		}
	case len(tag) > 2 && tag[0] == 'p':
		kind = KindPage
	}
	return Resource{kind: kind, table: table, tag: tag}
}

// HeldModes returns a copy of txn's current locks, mostly for tests and
// introspection.
func (m *Manager) HeldModes(txn ids.TxnId) map[string]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Mode, len(m.byTxn[txn]))
	for tag, mode := range m.byTxn[txn] {
		out[tag] = mode
	}
	return out
}
