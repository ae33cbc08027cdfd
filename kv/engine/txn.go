package engine

import (
	"bytes"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/lock"
	"github.com/meridiandb/meridian/kv/mvcc"
	"github.com/meridiandb/meridian/kv/storage/heap"
)

// ErrTxnFinished reports use of a transaction handle after Commit or Abort.
var ErrTxnFinished = errors.New("engine: transaction already finished")

// Txn is one transaction's handle. A handle belongs to one goroutine;
// different transactions run concurrently, one transaction does not.
type Txn struct {
	e     *Engine
	id    ids.TxnId
	level mvcc.IsolationLevel
	done  bool
}

// Begin starts a transaction at the given isolation level.
func (e *Engine) Begin(level mvcc.IsolationLevel) (*Txn, error) {
	return e.BeginWith(e.gen.Next(), level)
}

// BeginWith starts a transaction under an id chosen by the caller. A
// distributed transaction uses the coordinator's id on every participant.
func (e *Engine) BeginWith(id ids.TxnId, level mvcc.IsolationLevel) (*Txn, error) {
	if _, err := e.wal.AppendBegin(id); err != nil {
		return nil, err
	}
	e.txns.Begin(id, level)
	txnsStarted.Inc()
	return &Txn{e: e, id: id, level: level}, nil
}

// ID returns the transaction id, stable for the handle's lifetime.
func (t *Txn) ID() ids.TxnId { return t.id }

// Get returns the newest version of key visible to this transaction, or
// nil when the key is absent.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, errors.Trace(ErrTxnFinished)
	}
	snap, err := t.e.txns.StatementSnapshot(t.id)
	if err != nil {
		return nil, err
	}
	t.e.txns.RecordRead(t.id, key)
	head, ok, err := t.e.idx.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return t.e.visibleValue(head, snap)
}

// visibleValue walks a version chain newest first and returns the payload
// of the first version the snapshot can see, nil when none can.
func (e *Engine) visibleValue(head ids.RecordId, snap mvcc.Snapshot) ([]byte, error) {
	rid := head
	for !rid.IsNone() {
		tup, err := e.store.Fetch(rid)
		if errors.Cause(err) == heap.ErrNotFound {
			// chain cut by a concurrent abort repair or vacuum
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if e.txns.Visible(tup, snap) {
			return rowValue(tup.Data)
		}
		rid = tup.Next
	}
	return nil, nil
}

// Put writes key = val. The row's exclusive lock is held until the
// transaction finishes.
func (t *Txn) Put(key, val []byte) error {
	if t.done {
		return errors.Trace(ErrTxnFinished)
	}
	if err := t.e.locks.Acquire(t.id, lock.RowResource(tableName, key), lock.X); err != nil {
		return err
	}
	snap, err := t.e.txns.StatementSnapshot(t.id)
	if err != nil {
		return err
	}
	t.e.txns.RecordWrite(t.id, key)
	row := encodeRow(key, val)

	head, ok, err := t.e.idx.Get(key)
	if err != nil {
		return err
	}
	var rid ids.RecordId
	switch {
	case !ok:
		rid, err = t.e.store.Insert(t.id, row, 0)
	default:
		tup, ferr := t.e.store.Fetch(head)
		switch {
		case errors.Cause(ferr) == heap.ErrNotFound:
			rid, err = t.e.store.Insert(t.id, row, 0)
		case ferr != nil:
			return ferr
		case !t.e.txns.Updatable(tup, snap):
			return errors.Annotatef(mvcc.ErrSerializationFailure,
				"key %q was superseded after this snapshot", key)
		case tup.Xmax != ids.NoneTxn && tup.Xmax != t.id:
			// the newest version keeps its committed deleter's stamp
			rid, err = t.e.store.InsertVersion(t.id, row, 0, head)
		default:
			rid, err = t.e.store.Update(t.id, head, row, 0)
		}
	}
	if err != nil {
		return err
	}
	return t.e.idx.Put(key, rid)
}

// Delete removes key. Deleting an absent key is a no-op.
func (t *Txn) Delete(key []byte) error {
	if t.done {
		return errors.Trace(ErrTxnFinished)
	}
	if err := t.e.locks.Acquire(t.id, lock.RowResource(tableName, key), lock.X); err != nil {
		return err
	}
	snap, err := t.e.txns.StatementSnapshot(t.id)
	if err != nil {
		return err
	}
	t.e.txns.RecordWrite(t.id, key)

	head, ok, err := t.e.idx.Get(key)
	if err != nil || !ok {
		return err
	}
	tup, err := t.e.store.Fetch(head)
	if errors.Cause(err) == heap.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !t.e.txns.Updatable(tup, snap) {
		return errors.Annotatef(mvcc.ErrSerializationFailure,
			"key %q was superseded after this snapshot", key)
	}
	if tup.Xmax != ids.NoneTxn {
		return nil // already deleted
	}
	return t.e.store.Delete(t.id, head)
}

// Scan calls fn for every visible key in [start, end) in key order, the
// whole space when end is nil. fn returns false to stop early. The slices
// passed to fn are the transaction's to keep.
func (t *Txn) Scan(start, end []byte, fn func(key, val []byte) (bool, error)) error {
	if t.done {
		return errors.Trace(ErrTxnFinished)
	}
	snap, err := t.e.txns.StatementSnapshot(t.id)
	if err != nil {
		return err
	}
	it := t.e.idx.Seek(start)
	for ; it.Valid(); it.Next() {
		key := it.Key()
		if end != nil && bytes.Compare(key, end) >= 0 {
			return nil
		}
		t.e.txns.RecordRead(t.id, key)
		val, err := t.e.visibleValue(it.Value(), snap)
		if err != nil {
			return err
		}
		if val == nil {
			continue
		}
		cont, err := fn(key, val)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Err()
}

// Commit makes the transaction's effects durable, then visible, in that
// order: the commit record is flushed before the version is published, so
// no snapshot ever observes a commit recovery would undo. Serializable
// transactions can fail validation with ErrSerializationFailure before
// anything is logged; the caller must then Abort and retry.
func (t *Txn) Commit() error {
	if t.done {
		return errors.Trace(ErrTxnFinished)
	}
	if err := t.e.txns.BeginCommit(t.id); err != nil {
		// Still active; Abort rolls the writes back.
		return err
	}
	t.done = true
	if _, err := t.e.wal.Commit(t.id); err != nil {
		// The commit record may be half-logged; nothing more can be
		// appended for this transaction and its writes stay invisible
		// behind their locks. The log is suspect, restart and recover.
		return errors.Annotate(err, "engine: commit flush")
	}
	err := t.e.txns.FinalizeCommit(t.id)
	t.e.locks.ReleaseAll(t.id)
	return err
}

// Abort rolls every effect of the transaction back through CLRs, repairs
// the index entries its undone inserts headed, and releases its locks.
// Aborting a finished transaction is a no-op.
func (t *Txn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	undone, err := t.e.wal.Rollback(t.id, t.e.pool)
	if err != nil {
		return errors.Annotate(err, "engine: rollback")
	}
	t.e.repairIndex(undone)
	t.e.locks.ReleaseAll(t.id)
	if err := t.e.txns.Abort(t.id); err != nil && errors.Cause(err) != mvcc.ErrTxnNotFound {
		return err
	}
	return nil
}

// IsRetryable reports whether err is a transient concurrency conflict the
// caller should respond to by retrying the whole transaction.
func IsRetryable(err error) bool {
	switch errors.Cause(err) {
	case mvcc.ErrSerializationFailure, lock.ErrLockTimeout, lock.ErrDeadlockVictim:
		return true
	}
	return false
}

// RunTxn executes fn inside a transaction, committing on success and
// retrying up to attempts times on retryable conflicts.
func (e *Engine) RunTxn(level mvcc.IsolationLevel, attempts int, fn func(*Txn) error) error {
	for i := 0; ; i++ {
		t, err := e.Begin(level)
		if err != nil {
			return err
		}
		err = fn(t)
		if err == nil {
			err = t.Commit()
		}
		if err == nil {
			return nil
		}
		if aerr := t.Abort(); aerr != nil {
			return aerr
		}
		if !IsRetryable(err) || i+1 >= attempts {
			return err
		}
	}
}
