package engine

import (
	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/mvcc"
	"github.com/meridiandb/meridian/kv/twopc"
)

// The engine plays the participant side of two-phase commit: PrepareTxn
// votes, CommitPrepared and AbortPrepared apply the coordinator's decision,
// and Decision answers in-doubt queries from verdicts recovered out of this
// node's own log.

// PrepareTxn votes commit for a distributed transaction. After it returns
// nil the effects are durable and the locks stay held until the decision
// arrives; the participant never backs out of a commit vote on its own.
func (e *Engine) PrepareTxn(txn ids.TxnId) error {
	if err := e.txns.Prepare(txn); err != nil {
		return err
	}
	_, err := e.wal.Prepare(txn)
	return err
}

// CommitPrepared applies a commit decision. Decisions arrive at least
// once; a transaction already committed, or forgotten entirely, is
// acknowledged again without effect.
func (e *Engine) CommitPrepared(txn ids.TxnId) error {
	if st, ok := e.txns.State(txn); !ok || st == mvcc.StateCommitted {
		// A redelivery can land after commit but before the first
		// delivery released the locks; releasing again is a no-op.
		e.locks.ReleaseAll(txn)
		return nil
	}
	if err := e.txns.BeginCommit(txn); err != nil {
		return err
	}
	if _, err := e.wal.Commit(txn); err != nil {
		return errors.Annotate(err, "engine: commit prepared")
	}
	err := e.txns.FinalizeCommit(txn)
	e.locks.ReleaseAll(txn)
	return err
}

// AbortPrepared applies an abort decision, rolling the prepared
// transaction's effects back.
func (e *Engine) AbortPrepared(txn ids.TxnId) error {
	if _, ok := e.txns.State(txn); !ok {
		return nil
	}
	undone, err := e.wal.Rollback(txn, e.pool)
	if err != nil {
		return err
	}
	e.repairIndex(undone)
	e.locks.ReleaseAll(txn)
	return e.txns.Abort(txn)
}

// Decision reports a coordinator verdict recovered from this node's log.
func (e *Engine) Decision(txn ids.TxnId) (commit bool, ok bool) {
	v, ok := e.decisions[txn]
	return v, ok
}

// InDoubt lists the transactions that were prepared but undecided at crash
// time. They belong in a resolver until their verdicts arrive.
func (e *Engine) InDoubt() []ids.TxnId {
	return append([]ids.TxnId(nil), e.inDoubt...)
}

// Participant adapts the engine to the commit coordinator under a stable
// node name.
func (e *Engine) Participant(id string) twopc.Participant {
	return participant{id: id, e: e}
}

type participant struct {
	id string
	e  *Engine
}

func (p participant) ID() string                  { return p.id }
func (p participant) Prepare(txn ids.TxnId) error { return p.e.PrepareTxn(txn) }
func (p participant) Commit(txn ids.TxnId) error  { return p.e.CommitPrepared(txn) }
func (p participant) Abort(txn ids.TxnId) error   { return p.e.AbortPrepared(txn) }
