// Package twopc implements the atomic-commit protocol for transactions
// spanning several partitions: one coordinator collects prepare votes,
// logs a single decision, and drives every participant to it. Each phase
// transition is logged so either side can resume from its log after a
// crash; a participant that voted commit never decides on its own.
package twopc

import (
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/util/worker"
	"github.com/meridiandb/meridian/kv/wal"
)

var (
	// ErrAborted reports a transaction decided abort because at least one
	// participant voted no or failed to vote in time.
	ErrAborted = errors.New("twopc: transaction aborted")
	// ErrUnknownTxn means the coordinator has no decision for the id.
	ErrUnknownTxn = errors.New("twopc: unknown transaction")
)

// Participant is one partition's side of the protocol. Prepare makes the
// transaction's effects durable and votes: a nil return is a commit vote
// and a promise not to abort unilaterally afterward.
type Participant interface {
	ID() string
	Prepare(txn ids.TxnId) error
	Commit(txn ids.TxnId) error
	Abort(txn ids.TxnId) error
}

// Coordinator runs the protocol and answers decision queries from
// in-doubt participants. Decisions are logged to its WAL before any
// participant hears them, so a crashed coordinator recovers every
// decision it ever announced.
type Coordinator struct {
	wal *wal.Manager

	mu        sync.Mutex
	decisions map[ids.TxnId]bool
	// participants still owed a decision, per transaction
	unacked map[ids.TxnId]map[string]Participant

	voteTimeout time.Duration
	retry       *worker.Ticker
}

// NewCoordinator builds a coordinator over its own decision log. Recovered
// decisions (from the WAL's analysis pass) seed the decision table so
// participants that were in doubt across the crash get answers.
func NewCoordinator(w *wal.Manager, recovered map[ids.TxnId]bool, voteTimeout, retryInterval time.Duration) *Coordinator {
	c := &Coordinator{
		wal:         w,
		decisions:   make(map[ids.TxnId]bool),
		unacked:     make(map[ids.TxnId]map[string]Participant),
		voteTimeout: voteTimeout,
	}
	for txn, commit := range recovered {
		c.decisions[txn] = commit
	}
	c.retry = worker.NewTicker("twopc-redeliver", retryInterval)
	c.retry.Start(c.redeliver)
	return c
}

// Close stops background redelivery.
func (c *Coordinator) Close() {
	c.retry.Stop()
}

// Decision answers an in-doubt participant. ok is false while txn has no
// logged decision.
func (c *Coordinator) Decision(txn ids.TxnId) (commit bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	commit, ok = c.decisions[txn]
	return commit, ok
}

// Execute runs the full protocol for txn across participants and returns
// nil only when the transaction committed everywhere. An abort outcome is
// ErrAborted; the caller's local state was already driven to it.
func (c *Coordinator) Execute(txn ids.TxnId, participants []Participant) error {
	if len(participants) == 0 {
		return errors.New("twopc: no participants")
	}

	// Phase 1: collect votes in parallel, a missing vote is an abort vote.
	votes := make(chan error, len(participants))
	for _, p := range participants {
		go func(p Participant) {
			votes <- p.Prepare(txn)
		}(p)
	}
	commit := true
	deadline := time.After(c.voteTimeout)
	var voteErr error
	for i := 0; i < len(participants); i++ {
		select {
		case err := <-votes:
			if err != nil && commit {
				commit = false
				voteErr = err
			}
		case <-deadline:
			commit = false
			voteErr = errors.Errorf("twopc: vote timeout after %s", c.voteTimeout)
			i = len(participants) // stop waiting
		}
	}

	// The decision is durable before anyone hears it.
	lsn, err := c.wal.Decide(txn, commit)
	if err != nil {
		return err
	}
	if err := c.wal.Flush(lsn); err != nil {
		return err
	}

	c.mu.Lock()
	c.decisions[txn] = commit
	pending := make(map[string]Participant, len(participants))
	for _, p := range participants {
		pending[p.ID()] = p
	}
	c.unacked[txn] = pending
	c.mu.Unlock()

	if commit {
		decisionsCommit.Inc()
	} else {
		decisionsAbort.Inc()
	}
	log.Info("2pc decision",
		zap.String("txn", txn.String()),
		zap.Bool("commit", commit),
		zap.Int("participants", len(participants)))

	// Phase 2: deliver. Failures are retried by the redelivery ticker;
	// the decision itself can no longer change.
	c.deliver(txn)

	if !commit {
		if voteErr != nil {
			return errors.Annotate(ErrAborted, voteErr.Error())
		}
		return ErrAborted
	}
	return nil
}

// deliver pushes the decision to every unacked participant, dropping the
// ones that acknowledge.
func (c *Coordinator) deliver(txn ids.TxnId) {
	c.mu.Lock()
	commit, ok := c.decisions[txn]
	pending := c.unacked[txn]
	ps := make([]Participant, 0, len(pending))
	for _, p := range pending {
		ps = append(ps, p)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, p := range ps {
		var err error
		if commit {
			err = p.Commit(txn)
		} else {
			err = p.Abort(txn)
		}
		if err != nil {
			log.Warn("2pc delivery failed",
				zap.String("txn", txn.String()),
				zap.String("participant", p.ID()),
				zap.Error(err))
			redeliveries.Inc()
			continue
		}
		c.mu.Lock()
		delete(c.unacked[txn], p.ID())
		if len(c.unacked[txn]) == 0 {
			delete(c.unacked, txn)
			resolvedTxns.Inc()
		}
		c.mu.Unlock()
	}
}

// redeliver retries undelivered decisions.
func (c *Coordinator) redeliver() {
	c.mu.Lock()
	txns := make([]ids.TxnId, 0, len(c.unacked))
	for txn := range c.unacked {
		txns = append(txns, txn)
	}
	c.mu.Unlock()
	for _, txn := range txns {
		c.deliver(txn)
	}
}

// Resolved reports whether every participant acknowledged txn's decision.
func (c *Coordinator) Resolved(txn ids.TxnId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.decisions[txn]
	_, pending := c.unacked[txn]
	return ok && !pending
}
