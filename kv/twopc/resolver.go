package twopc

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/util/worker"
)

// DecisionSource is where an in-doubt participant asks for the outcome:
// the live coordinator, or whatever recovered its log.
type DecisionSource interface {
	Decision(txn ids.TxnId) (commit bool, ok bool)
}

// Applier is the participant's local engine, used to finish an in-doubt
// transaction once its decision is known.
type Applier interface {
	CommitPrepared(txn ids.TxnId) error
	AbortPrepared(txn ids.TxnId) error
}

// Resolver drives transactions recovered in the prepared state to the
// coordinator's decision. While a transaction is in doubt it stays
// registered and keeps its locks; the resolver polls rather than guessing.
type Resolver struct {
	source  DecisionSource
	applier Applier

	mu      sync.Mutex
	inDoubt map[ids.TxnId]struct{}
	ticker  *worker.Ticker
}

func NewResolver(source DecisionSource, applier Applier, interval time.Duration) *Resolver {
	r := &Resolver{
		source:  source,
		applier: applier,
		inDoubt: make(map[ids.TxnId]struct{}),
	}
	r.ticker = worker.NewTicker("twopc-resolver", interval)
	return r
}

// Enqueue registers recovered prepared transactions.
func (r *Resolver) Enqueue(txns ...ids.TxnId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range txns {
		r.inDoubt[txn] = struct{}{}
		inDoubtTxns.Inc()
	}
}

// Start polls until Stop. ResolveOnce can also be called directly.
func (r *Resolver) Start() {
	r.ticker.Start(func() { r.ResolveOnce() })
}

func (r *Resolver) Stop() { r.ticker.Stop() }

// Pending reports how many transactions are still in doubt.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inDoubt)
}

// ResolveOnce asks for every pending decision and applies the ones that
// are known. Unknown decisions stay queued; a participant that voted
// commit never times out into an abort.
func (r *Resolver) ResolveOnce() {
	r.mu.Lock()
	txns := make([]ids.TxnId, 0, len(r.inDoubt))
	for txn := range r.inDoubt {
		txns = append(txns, txn)
	}
	r.mu.Unlock()

	for _, txn := range txns {
		commit, ok := r.source.Decision(txn)
		if !ok {
			continue
		}
		var err error
		if commit {
			err = r.applier.CommitPrepared(txn)
		} else {
			err = r.applier.AbortPrepared(txn)
		}
		if err != nil {
			log.Error("in-doubt resolution failed",
				zap.String("txn", txn.String()),
				zap.Bool("commit", commit),
				zap.Error(err))
			continue
		}
		log.Info("in-doubt transaction resolved",
			zap.String("txn", txn.String()),
			zap.Bool("commit", commit))
		r.mu.Lock()
		delete(r.inDoubt, txn)
		r.mu.Unlock()
		inDoubtTxns.Dec()
	}
}
