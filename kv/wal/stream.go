package wal

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
)

// CommittedTxn is one fully durable transaction delivered on the committed
// record stream, in commit-record order. Records holds the transaction's
// log records from begin through commit in append order.
type CommittedTxn struct {
	Txn       ids.TxnId
	CommitLSN ids.LSN
	Records   []*Record
}

// Subscription receives committed transactions. Delivery is at-least-once:
// a slow consumer whose buffer fills is disconnected and must resubscribe
// from the last commit LSN it processed.
type Subscription struct {
	C      <-chan CommittedTxn
	ch     chan CommittedTxn
	s      *stream
	closed bool
}

// Close detaches the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	sub.s.dropLocked(sub)
}

type stream struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newStream() *stream {
	return &stream{subs: make(map[*Subscription]struct{})}
}

// publish fans txns out to every subscriber. Must not be called with the
// manager mutex held; subscriber bookkeeping takes the stream mutex.
func (s *stream) publish(txns []*CommittedTxn) {
	if len(txns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ct := range txns {
		streamPublished.Inc()
		for sub := range s.subs {
			select {
			case sub.ch <- *ct:
			default:
				// Buffer full. Cut the consumer loose rather than
				// stall commits; it resubscribes from its last LSN.
				s.dropLocked(sub)
				streamOverflows.Inc()
			}
		}
	}
}

func (s *stream) dropLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, sub)
	close(sub.ch)
}

func (s *stream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.closed = true
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Subscribe returns a subscription delivering every transaction whose
// commit record sits strictly after from, starting with history replayed
// from the log and continuing live. Pass NoneLSN for the full history
// still on disk. The stream mutex is held across the replay so no commit
// can slip between the historical batch and live delivery.
func (m *Manager) Subscribe(from ids.LSN, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	s := m.stream

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("wal: manager closed")
	}

	history, err := m.committedSince(from)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(history) > buffer {
		return nil, errors.Errorf("wal: %d historical transactions exceed subscription buffer %d", len(history), buffer)
	}

	sub := &Subscription{s: s, ch: make(chan CommittedTxn, buffer)}
	sub.C = sub.ch
	for _, ct := range history {
		sub.ch <- *ct
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// committedSince replays the durable log and gathers transactions whose
// commit record is after from, each with its data records in order.
func (m *Manager) committedSince(from ids.LSN) ([]*CommittedTxn, error) {
	pending := make(map[ids.TxnId][]*Record)
	var out []*CommittedTxn
	err := m.Scan(firstLSN, func(r *Record) error {
		if r.Txn == ids.NoneTxn {
			// Maintenance writes belong to no transaction and never commit.
			return nil
		}
		switch r.Type {
		case TypeBegin, TypeInsert, TypeUpdate, TypeDelete, TypeCLR,
			TypePageSplit, TypePageMerge, TypePrepare:
			pending[r.Txn] = append(pending[r.Txn], r)
		case TypeCommit:
			recs := append(pending[r.Txn], r)
			delete(pending, r.Txn)
			if r.LSN > from {
				out = append(out, &CommittedTxn{Txn: r.Txn, CommitLSN: r.LSN, Records: recs})
			}
		case TypeAbort:
			delete(pending, r.Txn)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}
