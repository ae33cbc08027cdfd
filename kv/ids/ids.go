// Package ids holds the identifier types shared by every storage component:
// page ids, log sequence numbers, transaction ids and record ids. It sits at
// the bottom of the import graph on purpose.
package ids

import (
	"fmt"
	"sync"
	"time"
)

// PageId identifies a fixed-size page in the data file. Page 0 is reserved
// and never allocated, so the zero value means "no page".
type PageId uint64

// NonePage is the zero PageId, used to terminate version chains and
// sibling links.
const NonePage PageId = 0

// LSN is a log sequence number: the logical byte position of a record in the
// write-ahead log. LSNs increase monotonically for the lifetime of a store.
// Zero means "no LSN".
type LSN uint64

// NoneLSN is the zero LSN.
const NoneLSN LSN = 0

// TxnId identifies a transaction. The value embeds a millisecond timestamp,
// an originating node and a per-millisecond sequence so distinct nodes mint
// globally unique, roughly time-ordered ids without coordination:
//
//	| 41 bits ms since epoch | 10 bits node | 12 bits sequence |
//
// Zero means "no transaction"; tuples with xmax == NoneTxn are live.
type TxnId uint64

// NoneTxn is the zero TxnId.
const NoneTxn TxnId = 0

const (
	txnNodeBits = 10
	txnSeqBits  = 12

	txnNodeMax = (1 << txnNodeBits) - 1
	txnSeqMax  = (1 << txnSeqBits) - 1
)

// txnEpoch keeps the 41-bit millisecond field from overflowing for decades.
// 2020-01-01T00:00:00Z in unix milliseconds.
const txnEpoch = 1577836800000

// Millis returns the embedded millisecond timestamp, relative to the id epoch.
func (id TxnId) Millis() uint64 {
	return uint64(id) >> (txnNodeBits + txnSeqBits)
}

// Node returns the embedded originating-node field.
func (id TxnId) Node() uint16 {
	return uint16((uint64(id) >> txnSeqBits) & txnNodeMax)
}

// Seq returns the embedded per-millisecond sequence.
func (id TxnId) Seq() uint16 {
	return uint16(uint64(id) & txnSeqMax)
}

func (id TxnId) String() string {
	return fmt.Sprintf("txn-%d.%d.%d", id.Millis(), id.Node(), id.Seq())
}

// TxnIdGenerator mints TxnIds for one node. Safe for concurrent use.
type TxnIdGenerator struct {
	mu     sync.Mutex
	node   uint16
	lastMs uint64
	seq    uint16
	// now is swappable for tests.
	now func() time.Time
}

// NewTxnIdGenerator returns a generator for the given node id.
// Panics if node does not fit in the 10-bit node field.
func NewTxnIdGenerator(node uint16) *TxnIdGenerator {
	if node > txnNodeMax {
		panic(fmt.Sprintf("ids: node %d out of range", node))
	}
	return &TxnIdGenerator{node: node, now: time.Now}
}

// Next returns a fresh TxnId, strictly greater than any id this generator
// has returned before. If the per-millisecond sequence overflows, Next spins
// to the next millisecond.
func (g *TxnIdGenerator) Next() TxnId {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixNano()/int64(time.Millisecond)) - txnEpoch
	if ms < g.lastMs {
		// Clock went backwards; keep minting in the last observed ms.
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq++
		if g.seq > txnSeqMax {
			for ms <= g.lastMs {
				ms = uint64(g.now().UnixNano()/int64(time.Millisecond)) - txnEpoch
			}
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	return TxnId(ms<<(txnNodeBits+txnSeqBits) | uint64(g.node)<<txnSeqBits | uint64(g.seq))
}

// RecordId addresses one tuple version: the page it lives on and its slot.
type RecordId struct {
	Page PageId
	Slot uint16
}

// NoneRecord is the zero RecordId, used to terminate version chains.
var NoneRecord = RecordId{}

// IsNone reports whether r addresses nothing.
func (r RecordId) IsNone() bool {
	return r.Page == NonePage
}

func (r RecordId) String() string {
	return fmt.Sprintf("(%d,%d)", r.Page, r.Slot)
}
