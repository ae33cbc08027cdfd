package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnIdFields(t *testing.T) {
	gen := NewTxnIdGenerator(42)
	id := gen.Next()
	assert.Equal(t, uint16(42), id.Node())
	assert.True(t, id.Millis() > 0)
}

func TestTxnIdMonotonic(t *testing.T) {
	gen := NewTxnIdGenerator(1)
	prev := gen.Next()
	for i := 0; i < 10000; i++ {
		next := gen.Next()
		require.True(t, next > prev, "id %v not greater than %v", next, prev)
		prev = next
	}
}

func TestTxnIdDistinctNodes(t *testing.T) {
	now := time.Now()
	g1 := NewTxnIdGenerator(1)
	g2 := NewTxnIdGenerator(2)
	g1.now = func() time.Time { return now }
	g2.now = func() time.Time { return now }
	// Same millisecond and sequence on two nodes must still differ.
	assert.NotEqual(t, g1.Next(), g2.Next())
}

func TestTxnIdSequenceOverflowSpins(t *testing.T) {
	base := time.Now()
	calls := 0
	gen := NewTxnIdGenerator(3)
	gen.now = func() time.Time {
		calls++
		if calls > txnSeqMax+2 {
			return base.Add(time.Duration(calls) * time.Millisecond)
		}
		return base
	}
	prev := gen.Next()
	for i := 0; i < txnSeqMax+10; i++ {
		next := gen.Next()
		require.True(t, next > prev)
		prev = next
	}
}

func TestRecordId(t *testing.T) {
	assert.True(t, NoneRecord.IsNone())
	assert.False(t, RecordId{Page: 3, Slot: 1}.IsNone())
}
