package heap

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
)

// tupleHeaderSize is Xmin(8) | Xmax(8) | NextPage(8) | NextSlot(2) | Flags(2).
const tupleHeaderSize = 28

// ErrBadTuple reports a slot too short to hold a tuple header.
var ErrBadTuple = errors.New("heap: malformed tuple")

// Tuple is one row version. Xmin is the transaction that wrote it; Xmax is
// the transaction that deleted or superseded it, NoneTxn while live. Next
// addresses the previous (older) version: chains run newest first, and an
// index always points at the newest version.
type Tuple struct {
	Xmin  ids.TxnId
	Xmax  ids.TxnId
	Next  ids.RecordId
	Flags uint16
	Data  []byte
}

// Encode serializes the tuple for storage in a page slot.
func (t *Tuple) Encode() []byte {
	buf := make([]byte, tupleHeaderSize+len(t.Data))
	binary.BigEndian.PutUint64(buf[0:], uint64(t.Xmin))
	binary.BigEndian.PutUint64(buf[8:], uint64(t.Xmax))
	binary.BigEndian.PutUint64(buf[16:], uint64(t.Next.Page))
	binary.BigEndian.PutUint16(buf[24:], t.Next.Slot)
	binary.BigEndian.PutUint16(buf[26:], t.Flags)
	copy(buf[tupleHeaderSize:], t.Data)
	return buf
}

// DecodeTuple parses a stored tuple. Data aliases buf.
func DecodeTuple(buf []byte) (*Tuple, error) {
	if len(buf) < tupleHeaderSize {
		return nil, errors.Annotatef(ErrBadTuple, "%d bytes", len(buf))
	}
	return &Tuple{
		Xmin: ids.TxnId(binary.BigEndian.Uint64(buf[0:])),
		Xmax: ids.TxnId(binary.BigEndian.Uint64(buf[8:])),
		Next: ids.RecordId{
			Page: ids.PageId(binary.BigEndian.Uint64(buf[16:])),
			Slot: binary.BigEndian.Uint16(buf[24:]),
		},
		Flags: binary.BigEndian.Uint16(buf[26:]),
		Data:  buf[tupleHeaderSize:],
	}, nil
}
