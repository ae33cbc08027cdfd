package engine

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Rows are stored in heap tuples as klen | key | value. Carrying the key
// inside the version lets vacuum and crash repair tie a tuple back to its
// index entry without a reverse lookup.

var errBadRow = errors.New("engine: malformed row")

func encodeRow(key, val []byte) []byte {
	buf := make([]byte, 2+len(key)+len(val))
	binary.BigEndian.PutUint16(buf, uint16(len(key)))
	copy(buf[2:], key)
	copy(buf[2+len(key):], val)
	return buf
}

func rowKey(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errors.Trace(errBadRow)
	}
	k := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+k {
		return nil, errors.Trace(errBadRow)
	}
	return data[2 : 2+k], nil
}

func rowValue(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errors.Trace(errBadRow)
	}
	k := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+k {
		return nil, errors.Trace(errBadRow)
	}
	return data[2+k:], nil
}
