package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
)

// Segment file header: magic(4) | version(2) | segment id(8).
const (
	segMagic      uint32 = 0x4d57414c // "MWAL"
	segVersion    uint16 = 1
	segHeaderSize        = 14
)

// segment is one log file. The LSN stream runs continuously across
// segments: the first record of a segment has LSN == firstLSN, and a
// record at LSN lsn lives at file offset segHeaderSize + (lsn - firstLSN).
type segment struct {
	id       uint64
	firstLSN ids.LSN
	// endLSN is the LSN one past the last record (== next segment's firstLSN).
	endLSN ids.LSN
	path   string
}

func (s *segment) Less(than btree.Item) bool {
	return s.firstLSN < than.(*segment).firstLSN
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("wal-%016d.log", id)
}

func parseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func writeSegmentHeader(f *os.File, id uint64) error {
	buf := make([]byte, segHeaderSize)
	binary.BigEndian.PutUint32(buf[0:], segMagic)
	binary.BigEndian.PutUint16(buf[4:], segVersion)
	binary.BigEndian.PutUint64(buf[6:], id)
	_, err := f.Write(buf)
	return errors.Trace(err)
}

func readSegmentHeader(f *os.File) (uint64, error) {
	buf := make([]byte, segHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, errors.Annotate(err, "wal: segment header")
	}
	if binary.BigEndian.Uint32(buf) != segMagic {
		return 0, errors.Annotate(ErrMalformed, "wal: bad segment magic")
	}
	if v := binary.BigEndian.Uint16(buf[4:]); v != segVersion {
		return 0, errors.Errorf("wal: unsupported segment version %d", v)
	}
	return binary.BigEndian.Uint64(buf[6:]), nil
}

// scanSegment walks all records in the file at path, starting the LSN
// stream at firstLSN, calling fn for each. When tail is true a torn record
// at the end is truncated away instead of being reported as corruption.
// Returns the LSN one past the last intact record.
func scanSegment(path string, firstLSN ids.LSN, tail bool, fn func(*Record) error) (ids.LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer f.Close()
	if _, err := readSegmentHeader(f); err != nil {
		return 0, err
	}

	r := bufio.NewReaderSize(f, 1<<20)
	lsn := firstLSN
	hdr := make([]byte, recHeaderSize)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF {
				return lsn, nil
			}
			// Partial header at the very end of the tail segment.
			if tail && (err == io.ErrUnexpectedEOF) {
				return truncateTail(path, firstLSN, lsn)
			}
			return 0, errors.Annotatef(ErrMalformed, "wal: %s at lsn %d: %v", path, lsn, err)
		}
		recLSN := ids.LSN(binary.BigEndian.Uint64(hdr))
		typ := RecType(hdr[16])
		n := int(binary.BigEndian.Uint32(hdr[17:]))
		if recLSN != lsn || typ < TypeBegin || typ > TypeDecision {
			if tail {
				return truncateTail(path, firstLSN, lsn)
			}
			return 0, errors.Annotatef(ErrMalformed, "wal: %s: record at lsn %d claims lsn %d type %d", path, lsn, recLSN, typ)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if tail {
				return truncateTail(path, firstLSN, lsn)
			}
			return 0, errors.Annotatef(ErrMalformed, "wal: %s: short payload at lsn %d", path, lsn)
		}
		rec := &Record{LSN: recLSN, Txn: ids.TxnId(binary.BigEndian.Uint64(hdr[8:])), Type: typ, Payload: payload}
		if fn != nil {
			if err := fn(rec); err != nil {
				return 0, err
			}
		}
		lsn += ids.LSN(recHeaderSize + n)
	}
}

// truncateTail chops a torn record off the end of the tail segment. Safe
// because the torn record was never acknowledged as durable.
func truncateTail(path string, firstLSN, intactEnd ids.LSN) (ids.LSN, error) {
	size := int64(segHeaderSize) + int64(intactEnd-firstLSN)
	log.Warn("truncating torn wal tail",
		zap.String("segment", filepath.Base(path)),
		zap.Uint64("end-lsn", uint64(intactEnd)))
	if err := os.Truncate(path, size); err != nil {
		return 0, errors.Trace(err)
	}
	return intactEnd, nil
}

// listSegmentFiles returns the segment ids present in dir, ascending.
func listSegmentFiles(dir string) ([]uint64, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	segIds := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if id, ok := parseSegmentFileName(filepath.Base(e)); ok {
			segIds = append(segIds, id)
		}
	}
	sort.Slice(segIds, func(i, j int) bool { return segIds[i] < segIds[j] })
	return segIds, nil
}
