package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/pingcap/errors"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/page"
)

// RecType tags a WAL record.
type RecType byte

const (
	TypeBegin RecType = iota + 1
	TypeInsert
	TypeUpdate
	TypeDelete
	TypeCommit
	TypeAbort
	TypeCheckpoint
	TypeCLR
	TypePageSplit
	TypePageMerge
	TypePrepare
	TypeDecision
)

func (t RecType) String() string {
	switch t {
	case TypeBegin:
		return "begin"
	case TypeInsert:
		return "insert"
	case TypeUpdate:
		return "update"
	case TypeDelete:
		return "delete"
	case TypeCommit:
		return "commit"
	case TypeAbort:
		return "abort"
	case TypeCheckpoint:
		return "checkpoint"
	case TypeCLR:
		return "clr"
	case TypePageSplit:
		return "page-split"
	case TypePageMerge:
		return "page-merge"
	case TypePrepare:
		return "prepare"
	case TypeDecision:
		return "decision"
	}
	return fmt.Sprintf("rectype(%d)", byte(t))
}

// recHeaderSize is LSN(8) | TxnId(8) | Type(1) | Len(4).
const recHeaderSize = 21

// ErrMalformed reports a WAL record that cannot be decoded. In the middle
// of the log this is corruption; at the very tail it is a torn write from
// the crash and the tail is truncated.
var ErrMalformed = errors.New("wal: malformed record")

// Record is one entry in the log. Payload layout depends on Type; use the
// Decode* helpers.
type Record struct {
	LSN     ids.LSN
	Txn     ids.TxnId
	Type    RecType
	Payload []byte
}

func (r *Record) encodedLen() int {
	return recHeaderSize + len(r.Payload)
}

func (r *Record) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:], uint64(r.LSN))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.Txn))
	buf[16] = byte(r.Type)
	binary.BigEndian.PutUint32(buf[17:], uint32(len(r.Payload)))
	copy(buf[recHeaderSize:], r.Payload)
}

// decodeRecord parses one record from the front of buf. It returns the
// record and the number of bytes consumed, or ErrMalformed.
func decodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < recHeaderSize {
		return nil, 0, errors.Annotatef(ErrMalformed, "short header: %d bytes", len(buf))
	}
	r := &Record{
		LSN:  ids.LSN(binary.BigEndian.Uint64(buf[0:])),
		Txn:  ids.TxnId(binary.BigEndian.Uint64(buf[8:])),
		Type: RecType(buf[16]),
	}
	n := int(binary.BigEndian.Uint32(buf[17:]))
	if r.Type < TypeBegin || r.Type > TypeDecision {
		return nil, 0, errors.Annotatef(ErrMalformed, "bad type %d at lsn %d", buf[16], r.LSN)
	}
	if len(buf) < recHeaderSize+n {
		return nil, 0, errors.Annotatef(ErrMalformed, "short payload: want %d have %d", n, len(buf)-recHeaderSize)
	}
	r.Payload = buf[recHeaderSize : recHeaderSize+n]
	return r, recHeaderSize + n, nil
}

// CLROp says what a compensation log record does to its page when redone.
type CLROp byte

const (
	// CLRDelete removes a slot (compensates an insert).
	CLRDelete CLROp = iota + 1
	// CLRRestore overwrites a slot with the pre-update image (compensates an
	// in-place update).
	CLRRestore
	// CLRReinsert puts a deleted tuple back at its slot (compensates a
	// physical delete).
	CLRReinsert
)

// Typed payloads. PrevLSN chains a transaction's records together for undo;
// the manager fills it in on append.

type InsertPayload struct {
	PrevLSN ids.LSN
	Page    ids.PageId
	Slot    uint16
	Tuple   []byte
}

type UpdatePayload struct {
	PrevLSN ids.LSN
	Page    ids.PageId
	Slot    uint16
	Before  []byte
	After   []byte
}

type DeletePayload struct {
	PrevLSN ids.LSN
	Page    ids.PageId
	Slot    uint16
	Before  []byte
}

type CLRPayload struct {
	// UndoNextLSN is the next record of the transaction still to be undone.
	// A crash during undo resumes here instead of repeating work.
	UndoNextLSN ids.LSN
	Op          CLROp
	Page        ids.PageId
	Slot        uint16
	Image       []byte
}

// PageImage is one full page image inside a PageSplit/PageMerge record.
// Structure modifications are redo-only: they are never undone, so logging
// the after-images is sufficient and keeps redo a straight copy.
type PageImage struct {
	Page  ids.PageId
	Image []byte
}

// TxnTableEntry is one active transaction in a checkpoint. FirstLSN bounds
// segment recycling: log needed to undo an active transaction is never
// recycled.
type TxnTableEntry struct {
	Txn      ids.TxnId
	FirstLSN ids.LSN
	LastLSN  ids.LSN
	// Prepared transactions survive undo and wait for a 2PC decision.
	Prepared bool
}

// CheckpointPayload is the fuzzy checkpoint's snapshot of the dirty-page
// table and the active-transaction table.
type CheckpointPayload struct {
	DirtyPages map[ids.PageId]ids.LSN
	ActiveTxns []TxnTableEntry
}

func encodeChain(prev ids.LSN, pg ids.PageId, slot uint16, parts ...[]byte) []byte {
	n := 18
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 18, n)
	binary.BigEndian.PutUint64(buf[0:], uint64(prev))
	binary.BigEndian.PutUint64(buf[8:], uint64(pg))
	binary.BigEndian.PutUint16(buf[16:], slot)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func encodePrevOnly(prev ids.LSN) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(prev))
	return buf
}

// PrevLSN extracts the undo-chain pointer from a transaction record. For
// CLRs it returns the UndoNextLSN. Returns NoneLSN for types without one.
func (r *Record) PrevLSN() ids.LSN {
	switch r.Type {
	case TypeBegin, TypeInsert, TypeUpdate, TypeDelete, TypeCommit, TypeAbort, TypePrepare, TypeCLR:
		if len(r.Payload) >= 8 {
			return ids.LSN(binary.BigEndian.Uint64(r.Payload))
		}
	}
	return ids.NoneLSN
}

func (r *Record) DecodeInsert() (InsertPayload, error) {
	if r.Type != TypeInsert || len(r.Payload) < 18 {
		return InsertPayload{}, errors.Annotatef(ErrMalformed, "insert at lsn %d", r.LSN)
	}
	return InsertPayload{
		PrevLSN: ids.LSN(binary.BigEndian.Uint64(r.Payload[0:])),
		Page:    ids.PageId(binary.BigEndian.Uint64(r.Payload[8:])),
		Slot:    binary.BigEndian.Uint16(r.Payload[16:]),
		Tuple:   r.Payload[18:],
	}, nil
}

func (r *Record) DecodeUpdate() (UpdatePayload, error) {
	if r.Type != TypeUpdate || len(r.Payload) < 22 {
		return UpdatePayload{}, errors.Annotatef(ErrMalformed, "update at lsn %d", r.LSN)
	}
	beforeLen := int(binary.BigEndian.Uint32(r.Payload[18:]))
	if len(r.Payload) < 22+beforeLen {
		return UpdatePayload{}, errors.Annotatef(ErrMalformed, "update images at lsn %d", r.LSN)
	}
	return UpdatePayload{
		PrevLSN: ids.LSN(binary.BigEndian.Uint64(r.Payload[0:])),
		Page:    ids.PageId(binary.BigEndian.Uint64(r.Payload[8:])),
		Slot:    binary.BigEndian.Uint16(r.Payload[16:]),
		Before:  r.Payload[22 : 22+beforeLen],
		After:   r.Payload[22+beforeLen:],
	}, nil
}

func (r *Record) DecodeDelete() (DeletePayload, error) {
	if r.Type != TypeDelete || len(r.Payload) < 18 {
		return DeletePayload{}, errors.Annotatef(ErrMalformed, "delete at lsn %d", r.LSN)
	}
	return DeletePayload{
		PrevLSN: ids.LSN(binary.BigEndian.Uint64(r.Payload[0:])),
		Page:    ids.PageId(binary.BigEndian.Uint64(r.Payload[8:])),
		Slot:    binary.BigEndian.Uint16(r.Payload[16:]),
		Before:  r.Payload[18:],
	}, nil
}

func (r *Record) DecodeCLR() (CLRPayload, error) {
	if r.Type != TypeCLR || len(r.Payload) < 19 {
		return CLRPayload{}, errors.Annotatef(ErrMalformed, "clr at lsn %d", r.LSN)
	}
	return CLRPayload{
		UndoNextLSN: ids.LSN(binary.BigEndian.Uint64(r.Payload[0:])),
		Op:          CLROp(r.Payload[8]),
		Page:        ids.PageId(binary.BigEndian.Uint64(r.Payload[9:])),
		Slot:        binary.BigEndian.Uint16(r.Payload[17:]),
		Image:       r.Payload[19:],
	}, nil
}

func encodeCLR(p CLRPayload) []byte {
	buf := make([]byte, 19+len(p.Image))
	binary.BigEndian.PutUint64(buf[0:], uint64(p.UndoNextLSN))
	buf[8] = byte(p.Op)
	binary.BigEndian.PutUint64(buf[9:], uint64(p.Page))
	binary.BigEndian.PutUint16(buf[17:], p.Slot)
	copy(buf[19:], p.Image)
	return buf
}

func (r *Record) DecodePageImages() ([]PageImage, error) {
	if (r.Type != TypePageSplit && r.Type != TypePageMerge) || len(r.Payload) < 2 {
		return nil, errors.Annotatef(ErrMalformed, "page images at lsn %d", r.LSN)
	}
	count := int(binary.BigEndian.Uint16(r.Payload))
	if len(r.Payload) != 2+count*(8+page.Size) {
		return nil, errors.Annotatef(ErrMalformed, "page images at lsn %d: %d pages in %d bytes", r.LSN, count, len(r.Payload))
	}
	images := make([]PageImage, count)
	off := 2
	for i := 0; i < count; i++ {
		images[i].Page = ids.PageId(binary.BigEndian.Uint64(r.Payload[off:]))
		images[i].Image = r.Payload[off+8 : off+8+page.Size]
		off += 8 + page.Size
	}
	return images, nil
}

func encodePageImages(images []PageImage) []byte {
	buf := make([]byte, 2+len(images)*(8+page.Size))
	binary.BigEndian.PutUint16(buf, uint16(len(images)))
	off := 2
	for _, im := range images {
		binary.BigEndian.PutUint64(buf[off:], uint64(im.Page))
		copy(buf[off+8:], im.Image)
		off += 8 + page.Size
	}
	return buf
}

// DecodeDecision returns the 2PC outcome carried by a decision record.
func (r *Record) DecodeDecision() (commit bool, err error) {
	if r.Type != TypeDecision || len(r.Payload) < 1 {
		return false, errors.Annotatef(ErrMalformed, "decision at lsn %d", r.LSN)
	}
	return r.Payload[0] == 1, nil
}

func (r *Record) DecodeCheckpoint() (CheckpointPayload, error) {
	if r.Type != TypeCheckpoint || len(r.Payload) < 8 {
		return CheckpointPayload{}, errors.Annotatef(ErrMalformed, "checkpoint at lsn %d", r.LSN)
	}
	buf := r.Payload
	dptCount := int(binary.BigEndian.Uint32(buf))
	off := 4
	if len(buf) < off+dptCount*16+4 {
		return CheckpointPayload{}, errors.Annotatef(ErrMalformed, "checkpoint dpt at lsn %d", r.LSN)
	}
	cp := CheckpointPayload{DirtyPages: make(map[ids.PageId]ids.LSN, dptCount)}
	for i := 0; i < dptCount; i++ {
		pg := ids.PageId(binary.BigEndian.Uint64(buf[off:]))
		cp.DirtyPages[pg] = ids.LSN(binary.BigEndian.Uint64(buf[off+8:]))
		off += 16
	}
	attCount := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+attCount*25 {
		return CheckpointPayload{}, errors.Annotatef(ErrMalformed, "checkpoint att at lsn %d", r.LSN)
	}
	for i := 0; i < attCount; i++ {
		cp.ActiveTxns = append(cp.ActiveTxns, TxnTableEntry{
			Txn:      ids.TxnId(binary.BigEndian.Uint64(buf[off:])),
			FirstLSN: ids.LSN(binary.BigEndian.Uint64(buf[off+8:])),
			LastLSN:  ids.LSN(binary.BigEndian.Uint64(buf[off+16:])),
			Prepared: buf[off+24] == 1,
		})
		off += 25
	}
	return cp, nil
}

func encodeCheckpoint(cp CheckpointPayload) []byte {
	buf := make([]byte, 4+len(cp.DirtyPages)*16+4+len(cp.ActiveTxns)*25)
	binary.BigEndian.PutUint32(buf, uint32(len(cp.DirtyPages)))
	off := 4
	for pg, lsn := range cp.DirtyPages {
		binary.BigEndian.PutUint64(buf[off:], uint64(pg))
		binary.BigEndian.PutUint64(buf[off+8:], uint64(lsn))
		off += 16
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(len(cp.ActiveTxns)))
	off += 4
	for _, e := range cp.ActiveTxns {
		binary.BigEndian.PutUint64(buf[off:], uint64(e.Txn))
		binary.BigEndian.PutUint64(buf[off+8:], uint64(e.FirstLSN))
		binary.BigEndian.PutUint64(buf[off+16:], uint64(e.LastLSN))
		if e.Prepared {
			buf[off+24] = 1
		}
		off += 25
	}
	return buf
}

func encodeUpdate(p UpdatePayload) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(p.Before)))
	return encodeChain(p.PrevLSN, p.Page, p.Slot, lenBuf, p.Before, p.After)
}
