// Package disk owns the data file: fixed-size page reads and writes, page
// allocation with a free list, and the meta file that records whether the
// previous shutdown was graceful.
package disk

import (
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/page"
)

const (
	dataFileName = "meridian.db"
	metaFileName = "meridian.meta"

	metaMagic   = 0x4d524442 // "MRDB"
	metaVersion = 1
)

var (
	// ErrDiskFull reports a failed page write due to exhausted space.
	// Writes are rejected; cached reads may continue.
	ErrDiskFull = errors.New("disk: no space left")
)

// Manager reads and writes pages at PageId*Size offsets in a single data
// file. Page 0 is never stored; ids are 1-based.
type Manager struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	nextPage ids.PageId
	freeList []ids.PageId

	// wasClean records the state of the meta file at Open time.
	wasClean bool
}

// Open opens (or creates) the data and meta files in dir. The meta file is
// immediately rewritten as not-clean, so a crash before CloseClean leaves
// evidence for recovery.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{dir: dir, file: f, nextPage: 1}
	if err := m.loadMeta(); err != nil {
		f.Close()
		return nil, err
	}
	if err := m.writeMeta(false); err != nil {
		f.Close()
		return nil, err
	}
	log.Info("disk manager opened",
		zap.String("dir", dir),
		zap.Uint64("next-page", uint64(m.nextPage)),
		zap.Bool("clean-shutdown", m.wasClean))
	return m, nil
}

// WasCleanShutdown reports whether the previous process exited through
// CloseClean. When false, the caller must run recovery before serving.
func (m *Manager) WasCleanShutdown() bool {
	return m.wasClean
}

// ReadPage loads and checksum-verifies the page with the given id. A
// checksum mismatch is returned as page.ErrChecksum and must not be
// swallowed.
func (m *Manager) ReadPage(id ids.PageId) (*page.Page, error) {
	buf := make([]byte, page.Size)
	if _, err := m.file.ReadAt(buf, pageOffset(id)); err != nil {
		return nil, errors.Annotatef(err, "disk: read page %d", id)
	}
	p := page.FromBytes(buf)
	if err := p.VerifyChecksum(); err != nil {
		return nil, errors.Annotatef(err, "disk: read page %d", id)
	}
	if p.Id() != id {
		return nil, errors.Annotatef(page.ErrChecksum, "disk: page %d stores id %d", id, p.Id())
	}
	pageReadCounter.Inc()
	return p, nil
}

// TryReadPage is ReadPage for recovery: a read past the end of the file or
// an all-zero region means the page was never durably written, and returns
// (nil, nil) so the caller can rebuild it from the log. Checksum failures
// on real data still fail.
func (m *Manager) TryReadPage(id ids.PageId) (*page.Page, error) {
	buf := make([]byte, page.Size)
	n, err := m.file.ReadAt(buf, pageOffset(id))
	if n < page.Size {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "disk: read page %d", id)
	}
	if isZeroPage(buf) {
		return nil, nil
	}
	p := page.FromBytes(buf)
	if err := p.VerifyChecksum(); err != nil {
		return nil, errors.Annotatef(err, "disk: read page %d", id)
	}
	if p.Id() != id {
		return nil, errors.Annotatef(page.ErrChecksum, "disk: page %d stores id %d", id, p.Id())
	}
	pageReadCounter.Inc()
	return p, nil
}

func isZeroPage(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// WritePage checksums and writes the page at its id's offset. The write is
// buffered by the OS; call Sync to make it durable.
func (m *Manager) WritePage(p *page.Page) error {
	p.UpdateChecksum()
	if _, err := m.file.WriteAt(p.Bytes(), pageOffset(p.Id())); err != nil {
		if isNoSpace(err) {
			return errors.Annotatef(ErrDiskFull, "page %d", p.Id())
		}
		return errors.Annotatef(err, "disk: write page %d", p.Id())
	}
	pageWriteCounter.Inc()
	return nil
}

// Allocate returns a fresh or recycled PageId. The page contents on disk
// are undefined until the first WritePage.
func (m *Manager) Allocate() ids.PageId {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return id
	}
	id := m.nextPage
	m.nextPage++
	return id
}

// Free returns a page to the free list for later reuse.
func (m *Manager) Free(id ids.PageId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, id)
}

// PageCount returns the allocation high-water mark (ids below this have
// been handed out at some point).
func (m *Manager) PageCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(m.nextPage) - 1
}

// Sync flushes the data file to stable storage.
func (m *Manager) Sync() error {
	return errors.Trace(m.file.Sync())
}

// CloseClean syncs everything and marks the shutdown graceful in the meta
// file. A following Open will skip recovery.
func (m *Manager) CloseClean() error {
	if err := m.Sync(); err != nil {
		return err
	}
	if err := m.writeMeta(true); err != nil {
		return err
	}
	return errors.Trace(m.file.Close())
}

// Close closes the data file without touching the meta file. Used by tests
// to simulate a crash.
func (m *Manager) Close() error {
	return errors.Trace(m.file.Close())
}

func pageOffset(id ids.PageId) int64 {
	return int64(id-1) * page.Size
}

// meta layout: magic(4) | version(2) | clean(1) | nextPage(8) |
// freeCount(4) | free ids (8 each).
func (m *Manager) loadMeta() error {
	buf, err := ioutil.ReadFile(filepath.Join(m.dir, metaFileName))
	if os.IsNotExist(err) {
		// Fresh store: treat as clean, there is nothing to recover.
		m.wasClean = true
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if len(buf) < 19 || binary.BigEndian.Uint32(buf) != metaMagic {
		return errors.Errorf("disk: malformed meta file (%d bytes)", len(buf))
	}
	if v := binary.BigEndian.Uint16(buf[4:]); v != metaVersion {
		return errors.Errorf("disk: unsupported meta version %d", v)
	}
	m.wasClean = buf[6] == 1
	m.nextPage = ids.PageId(binary.BigEndian.Uint64(buf[7:]))
	count := binary.BigEndian.Uint32(buf[15:])
	if len(buf) < 19+int(count)*8 {
		return errors.Errorf("disk: truncated meta free list")
	}
	m.freeList = m.freeList[:0]
	for i := uint32(0); i < count; i++ {
		m.freeList = append(m.freeList, ids.PageId(binary.BigEndian.Uint64(buf[19+i*8:])))
	}
	if !m.wasClean {
		// The free list was last persisted at some checkpoint; pages popped
		// from it since may hold data that redo will restore. Leaking them
		// is safe, reusing them is not.
		m.freeList = m.freeList[:0]
	}
	return nil
}

func (m *Manager) writeMeta(clean bool) error {
	m.mu.Lock()
	buf := make([]byte, 19+len(m.freeList)*8)
	binary.BigEndian.PutUint32(buf, metaMagic)
	binary.BigEndian.PutUint16(buf[4:], metaVersion)
	if clean {
		buf[6] = 1
	}
	binary.BigEndian.PutUint64(buf[7:], uint64(m.nextPage))
	binary.BigEndian.PutUint32(buf[15:], uint32(len(m.freeList)))
	for i, id := range m.freeList {
		binary.BigEndian.PutUint64(buf[19+i*8:], uint64(id))
	}
	m.mu.Unlock()

	// Write-then-rename so the meta file is never half written.
	tmp := filepath.Join(m.dir, metaFileName+".tmp")
	if err := ioutil.WriteFile(tmp, buf, 0644); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, filepath.Join(m.dir, metaFileName)))
}

// SyncMeta persists the current allocation state without marking the store
// clean. Called after checkpoints so page allocation survives a crash.
func (m *Manager) SyncMeta() error {
	return m.writeMeta(false)
}

// EnsureAllocated advances the allocation watermark past every page the
// data file holds. The meta file can lag the file after a crash, and redo
// re-creates pages the last meta write never saw; handing their ids out
// again would corrupt them.
func (m *Manager) EnsureAllocated() error {
	st, err := m.file.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	hw := ids.PageId(st.Size()/page.Size) + 1
	m.mu.Lock()
	if hw > m.nextPage {
		m.nextPage = hw
	}
	m.mu.Unlock()
	return nil
}

func isNoSpace(err error) bool {
	cause := errors.Cause(err)
	if pe, ok := cause.(*os.PathError); ok {
		cause = pe.Err
	}
	return cause == syscall.ENOSPC
}

var _ io.Closer = (*Manager)(nil)
