// Package engine ties the storage, logging and concurrency layers into one
// transactional key-value engine: pages and the buffer pool underneath a
// versioned heap, a B+Tree index over the newest version of every key, the
// WAL for durability and the MVCC, lock and commit machinery on top.
package engine

import (
	"context"
	"path/filepath"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/config"
	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/lock"
	"github.com/meridiandb/meridian/kv/mvcc"
	"github.com/meridiandb/meridian/kv/storage/btree"
	"github.com/meridiandb/meridian/kv/storage/buffer"
	"github.com/meridiandb/meridian/kv/storage/disk"
	"github.com/meridiandb/meridian/kv/storage/heap"
	"github.com/meridiandb/meridian/kv/storage/page"
	"github.com/meridiandb/meridian/kv/util/worker"
	"github.com/meridiandb/meridian/kv/wal"
)

// tableName is the lock namespace for the engine's single key space.
const tableName = "kv"

// Engine is the composition root. One Engine owns one data directory.
type Engine struct {
	cfg *config.Config

	dm    *disk.Manager
	wal   *wal.Manager
	pool  *buffer.Pool
	store *heap.Store
	idx   *btree.Tree

	txns  *mvcc.Manager
	locks *lock.Manager
	gen   *ids.TxnIdGenerator

	vac          *mvcc.Vacuum
	checkpointer *worker.Ticker

	// set once during Open, read-only afterwards
	inDoubt   []ids.TxnId
	decisions map[ids.TxnId]bool

	closed chan struct{}
}

// Open brings the engine up from a data directory. When the previous
// process did not shut down cleanly, crash recovery runs first; a recovery
// error aborts startup, a database that cannot recover must not serve.
func Open(cfg *config.Config) (*Engine, error) {
	dm, err := disk.Open(cfg.DBPath)
	if err != nil {
		return nil, errors.Annotate(err, "engine: open data")
	}
	w, err := wal.Open(filepath.Join(cfg.DBPath, "wal"), wal.Config{
		SegmentSize:       cfg.WALSegmentSize,
		GroupCommitWindow: cfg.GroupCommitWindow(),
	})
	if err != nil {
		dm.Close()
		return nil, errors.Annotate(err, "engine: open wal")
	}

	var recovered *wal.RecoveryResult
	if !dm.WasCleanShutdown() {
		recovered, err = w.Recover(wal.NewDiskPageStore(dm))
		if err != nil {
			w.Close()
			dm.Close()
			return nil, errors.Annotate(err, "engine: recovery failed, not starting")
		}
		if err := dm.EnsureAllocated(); err != nil {
			w.Close()
			dm.Close()
			return nil, errors.Annotate(err, "engine: recovery")
		}
	}

	pool := buffer.NewPool(dm, w, cfg.BufferPoolFrames, cfg.PrefetchWindow)
	store, err := heap.Open(pool, w, dm)
	if err != nil {
		pool.Close()
		w.Close()
		dm.Close()
		return nil, err
	}
	idx, err := openIndex(pool, w, dm)
	if err != nil {
		pool.Close()
		w.Close()
		dm.Close()
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		dm:     dm,
		wal:    w,
		pool:   pool,
		store:  store,
		idx:    idx,
		txns:   mvcc.NewManager(),
		gen:    ids.NewTxnIdGenerator(cfg.NodeID),
		closed: make(chan struct{}),
	}
	e.locks = lock.NewManager(lock.Config{
		EscalateThreshold: cfg.LockEscalationThreshold,
		DetectInterval:    cfg.DeadlockDetectInterval(),
		DefaultTimeout:    cfg.LockWaitTimeout(),
	}, w)

	if recovered != nil {
		e.decisions = recovered.Decisions
		e.repairIndex(recovered.UndoneInserts)
		for _, entry := range recovered.Prepared {
			e.txns.AdoptPrepared(entry.Txn)
			e.inDoubt = append(e.inDoubt, entry.Txn)
		}
		if err := e.relockPrepared(recovered.Prepared); err != nil {
			e.locks.Close()
			pool.Close()
			w.Close()
			dm.Close()
			return nil, err
		}
	}

	e.vac = mvcc.NewVacuum(e.txns, store, idx, vacuumLocker{e}, cfg.VacuumInterval(), cfg.VacuumPagesPerSec)
	e.vac.Start()
	e.checkpointer = worker.NewTicker("checkpoint", cfg.CheckpointInterval())
	e.checkpointer.Start(e.checkpoint)

	log.Info("engine open",
		zap.String("dir", cfg.DBPath),
		zap.Bool("recovered", recovered != nil),
		zap.Int("in-doubt", len(e.inDoubt)))
	return e, nil
}

// openIndex finds the tree's meta page by type, the engine keeps exactly
// one, or formats a fresh tree when the store has none.
func openIndex(pool *buffer.Pool, w *wal.Manager, dm *disk.Manager) (*btree.Tree, error) {
	n := dm.PageCount()
	for id := ids.PageId(1); uint64(id) <= n; id++ {
		pg, err := dm.TryReadPage(id)
		if err != nil {
			return nil, errors.Annotate(err, "engine: locate index meta")
		}
		if pg != nil && pg.Type() == page.TypeMeta {
			return btree.Open(pool, w, id)
		}
	}
	return btree.Create(pool, w)
}

// Close shuts the engine down. With no transactions in flight the store is
// marked clean and the next start skips recovery; otherwise the data files
// stay marked dirty and recovery rolls the stragglers back.
func (e *Engine) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}
	e.checkpointer.Stop()
	e.vac.Stop()
	e.locks.Close()

	if n := len(e.wal.ActiveTxnTable()); n > 0 {
		log.Warn("closing with live transactions, next start will recover",
			zap.Int("txns", n))
		e.pool.Close()
		if err := e.wal.Close(); err != nil {
			return err
		}
		return e.dm.Close()
	}

	if err := e.pool.FlushAll(); err != nil {
		return errors.Annotate(err, "engine: flush pages")
	}
	e.pool.Close()
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.dm.CloseClean()
}

func (e *Engine) checkpoint() {
	cp := wal.CheckpointPayload{
		DirtyPages: e.pool.DirtyPages(),
		ActiveTxns: e.wal.ActiveTxnTable(),
	}
	if _, err := e.wal.WriteCheckpoint(cp); err != nil {
		log.Error("checkpoint failed", zap.Error(err))
		return
	}
	if err := e.dm.SyncMeta(); err != nil {
		log.Error("checkpoint meta sync failed", zap.Error(err))
	}
}

// Vacuum runs one collection sweep immediately, outside the timer. Mostly
// for operational tooling and tests.
func (e *Engine) Vacuum() (mvcc.VacuumStats, error) {
	return e.vac.RunOnce(context.Background())
}

// repairIndex repoints index entries whose head version was removed by
// undo. The payloads arrive newest first, so repeated writes of one key
// walk the entry back one version at a time to the newest survivor.
func (e *Engine) repairIndex(undone []wal.InsertPayload) {
	for _, ip := range undone {
		tup, err := heap.DecodeTuple(ip.Tuple)
		if err != nil {
			log.Error("index repair: bad logged tuple", zap.Error(err))
			continue
		}
		key, err := rowKey(tup.Data)
		if err != nil {
			log.Error("index repair: bad row", zap.Error(err))
			continue
		}
		rid := ids.RecordId{Page: ip.Page, Slot: ip.Slot}
		head, ok, err := e.idx.Get(key)
		if err != nil {
			log.Error("index repair: lookup", zap.ByteString("key", key), zap.Error(err))
			continue
		}
		if !ok || head != rid {
			continue
		}
		if tup.Next.IsNone() {
			err = e.idx.Delete(key)
		} else {
			err = e.idx.Put(key, tup.Next)
		}
		if err != nil {
			log.Error("index repair", zap.ByteString("key", key), zap.Error(err))
			continue
		}
		indexRepairs.Inc()
	}
}

// relockPrepared re-takes the row locks of transactions that were prepared
// at crash time. Their logged tuples carry the keys; the locks must be back
// in place before the engine serves writes, an in-doubt transaction never
// loses its claim.
func (e *Engine) relockPrepared(prepared []wal.TxnTableEntry) error {
	if len(prepared) == 0 {
		return nil
	}
	owners := make(map[ids.TxnId]bool, len(prepared))
	scanFrom := prepared[0].FirstLSN
	for _, p := range prepared {
		owners[p.Txn] = true
		if p.FirstLSN < scanFrom {
			scanFrom = p.FirstLSN
		}
	}
	return e.wal.Scan(scanFrom, func(rec *wal.Record) error {
		if !owners[rec.Txn] {
			return nil
		}
		var raw []byte
		switch rec.Type {
		case wal.TypeInsert:
			p, err := rec.DecodeInsert()
			if err != nil {
				return err
			}
			raw = p.Tuple
		case wal.TypeUpdate:
			p, err := rec.DecodeUpdate()
			if err != nil {
				return err
			}
			raw = p.After
		case wal.TypeDelete:
			p, err := rec.DecodeDelete()
			if err != nil {
				return err
			}
			raw = p.Before
		default:
			return nil
		}
		tup, err := heap.DecodeTuple(raw)
		if err != nil {
			return errors.Annotate(err, "engine: relock prepared")
		}
		key, err := rowKey(tup.Data)
		if err != nil {
			return errors.Annotate(err, "engine: relock prepared")
		}
		if !e.locks.TryAcquire(rec.Txn, lock.RowResource(tableName, key), lock.X) {
			return errors.Errorf("engine: cannot re-lock key %q for prepared txn %s", key, rec.Txn)
		}
		return nil
	})
}

// Row is one bulk-load input entry.
type Row struct {
	Key   []byte
	Value []byte
}

// BulkLoad fills an empty database from key-sorted rows, building the index
// bottom-up instead of splitting its way there. The load is one logged
// transaction: a crash mid-way rolls all of it back.
func (e *Engine) BulkLoad(rows []Row) error {
	txn := e.gen.Next()
	if _, err := e.wal.AppendBegin(txn); err != nil {
		return err
	}
	e.txns.Begin(txn, mvcc.ReadCommitted)

	pairs := make([]btree.Pair, 0, len(rows))
	for _, r := range rows {
		rid, err := e.store.Insert(txn, encodeRow(r.Key, r.Value), 0)
		if err != nil {
			return e.failBulk(txn, err)
		}
		pairs = append(pairs, btree.Pair{Key: r.Key, Val: rid})
	}
	if err := e.idx.Load(pairs); err != nil {
		return e.failBulk(txn, err)
	}
	if err := e.txns.BeginCommit(txn); err != nil {
		return e.failBulk(txn, err)
	}
	if _, err := e.wal.Commit(txn); err != nil {
		return errors.Annotate(err, "engine: bulk load commit")
	}
	if err := e.txns.FinalizeCommit(txn); err != nil {
		return err
	}
	bulkLoadRows.Add(float64(len(rows)))
	log.Info("bulk load done", zap.Int("rows", len(rows)))
	return nil
}

func (e *Engine) failBulk(txn ids.TxnId, cause error) error {
	if _, err := e.wal.Rollback(txn, e.pool); err != nil {
		log.Error("bulk load rollback", zap.Error(err))
	}
	e.txns.Abort(txn)
	return cause
}

// vacuumLocker guards vacuum's index-entry removals with short exclusive
// row locks so a concurrent writer of the same key is never raced.
type vacuumLocker struct {
	e *Engine
}

func (l vacuumLocker) TryExclusive(key []byte) (func(), bool) {
	txn := l.e.gen.Next()
	if !l.e.locks.TryAcquire(txn, lock.RowResource(tableName, key), lock.X) {
		// the table intention lock may have been granted before the row
		// lock was refused
		l.e.locks.ReleaseAll(txn)
		return nil, false
	}
	return func() { l.e.locks.ReleaseAll(txn) }, true
}
