package wal

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/disk"
	"github.com/meridiandb/meridian/kv/storage/page"
)

// PageStore is where recovery applies page changes: the buffer pool when
// the system is live (transaction rollback), or the data file directly
// during startup recovery.
type PageStore interface {
	// WithPage runs fn on the page, materializing an empty heap page when
	// the id has never been written. fn returns whether it dirtied the page.
	WithPage(id ids.PageId, fn func(*page.Page) (bool, error)) error
	// Restore replaces the page with a full image, repairing a torn write
	// if one is found there.
	Restore(id ids.PageId, image []byte) error
}

// NewDiskPageStore applies recovery straight to the data file, bypassing
// any cache. Used at startup before the buffer pool exists.
func NewDiskPageStore(dm *disk.Manager) PageStore {
	return diskPageStore{dm: dm}
}

type diskPageStore struct {
	dm *disk.Manager
}

func (s diskPageStore) WithPage(id ids.PageId, fn func(*page.Page) (bool, error)) error {
	p, err := s.dm.TryReadPage(id)
	if err != nil {
		return err
	}
	if p == nil {
		// Never reached disk: the log holds its entire history. Only heap
		// pages get slot-level records before their first full image, so
		// the type is known.
		p = page.New(id, page.TypeHeap)
	}
	dirty, err := fn(p)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.dm.WritePage(p)
}

func (s diskPageStore) Restore(id ids.PageId, image []byte) error {
	buf := make([]byte, page.Size)
	copy(buf, image)
	p := page.FromBytes(buf)
	p.SetId(id)
	return s.dm.WritePage(p)
}

// RecoveryResult summarizes a completed recovery pass.
type RecoveryResult struct {
	RedoStart ids.LSN
	Redone    int
	Undone    int
	// Prepared transactions survived undo; they hold their locks until the
	// commit coordinator resolves them.
	Prepared []TxnTableEntry
	// Decisions are coordinator verdicts found in the log, consulted when a
	// participant asks about an in-doubt transaction.
	Decisions map[ids.TxnId]bool
	// UndoneInserts are the insert records reversed by undo. Their slots no
	// longer exist; the index layer uses the logged tuples to repoint
	// entries at the surviving versions behind them.
	UndoneInserts []InsertPayload
}

// Recover runs the analysis, redo and undo passes over the durable log and
// applies their effects through store. Any error aborts startup; a database
// that cannot recover must not come up half-repaired.
func (m *Manager) Recover(store PageStore) (*RecoveryResult, error) {
	dpt, att, decisions, err := m.analyze()
	if err != nil {
		return nil, err
	}

	res := &RecoveryResult{Decisions: decisions}
	res.RedoStart = m.NextLSN()
	for _, recLSN := range dpt {
		if recLSN < res.RedoStart {
			res.RedoStart = recLSN
		}
	}
	if err := m.redo(store, dpt, res); err != nil {
		return nil, err
	}
	if err := m.undo(store, att, res); err != nil {
		return nil, err
	}

	log.Info("recovery complete",
		zap.Uint64("redo-start", uint64(res.RedoStart)),
		zap.Int("redone", res.Redone),
		zap.Int("undone", res.Undone),
		zap.Int("prepared", len(res.Prepared)))
	return res, nil
}

// analyze rebuilds the dirty-page table and active-transaction table,
// seeded from the last checkpoint and corrected by the log that follows it.
func (m *Manager) analyze() (map[ids.PageId]ids.LSN, map[ids.TxnId]*TxnTableEntry, map[ids.TxnId]bool, error) {
	dpt := make(map[ids.PageId]ids.LSN)
	att := make(map[ids.TxnId]*TxnTableEntry)
	decisions := make(map[ids.TxnId]bool)

	start := m.LastCheckpointLSN()
	if start != ids.NoneLSN {
		rec, err := m.ReadRecord(start)
		if err != nil {
			return nil, nil, nil, errors.Annotate(err, "recovery: read checkpoint")
		}
		cp, err := rec.DecodeCheckpoint()
		if err != nil {
			return nil, nil, nil, err
		}
		for pg, recLSN := range cp.DirtyPages {
			dpt[pg] = recLSN
		}
		for i := range cp.ActiveTxns {
			e := cp.ActiveTxns[i]
			att[e.Txn] = &e
		}
	} else {
		start = firstLSN
	}

	touch := func(r *Record, pages ...ids.PageId) {
		for _, pg := range pages {
			if _, ok := dpt[pg]; !ok {
				dpt[pg] = r.LSN
			}
		}
	}
	err := m.Scan(start, func(r *Record) error {
		switch r.Type {
		case TypeBegin:
			att[r.Txn] = &TxnTableEntry{Txn: r.Txn, FirstLSN: r.LSN, LastLSN: r.LSN}
		case TypeInsert:
			p, err := r.DecodeInsert()
			if err != nil {
				return err
			}
			touch(r, p.Page)
			analysisAdvance(att, r)
		case TypeUpdate:
			p, err := r.DecodeUpdate()
			if err != nil {
				return err
			}
			touch(r, p.Page)
			analysisAdvance(att, r)
		case TypeDelete:
			p, err := r.DecodeDelete()
			if err != nil {
				return err
			}
			touch(r, p.Page)
			analysisAdvance(att, r)
		case TypeCLR:
			p, err := r.DecodeCLR()
			if err != nil {
				return err
			}
			touch(r, p.Page)
			analysisAdvance(att, r)
		case TypePageSplit, TypePageMerge:
			images, err := r.DecodePageImages()
			if err != nil {
				return err
			}
			// Off the undo chain: the pages become dirty but LastLSN stays.
			for _, im := range images {
				touch(r, im.Page)
			}
		case TypePrepare:
			analysisAdvance(att, r)
			if e, ok := att[r.Txn]; ok {
				e.Prepared = true
			}
		case TypeCommit, TypeAbort:
			delete(att, r.Txn)
		case TypeDecision:
			commit, err := r.DecodeDecision()
			if err != nil {
				return err
			}
			decisions[r.Txn] = commit
		case TypeCheckpoint:
			// Already seeded from the newest durable checkpoint.
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, errors.Annotate(err, "recovery: analysis")
	}
	return dpt, att, decisions, nil
}

func analysisAdvance(att map[ids.TxnId]*TxnTableEntry, r *Record) {
	// NoneTxn records are maintenance writes (index upkeep): redo-only,
	// never attributed to a transaction, never undone.
	if r.Txn == ids.NoneTxn {
		return
	}
	e, ok := att[r.Txn]
	if !ok {
		// No begin in the scanned window and not in the checkpoint: be
		// conservative and track it from here.
		e = &TxnTableEntry{Txn: r.Txn, FirstLSN: r.LSN}
		att[r.Txn] = e
	}
	e.LastLSN = r.LSN
}

// redo replays history forward from the oldest dirty recLSN. Slot-level
// records apply only when the page's LSN predates them; full page images
// apply unconditionally, which also repairs torn page writes.
func (m *Manager) redo(store PageStore, dpt map[ids.PageId]ids.LSN, res *RecoveryResult) error {
	if len(dpt) == 0 {
		return nil
	}
	err := m.Scan(res.RedoStart, func(r *Record) error {
		switch r.Type {
		case TypePageSplit, TypePageMerge:
			images, err := r.DecodePageImages()
			if err != nil {
				return err
			}
			for _, im := range images {
				if recLSN, ok := dpt[im.Page]; !ok || r.LSN < recLSN {
					continue
				}
				if err := store.Restore(im.Page, im.Image); err != nil {
					return err
				}
				res.Redone++
			}
			return nil
		case TypeInsert, TypeUpdate, TypeDelete, TypeCLR:
			pg, err := redoTarget(r)
			if err != nil {
				return err
			}
			if recLSN, ok := dpt[pg]; !ok || r.LSN < recLSN {
				return nil
			}
			return store.WithPage(pg, func(p *page.Page) (bool, error) {
				if p.LSN() >= r.LSN {
					return false, nil
				}
				if err := applyRecord(p, r); err != nil {
					return false, err
				}
				p.SetLSN(r.LSN)
				res.Redone++
				return true, nil
			})
		}
		return nil
	})
	return errors.Annotate(err, "recovery: redo")
}

func redoTarget(r *Record) (ids.PageId, error) {
	switch r.Type {
	case TypeInsert:
		p, err := r.DecodeInsert()
		return p.Page, err
	case TypeUpdate:
		p, err := r.DecodeUpdate()
		return p.Page, err
	case TypeDelete:
		p, err := r.DecodeDelete()
		return p.Page, err
	case TypeCLR:
		p, err := r.DecodeCLR()
		return p.Page, err
	}
	return ids.NonePage, errors.Annotatef(ErrMalformed, "no redo target for %s", r.Type)
}

// applyRecord performs one record's slot mutation. All cases are idempotent
// so an interrupted recovery can safely repeat them.
func applyRecord(p *page.Page, r *Record) error {
	switch r.Type {
	case TypeInsert:
		ip, err := r.DecodeInsert()
		if err != nil {
			return err
		}
		return p.InsertAt(ip.Slot, ip.Tuple)
	case TypeUpdate:
		up, err := r.DecodeUpdate()
		if err != nil {
			return err
		}
		return p.Replace(up.Slot, up.After)
	case TypeDelete:
		dp, err := r.DecodeDelete()
		if err != nil {
			return err
		}
		return p.Delete(dp.Slot)
	case TypeCLR:
		cp, err := r.DecodeCLR()
		if err != nil {
			return err
		}
		switch cp.Op {
		case CLRDelete:
			return p.Delete(cp.Slot)
		case CLRRestore:
			return p.Replace(cp.Slot, cp.Image)
		case CLRReinsert:
			return p.InsertAt(cp.Slot, cp.Image)
		}
		return errors.Annotatef(ErrMalformed, "clr op %d at lsn %d", cp.Op, r.LSN)
	}
	return errors.Annotatef(ErrMalformed, "cannot apply %s", r.Type)
}

// undo rolls back every loser transaction, logging a CLR per undone record.
// Prepared transactions are adopted, not undone: their fate belongs to the
// commit coordinator.
func (m *Manager) undo(store PageStore, att map[ids.TxnId]*TxnTableEntry, res *RecoveryResult) error {
	var pendingOps []clrOp
	var lastCLR ids.LSN
	for _, e := range att {
		m.AdoptTxn(*e)
		if e.Prepared {
			res.Prepared = append(res.Prepared, *e)
			continue
		}
		next := e.LastLSN
		for next != ids.NoneLSN {
			rec, err := m.ReadRecord(next)
			if err != nil {
				return errors.Annotatef(err, "recovery: undo txn %d", e.Txn)
			}
			if rec.Type == TypeCLR {
				// Already compensated before the crash; jump past it.
				next = rec.PrevLSN()
				continue
			}
			clr, undone, err := compensation(rec)
			if err != nil {
				return err
			}
			next = rec.PrevLSN()
			if !undone {
				continue
			}
			if rec.Type == TypeInsert {
				ip, err := rec.DecodeInsert()
				if err != nil {
					return err
				}
				res.UndoneInserts = append(res.UndoneInserts, ip)
			}
			lsn, err := m.AppendCLR(rec.Txn, clr)
			if err != nil {
				return err
			}
			lastCLR = lsn
			pendingOps = append(pendingOps, clrOp{lsn: lsn, p: clr})
			res.Undone++
		}
		if _, err := m.AppendAbort(e.Txn); err != nil {
			return err
		}
		m.Forget(e.Txn)
	}

	// The log-before-data rule holds during recovery too: CLRs reach disk
	// before the pages they stamp their LSNs onto.
	if lastCLR != ids.NoneLSN {
		if err := m.Flush(lastCLR); err != nil {
			return err
		}
	}
	for _, op := range pendingOps {
		err := store.WithPage(op.p.Page, func(p *page.Page) (bool, error) {
			if err := applyCLR(p, op.p); err != nil {
				return false, err
			}
			p.SetLSN(op.lsn)
			return true, nil
		})
		if err != nil {
			return errors.Annotate(err, "recovery: apply clr")
		}
	}
	return nil
}

type clrOp struct {
	lsn ids.LSN
	p   CLRPayload
}

func applyCLR(p *page.Page, cp CLRPayload) error {
	switch cp.Op {
	case CLRDelete:
		return p.Delete(cp.Slot)
	case CLRRestore:
		return p.Replace(cp.Slot, cp.Image)
	case CLRReinsert:
		return p.InsertAt(cp.Slot, cp.Image)
	}
	return errors.Errorf("wal: clr op %d", cp.Op)
}

// compensation builds the CLR that reverses rec. undone is false for record
// types that carry no page change.
func compensation(rec *Record) (CLRPayload, bool, error) {
	switch rec.Type {
	case TypeInsert:
		ip, err := rec.DecodeInsert()
		if err != nil {
			return CLRPayload{}, false, err
		}
		return CLRPayload{UndoNextLSN: ip.PrevLSN, Op: CLRDelete, Page: ip.Page, Slot: ip.Slot}, true, nil
	case TypeUpdate:
		up, err := rec.DecodeUpdate()
		if err != nil {
			return CLRPayload{}, false, err
		}
		return CLRPayload{UndoNextLSN: up.PrevLSN, Op: CLRRestore, Page: up.Page, Slot: up.Slot, Image: up.Before}, true, nil
	case TypeDelete:
		dp, err := rec.DecodeDelete()
		if err != nil {
			return CLRPayload{}, false, err
		}
		return CLRPayload{UndoNextLSN: dp.PrevLSN, Op: CLRReinsert, Page: dp.Page, Slot: dp.Slot, Image: dp.Before}, true, nil
	case TypeBegin, TypePrepare:
		return CLRPayload{}, false, nil
	}
	return CLRPayload{}, false, errors.Annotatef(ErrMalformed, "cannot undo %s at lsn %d", rec.Type, rec.LSN)
}

// Rollback undoes a live transaction through the same CLR machinery used
// at startup, then logs its abort. Callers flush the log themselves if they
// need the abort durable. The returned payloads are the inserts that were
// reversed, for the index layer to repoint its entries.
func (m *Manager) Rollback(txn ids.TxnId, store PageStore) ([]InsertPayload, error) {
	var undoneInserts []InsertPayload
	next := m.LastLSN(txn)
	for next != ids.NoneLSN {
		rec, err := m.ReadRecord(next)
		if err != nil {
			return nil, errors.Annotatef(err, "rollback txn %d", txn)
		}
		if rec.Type == TypeCLR {
			next = rec.PrevLSN()
			continue
		}
		clr, undone, err := compensation(rec)
		if err != nil {
			return nil, err
		}
		next = rec.PrevLSN()
		if !undone {
			continue
		}
		if rec.Type == TypeInsert {
			ip, err := rec.DecodeInsert()
			if err != nil {
				return nil, err
			}
			undoneInserts = append(undoneInserts, ip)
		}
		lsn, err := m.AppendCLR(txn, clr)
		if err != nil {
			return nil, err
		}
		err = store.WithPage(clr.Page, func(p *page.Page) (bool, error) {
			if err := applyCLR(p, clr); err != nil {
				return false, err
			}
			p.SetLSN(lsn)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	if _, err := m.AppendAbort(txn); err != nil {
		return nil, err
	}
	m.Forget(txn)
	return undoneInserts, nil
}
