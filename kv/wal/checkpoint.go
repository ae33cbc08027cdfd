package wal

import (
	"os"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
)

// WriteCheckpoint appends a fuzzy checkpoint carrying the dirty-page table
// and active-transaction table, makes it durable, records it in the meta
// file, and recycles segments the next recovery can no longer need. New
// appends are never blocked for the duration of a checkpoint; callers
// gather the tables while the system keeps running.
func (m *Manager) WriteCheckpoint(cp CheckpointPayload) (ids.LSN, error) {
	lsn, err := m.append(TypeCheckpoint, ids.NoneTxn, encodeCheckpoint(cp))
	if err != nil {
		return 0, err
	}
	if err := m.Flush(lsn); err != nil {
		return 0, err
	}
	if err := m.saveMeta(lsn); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.checkpointLSN = lsn
	// Recovery starts redo at the oldest dirty-page recLSN and undo may
	// walk back to the first record of any live transaction. Everything
	// older is dead weight.
	boundary := lsn
	for _, recLSN := range cp.DirtyPages {
		if recLSN < boundary {
			boundary = recLSN
		}
	}
	for _, info := range m.active {
		if info.firstLSN < boundary {
			boundary = info.firstLSN
		}
	}
	m.mu.Unlock()

	m.recycleSegments(boundary)
	checkpointCounter.Inc()
	log.Info("checkpoint written",
		zap.Uint64("lsn", uint64(lsn)),
		zap.Int("dirty-pages", len(cp.DirtyPages)),
		zap.Int("active-txns", len(cp.ActiveTxns)))
	return lsn, nil
}

// LastCheckpointLSN returns the most recent durable checkpoint, or NoneLSN.
func (m *Manager) LastCheckpointLSN() ids.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLSN
}

// recycleSegments drops sealed segments that end at or before boundary,
// invoking the archive hook first when one is configured.
func (m *Manager) recycleSegments(boundary ids.LSN) {
	m.mu.Lock()
	var victims []*segment
	m.registry.Ascend(func(it btree.Item) bool {
		s := it.(*segment)
		if s == m.cur || s.endLSN > boundary {
			return false
		}
		victims = append(victims, s)
		return true
	})
	for _, s := range victims {
		m.registry.Delete(s)
	}
	m.mu.Unlock()

	for _, s := range victims {
		if m.cfg.Archive != nil {
			m.cfg.Archive(s.path)
		}
		if err := os.Remove(s.path); err != nil {
			log.Warn("failed to remove recycled wal segment",
				zap.String("path", s.path), zap.Error(err))
			continue
		}
		segmentRecycles.Inc()
		log.Info("wal segment recycled",
			zap.Uint64("segment", s.id),
			zap.Uint64("end-lsn", uint64(s.endLSN)))
	}
}
