package mvcc

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridiandb/meridian/kv/ids"
	"github.com/meridiandb/meridian/kv/storage/btree"
	"github.com/meridiandb/meridian/kv/storage/heap"
	"github.com/meridiandb/meridian/kv/util/worker"
)

// KeyLocker briefly blocks writers of one key while vacuum removes its
// index entry. A nil locker disables the guard, for single-writer use.
type KeyLocker interface {
	// TryExclusive returns a release function when the key could be
	// claimed without waiting, else ok=false.
	TryExclusive(key []byte) (release func(), ok bool)
}

// VacuumStats summarizes one sweep.
type VacuumStats struct {
	KeysScanned      int
	VersionsRemoved  int
	EntriesRemoved   int
	DanglingRepaired int
	KeysSkipped      int
}

// Vacuum reclaims tuple versions invisible to every snapshot and prunes
// index entries whose whole chain is dead. It walks the index, so every
// reachable chain is visited; chains no index entry reaches were already
// handled when their entry was pruned.
type Vacuum struct {
	mgr     *Manager
	store   *heap.Store
	idx     *btree.Tree
	locker  KeyLocker
	limiter *rate.Limiter
	ticker  *worker.Ticker
}

// NewVacuum builds the background collector. keysPerSec paces the sweep so
// it never monopolizes the buffer pool.
func NewVacuum(mgr *Manager, store *heap.Store, idx *btree.Tree, locker KeyLocker, interval time.Duration, keysPerSec int) *Vacuum {
	return &Vacuum{
		mgr:     mgr,
		store:   store,
		idx:     idx,
		locker:  locker,
		limiter: rate.NewLimiter(rate.Limit(keysPerSec), keysPerSec),
		ticker:  worker.NewTicker("vacuum", interval),
	}
}

// Start runs periodic sweeps until Stop.
func (v *Vacuum) Start() {
	v.ticker.Start(func() {
		stats, err := v.RunOnce(context.Background())
		if err != nil {
			log.Error("vacuum sweep failed", zap.Error(err))
			return
		}
		if stats.VersionsRemoved > 0 || stats.EntriesRemoved > 0 {
			log.Info("vacuum sweep",
				zap.Int("keys", stats.KeysScanned),
				zap.Int("versions-removed", stats.VersionsRemoved),
				zap.Int("entries-removed", stats.EntriesRemoved),
				zap.Int("dangling-repaired", stats.DanglingRepaired))
		}
	})
}

func (v *Vacuum) Stop() { v.ticker.Stop() }

// RunOnce performs one full sweep at the current horizon.
func (v *Vacuum) RunOnce(ctx context.Context) (VacuumStats, error) {
	var stats VacuumStats
	horizon := v.mgr.horizonSnapshot()

	it := v.idx.SeekFirst()
	for ; it.Valid(); it.Next() {
		if err := v.limiter.Wait(ctx); err != nil {
			return stats, errors.Trace(err)
		}
		stats.KeysScanned++
		key := append([]byte(nil), it.Key()...)
		if err := v.sweepKey(key, it.Value(), horizon, &stats); err != nil {
			return stats, err
		}
	}
	if err := it.Err(); err != nil {
		return stats, err
	}
	v.mgr.TrimCommitted()
	vacuumSweeps.Inc()
	return stats, nil
}

// sweepKey walks one version chain and reclaims its dead suffix. The
// chain is newest first, so everything behind the first reclaimable
// version is reclaimable too once the horizon passed its deleter.
func (v *Vacuum) sweepKey(key []byte, head ids.RecordId, horizon Snapshot, stats *VacuumStats) error {
	var rids []ids.RecordId
	var tups []*heap.Tuple
	rid := head
	dangling := false
	for !rid.IsNone() {
		tup, err := v.store.Fetch(rid)
		if errors.Cause(err) == heap.ErrNotFound {
			// A pointer into reclaimed space: a chain cut short by a
			// crash between reclaim and truncate, or an undone insert the
			// index still names.
			dangling = true
			break
		}
		if err != nil {
			return err
		}
		rids = append(rids, rid)
		tups = append(tups, tup)
		rid = tup.Next
	}

	if dangling && len(rids) == 0 {
		// Index entry points at nothing; drop it under the key guard.
		if release, ok := v.tryLock(key); ok {
			defer release()
			if err := v.idx.Delete(key); err != nil {
				return err
			}
			stats.DanglingRepaired++
			stats.EntriesRemoved++
		} else {
			stats.KeysSkipped++
		}
		return nil
	}

	// cut is the first index from which every version is reclaimable.
	cut := len(tups)
	for cut > 0 && v.mgr.Reclaimable(tups[cut-1], horizon) {
		cut--
	}

	if cut == 0 && len(tups) > 0 {
		// The whole chain is dead: remove the index entry first so no
		// reader can follow it into freed slots.
		release, ok := v.tryLock(key)
		if !ok {
			stats.KeysSkipped++
			return nil
		}
		defer release()
		if err := v.idx.Delete(key); err != nil {
			return err
		}
		stats.EntriesRemoved++
		for i := range rids {
			if err := v.store.Reclaim(ids.NoneTxn, rids[i]); err != nil {
				return err
			}
			stats.VersionsRemoved++
		}
		return nil
	}

	if cut < len(tups) {
		// Unhook the dead suffix before freeing it.
		if err := v.store.Truncate(ids.NoneTxn, rids[cut-1]); err != nil {
			return err
		}
		for i := cut; i < len(rids); i++ {
			if err := v.store.Reclaim(ids.NoneTxn, rids[i]); err != nil {
				return err
			}
			stats.VersionsRemoved++
		}
	} else if dangling {
		// Chain ended in a dangling pointer; cut it off at the last
		// intact version.
		if err := v.store.Truncate(ids.NoneTxn, rids[len(rids)-1]); err != nil {
			return err
		}
		stats.DanglingRepaired++
	}
	return nil
}

func (v *Vacuum) tryLock(key []byte) (func(), bool) {
	if v.locker == nil {
		return func() {}, true
	}
	return v.locker.TryExclusive(key)
}
