package lock

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/kv/ids"
)

// detectOnce builds the wait-for graph from the lock table and breaks one
// cycle per run. Every cycle member is blocked, so failing a single
// waiter channel is enough to unwind the cycle: the victim's transaction
// aborts, releases its locks, and the survivors make progress.
func (m *Manager) detectOnce() {
	m.mu.Lock()
	victim, tag, w := m.findVictimLocked()
	if w == nil {
		m.mu.Unlock()
		return
	}
	st := m.locks[tag]
	for i, q := range st.queue {
		if q == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			break
		}
	}
	m.promoteLocked(tag, st)
	m.mu.Unlock()

	deadlocksBroken.Inc()
	log.Warn("deadlock broken", zap.String("victim", victim.String()))
	w.ch <- errors.Annotatef(ErrDeadlockVictim, "waiting on %s", tag)
}

// waitEdges: a waiter waits on every holder of the resource it is queued
// for, and on every waiter queued ahead of it that it conflicts with.
func (m *Manager) waitEdgesLocked() map[ids.TxnId]map[ids.TxnId]struct{} {
	g := make(map[ids.TxnId]map[ids.TxnId]struct{})
	add := func(from, to ids.TxnId) {
		if from == to {
			return
		}
		e, ok := g[from]
		if !ok {
			e = make(map[ids.TxnId]struct{})
			g[from] = e
		}
		e[to] = struct{}{}
	}
	for _, st := range m.locks {
		for i, w := range st.queue {
			for holder := range st.holders {
				add(w.txn, holder)
			}
			for _, ahead := range st.queue[:i] {
				if !compatible[ahead.mode][w.mode] {
					add(w.txn, ahead.txn)
				}
			}
		}
	}
	return g
}

// findVictimLocked searches for a cycle and ranks its members: least WAL
// records, then fewest locks held, then youngest (largest) TxnId. Returns
// the victim's pending waiter so the caller can fail it.
func (m *Manager) findVictimLocked() (ids.TxnId, string, *waiter) {
	g := m.waitEdgesLocked()
	cycle := findCycle(g)
	if len(cycle) == 0 {
		return ids.NoneTxn, "", nil
	}

	victim := cycle[0]
	for _, txn := range cycle[1:] {
		if m.lessWorthyLocked(txn, victim) {
			victim = txn
		}
	}
	for tag, st := range m.locks {
		for _, w := range st.queue {
			if w.txn == victim {
				return victim, tag, w
			}
		}
	}
	// Cycle member without a queued waiter should not happen; skip this
	// round rather than guessing.
	return ids.NoneTxn, "", nil
}

// lessWorthyLocked reports whether a is a better victim than b.
func (m *Manager) lessWorthyLocked(a, b ids.TxnId) bool {
	aw, bw := m.workOf(a), m.workOf(b)
	if aw != bw {
		return aw < bw
	}
	al, bl := len(m.byTxn[a]), len(m.byTxn[b])
	if al != bl {
		return al < bl
	}
	// Ids grow over time, so the largest id is the youngest transaction.
	return a > b
}

func (m *Manager) workOf(txn ids.TxnId) int {
	if m.work == nil {
		return 0
	}
	return m.work.RecordCount(txn)
}

// findCycle runs a colored DFS and returns the members of the first cycle
// found, in arbitrary order.
func findCycle(g map[ids.TxnId]map[ids.TxnId]struct{}) []ids.TxnId {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[ids.TxnId]int)
	var stack []ids.TxnId
	var cycle []ids.TxnId

	var visit func(n ids.TxnId) bool
	visit = func(n ids.TxnId) bool {
		color[n] = grey
		stack = append(stack, n)
		for next := range g[n] {
			switch color[next] {
			case grey:
				// Back edge: the cycle is the stack suffix from next.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						return true
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for n := range g {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}
