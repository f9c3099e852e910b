package wal

import (
	"sort"

	"github.com/INLOpen/sessionvault/core"
)

// BuildReplaySet resolves recovered entries into the ordered set of
// mutations the recovery coordinator must apply:
//
//   - entries at or before the checkpoint timestamp are discarded,
//   - standalone entries are kept in timestamp order,
//   - transactional groups are kept only when they contain a commit entry;
//     groups with a rollback or no terminal entry are discarded whole,
//   - control entries (begin/commit/rollback) never appear in the result.
//
// The function is pure so replaying the result twice yields the same state
// as replaying it once.
func BuildReplaySet(entries []core.WALEntry, lastApplied int64) []core.WALEntry {
	type txnGroup struct {
		entries    []core.WALEntry
		committed  bool
		rolledBack bool
	}

	var standalone []core.WALEntry
	groups := make(map[uint64]*txnGroup)
	var txnOrder []uint64

	for _, e := range entries {
		if e.Timestamp <= lastApplied {
			continue
		}

		if e.Standalone() {
			switch e.Op {
			case core.OpWrite, core.OpDelete:
				standalone = append(standalone, e)
			}
			continue
		}

		g, ok := groups[e.TxnID]
		if !ok {
			g = &txnGroup{}
			groups[e.TxnID] = g
			txnOrder = append(txnOrder, e.TxnID)
		}
		switch e.Op {
		case core.OpTxCommit:
			g.committed = true
		case core.OpTxRollback:
			g.rolledBack = true
		case core.OpWrite, core.OpDelete:
			g.entries = append(g.entries, e)
		}
	}

	var result []core.WALEntry
	for _, id := range txnOrder {
		g := groups[id]
		if g.committed && !g.rolledBack {
			result = append(result, g.entries...)
		}
	}
	result = append(result, standalone...)

	// Mutations for a given key must apply in the order they occurred.
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}
		return result[i].SeqNum < result[j].SeqNum
	})
	return result
}
