package txn

import (
	"cmp"

	"github.com/mossdb/mossdb/pkg/mvstore"
)

// mvSnapshot is a coherent (root, committingBitmap) pair for one map,
// acquired via the silence loop (spec.md §4.3): read the committing
// bitmap, read the map's root, re-read the committing bitmap, and
// retry until the two bitmap reads agree. Because both reads are
// lock-free atomic loads, agreement means no commit finished (and
// flipped the bitmap) while the root was being read, so the pair is
// safe to use together for every Get in a statement or transaction.
type mvSnapshot struct {
	committing *mvstore.VersionedBitSet
	roots      map[int32]any // mapID -> *mvstore.RootReference[K, V], type-erased
}

// newCoherentSnapshot runs spec.md §4.3's silence loop for mapID's
// root against the store's committing bitmap:
//
//	repeat:
//	    B0 ← committingTransactions.load()
//	    R  ← map.rootReference.load()
//	    B1 ← committingTransactions.load()
//	until B0 == B1
//	return Snapshot(R, B0)
//
// The root is read strictly between the two bitmap loads so that
// identity agreement of B0 and B1 proves no commit's phase 1 (the bit
// flip) interleaved with the root read — the pair (R, B0) is then a
// view of one consistent instant, never a root that is newer than the
// bitmap it will be resolved against. A Snapshot always holds exactly
// this one map's root; a transaction's per-map snapshots map
// (spec.md §3 "snapshots[mapId]") is what gives each map its own
// independently-timed coherent pair rather than one shared for the
// whole transaction.
func newCoherentSnapshot[K cmp.Ordered, V any](store *Store, mapID int32, under *mvstore.Map[K, VersionedCell[V]]) *mvSnapshot {
	for {
		before := store.committingBitmap()
		root := under.RootReference()
		after := store.committingBitmap()
		if before == after {
			s := &mvSnapshot{committing: before, roots: make(map[int32]any, 1)}
			s.roots[mapID] = root
			return s
		}
	}
}
