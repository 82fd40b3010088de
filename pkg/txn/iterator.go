package txn

import (
	"cmp"
	"sort"
)

// EntryIterator walks a TxMap in key order under one of spec.md §4.4's
// three variants. The whole result is resolved eagerly into a slice:
// pkg/mvstore's RootReference is already a flat sorted slice under the
// hood, so there is no streaming cost being given up by doing the
// merge/resolve up front rather than lazily per Next call.
type EntryIterator[K cmp.Ordered, V any] struct {
	keys    []K
	values  []V
	pos     int
	reverse bool
}

// Next advances the iterator, returning false once exhausted.
func (it *EntryIterator[K, V]) Next() (K, V, bool) {
	var zeroK K
	var zeroV V
	if it.reverse {
		if it.pos < 0 {
			return zeroK, zeroV, false
		}
		k, v := it.keys[it.pos], it.values[it.pos]
		it.pos--
		return k, v, true
	}
	if it.pos >= len(it.keys) {
		return zeroK, zeroV, false
	}
	k, v := it.keys[it.pos], it.values[it.pos]
	it.pos++
	return k, v, true
}

func newEntryIterator[K cmp.Ordered, V any](keys []K, values []V, reverse bool) *EntryIterator[K, V] {
	pos := 0
	if reverse {
		pos = len(keys) - 1
	}
	return &EntryIterator[K, V]{keys: keys, values: values, pos: pos, reverse: reverse}
}

// EntryIterator returns the isolation-appropriate iterator for this
// map (spec.md §4.4): UncommittedIterator under read uncommitted,
// CommittedIterator under read committed (and RR/Snapshot/Serializable
// with no pending writes of their own), RepeatableIterator under
// RR/Snapshot/Serializable once the transaction has written anything
// (HasChanges; a write to any map counts, not only to this one).
func (m *TxMap[K, V]) EntryIterator(from, to *K, reverse bool) *EntryIterator[K, V] {
	switch {
	case m.tx.isolation == ReadUncommitted:
		return m.uncommittedIterator(from, to, reverse, false)
	case m.tx.isolation == ReadCommitted:
		return m.committedIterator(from, to, reverse)
	default:
		if m.tx.HasChanges() {
			return m.repeatableIterator(from, to, reverse)
		}
		return m.committedIterator(from, to, reverse)
	}
}

// KeyIterator is EntryIterator with values discarded, matching the
// external interface's separate keyIterator accessor.
func (m *TxMap[K, V]) KeyIterator(from, to *K, reverse bool) *EntryIterator[K, struct{}] {
	it := m.EntryIterator(from, to, reverse)
	keys := make([]K, len(it.keys))
	copy(keys, it.keys)
	return newEntryIterator(keys, make([]struct{}, len(keys)), reverse)
}

// ValidationIterator is spec.md §4.4's special read-uncommitted variant
// used by unique-index validation: like UncommittedIterator, but a key
// that some other still-open transaction has deleted (in-flight,
// Current == nil) surfaces its old Committed value instead of being
// skipped, so a validator can still see "this key was recently
// occupied" while that delete might yet roll back.
func (m *TxMap[K, V]) ValidationIterator(from, to *K, reverse bool) *EntryIterator[K, V] {
	return m.uncommittedIterator(from, to, reverse, true)
}

func (m *TxMap[K, V]) uncommittedIterator(from, to *K, reverse, surfaceRemoved bool) *EntryIterator[K, V] {
	root := m.under.RootReference()
	cur := m.under.Cursor(root, from, to, false)
	var keys []K
	var values []V
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		if e.Value.Current != nil {
			keys = append(keys, e.Key)
			values = append(values, *e.Value.Current)
			continue
		}
		if surfaceRemoved && !e.Value.IsCommitted() && e.Value.Committed != nil {
			owner := slotOfOpID(e.Value.OpID)
			if m.store.GetTransaction(owner) != nil {
				keys = append(keys, e.Key)
				values = append(values, *e.Value.Committed)
			}
		}
	}
	return newEntryIterator(keys, values, reverse)
}

func (m *TxMap[K, V]) committedIterator(from, to *K, reverse bool) *EntryIterator[K, V] {
	root, committing := txSnapshotOrLive(m)
	cur := m.under.Cursor(root, from, to, false)
	var keys []K
	var values []V
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		if v, visible := resolveVisible(e.Value, committing, m.tx.slotID); visible {
			keys = append(keys, e.Key)
			values = append(values, *v)
		}
	}
	return newEntryIterator(keys, values, reverse)
}

// repeatableIterator merge-joins the transaction's frozen baseline
// snapshot with its own pending writes on top of the current root
// (spec.md §4.4 "RepeatableIterator"): ties prefer the transaction's
// own uncommitted write, and a key the transaction deleted is dropped
// even if the frozen baseline still shows it.
func (m *TxMap[K, V]) repeatableIterator(from, to *K, reverse bool) *EntryIterator[K, V] {
	snap := txSnapshotFor(m.tx, m.ID(), m.under)
	baseRoot := snapshotRoot(snap, m.ID(), m.under)
	baseCur := m.under.Cursor(baseRoot, from, to, false)
	baseKeys := make([]K, 0)
	baseVals := make(map[int]*V)
	for {
		e, ok := baseCur.Next()
		if !ok {
			break
		}
		if v, visible := resolveVisible(e.Value, snap.committing, m.tx.slotID); visible {
			baseVals[len(baseKeys)] = v
			baseKeys = append(baseKeys, e.Key)
		}
	}

	liveRoot := m.under.RootReference()
	liveCur := m.under.Cursor(liveRoot, from, to, false)
	own := make(map[any]*V) // key -> value, nil means "deleted by me"
	var ownKeys []K
	for {
		e, ok := liveCur.Next()
		if !ok {
			break
		}
		if slotOfOpID(e.Value.OpID) != m.tx.slotID {
			continue
		}
		own[e.Key] = e.Value.Current
		ownKeys = append(ownKeys, e.Key)
	}

	merged := make(map[any]*V)
	order := make([]K, 0, len(baseKeys)+len(ownKeys))
	seen := make(map[any]bool)
	for i, k := range baseKeys {
		if v, isOwn := own[k]; isOwn {
			if v != nil {
				merged[k] = v
			}
		} else {
			merged[k] = baseVals[i]
		}
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}
	for _, k := range ownKeys {
		if seen[k] {
			continue
		}
		if v := own[k]; v != nil {
			merged[k] = v
			seen[k] = true
			order = append(order, k)
		}
	}
	sortKeys(order)

	keys := make([]K, 0, len(order))
	values := make([]V, 0, len(order))
	for _, k := range order {
		if v, ok := merged[k]; ok {
			keys = append(keys, k)
			values = append(values, *v)
		}
	}
	return newEntryIterator(keys, values, reverse)
}

func sortKeys[K cmp.Ordered](keys []K) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
