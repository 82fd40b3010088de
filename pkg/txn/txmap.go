package txn

import (
	"cmp"
	"time"

	"github.com/mossdb/mossdb/pkg/mvstore"
)

// TxMap is one transaction's view of a persistent ordered map (spec.md
// §2/§4.4): every read resolves a VersionedCell against a Snapshot
// (isolation-dependent, see resolveVisible), every write goes through a
// decisionMaker plugged into the substrate's Map.Operate.
type TxMap[K cmp.Ordered, V any] struct {
	tx    *Transaction
	store *Store
	under *mvstore.Map[K, VersionedCell[V]]
	name  string
}

// OpenMap opens (or re-opens) the named map as a transactional view for
// tx (spec.md §4.2 Transaction.openMap). The same name always resolves
// to the same underlying mvstore.Map id regardless of which
// transaction opens it first.
func OpenMap[K cmp.Ordered, V any](tx *Transaction, name string) (*TxMap[K, V], error) {
	under, err := mvstore.OpenMap[K, VersionedCell[V]](tx.store.registry, name)
	if err != nil {
		return nil, err
	}
	m := &TxMap[K, V]{tx: tx, store: tx.store, under: under, name: name}
	tx.store.registerMap(txMapAdapter[K, V]{under})
	tx.mu.Lock()
	tx.maps[under.ID()] = m
	tx.mu.Unlock()
	return m, nil
}

// RegisterMap opens (or re-opens) the named map against store's registry
// and binds it into store's commit/rollback dispatch table, without
// requiring a live Transaction. A real boot sequence calls this for
// every user map the catalog names before calling Store.Init, exactly
// as a TxMap's own OpenMap does as a side effect of a transaction
// opening it for the first time (spec.md §4.1's "every map named in an
// undo record must already be open").
func RegisterMap[K cmp.Ordered, V any](store *Store, name string) (*mvstore.Map[K, VersionedCell[V]], error) {
	under, err := mvstore.OpenMap[K, VersionedCell[V]](store.registry, name)
	if err != nil {
		return nil, err
	}
	store.registerMap(txMapAdapter[K, V]{under})
	return under, nil
}

// ID returns the underlying map's registry id.
func (m *TxMap[K, V]) ID() int32 { return m.under.ID() }

// Name returns the map's catalog name.
func (m *TxMap[K, V]) Name() string { return m.name }

// resolveVisible implements spec.md §4.4's read-resolution rule for a
// single cell: a committed cell's Current is always the answer; an
// in-flight cell resolves to Current if its owner is this transaction
// or has set its committing bit, and to Committed (the pre-write value)
// otherwise.
func resolveVisible[V any](cell VersionedCell[V], committing *mvstore.VersionedBitSet, selfSlot uint32) (*V, bool) {
	if cell.IsCommitted() {
		return cell.Current, cell.Current != nil
	}
	owner := slotOfOpID(cell.OpID)
	if owner == selfSlot || committing.Get(int(owner)) {
		return cell.Current, cell.Current != nil
	}
	return cell.Committed, cell.Committed != nil
}

// snapshotRoot returns the root newCoherentSnapshot captured for mapID
// when s was created. A cache miss only happens for a Snapshot built
// some other way than newCoherentSnapshot; falling back to the live
// root keeps that case safe (merely not silence-loop-verified) rather
// than panicking.
func snapshotRoot[K cmp.Ordered, V any](s *mvSnapshot, mapID int32, under *mvstore.Map[K, VersionedCell[V]]) *mvstore.RootReference[K, VersionedCell[V]] {
	if r, ok := s.roots[mapID]; ok {
		return r.(*mvstore.RootReference[K, VersionedCell[V]])
	}
	r := under.RootReference()
	s.roots[mapID] = r
	return r
}

func txSnapshotFor[K cmp.Ordered, V any](tx *Transaction, mapID int32, under *mvstore.Map[K, VersionedCell[V]]) *mvSnapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if s, ok := tx.snapshots[mapID]; ok {
		return s
	}
	s := newCoherentSnapshot(tx.store, mapID, under)
	tx.snapshots[mapID] = s
	if !tx.hasVersionHandle {
		tx.versionHandle = tx.store.versions.RegisterVersionUsage()
		tx.hasVersionHandle = true
	}
	return s
}

func statementSnapshotFor[K cmp.Ordered, V any](tx *Transaction, mapID int32, under *mvstore.Map[K, VersionedCell[V]]) *mvSnapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if s, ok := tx.statementSnapshots[mapID]; ok {
		return s
	}
	s := newCoherentSnapshot(tx.store, mapID, under)
	tx.statementSnapshots[mapID] = s
	if !tx.hasStatementPin {
		tx.statementVersionPin = tx.store.versions.RegisterVersionUsage()
		tx.hasStatementPin = true
	}
	return s
}

// Get reads key under the map's transaction's isolation level (spec.md
// §4.3). Read uncommitted resolves straight off the live root with no
// snapshot; read committed captures a fresh per-statement snapshot;
// repeatable read and above consult the transaction-wide frozen
// snapshot, but a cell this transaction itself owns is always visible
// immediately regardless of when the snapshot was taken.
func (m *TxMap[K, V]) Get(key K) (V, bool) {
	var zero V
	switch m.tx.isolation {
	case ReadUncommitted:
		cell, exists := m.under.Get(nil, key)
		if !exists || cell.Current == nil {
			return zero, false
		}
		return *cell.Current, true
	case ReadCommitted:
		snap := statementSnapshotFor(m.tx, m.ID(), m.under)
		root := snapshotRoot(snap, m.ID(), m.under)
		cell, exists := m.under.Get(root, key)
		if !exists {
			return zero, false
		}
		v, ok := resolveVisible(cell, snap.committing, m.tx.slotID)
		if !ok {
			return zero, false
		}
		return *v, true
	default: // RepeatableRead, Snapshot, Serializable
		if liveCell, ok := m.under.Get(nil, key); ok && slotOfOpID(liveCell.OpID) == m.tx.slotID {
			if liveCell.Current == nil {
				return zero, false
			}
			return *liveCell.Current, true
		}
		snap := txSnapshotFor(m.tx, m.ID(), m.under)
		root := snapshotRoot(snap, m.ID(), m.under)
		cell, exists := m.under.Get(root, key)
		if !exists {
			return zero, false
		}
		v, ok := resolveVisible(cell, snap.committing, m.tx.slotID)
		if !ok {
			return zero, false
		}
		return *v, true
	}
}

// snapshotValueLookup builds the closure decisionMaker.snapshotLookup
// needs for PutIfAbsent's phantom check and RRLock's write-write check
// (spec.md §4.4): under RR and above, what did this transaction's own
// frozen baseline show for key?
func (m *TxMap[K, V]) snapshotValueLookup(key K) func() (*V, bool) {
	if m.tx.isolation < RepeatableRead {
		return nil
	}
	return func() (*V, bool) {
		snap := txSnapshotFor(m.tx, m.ID(), m.under)
		root := snapshotRoot(snap, m.ID(), m.under)
		cell, exists := m.under.Get(root, key)
		if !exists {
			return nil, true
		}
		v, ok := resolveVisible(cell, snap.committing, m.tx.slotID)
		if !ok {
			return nil, true
		}
		return v, true
	}
}

// writeOnce drives a decisionMaker through Map.Operate, waiting out
// blockers and retrying as spec.md §4.4's TxMap write-path pseudocode
// describes, until the write lands, a non-blocking abort is reported,
// or the wait times out.
func (m *TxMap[K, V]) writeOnce(key K, dm *decisionMaker[K, V], timeout time.Duration) (VersionedCell[V], bool, error) {
	for {
		seqAtStart := m.store.nextSeq.Load()
		newCell, mutated := m.under.Operate(key, dm)
		if dm.err != nil {
			return VersionedCell[V]{}, false, dm.err
		}
		if dm.outcome != outcomeAbort || dm.blockingTx == nil {
			return newCell, mutated, nil
		}
		blocker := dm.blockingTx
		if blocker.sequenceNum > seqAtStart {
			// A newer reincarnation than the one we raced against;
			// the map root has likely already moved on, retry blind.
			continue
		}
		signaled, err := m.tx.waitFor(blocker, m.name, key, timeout)
		if err != nil {
			return VersionedCell[V]{}, false, err
		}
		if !signaled {
			return VersionedCell[V]{}, false, ErrLockTimeout
		}
	}
}

func (m *TxMap[K, V]) newDM(kind dmKind, key K, newVal *V) *decisionMaker[K, V] {
	return &decisionMaker[K, V]{
		kind:           kind,
		tx:             m.tx,
		mapID:          m.ID(),
		key:            key,
		newVal:         newVal,
		snapshotLookup: m.snapshotValueLookup(key),
	}
}

// Put writes value for key, returning the value that was visible to
// this transaction before the write (spec.md external interface
// "put").
func (m *TxMap[K, V]) Put(key K, value V) (V, bool, error) {
	old, existed := m.Get(key)
	dm := m.newDM(dmUpdate, key, &value)
	_, _, err := m.writeOnce(key, dm, m.tx.timeout)
	return old, existed, err
}

// Remove deletes key, returning the value that was visible to this
// transaction before the removal.
func (m *TxMap[K, V]) Remove(key K) (V, bool, error) {
	old, existed := m.Get(key)
	if !existed {
		return old, false, nil
	}
	dm := m.newDM(dmUpdate, key, nil)
	_, _, err := m.writeOnce(key, dm, m.tx.timeout)
	return old, existed, err
}

// PutIfAbsent inserts value for key only if no value is currently
// visible to this transaction, returning the pre-existing value
// otherwise (spec.md §4.4 "PutIfAbsent").
func (m *TxMap[K, V]) PutIfAbsent(key K, value V) (V, bool, error) {
	dm := m.newDM(dmPutIfAbsent, key, &value)
	_, mutated, err := m.writeOnce(key, dm, m.tx.timeout)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if mutated {
		var zero V
		return zero, false, nil
	}
	existing, ok := m.Get(key)
	return existing, ok, nil
}

// TryPut is Put with the −2 try-lock timeout: it never blocks, instead
// returning ok=false immediately on contention.
func (m *TxMap[K, V]) TryPut(key K, value V) (bool, error) {
	dm := m.newDM(dmUpdate, key, &value)
	_, mutated, err := m.writeOnce(key, dm, TryLockTimeout)
	if err == ErrLockTimeout {
		return false, nil
	}
	return mutated, err
}

// TryRemove is Remove with the −2 try-lock timeout.
func (m *TxMap[K, V]) TryRemove(key K) (bool, error) {
	dm := m.newDM(dmUpdate, key, nil)
	_, mutated, err := m.writeOnce(key, dm, TryLockTimeout)
	if err == ErrLockTimeout {
		return false, nil
	}
	return mutated, err
}

// TrySet is TryPut under the external interface's trySet name: it
// writes value whatever the key currently holds, without blocking,
// and reports ok=false on contention. Removal goes through TryRemove.
func (m *TxMap[K, V]) TrySet(key K, value V) (bool, error) {
	return m.TryPut(key, value)
}

// Lock re-asserts (without changing) the value at key, writing an undo
// record so a later rollback restores whatever was there — used to
// take a row lock without a logical write. timeout == TryLockTimeout
// makes this a non-blocking try-lock.
func (m *TxMap[K, V]) Lock(key K, timeout time.Duration) (V, bool, error) {
	dm := m.newDM(dmLock, key, nil)
	_, _, err := m.writeOnce(key, dm, timeout)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := m.Get(key)
	return v, ok, nil
}

// RepeatableReadLock is spec.md §4.4's "Repeatable-read Lock": like
// Lock, but aborts with Deadlock if the committed value at key has
// diverged from what this transaction's own frozen snapshot saw —
// the write-write anomaly RR/Serializable must refuse to allow through
// silently.
func (m *TxMap[K, V]) RepeatableReadLock(key K, timeout time.Duration) (V, bool, error) {
	dm := m.newDM(dmRRLock, key, nil)
	_, _, err := m.writeOnce(key, dm, timeout)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := m.Get(key)
	return v, ok, nil
}

// Append stores value for key unconditionally and without transactional
// bookkeeping (spec.md §6's substrate `append`), for bulk/initial load
// where every key is known to be absent and no undo record is wanted.
func (m *TxMap[K, V]) Append(key K, value V) {
	m.under.Put(key, committedCell(&value))
}

// Clear empties the map unconditionally, bypassing the transaction
// layer (used by temp-map cleanup and bulk truncation, not ordinary
// transactional code paths).
func (m *TxMap[K, V]) Clear() {
	m.under.Clear()
}

// IsDeletedByCurrentTransaction reports whether key currently holds an
// in-flight delete (Current == nil) owned by this transaction.
func (m *TxMap[K, V]) IsDeletedByCurrentTransaction(key K) bool {
	cell, exists := m.under.Get(nil, key)
	return exists && slotOfOpID(cell.OpID) == m.tx.slotID && cell.Current == nil
}

// IsSameTransaction reports whether the cell at key is currently owned
// by this transaction (committed or not is irrelevant if it's absent).
func (m *TxMap[K, V]) IsSameTransaction(key K) bool {
	cell, exists := m.under.Get(nil, key)
	return exists && !cell.IsCommitted() && slotOfOpID(cell.OpID) == m.tx.slotID
}

// SizeAsLong estimates the map's size under the committing-bitmap
// resolution rule (the older, committed-filtering variant of spec.md
// §9's Open Question): cells resolving to absent for this transaction
// are excluded.
func (m *TxMap[K, V]) SizeAsLong() int64 {
	return m.countVisible(txSnapshotOrLive(m))
}

// SizeAsLongMax is the newer variant spec.md §9 prefers: it counts
// every cell that has *any* current value, as if reading uncommitted —
// a fast upper bound that never needs to resolve ownership.
func (m *TxMap[K, V]) SizeAsLongMax() int64 {
	root := m.under.RootReference()
	cur := m.under.Cursor(root, nil, nil, false)
	var n int64
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		if e.Value.Current != nil {
			n++
		}
	}
	return n
}

func txSnapshotOrLive[K cmp.Ordered, V any](m *TxMap[K, V]) (*mvstore.RootReference[K, VersionedCell[V]], *mvstore.VersionedBitSet) {
	if m.tx.isolation >= RepeatableRead {
		snap := txSnapshotFor(m.tx, m.ID(), m.under)
		return snapshotRoot(snap, m.ID(), m.under), snap.committing
	}
	return m.under.RootReference(), m.store.committingBitmap()
}

func (m *TxMap[K, V]) countVisible(root *mvstore.RootReference[K, VersionedCell[V]], committing *mvstore.VersionedBitSet) int64 {
	cur := m.under.Cursor(root, nil, nil, false)
	var n int64
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		if _, visible := resolveVisible(e.Value, committing, m.tx.slotID); visible {
			n++
		}
	}
	return n
}

// FirstKey, LastKey, LowerKey, HigherKey, FloorKey, CeilingKey delegate
// to the substrate's ordered-traversal primitives over the live root —
// used by callers (e.g. a sequence generator) that need raw key order
// rather than isolation-filtered values.
func (m *TxMap[K, V]) FirstKey() (K, bool)        { return m.under.RootReference().FirstKey() }
func (m *TxMap[K, V]) LastKey() (K, bool)         { return m.under.RootReference().LastKey() }
func (m *TxMap[K, V]) LowerKey(k K) (K, bool)     { return m.under.RootReference().LowerKey(k) }
func (m *TxMap[K, V]) HigherKey(k K) (K, bool)    { return m.under.RootReference().HigherKey(k) }
func (m *TxMap[K, V]) FloorKey(k K) (K, bool)     { return m.under.RootReference().FloorKey(k) }
func (m *TxMap[K, V]) CeilingKey(k K) (K, bool)   { return m.under.RootReference().CeilingKey(k) }

// --- txMapHandle (type-erased commit/rollback replay) ---

type txMapAdapter[K cmp.Ordered, V any] struct {
	under *mvstore.Map[K, VersionedCell[V]]
}

func (a txMapAdapter[K, V]) ID() int32     { return a.under.ID() }
func (a txMapAdapter[K, V]) Name() string  { return a.under.Name() }

// commitCell implements spec.md §4.1 commit's phase 2 for one cell: if
// the cell's opId still matches the undo record being replayed, rewrite
// it committed (or remove it, for a pending delete); otherwise some
// other writer already dealt with it (observed the commit through the
// bitmap) and this record is a no-op.
func (a txMapAdapter[K, V]) commitCell(key any, expectedOpID uint64) {
	k := key.(K)
	dm := &commitDecisionMaker[K, V]{expectedOpID: expectedOpID}
	a.under.Operate(k, dm)
}

// restoreCell implements rollback: unconditionally restore the cell to
// its pre-write state (or remove it if it didn't exist before), safe
// because the undo log is single-writer per slot and only that slot's
// owning transaction ever rolls it back.
func (a txMapAdapter[K, V]) restoreCell(key any, hadOld bool, oldOpID uint64, oldCurrent, oldCommitted any) {
	k := key.(K)
	if !hadOld {
		a.under.Remove(k)
		return
	}
	cell := VersionedCell[V]{OpID: oldOpID}
	if oldCurrent != nil {
		cell.Current = oldCurrent.(*V)
	}
	if oldCommitted != nil {
		cell.Committed = oldCommitted.(*V)
	}
	a.under.Put(k, cell)
}

type commitDecisionMaker[K cmp.Ordered, V any] struct {
	expectedOpID uint64
}

func (c *commitDecisionMaker[K, V]) Decide(existing VersionedCell[V], exists bool) mvstore.Decision {
	if !exists || existing.OpID != c.expectedOpID {
		return mvstore.DecisionAbort
	}
	if existing.Current == nil {
		return mvstore.DecisionRemove
	}
	return mvstore.DecisionPut
}

func (c *commitDecisionMaker[K, V]) SelectValue(existing VersionedCell[V], exists bool) VersionedCell[V] {
	return committedCell(existing.Current)
}
