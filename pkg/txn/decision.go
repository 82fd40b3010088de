package txn

import (
	"cmp"
	"reflect"

	"github.com/mossdb/mossdb/pkg/mvstore"
)

// dmKind tags which of spec.md §4.4's four decision-maker behaviors a
// decisionMaker implements. A tagged variant over one generic struct
// (spec.md §9's "dynamic dispatch" note) avoids a heap-allocated
// interface value per kind, mirroring how VersionedCell avoids a class
// hierarchy for cell kinds.
type dmKind int

const (
	dmUpdate dmKind = iota
	dmPutIfAbsent
	dmLock
	dmRRLock
)

type decisionOutcome int

const (
	outcomeUnset decisionOutcome = iota
	outcomePut
	outcomeRemove
	outcomeAbort
	outcomeRepeat
)

// decisionMaker is the pluggable strategy Map.Operate runs under its
// CAS retry loop (spec.md §4.4). One instance is built per TxMap write
// call and reused across every Decide/SelectValue invocation Operate
// makes against it, including retries caused by a losing CAS — each
// such retry re-derives the undo record from scratch via reset(),
// since the existing cell it is deciding against may have changed.
type decisionMaker[K cmp.Ordered, V any] struct {
	kind  dmKind
	tx    *Transaction
	mapID int32
	key   K
	// newVal is the caller's desired value: nil means "remove" for
	// Update, is always non-nil for PutIfAbsent, and is ignored by
	// Lock/RRLock (which always re-assert the existing value).
	newVal *V

	// snapshotLookup resolves what this transaction's own frozen
	// snapshot shows for key (repeatable-read and above only); used by
	// PutIfAbsent's phantom-insert check and RRLock's write-write
	// check. Nil under read committed / read uncommitted.
	snapshotLookup func() (val *V, known bool)

	outcome    decisionOutcome
	pending    VersionedCell[V]
	logged     bool
	loggedOpID uint64
	blockingTx *Transaction
	err        error

	sawOrphanOpID uint64
	sawOrphanOnce bool
}

// reset discards any undo record a previous Decide call on this
// decisionMaker speculatively wrote, the counterpart to spec.md §4.4's
// "dm.reset() # undoes any undo record created on a speculative PUT".
func (dm *decisionMaker[K, V]) reset() {
	if dm.logged {
		dm.tx.store.logUndo(dm.tx, dm.loggedOpID)
		dm.logged = false
	}
	dm.outcome = outcomeUnset
	dm.blockingTx = nil
	dm.err = nil
}

// Decide implements mvstore.DecisionMaker.
func (dm *decisionMaker[K, V]) Decide(existing VersionedCell[V], exists bool) mvstore.Decision {
	dm.reset()
	if !exists {
		return dm.decideAbsent()
	}
	if existing.IsCommitted() {
		return dm.decideCommitted(existing)
	}
	return dm.decideUncommitted(existing)
}

// SelectValue implements mvstore.DecisionMaker.
func (dm *decisionMaker[K, V]) SelectValue(existing VersionedCell[V], exists bool) VersionedCell[V] {
	return dm.pending
}

func (dm *decisionMaker[K, V]) abort() mvstore.Decision {
	dm.outcome = outcomeAbort
	return mvstore.DecisionAbort
}

// resolveNewValue picks what the new cell's Current field should hold:
// the caller's value for Update/PutIfAbsent, or the pre-existing
// current for Lock/RRLock (a lock never changes the value).
func (dm *decisionMaker[K, V]) resolveNewValue(existingCurrent *V) *V {
	switch dm.kind {
	case dmLock, dmRRLock:
		return existingCurrent
	default:
		return dm.newVal
	}
}

// rrCheck runs the repeatable-read lock's write-write comparison
// (spec.md §4.4 "Repeatable-read Lock"): the value this transaction's
// own frozen snapshot saw for key must match committedVal, the value
// about to become the new cell's Committed field, or another
// transaction committed a conflicting write since this one's snapshot
// was taken.
func (dm *decisionMaker[K, V]) rrCheck(committedVal *V) bool {
	if dm.kind != dmRRLock || dm.snapshotLookup == nil {
		return true
	}
	snapVal, known := dm.snapshotLookup()
	if !known {
		return true
	}
	return samePtrValue(snapVal, committedVal)
}

func samePtrValue[V any](a, b *V) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(*a, *b)
}

func (dm *decisionMaker[K, V]) decideAbsent() mvstore.Decision {
	if dm.kind == dmPutIfAbsent && dm.snapshotLookup != nil {
		if v, known := dm.snapshotLookup(); known && v != nil {
			// Phantom check: the tx's own frozen snapshot already had
			// a value here even though the live map shows nothing —
			// inserting now would be a lost-update-style phantom.
			return dm.abort()
		}
	}
	opID, err := dm.tx.store.log(dm.tx, dm.mapID, dm.key, false, 0, nil, nil)
	if err != nil {
		dm.err = err
		return dm.abort()
	}
	dm.logged, dm.loggedOpID = true, opID
	if dm.kind == dmLock || dm.kind == dmRRLock {
		// Keep the key absent but still record an undo entry: a lock
		// acquired on an absent key must still roll back cleanly.
		dm.outcome = outcomeRemove
		return mvstore.DecisionRemove
	}
	dm.pending = VersionedCell[V]{OpID: opID, Current: dm.newVal}
	dm.outcome = outcomePut
	return mvstore.DecisionPut
}

func (dm *decisionMaker[K, V]) decideCommitted(existing VersionedCell[V]) mvstore.Decision {
	if dm.kind == dmPutIfAbsent && existing.Current != nil {
		return dm.abort()
	}
	if !dm.rrCheck(existing.Current) {
		dm.err = &DeadlockError{Victim: dm.tx.slotID}
		return dm.abort()
	}
	opID, err := dm.tx.store.log(dm.tx, dm.mapID, dm.key, true, existing.OpID, existing.Current, existing.Committed)
	if err != nil {
		dm.err = err
		return dm.abort()
	}
	dm.logged, dm.loggedOpID = true, opID
	dm.pending = VersionedCell[V]{OpID: opID, Current: dm.resolveNewValue(existing.Current), Committed: existing.Current}
	dm.outcome = outcomePut
	return mvstore.DecisionPut
}

func (dm *decisionMaker[K, V]) decideUncommitted(existing VersionedCell[V]) mvstore.Decision {
	ownerSlot := slotOfOpID(existing.OpID)
	if ownerSlot == dm.tx.slotID {
		return dm.decideOwnWrite(existing)
	}

	owner := dm.tx.store.GetTransaction(ownerSlot)
	if owner == nil {
		return dm.decideOrphan(existing)
	}
	if dm.tx.store.committingBitmap().Get(int(ownerSlot)) {
		return dm.decideCommitting(existing)
	}
	// Another in-flight, not-yet-committing transaction holds the
	// cell: block. The TxMap write loop observes blockingTx and calls
	// Transaction.waitFor before retrying.
	dm.blockingTx = owner
	return dm.abort()
}

func (dm *decisionMaker[K, V]) decideOwnWrite(existing VersionedCell[V]) mvstore.Decision {
	if dm.kind == dmPutIfAbsent && existing.Current != nil {
		return dm.abort()
	}
	if !dm.rrCheck(existing.Committed) {
		dm.err = &DeadlockError{Victim: dm.tx.slotID}
		return dm.abort()
	}
	opID, err := dm.tx.store.log(dm.tx, dm.mapID, dm.key, true, existing.OpID, existing.Current, existing.Committed)
	if err != nil {
		dm.err = err
		return dm.abort()
	}
	dm.logged, dm.loggedOpID = true, opID
	dm.pending = VersionedCell[V]{OpID: opID, Current: dm.resolveNewValue(existing.Current), Committed: existing.Committed}
	dm.outcome = outcomePut
	return mvstore.DecisionPut
}

// decideCommitting handles the cell's owner having set its committing
// bit but not yet finished phase 2 (spec.md §4.4's "owned by a tx whose
// bit is set in committingTransactions" row): existing.Current is
// logically committed already, so it both becomes the restore value on
// our own rollback and the new cell's Committed field.
func (dm *decisionMaker[K, V]) decideCommitting(existing VersionedCell[V]) mvstore.Decision {
	if dm.kind == dmPutIfAbsent && existing.Current != nil {
		return dm.abort()
	}
	if !dm.rrCheck(existing.Current) {
		dm.err = &DeadlockError{Victim: dm.tx.slotID}
		return dm.abort()
	}
	opID, err := dm.logCommittedOrAbsent(existing.Current)
	if err != nil {
		dm.err = err
		return dm.abort()
	}
	dm.pending = VersionedCell[V]{OpID: opID, Current: dm.resolveNewValue(existing.Current), Committed: existing.Current}
	dm.outcome = outcomePut
	return mvstore.DecisionPut
}

// decideOrphan handles a cell whose opId names a slot with no live
// Transaction (spec.md §4.4's two orphan rows): the first sighting asks
// Operate to re-run against a (hopefully) fresher root; an identical
// second sighting treats the cell as abandoned by a crashed writer and
// forward-rolls it past the orphan using its own Committed value.
func (dm *decisionMaker[K, V]) decideOrphan(existing VersionedCell[V]) mvstore.Decision {
	if dm.sawOrphanOnce && dm.sawOrphanOpID == existing.OpID {
		if dm.kind == dmPutIfAbsent && existing.Committed != nil {
			return dm.abort()
		}
		if !dm.rrCheck(existing.Committed) {
			dm.err = &DeadlockError{Victim: dm.tx.slotID}
			return dm.abort()
		}
		opID, err := dm.logCommittedOrAbsent(existing.Committed)
		if err != nil {
			dm.err = err
			return dm.abort()
		}
		dm.pending = VersionedCell[V]{OpID: opID, Current: dm.resolveNewValue(existing.Committed), Committed: existing.Committed}
		dm.outcome = outcomePut
		return mvstore.DecisionPut
	}
	dm.sawOrphanOnce = true
	dm.sawOrphanOpID = existing.OpID
	dm.outcome = outcomeRepeat
	return mvstore.DecisionRepeat
}

// logCommittedOrAbsent records an undo entry restoring a cell to a
// plain committed value (opId 0), or to "absent" when v is nil.
func (dm *decisionMaker[K, V]) logCommittedOrAbsent(v *V) (uint64, error) {
	if v == nil {
		return dm.tx.store.log(dm.tx, dm.mapID, dm.key, false, 0, nil, nil)
	}
	return dm.tx.store.log(dm.tx, dm.mapID, dm.key, true, 0, v, v)
}
