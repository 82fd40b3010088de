package txn

import "github.com/mossdb/mossdb/pkg/mvstore"

// commitMarkerMapID is the sentinel MapID spec.md §4.5 uses for a
// transaction's first undo record, written the instant a write makes
// the transaction durable-relevant and erased last on rollback. Its
// presence (or absence) at recovery time is what tells Store.Init
// whether to roll a slot's log forward or backward.
const commitMarkerMapID int32 = -1

// undoRecord is one entry of a transaction's undo log (spec.md §3 /
// §6). Key and the two value fields are stored as `any` rather than
// typed generics: a single slot's undo log accumulates writes against
// however many differently-typed TxMaps that transaction touched, so
// it needs the same Object-keyed erasure H2's TransactionStore uses,
// just expressed with Go's `any` instead of unchecked casts.
//
// hadOld distinguishes "the key did not exist before this write" (a
// rollback must remove it) from "the key held oldOpID/oldCurrent/
// oldCommitted before this write" (a rollback must restore that cell
// verbatim).
type undoRecord struct {
	mapID        int32
	key          any
	hadOld       bool
	oldOpID      uint64
	oldCurrent   any
	oldCommitted any
}

func isCommitMarker(r undoRecord) bool {
	return r.mapID == commitMarkerMapID
}

// undoLog is the per-slot persistent map of opId -> undoRecord. It is
// itself an ordinary mvstore.Map: a transaction's undo log is "just
// another versioned map" per spec.md §6, not a bespoke structure.
type undoLog struct {
	under *mvstore.Map[uint64, undoRecord]
}

func openUndoLog(r *mvstore.Registry, slot uint32) (*undoLog, error) {
	name := undoLogName(slot)
	m, err := mvstore.OpenMap[uint64, undoRecord](r, name)
	if err != nil {
		return nil, err
	}
	return &undoLog{under: m}, nil
}

func (u *undoLog) append(opID uint64, rec undoRecord) {
	u.under.Put(opID, rec)
}

func (u *undoLog) remove(opID uint64) {
	u.under.Remove(opID)
}

func (u *undoLog) get(opID uint64) (undoRecord, bool) {
	return u.under.Get(nil, opID)
}

func (u *undoLog) isEmpty() bool {
	return u.under.SizeAsLong() == 0
}

// ascending walks every record from the slot's first logId upward,
// used for commit replay (oldest write first).
func (u *undoLog) ascending() *mvstore.Cursor[uint64, undoRecord] {
	return u.under.Cursor(nil, nil, nil, false)
}

// descending walks every record from the slot's most recent write
// downward, used for rollback (undo most recent write first).
func (u *undoLog) descending() *mvstore.Cursor[uint64, undoRecord] {
	return u.under.Cursor(nil, nil, nil, true)
}

func (u *undoLog) clear() {
	u.under.Clear()
}
