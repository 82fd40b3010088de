package txn

import (
	"cmp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossdb/mossdb/pkg/compression"
	"github.com/mossdb/mossdb/pkg/mvstore"
	"github.com/mossdb/mossdb/pkg/storage"
)

// Config controls a Store's capacity and timeouts (spec.md §3's
// "maxSlots", mirrored on pkg/storage.Config/DefaultConfig's
// functional-struct-config style).
type Config struct {
	// MaxSlots bounds how many transactions can be open at once; a
	// Begin beyond this returns ErrTooManyOpenTransactions.
	MaxSlots int
	// DefaultLockTimeout is used by Begin callers that pass 0.
	DefaultLockTimeout time.Duration
}

// DefaultConfig mirrors spec.md §3's default of 65535 slots.
func DefaultConfig() *Config {
	return &Config{
		MaxSlots:           65535,
		DefaultLockTimeout: time.Second,
	}
}

// preparedInfo is the durable record of a two-phase-commit transaction
// that survived Init() without ever reaching Commit/Rollback (spec.md
// §4.8).
type preparedInfo struct {
	ownerID   string
	isolation Isolation
	name      string
}

// txMapHandle is the narrow, type-erased contract Store needs from a
// TxMap[K,V] to replay or roll back undo records without knowing K/V
// (mirrors mvstore's own AnyMap erasure, one layer up: here the erased
// operations are "commit a cell" and "restore a cell", not just
// "get/put").
type txMapHandle interface {
	ID() int32
	Name() string
	commitCell(key any, expectedOpID uint64)
	restoreCell(key any, hadOld bool, oldOpID uint64, oldCurrent, oldCommitted any)
}

// Store is the transaction manager: slot allocation, the committing
// bitmap, and the commit/rollback/recovery state machine of spec.md
// §3–§5. One Store is normally paired with one in-memory
// mvstore.Registry (and optionally one pkg/storage WAL, attached to the
// Store itself via AttachWAL), though tests may share a Registry across
// two Store instances to simulate a restart.
type Store struct {
	cfg      *Config
	registry *mvstore.Registry
	versions *mvstore.VersionTracker

	openSlots  atomic.Pointer[mvstore.VersionedBitSet]
	committing atomic.Pointer[mvstore.VersionedBitSet]

	mu           sync.Mutex
	transactions map[uint32]*Transaction
	undoLogs     map[uint32]*undoLog
	maps         map[int32]txMapHandle
	prepared     *mvstore.Map[uint32, preparedInfo]

	nextSeq atomic.Uint64
	tempSeq atomic.Int64

	// rollbackListener is invoked once per restored cell during a
	// rollback, for callers (e.g. an index maintainer) that need to
	// undo secondary effects of a write. Optional.
	rollbackListener func(mapName string, key any, oldValue any)

	subMu sync.RWMutex
	subs  map[*eventSub]struct{}

	commitCount   atomic.Uint64
	rollbackCount atomic.Uint64
	deadlockCount atomic.Uint64

	wal               *storage.StorageEngine
	compressor        *compression.Compressor
	compressThreshold int
}

// NewStore creates a transaction manager over registry. registry may
// already contain maps from a previous run; call Init before Begin to
// recover them.
func NewStore(cfg *Config, registry *mvstore.Registry) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Store{
		cfg:          cfg,
		registry:     registry,
		versions:     mvstore.NewVersionTracker(),
		transactions: make(map[uint32]*Transaction),
		undoLogs:     make(map[uint32]*undoLog),
		maps:         make(map[int32]txMapHandle),
		subs:         make(map[*eventSub]struct{}),
	}
	s.openSlots.Store(mvstore.NewVersionedBitSet(cfg.MaxSlots))
	s.committing.Store(mvstore.NewVersionedBitSet(cfg.MaxSlots))
	prepared, err := mvstore.OpenMap[uint32, preparedInfo](registry, preparedTransactionsName)
	if err != nil {
		// Registry.OpenMap only fails on a type mismatch against an
		// existing binding, which can't happen for a name this
		// package owns exclusively; a Store is misused if it does.
		panic(err)
	}
	s.prepared = prepared
	return s
}

// SetRollbackListener installs a callback invoked for every cell a
// rollback restores.
func (s *Store) SetRollbackListener(fn func(mapName string, key any, oldValue any)) {
	s.rollbackListener = fn
}

func (s *Store) committingBitmap() *mvstore.VersionedBitSet {
	return s.committing.Load()
}

func (s *Store) openSlotsBitmap() *mvstore.VersionedBitSet {
	return s.openSlots.Load()
}

func (s *Store) setCommitting(slot uint32) {
	for {
		old := s.committing.Load()
		next := old.WithSet(int(slot))
		if s.committing.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Store) clearCommitting(slot uint32) {
	for {
		old := s.committing.Load()
		next := old.WithClear(int(slot))
		if s.committing.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Store) allocateSlot() (uint32, error) {
	for {
		old := s.openSlots.Load()
		bit := old.NextClearBit(0)
		if bit >= s.cfg.MaxSlots {
			return 0, ErrTooManyOpenTransactions
		}
		next := old.WithSet(bit)
		if s.openSlots.CompareAndSwap(old, next) {
			return uint32(bit), nil
		}
	}
}

func (s *Store) freeSlot(slot uint32) {
	for {
		old := s.openSlots.Load()
		next := old.WithClear(int(slot))
		if s.openSlots.CompareAndSwap(old, next) {
			return
		}
	}
}

// Begin allocates a slot and returns a new Transaction (spec.md §4.1).
// timeout of 0 uses cfg.DefaultLockTimeout.
func (s *Store) Begin(ownerID string, isolation Isolation, timeout time.Duration) (*Transaction, error) {
	slot, err := s.allocateSlot()
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = s.cfg.DefaultLockTimeout
	}
	seq := s.nextSeq.Add(1)
	log, err := openUndoLog(s.registry, slot)
	if err != nil {
		s.freeSlot(slot)
		return nil, err
	}
	tx := newTransaction(s, slot, seq, ownerID, isolation, timeout)

	s.mu.Lock()
	s.transactions[slot] = tx
	s.undoLogs[slot] = log
	s.mu.Unlock()
	return tx, nil
}

// GetTransaction returns the transaction currently occupying slot, or
// nil if the slot is free. Callers that hold a weak reference (slot +
// sequence number) must additionally compare SequenceNum to detect a
// reused slot.
func (s *Store) GetTransaction(slot uint32) *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions[slot]
}

func (s *Store) registerMap(h txMapHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[h.ID()] = h
}

// log appends one undo record for tx's write at (mapID, key),
// returning the opId the caller should stamp on the new cell.
func (s *Store) log(tx *Transaction, mapID int32, key any, hadOld bool, oldOpID uint64, oldCurrent, oldCommitted any) (uint64, error) {
	logID, err := tx.nextLogID()
	if err != nil {
		return 0, err
	}
	opID := makeOpID(tx.slotID, logID)
	s.mu.Lock()
	ul := s.undoLogs[tx.slotID]
	s.mu.Unlock()
	ul.append(opID, undoRecord{
		mapID:        mapID,
		key:          key,
		hadOld:       hadOld,
		oldOpID:      oldOpID,
		oldCurrent:   oldCurrent,
		oldCommitted: oldCommitted,
	})
	s.persistUndoRecord(tx, mapID, key, hadOld, oldOpID, oldCurrent, oldCommitted)
	return opID, nil
}

// logUndo discards the most recently appended undo record without
// ever applying its write, the symmetric operation to log used when a
// decision maker's speculative PUT gets superseded before the CAS
// commits it (decision.go's reset).
func (s *Store) logUndo(tx *Transaction, opID uint64) {
	s.mu.Lock()
	ul := s.undoLogs[tx.slotID]
	s.mu.Unlock()
	ul.remove(opID)
	tx.undoLogID()
}

// writeCommitMarker appends spec.md §4.5's COMMIT_MARKER (mapId = -1)
// at logId 0, the slot's lowest possible opId so it is always the
// first record a recovery scan of this slot's log encounters. It must
// be written only once a transaction has actually decided to commit
// (here, immediately after Store.commit sets the committing bit) —
// never preemptively at the transaction's first write, or a crash
// before any real commit decision would make Store.Init wrongly roll
// an abandoned transaction's writes forward instead of back.
func (s *Store) writeCommitMarker(tx *Transaction) {
	s.mu.Lock()
	ul := s.undoLogs[tx.slotID]
	s.mu.Unlock()
	ul.append(makeOpID(tx.slotID, 0), undoRecord{mapID: commitMarkerMapID})
	s.persistCommitMarker(tx)
}

// commit runs phase 1 (mark committing) and phase 2 (rewrite or erase
// every touched cell) of spec.md §4.1/§4.5. The committing bit stays
// set until every undo record has been erased, satisfying the
// invariant of spec.md §5 that a reader must never see a gap between
// "logically committed" and "physically rewritten".
func (s *Store) commit(tx *Transaction) {
	if !tx.HasChanges() {
		return
	}
	s.setCommitting(tx.slotID)
	s.writeCommitMarker(tx)

	s.mu.Lock()
	ul := s.undoLogs[tx.slotID]
	s.mu.Unlock()

	cur := ul.ascending()
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		rec := e.Value
		if isCommitMarker(rec) {
			ul.remove(e.Key)
			continue
		}
		s.mu.Lock()
		h := s.maps[rec.mapID]
		s.mu.Unlock()
		if h != nil {
			h.commitCell(rec.key, e.Key)
		}
		ul.remove(e.Key)
	}
}

// rollbackTo undoes every undo record with opId in (makeOpID(tx,to),
// makeOpID(tx,from)] in descending order, restoring each touched cell
// to what it held before that write (spec.md §4.6).
func (s *Store) rollbackTo(tx *Transaction, from, to uint64) error {
	if from <= to {
		return nil
	}
	s.mu.Lock()
	ul := s.undoLogs[tx.slotID]
	s.mu.Unlock()
	if ul == nil {
		return ErrTransactionIllegalState
	}

	toOpID := makeOpID(tx.slotID, to)
	cur := ul.descending()
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		if e.Key <= toOpID {
			break
		}
		rec := e.Value
		if isCommitMarker(rec) {
			ul.remove(e.Key)
			continue
		}
		s.mu.Lock()
		h := s.maps[rec.mapID]
		s.mu.Unlock()
		if h != nil {
			h.restoreCell(rec.key, rec.hadOld, rec.oldOpID, rec.oldCurrent, rec.oldCommitted)
			if s.rollbackListener != nil {
				var oldVal any
				if rec.hadOld {
					oldVal = rec.oldCurrent
				}
				s.rollbackListener(h.Name(), rec.key, oldVal)
			}
		}
		ul.remove(e.Key)
	}
	if to == 0 {
		ul.remove(makeOpID(tx.slotID, 0))
		s.persistRollback(tx)
	}
	return nil
}

func (s *Store) markPrepared(tx *Transaction) {
	s.prepared.Put(tx.slotID, preparedInfo{
		ownerID:   tx.ownerID,
		isolation: tx.isolation,
		name:      tx.Name(),
	})
}

// endTransaction clears the committing bit (commit leaves it set
// through phase 2; a no-op if it was never set), frees the slot, and drops the
// transaction from the active table. keepPrepared is true only when
// called from code paths that must leave the prepared-transaction
// catalog entry intact (there are none yet; reserved for chained 2PC).
func (s *Store) endTransaction(tx *Transaction, keepPrepared bool) {
	s.clearCommitting(tx.slotID)
	if !keepPrepared {
		s.prepared.Remove(tx.slotID)
	}
	s.mu.Lock()
	delete(s.transactions, tx.slotID)
	delete(s.undoLogs, tx.slotID)
	s.mu.Unlock()
	s.freeSlot(tx.slotID)
}

// Init recovers the store after a restart (spec.md §4.1's init, §8
// scenarios 6/7): transactions left PREPARED are reconstructed and
// returned for the caller to decide; every other slot with a non-empty
// undo log is rolled forward (if it carries a commit marker) or
// backward (otherwise), then freed. Every map named in an undo record
// must already be open (via OpenMap) before calling Init, exactly as
// H2 opens its persistent maps before replaying TransactionStore.
func (s *Store) Init() ([]*Transaction, error) {
	preparedSlots := make(map[uint32]preparedInfo)
	cur := s.prepared.Cursor(nil, nil, nil, false)
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		preparedSlots[e.Key] = e.Value
	}

	s.removeTempMaps()

	var open []*Transaction
	for _, name := range s.registry.Names() {
		slot, ok := parseUndoLogName(name)
		if !ok {
			continue
		}
		log, err := openUndoLog(s.registry, slot)
		if err != nil {
			return nil, err
		}
		if log.isEmpty() {
			continue
		}
		s.mu.Lock()
		s.undoLogs[slot] = log
		s.mu.Unlock()

		if info, isPrepared := preparedSlots[slot]; isPrepared {
			seq := s.nextSeq.Add(1)
			tx := newTransaction(s, slot, seq, info.ownerID, info.isolation, s.cfg.DefaultLockTimeout)
			tx.SetName(info.name)
			tx.state.Store(packComposite(false, StatusPrepared, log.lastLogID()))
			s.mu.Lock()
			s.transactions[slot] = tx
			s.mu.Unlock()
			s.markRecoveredOpen(slot)
			open = append(open, tx)
			continue
		}

		if err := s.replaySlot(slot, log); err != nil {
			return nil, err
		}
	}
	return open, nil
}

// removeTempMaps drops every "temp.<n>" binding left over from a prior
// run (spec.md §4.1 init's "remove all temporary maps"): a crash can
// leave a bulk-load or sort scratch map bound with no transaction left
// to claim or clean it up, so every restart starts from zero of them.
func (s *Store) removeTempMaps() {
	for _, name := range s.registry.Names() {
		if !isTempMapName(name) {
			continue
		}
		if m, ok := s.registry.RemoveMap(name); ok {
			m.Clear()
		}
	}
}

// CreateTempMap opens a fresh scratch map under a store-unique
// "temp.<n>" name (spec.md §6), for callers doing a bulk sort or load
// that need working storage with no undo-log bookkeeping. The caller
// is responsible for calling DropTempMap when done; a crash before
// that leaves it for the next Init's removeTempMaps sweep.
func CreateTempMap[K cmp.Ordered, V any](s *Store) (*mvstore.Map[K, V], error) {
	n := s.tempSeq.Add(1)
	return mvstore.OpenMap[K, V](s.registry, tempMapName(n))
}

// DropTempMap releases a map created by CreateTempMap.
func (s *Store) DropTempMap(name string) {
	if m, ok := s.registry.RemoveMap(name); ok {
		m.Clear()
	}
}

func (s *Store) markRecoveredOpen(slot uint32) {
	for {
		old := s.openSlots.Load()
		next := old.WithSet(int(slot))
		if s.openSlots.CompareAndSwap(old, next) {
			return
		}
	}
}

// replaySlot rolls an abandoned (non-prepared) slot's log forward if
// it committed, backward otherwise, then frees it.
func (s *Store) replaySlot(slot uint32, log *undoLog) error {
	committed := false
	if rec, ok := log.get(makeOpID(slot, 0)); ok && isCommitMarker(rec) {
		committed = true
	}

	if committed {
		cur := log.ascending()
		for {
			e, ok := cur.Next()
			if !ok {
				break
			}
			rec := e.Value
			if isCommitMarker(rec) {
				continue
			}
			s.mu.Lock()
			h := s.maps[rec.mapID]
			s.mu.Unlock()
			if h != nil {
				h.commitCell(rec.key, e.Key)
			}
		}
	} else {
		cur := log.descending()
		for {
			e, ok := cur.Next()
			if !ok {
				break
			}
			rec := e.Value
			if isCommitMarker(rec) {
				continue
			}
			s.mu.Lock()
			h := s.maps[rec.mapID]
			s.mu.Unlock()
			if h != nil {
				h.restoreCell(rec.key, rec.hadOld, rec.oldOpID, rec.oldCurrent, rec.oldCommitted)
			}
		}
	}
	log.clear()
	s.mu.Lock()
	delete(s.undoLogs, slot)
	s.mu.Unlock()
	return nil
}

func (u *undoLog) lastLogID() uint64 {
	var last uint64
	cur := u.ascending()
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		if logID := logIDOfOpID(e.Key); logID > last {
			last = logID
		}
	}
	return last
}
