package txn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/mossdb/mossdb/pkg/compression"
	"github.com/mossdb/mossdb/pkg/storage"
	"github.com/mossdb/mossdb/pkg/walcodec"
)

// AttachWAL gives the store a durability journal: every undo record a
// transaction logs, and every commit/rollback decision it reaches, is
// additionally appended to wal before the in-memory undo log is
// mutated. Without a WAL attached, Store runs exactly as before
// (in-memory only, recoverable only within the lifetime of its
// Registry) — tests that don't need durability never have to pay for
// it.
func (s *Store) AttachWAL(wal *storage.StorageEngine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wal = wal
}

// AttachCompressor enables compression of WAL payloads at or above
// thresholdBytes. Below the threshold a record is written raw, since
// zstd framing overhead outweighs its savings on small undo records.
func (s *Store) AttachCompressor(c *compression.Compressor, thresholdBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressor = c
	s.compressThreshold = thresholdBytes
}

// walPayloadRaw and walPayloadCompressed are the one-byte prefix a WAL
// record's Data carries ahead of its walcodec.Record bytes, so Replay
// knows whether to decompress before decoding regardless of whatever
// compressor (or none) a later run of mossdb-server attaches.
const (
	walPayloadRaw        byte = 0
	walPayloadCompressed byte = 1
)

// encodeKeyOrValue serializes a txn package key or value for the WAL.
// Keys and values arrive here type-erased (as `any`, sometimes a `*V`
// pointer with V unknown to this package), so unlike pkg/walcodec's
// typed Cell fields, there is no caller-supplied Serializer to invoke —
// encoding/json is used generically instead, accepting the reflection
// cost in exchange for never needing a per-K/V codec registration.
func encodeKeyOrValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// buildWALCell translates one undo record's before-image into a
// walcodec.Cell, mirroring VersionedCell[V]'s own shape: oldCurrent and
// oldCommitted are independently optional.
func buildWALCell(oldOpID uint64, oldCurrent, oldCommitted any) (walcodec.Cell, error) {
	c := walcodec.Cell{OpID: oldOpID}
	if oldOpID == 0 {
		raw, err := encodeKeyOrValue(oldCurrent)
		if err != nil {
			return walcodec.Cell{}, err
		}
		c.HasValue = true
		c.Value = raw
		return c, nil
	}
	if oldCurrent != nil {
		raw, err := encodeKeyOrValue(oldCurrent)
		if err != nil {
			return walcodec.Cell{}, err
		}
		c.HasCurrent = true
		c.Current = raw
	}
	if oldCommitted != nil {
		raw, err := encodeKeyOrValue(oldCommitted)
		if err != nil {
			return walcodec.Cell{}, err
		}
		c.HasCommitted = true
		c.Committed = raw
	}
	return c, nil
}

// persistUndoRecord mirrors one in-memory undoLog.append onto the WAL,
// so a crash before the next checkpoint can still replay it. A
// failure here is logged, not returned: the in-memory undo log (and
// thus the transaction itself) stays correct either way, only crash
// recovery's fidelity degrades, and Store's call sites were written
// long before AttachWAL existed and shouldn't have to start handling
// an error from logging a write.
func (s *Store) persistUndoRecord(tx *Transaction, mapID int32, key any, hadOld bool, oldOpID uint64, oldCurrent, oldCommitted any) {
	if s.wal == nil {
		return
	}
	keyBytes, err := encodeKeyOrValue(key)
	if err != nil {
		log.Printf("txn: wal encode key for slot %d: %v", tx.slotID, err)
		return
	}
	rec := walcodec.Record{MapID: mapID, Key: keyBytes}
	if hadOld {
		cell, err := buildWALCell(oldOpID, oldCurrent, oldCommitted)
		if err != nil {
			log.Printf("txn: wal encode cell for slot %d: %v", tx.slotID, err)
			return
		}
		rec.HasOld = true
		rec.OldValue = cell
	}
	s.writeWALRecord(tx.slotID, storage.LogRecordData, rec)
}

// persistCommitMarker writes spec.md §4.5's COMMIT_MARKER to the WAL
// immediately after writeCommitMarker records it in the in-memory undo
// log, at the same instant in the commit protocol.
func (s *Store) persistCommitMarker(tx *Transaction) {
	if s.wal == nil {
		return
	}
	s.writeWALRecord(tx.slotID, storage.LogRecordCommit, walcodec.Record{MapID: walcodec.CommitMarkerMapID})
}

// persistRollback writes a rollback boundary to the WAL once a full
// rollback (rollbackTo's to == 0 case) has undone every in-memory
// record, so replay knows this slot's log ended in abandonment rather
// than commit even if its COMMIT_MARKER was never reached.
func (s *Store) persistRollback(tx *Transaction) {
	if s.wal == nil {
		return
	}
	s.writeWALRecord(tx.slotID, storage.LogRecordRollback, walcodec.Record{MapID: walcodec.CommitMarkerMapID})
}

// writeWALRecord encodes rec with pkg/walcodec, optionally compresses
// it, and appends it to the attached WAL under a one-byte raw/
// compressed prefix.
func (s *Store) writeWALRecord(slot uint32, typ storage.LogRecordType, rec walcodec.Record) {
	var buf bytes.Buffer
	if err := walcodec.EncodeRecord(&buf, rec); err != nil {
		log.Printf("txn: wal encode record for slot %d: %v", slot, err)
		return
	}
	payload := buf.Bytes()
	prefix := walPayloadRaw
	if s.compressor != nil && len(payload) >= s.compressThreshold && s.compressThreshold > 0 {
		compressed, err := s.compressor.Compress(payload)
		if err != nil {
			log.Printf("txn: wal compress record for slot %d: %v", slot, err)
		} else {
			payload = compressed
			prefix = walPayloadCompressed
		}
	}
	data := make([]byte, 1+len(payload))
	data[0] = prefix
	copy(data[1:], payload)
	if _, err := s.wal.LogOperation(&storage.LogRecord{Type: typ, SlotID: slot, Data: data}); err != nil {
		log.Printf("txn: wal append for slot %d: %v", slot, err)
	}
}

// WALEntry is one decoded record from a Store's attached WAL, returned
// by ReplayWAL for inspection.
type WALEntry struct {
	LSN    uint64
	Slot   uint32
	Type   storage.LogRecordType
	Record walcodec.Record
}

// ReplayWAL decodes every record an attached WAL holds, in LSN order.
// Because pkg/mvstore's Map is an in-memory copy-on-write structure
// (see pkg/storage.StorageEngine's doc comment), the WAL cannot by
// itself reconstruct a Store's live transaction state across a real
// process restart the way Init does across a shared Registry in
// tests — ReplayWAL is an inspection reader (no caller in this module
// outside the tests), and exercises the same decode path
// writeWALRecord's encoding must round-trip through.
func (s *Store) ReplayWAL() ([]WALEntry, error) {
	if s.wal == nil {
		return nil, nil
	}
	raw, err := s.wal.Recover()
	if err != nil {
		return nil, err
	}
	entries := make([]WALEntry, 0, len(raw))
	for _, lr := range raw {
		if lr.Type == storage.LogRecordCheckpoint || lr.Type == storage.LogRecordBegin {
			entries = append(entries, WALEntry{LSN: lr.LSN, Slot: lr.SlotID, Type: lr.Type})
			continue
		}
		rec, err := decodeWALPayload(s.compressor, lr.Data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, WALEntry{LSN: lr.LSN, Slot: lr.SlotID, Type: lr.Type, Record: rec})
	}
	return entries, nil
}

// decodeWALPayload reverses writeWALRecord's raw/compressed prefix,
// for ReplayWAL and tests that verify the encoding round-trips.
func decodeWALPayload(compressor *compression.Compressor, data []byte) (walcodec.Record, error) {
	if len(data) == 0 {
		return walcodec.Record{}, nil
	}
	prefix, payload := data[0], data[1:]
	if prefix == walPayloadCompressed {
		if compressor == nil {
			return walcodec.Record{}, ErrNoCompressorAttached
		}
		decompressed, err := compressor.Decompress(payload)
		if err != nil {
			return walcodec.Record{}, err
		}
		payload = decompressed
	}
	rec, err := walcodec.DecodeRecord(payload)
	if errors.Is(err, walcodec.ErrCorrupt) {
		return walcodec.Record{}, fmt.Errorf("%w: %v", ErrTransactionCorrupt, err)
	}
	return rec, err
}
