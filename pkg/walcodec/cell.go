// Package walcodec implements the on-disk wire format spec.md §6
// defines for versioned cells and undo-log records: a VarInt map id, a
// caller-serialized key, and a flags byte selecting which of a cell's
// two optional value fields are present. It is adapted from
// pkg/storage/wal.go's fixed-field binary.LittleEndian framing,
// generalized to the variable-shape records an undo log needs, and
// checksummed with BLAKE2b-256 (golang.org/x/crypto, the same package
// the teacher already uses for pbkdf2 in pkg/auth/pkg/encryption) so a
// torn write from a crash mid-record is detected instead of silently
// misread as a valid but garbled one.
package walcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// ErrCorrupt is returned by Decode* when a record's checksum doesn't
// match its bytes — a torn write, not a logic bug, so pkg/txn's WAL
// decoding (Store.ReplayWAL) maps it to ErrTransactionCorrupt rather
// than panicking.
var ErrCorrupt = errors.New("walcodec: checksum mismatch")

// CommitMarkerMapID is the sentinel map id spec.md §4.5 reserves for a
// transaction's first undo record.
const CommitMarkerMapID int32 = -1

// Cell is the on-disk form of a VersionedCell[V]: OpID 0 means
// committed, with Value holding the single present value; a non-zero
// OpID carries two independently-optional payloads, Current and
// Committed, exactly as spec.md §3 describes.
type Cell struct {
	OpID         uint64
	HasValue     bool
	Value        []byte
	HasCurrent   bool
	Current      []byte
	HasCommitted bool
	Committed    []byte
}

// EncodeCell writes c in spec.md §6's format: VarLong opId, then either
// the single value (opId == 0) or a flags byte plus up to two fields.
func EncodeCell(w io.Writer, c Cell) error {
	var varBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varBuf[:], c.OpID)
	if _, err := w.Write(varBuf[:n]); err != nil {
		return err
	}
	if c.OpID == 0 {
		return writeBytes(w, c.Value)
	}
	flags := byte(0)
	if c.HasCurrent {
		flags |= 1
	}
	if c.HasCommitted {
		flags |= 2
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}
	if c.HasCurrent {
		if err := writeBytes(w, c.Current); err != nil {
			return err
		}
	}
	if c.HasCommitted {
		if err := writeBytes(w, c.Committed); err != nil {
			return err
		}
	}
	return nil
}

// DecodeCell reads a Cell written by EncodeCell.
func DecodeCell(r io.ByteReader) (Cell, error) {
	opID, err := binary.ReadUvarint(r)
	if err != nil {
		return Cell{}, err
	}
	c := Cell{OpID: opID}
	if opID == 0 {
		v, err := readBytes(r)
		if err != nil {
			return Cell{}, err
		}
		c.HasValue = true
		c.Value = v
		return c, nil
	}
	flagByte, err := r.ReadByte()
	if err != nil {
		return Cell{}, err
	}
	if flagByte&1 != 0 {
		v, err := readBytes(r)
		if err != nil {
			return Cell{}, err
		}
		c.HasCurrent = true
		c.Current = v
	}
	if flagByte&2 != 0 {
		v, err := readBytes(r)
		if err != nil {
			return Cell{}, err
		}
		c.HasCommitted = true
		c.Committed = v
	}
	return c, nil
}

func writeBytes(w io.Writer, b []byte) error {
	var varBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varBuf[:], uint64(len(b)))
	if _, err := w.Write(varBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.ByteReader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

// Record is one undo-log entry (spec.md §3/§6): {mapId, key, oldValue}.
// A MapID of CommitMarkerMapID is the distinguished first record of a
// committing transaction's log; Key and OldValue are then absent.
type Record struct {
	MapID    int32
	Key      []byte
	HasOld   bool
	OldValue Cell
}

// EncodeRecord serializes rec followed by a BLAKE2b-256 checksum of
// everything preceding it, so DecodeRecord can detect a torn write.
func EncodeRecord(w io.Writer, rec Record) error {
	var body bytes.Buffer
	var varBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(varBuf[:], int64(rec.MapID))
	body.Write(varBuf[:n])
	if rec.MapID == CommitMarkerMapID {
		return finishRecord(w, body.Bytes())
	}
	if err := writeBytes(&body, rec.Key); err != nil {
		return err
	}
	if rec.HasOld {
		body.WriteByte(1)
		if err := EncodeCell(&body, rec.OldValue); err != nil {
			return err
		}
	} else {
		body.WriteByte(0)
	}
	return finishRecord(w, body.Bytes())
}

func finishRecord(w io.Writer, body []byte) error {
	sum := blake2b.Sum256(body)
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := w.Write(sum[:])
	return err
}

// DecodeRecord reads a Record written by EncodeRecord, verifying its
// checksum. data must be exactly one record (body plus trailing
// checksum), e.g. one length-delimited frame from pkg/storage.WAL.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) < blake2b.Size256 {
		return Record{}, fmt.Errorf("walcodec: record too short: %w", ErrCorrupt)
	}
	body := data[:len(data)-blake2b.Size256]
	wantSum := data[len(data)-blake2b.Size256:]
	gotSum := blake2b.Sum256(body)
	if !bytes.Equal(gotSum[:], wantSum) {
		return Record{}, ErrCorrupt
	}

	r := bytes.NewReader(body)
	mapIDRaw, err := binary.ReadVarint(r)
	if err != nil {
		return Record{}, err
	}
	rec := Record{MapID: int32(mapIDRaw)}
	if rec.MapID == CommitMarkerMapID {
		return rec, nil
	}
	key, err := readBytes(r)
	if err != nil {
		return Record{}, err
	}
	rec.Key = key
	hasOld, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	if hasOld == 1 {
		cell, err := DecodeCell(r)
		if err != nil {
			return Record{}, err
		}
		rec.HasOld = true
		rec.OldValue = cell
	}
	return rec, nil
}
