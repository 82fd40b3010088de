package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogRecordType labels one WAL entry. Unlike the page-oriented WAL
// this package originally durabilized (insert/update/delete against a
// fixed-size page), mossdb's WAL durabilizes the MVCC commit/rollback
// boundary itself: each record either marks a transaction's 2PC
// decision or carries an opaque, already-encoded payload (a
// pkg/walcodec Record) for replay.
type LogRecordType uint8

const (
	LogRecordBegin LogRecordType = iota
	LogRecordCommit
	LogRecordRollback
	LogRecordCheckpoint
	// LogRecordData carries one opaque pkg/walcodec-encoded undo
	// record (an append to a transaction's log, or its COMMIT_MARKER)
	// rather than a 2PC boundary.
	LogRecordData
)

// LogRecord is a single WAL entry.
type LogRecord struct {
	LSN     uint64 // Log Sequence Number, assigned by Append
	Type    LogRecordType
	SlotID  uint32 // transaction slot this record belongs to
	Data    []byte // opaque payload, typically a pkg/walcodec-encoded Record
	PrevLSN uint64 // previous LSN written for this slot, for chaining
}

// WAL is an append-only Write-Ahead Log file.
type WAL struct {
	file       *os.File
	mu         sync.Mutex
	currentLSN uint64
}

// NewWAL opens (creating if necessary) a WAL file at path, positioning
// currentLSN at the byte offset of the file's current end so LSNs
// stay monotonic across restarts.
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek WAL file: %w", err)
	}

	return &WAL{
		file:       file,
		currentLSN: uint64(pos),
	}, nil
}

// Append writes a log record to the WAL and returns its assigned LSN.
func (w *WAL) Append(record *LogRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentLSN++
	record.LSN = w.currentLSN

	data := serializeRecord(record)
	if _, err := w.file.Write(data); err != nil {
		return 0, fmt.Errorf("failed to write WAL record: %w", err)
	}
	return record.LSN, nil
}

// Format: [8-byte LSN][1-byte Type][4-byte SlotID][8-byte PrevLSN][4-byte DataLen][Data]
func serializeRecord(record *LogRecord) []byte {
	dataLen := len(record.Data)
	buf := make([]byte, 25+dataLen)

	binary.LittleEndian.PutUint64(buf[0:8], record.LSN)
	buf[8] = byte(record.Type)
	binary.LittleEndian.PutUint32(buf[9:13], record.SlotID)
	binary.LittleEndian.PutUint64(buf[13:21], record.PrevLSN)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(dataLen))
	copy(buf[25:], record.Data)

	return buf
}

func deserializeRecord(data []byte) (*LogRecord, error) {
	if len(data) < 25 {
		return nil, fmt.Errorf("invalid WAL record: too short")
	}

	record := &LogRecord{
		LSN:     binary.LittleEndian.Uint64(data[0:8]),
		Type:    LogRecordType(data[8]),
		SlotID:  binary.LittleEndian.Uint32(data[9:13]),
		PrevLSN: binary.LittleEndian.Uint64(data[13:21]),
	}

	dataLen := binary.LittleEndian.Uint32(data[21:25])
	if len(data) < 25+int(dataLen) {
		return nil, fmt.Errorf("invalid WAL record: data truncated")
	}
	record.Data = make([]byte, dataLen)
	copy(record.Data, data[25:25+dataLen])

	return record, nil
}

// Flush forces buffered writes to disk.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Replay reads every record from the start of the file, for recovery
// on startup. The file position is restored to EOF afterward so
// subsequent Append calls continue to append.
func (w *WAL) Replay() ([]*LogRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var records []*LogRecord
	header := make([]byte, 25)

	for {
		n, err := w.file.Read(header)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read WAL record header: %w", err)
		}
		if n < 25 {
			break // incomplete trailing record
		}

		dataLen := binary.LittleEndian.Uint32(header[21:25])
		full := make([]byte, 25+dataLen)
		copy(full[:25], header)
		if dataLen > 0 {
			if _, err := io.ReadFull(w.file, full[25:]); err != nil {
				return nil, fmt.Errorf("failed to read WAL record data: %w", err)
			}
		}

		record, err := deserializeRecord(full)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize WAL record: %w", err)
		}
		records = append(records, record)
	}

	w.file.Seek(0, io.SeekEnd)
	return records, nil
}

// Checkpoint writes a checkpoint marker and flushes.
func (w *WAL) Checkpoint() error {
	if _, err := w.Append(&LogRecord{Type: LogRecordCheckpoint}); err != nil {
		return err
	}
	return w.Flush()
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
