package storage

import (
	"testing"
)

func TestNewStorageEngine(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)

	engine, err := NewStorageEngine(config)
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}
	defer engine.Close()

	if !engine.isOpen {
		t.Error("Expected engine to be open")
	}
}

func TestStorageEngineLogOperation(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewStorageEngine(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}
	defer engine.Close()

	lsn, err := engine.LogOperation(&LogRecord{
		Type:   LogRecordBegin,
		SlotID: 1,
		Data:   []byte("txn begin"),
	})
	if err != nil {
		t.Fatalf("Failed to log operation: %v", err)
	}
	if lsn == 0 {
		t.Error("Expected non-zero LSN")
	}

	commitLSN, err := engine.LogOperation(&LogRecord{
		Type:    LogRecordCommit,
		SlotID:  1,
		PrevLSN: lsn,
	})
	if err != nil {
		t.Fatalf("Failed to log commit: %v", err)
	}
	if commitLSN <= lsn {
		t.Errorf("Expected commit LSN > %d, got %d", lsn, commitLSN)
	}
}

func TestStorageEngineCheckpoint(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewStorageEngine(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}
	defer engine.Close()

	if _, err := engine.LogOperation(&LogRecord{Type: LogRecordBegin, SlotID: 1}); err != nil {
		t.Fatalf("Failed to log operation: %v", err)
	}

	if err := engine.Checkpoint(); err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}
}

func TestStorageEngineRecovery(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)

	engine, err := NewStorageEngine(config)
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}

	beginLSN, err := engine.LogOperation(&LogRecord{Type: LogRecordBegin, SlotID: 7, Data: []byte("payload")})
	if err != nil {
		t.Fatalf("Failed to log begin: %v", err)
	}
	if _, err := engine.LogOperation(&LogRecord{Type: LogRecordCommit, SlotID: 7, PrevLSN: beginLSN}); err != nil {
		t.Fatalf("Failed to log commit: %v", err)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	reopened, err := NewStorageEngine(config)
	if err != nil {
		t.Fatalf("Failed to reopen storage engine: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.Recover()
	if err != nil {
		t.Fatalf("Failed to recover: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Type != LogRecordBegin || records[0].SlotID != 7 {
		t.Errorf("Unexpected first record: %+v", records[0])
	}
	if records[1].Type != LogRecordCommit || records[1].SlotID != 7 {
		t.Errorf("Unexpected second record: %+v", records[1])
	}
}

func TestStorageEngineDoubleClose(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewStorageEngine(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("Failed to create storage engine: %v", err)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got error: %v", err)
	}
}
