package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StorageEngine is the on-disk durability layer beneath pkg/txn: a
// single append-only WAL that records each transaction's commit and
// rollback decisions, plus the walcodec-encoded undo-log record of
// each write.
// Unlike a page-oriented engine, there is no buffer pool or disk
// manager here — pkg/mvstore's Map[K,V] is an in-memory copy-on-write
// structure, so the only thing that needs to survive a crash is the
// WAL itself; StorageEngine's job is to own that file and replay it.
type StorageEngine struct {
	wal     *WAL
	mu      sync.Mutex
	dataDir string
	isOpen  bool
}

// Config holds storage engine configuration.
type Config struct {
	DataDir string
}

// DefaultConfig returns default configuration.
func DefaultConfig(dataDir string) *Config {
	return &Config{DataDir: dataDir}
}

// NewStorageEngine opens (or creates) the WAL under config.DataDir.
func NewStorageEngine(config *Config) (*StorageEngine, error) {
	if err := ensureDir(config.DataDir); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	walPath := filepath.Join(config.DataDir, "wal.log")
	wal, err := NewWAL(walPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL: %w", err)
	}

	engine := &StorageEngine{
		wal:     wal,
		dataDir: config.DataDir,
		isOpen:  true,
	}
	return engine, nil
}

// Recover replays the WAL and returns its records in LSN order. Its
// caller is pkg/txn's Store.ReplayWAL, which decodes them for
// inspection; Store.Init does not read the WAL.
func (se *StorageEngine) Recover() ([]*LogRecord, error) {
	return se.wal.Replay()
}

// LogOperation appends a record to the WAL and returns its LSN.
func (se *StorageEngine) LogOperation(record *LogRecord) (uint64, error) {
	return se.wal.Append(record)
}

// Flush forces the WAL to disk.
func (se *StorageEngine) Flush() error {
	return se.wal.Flush()
}

// Checkpoint writes a checkpoint marker and flushes.
func (se *StorageEngine) Checkpoint() error {
	if err := se.wal.Checkpoint(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Close flushes and closes the WAL.
func (se *StorageEngine) Close() error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if !se.isOpen {
		return nil
	}
	if err := se.wal.Close(); err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}
	se.isOpen = false
	return nil
}

// ensureDir creates a directory if it doesn't exist.
func ensureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
