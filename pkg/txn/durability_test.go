package txn

import (
	"testing"
	"time"

	"github.com/mossdb/mossdb/pkg/compression"
	"github.com/mossdb/mossdb/pkg/mvstore"
	"github.com/mossdb/mossdb/pkg/storage"
)

func newWALStore(t *testing.T) (*Store, *storage.StorageEngine) {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.NewStorageEngine(storage.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("NewStorageEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	store := NewStore(DefaultConfig(), mvstore.NewRegistry())
	store.AttachWAL(engine)
	return store, engine
}

func TestDurabilityCommitWritesWALRecords(t *testing.T) {
	store, _ := newWALStore(t)

	tx, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m := openTestMap(t, tx, "m")
	if _, _, err := m.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := store.ReplayWAL()
	if err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one WAL entry")
	}
	var sawData, sawCommit bool
	for _, e := range entries {
		switch e.Type {
		case storage.LogRecordData:
			sawData = true
		case storage.LogRecordCommit:
			sawCommit = true
		}
	}
	if !sawData {
		t.Error("expected a LogRecordData entry for the Put")
	}
	if !sawCommit {
		t.Error("expected a LogRecordCommit entry")
	}
}

func TestDurabilityRollbackWritesRollbackMarker(t *testing.T) {
	store, _ := newWALStore(t)

	tx, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m := openTestMap(t, tx, "m")
	if _, _, err := m.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	entries, err := store.ReplayWAL()
	if err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	var sawRollback bool
	for _, e := range entries {
		if e.Type == storage.LogRecordRollback {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Error("expected a LogRecordRollback entry")
	}
}

func TestDurabilityCompressedPayloadsRoundTrip(t *testing.T) {
	store, _ := newWALStore(t)
	comp, err := compression.NewCompressor(compression.ZstdConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { comp.Close() })
	store.AttachCompressor(comp, 1)

	tx, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m := openTestMap(t, tx, "m")
	if _, _, err := m.Put(1, "a long enough value to clear the compression threshold"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := store.ReplayWAL()
	if err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected WAL entries")
	}
}

func TestDurabilityWithoutAttachedWALIsANoOp(t *testing.T) {
	store, _ := newTestStore(t)
	tx, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m := openTestMap(t, tx, "m")
	if _, _, err := m.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	entries, err := store.ReplayWAL()
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Fatal("expected no WAL entries when no WAL is attached")
	}
}
