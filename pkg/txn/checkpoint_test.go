package txn

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCheckpointDumpAndLoadCommittedBulk(t *testing.T) {
	store, _ := newTestStore(t)

	tx1, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m1.Put(2, "b"); err != nil {
		t.Fatal(err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := store.Begin("t2", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m2 := openTestMap(t, tx2, "m")
	dump, err := DumpCommittedBulk[int, string](m2)
	if err != nil {
		t.Fatalf("DumpCommittedBulk: %v", err)
	}
	tx2.Commit()

	keysJSON, values, err := LoadCommittedBulk(dump)
	if err != nil {
		t.Fatalf("LoadCommittedBulk: %v", err)
	}
	var keys []int
	if err := json.Unmarshal(keysJSON, &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != 1 || keys[1] != 2 {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}
	var v0, v1 string
	if err := json.Unmarshal(values[0], &v0); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(values[1], &v1); err != nil {
		t.Fatal(err)
	}
	if v0 != "a" || v1 != "b" {
		t.Fatalf("got values %q, %q", v0, v1)
	}
}

// TestCheckpointDumpCommittedBulkCompressesLargeDumps exercises the
// walcodec.MaybeCompress leading flag byte DumpCommittedBulk/
// LoadCommittedBulk wrap the bulk cell array in: a dump past
// walcodec.CompressThreshold takes the compressed path and still
// round-trips.
func TestCheckpointDumpCommittedBulkCompressesLargeDumps(t *testing.T) {
	store, _ := newTestStore(t)
	tx, err := store.Begin("t", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m := openTestMap(t, tx, "m")
	longValue := ""
	for i := 0; i < 200; i++ {
		longValue += "checkpoint payload filler "
	}
	const n = 20
	for i := 0; i < n; i++ {
		if _, _, err := m.Put(i, longValue); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := store.Begin("t2", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m2 := openTestMap(t, tx2, "m")
	dump, err := DumpCommittedBulk[int, string](m2)
	if err != nil {
		t.Fatalf("DumpCommittedBulk: %v", err)
	}
	tx2.Commit()

	if dump[0] != 1 {
		t.Fatalf("expected a large dump to take the compressed path, got flag byte %d", dump[0])
	}

	keysJSON, values, err := LoadCommittedBulk(dump)
	if err != nil {
		t.Fatalf("LoadCommittedBulk: %v", err)
	}
	var keys []int
	if err := json.Unmarshal(keysJSON, &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != n {
		t.Fatalf("got %d keys, want %d", len(keys), n)
	}
	var v0 string
	if err := json.Unmarshal(values[0], &v0); err != nil {
		t.Fatal(err)
	}
	if v0 != longValue {
		t.Fatalf("value round-trip mismatch")
	}
}
