package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/mossdb/mossdb/pkg/mvstore"
)

func newTestStore(t *testing.T) (*Store, *mvstore.Registry) {
	t.Helper()
	reg := mvstore.NewRegistry()
	return NewStore(DefaultConfig(), reg), reg
}

func openTestMap(t *testing.T, tx *Transaction, name string) *TxMap[int, string] {
	t.Helper()
	m, err := OpenMap[int, string](tx, name)
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	return m
}

// Scenario 1: simple commit.
func TestScenarioSimpleCommit(t *testing.T) {
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
	if v, ok := m2.Get(1); !ok || v != "a" {
		t.Fatalf("key 1: got %q, %v", v, ok)
	}
	if v, ok := m2.Get(2); !ok || v != "b" {
		t.Fatalf("key 2: got %q, %v", v, ok)
	}
	if _, ok := m2.Get(3); ok {
		t.Fatal("key 3 should be absent")
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}
}

// Scenario 2: uncommitted invisible under read committed.
func TestScenarioUncommittedInvisibleUnderRC(t *testing.T) {
	store, _ := newTestStore(t)

	tx1, _ := store.Begin("t1", ReadCommitted, time.Second)
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "x"); err != nil {
		t.Fatal(err)
	}

	tx2, _ := store.Begin("t2", ReadCommitted, time.Second)
	m2 := openTestMap(t, tx2, "m")
	tx2.MarkStatementStart()
	if _, ok := m2.Get(1); ok {
		t.Fatal("T2 should not see T1's uncommitted write under RC")
	}

	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2.MarkStatementEnd()
	tx2.MarkStatementStart()
	if v, ok := m2.Get(1); !ok || v != "x" {
		t.Fatalf("after commit, T2 should see \"x\", got %q, %v", v, ok)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}
}

// Scenario 3: uncommitted visible under read uncommitted, gone after rollback.
func TestScenarioUncommittedVisibleUnderRU(t *testing.T) {
	store, _ := newTestStore(t)

	tx1, _ := store.Begin("t1", ReadCommitted, time.Second)
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "x"); err != nil {
		t.Fatal(err)
	}

	tx2, _ := store.Begin("t2", ReadUncommitted, time.Second)
	m2 := openTestMap(t, tx2, "m")
	if v, ok := m2.Get(1); !ok || v != "x" {
		t.Fatalf("T2 (RU) should see T1's uncommitted write, got %q, %v", v, ok)
	}

	if err := tx1.Rollback(); err != nil {
		t.Fatal(err)
	}

	if _, ok := m2.Get(1); ok {
		t.Fatal("after T1 rollback, key 1 should be absent")
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}
}

// Scenario 4: putIfAbsent blocks on an in-flight writer, then resolves once
// the blocker commits.
func TestScenarioPutIfAbsentContention(t *testing.T) {
	store, _ := newTestStore(t)

	tx1, _ := store.Begin("t1", ReadCommitted, time.Second)
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "a"); err != nil {
		t.Fatal(err)
	}

	tx2, _ := store.Begin("t2", ReadCommitted, 2*time.Second)
	m2 := openTestMap(t, tx2, "m")

	var wg sync.WaitGroup
	wg.Add(1)
	var gotVal string
	var gotExisted bool
	var putErr error
	go func() {
		defer wg.Done()
		gotVal, gotExisted, putErr = m2.PutIfAbsent(1, "b")
	}()

	time.Sleep(50 * time.Millisecond)
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if putErr != nil {
		t.Fatalf("PutIfAbsent: %v", putErr)
	}
	if !gotExisted || gotVal != "a" {
		t.Fatalf("expected PutIfAbsent to see existing \"a\", got %q, %v", gotVal, gotExisted)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	tx3, _ := store.Begin("t3", ReadCommitted, time.Second)
	m3 := openTestMap(t, tx3, "m")
	if v, _ := m3.Get(1); v != "a" {
		t.Fatalf("key 1 should still be \"a\" (no phantom insert), got %q", v)
	}
	_ = tx3.Commit()
}

// Scenario 5: deadlock. T1 locks 1, T2 locks 2; T1 tries to lock 2, T2
// tries to lock 1 — exactly one must observe a Deadlock, the other must
// complete.
func TestScenarioDeadlock(t *testing.T) {
	store, _ := newTestStore(t)

	tx1, _ := store.Begin("t1", ReadCommitted, 2*time.Second)
	tx2, _ := store.Begin("t2", ReadCommitted, 2*time.Second)
	m1 := openTestMap(t, tx1, "m")
	m2 := openTestMap(t, tx2, "m")

	if _, _, err := m1.Lock(1, tx1.timeout); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m2.Lock(2, tx2.timeout); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		_, _, err1 = m1.Lock(2, tx1.timeout)
	}()
	go func() {
		defer wg.Done()
		_, _, err2 = m2.Lock(1, tx2.timeout)
	}()
	wg.Wait()

	deadlocks := 0
	if IsDeadlock(err1) {
		deadlocks++
	} else if err1 != nil {
		t.Fatalf("tx1.Lock(2): unexpected error %v", err1)
	}
	if IsDeadlock(err2) {
		deadlocks++
	} else if err2 != nil {
		t.Fatalf("tx2.Lock(1): unexpected error %v", err2)
	}
	if deadlocks != 1 {
		t.Fatalf("expected exactly one deadlock victim, got %d (err1=%v err2=%v)", deadlocks, err1, err2)
	}

	if err1 == nil {
		_ = tx1.Commit()
		_ = tx2.Rollback()
	} else {
		_ = tx2.Commit()
		_ = tx1.Rollback()
	}
}

// Scenario 6: recovery with no commit marker rolls back.
func TestScenarioRecoveryRollsBackUncommitted(t *testing.T) {
	reg := mvstore.NewRegistry()
	store := NewStore(DefaultConfig(), reg)

	tx1, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	slot := tx1.SlotID()

	// Simulate a crash: build a fresh Store over the same registry
	// without ever calling Commit/Rollback on tx1. Init requires every
	// map named in an undo record to already be open, so re-register
	// "m" exactly as a real boot sequence would before recovering.
	store2 := NewStore(DefaultConfig(), reg)
	under, err := RegisterMap[int, string](store2, "m")
	if err != nil {
		t.Fatal(err)
	}
	recovered, err := store2.Init()
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected no prepared transactions recovered, got %d", len(recovered))
	}

	if _, ok := under.Get(nil, 1); ok {
		t.Fatal("key 1 should be absent after rollback recovery")
	}
	if store2.GetTransaction(slot) != nil {
		t.Fatal("slot should be free after recovery")
	}
}

// Scenario 7: a commit marker present at crash time replays forward.
func TestScenarioRecoveryReplaysCommitMarker(t *testing.T) {
	reg := mvstore.NewRegistry()
	store := NewStore(DefaultConfig(), reg)

	tx1, err := store.Begin("t1", ReadCommitted, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	// Simulate the crash landing after commit's phase 1 (committing bit
	// set, commit marker written) by driving the same low-level path
	// commit() uses, then dropping the in-memory Store without ever
	// reaching phase 2's cell rewrite.
	store.setCommitting(tx1.slotID)
	store.writeCommitMarker(tx1)

	store2 := NewStore(DefaultConfig(), reg)
	under, err := RegisterMap[int, string](store2, "m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store2.Init(); err != nil {
		t.Fatal(err)
	}

	cell, ok := under.Get(nil, 1)
	if !ok || cell.Current == nil || *cell.Current != "a" {
		t.Fatalf("expected key 1 replayed to \"a\", got %+v, %v", cell, ok)
	}
}

// Scenario 8: snapshot stability under repeatable read.
func TestScenarioSnapshotStabilityUnderRR(t *testing.T) {
	store, _ := newTestStore(t)

	tx1, _ := store.Begin("t1", RepeatableRead, time.Second)
	m1 := openTestMap(t, tx1, "m")
	if _, ok := m1.Get(1); ok {
		t.Fatal("key 1 should start absent")
	}

	tx2, _ := store.Begin("t2", ReadCommitted, time.Second)
	m2 := openTestMap(t, tx2, "m")
	if _, _, err := m2.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok := m1.Get(1); ok {
		t.Fatal("T1's repeatable read snapshot should still show key 1 absent")
	}
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}

	tx3, _ := store.Begin("t3", ReadCommitted, time.Second)
	m3 := openTestMap(t, tx3, "m")
	if v, ok := m3.Get(1); !ok || v != "a" {
		t.Fatalf("new statement should now see \"a\", got %q, %v", v, ok)
	}
	_ = tx3.Commit()
}

// Universal property 6: size bound.
func TestSizeBound(t *testing.T) {
	store, _ := newTestStore(t)
	tx, _ := store.Begin("t", ReadCommitted, time.Second)
	m := openTestMap(t, tx, "m")
	for i := 0; i < 5; i++ {
		if _, _, err := m.Put(i, "v"); err != nil {
			t.Fatal(err)
		}
	}
	sz := m.SizeAsLong()
	szMax := m.SizeAsLongMax()
	if sz < 0 || sz > szMax {
		t.Fatalf("expected 0 <= %d <= %d", sz, szMax)
	}
	_ = tx.Commit()
}

// Universal property 7: lock timeout bound.
func TestLockTimeoutBound(t *testing.T) {
	store, _ := newTestStore(t)
	tx1, _ := store.Begin("t1", ReadCommitted, time.Second)
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "a"); err != nil {
		t.Fatal(err)
	}

	tx2, _ := store.Begin("t2", ReadCommitted, 150*time.Millisecond)
	m2 := openTestMap(t, tx2, "m")

	start := time.Now()
	_, _, err := m2.Put(1, "b")
	elapsed := time.Since(start)
	if err != ErrLockTimeout {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	_ = tx1.Rollback()
	_ = tx2.Rollback()
}

func TestTryLockTimeoutReturnsImmediately(t *testing.T) {
	store, _ := newTestStore(t)
	tx1, _ := store.Begin("t1", ReadCommitted, time.Second)
	m1 := openTestMap(t, tx1, "m")
	if _, _, err := m1.Put(1, "a"); err != nil {
		t.Fatal(err)
	}

	tx2, _ := store.Begin("t2", ReadCommitted, time.Second)
	m2 := openTestMap(t, tx2, "m")
	ok, err := m2.TryPut(1, "b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("TryPut should not succeed against a live writer")
	}
	_ = tx1.Rollback()
	_ = tx2.Rollback()
}

func TestRollbackToSavepoint(t *testing.T) {
	store, _ := newTestStore(t)
	tx, _ := store.Begin("t", ReadCommitted, time.Second)
	m := openTestMap(t, tx, "m")
	if _, _, err := m.Put(1, "a"); err != nil {
		t.Fatal(err)
	}
	sp := tx.Savepoint()
	if _, _, err := m.Put(2, "b"); err != nil {
		t.Fatal(err)
	}
	if err := tx.RollbackToSavepoint(sp); err != nil {
		t.Fatal(err)
	}
	if !tx.HasRollback() {
		t.Fatal("expected hasRollback to be set after savepoint rollback")
	}
	if _, ok := m.Get(2); ok {
		t.Fatal("key 2 should have been undone by the savepoint rollback")
	}
	if v, ok := m.Get(1); !ok || v != "a" {
		t.Fatalf("key 1 should survive the savepoint rollback, got %q, %v", v, ok)
	}
	_ = tx.Commit()
}
