package mvstore

import "testing"

// alwaysPut is a trivial DecisionMaker that unconditionally puts value.
type alwaysPut struct{ value string }

func (d alwaysPut) Decide(existing string, exists bool) Decision { return DecisionPut }
func (d alwaysPut) SelectValue(existing string, exists bool) string { return d.value }

type abortIfPresent struct{ value string }

func (d abortIfPresent) Decide(existing string, exists bool) Decision {
	if exists {
		return DecisionAbort
	}
	return DecisionPut
}
func (d abortIfPresent) SelectValue(existing string, exists bool) string { return d.value }

func TestMapGetPutRemove(t *testing.T) {
	m := NewMap[int, string](1, "m")
	if _, ok := m.Get(nil, 1); ok {
		t.Fatal("fresh map should have no entries")
	}
	m.Put(1, "a")
	if v, ok := m.Get(nil, 1); !ok || v != "a" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	if !m.Remove(1) {
		t.Fatal("Remove should report the key was present")
	}
	if _, ok := m.Get(nil, 1); ok {
		t.Fatal("key should be gone after Remove")
	}
	if m.Remove(1) {
		t.Fatal("removing an absent key should report false")
	}
}

func TestMapOperatePut(t *testing.T) {
	m := NewMap[int, string](1, "m")
	v, mutated := m.Operate(5, alwaysPut{value: "x"})
	if !mutated || v != "x" {
		t.Fatalf("Operate PUT: got %q, mutated=%v", v, mutated)
	}
	if got, ok := m.Get(nil, 5); !ok || got != "x" {
		t.Fatalf("Get after Operate PUT: %q, %v", got, ok)
	}
}

func TestMapOperateAbortLeavesMapUnchanged(t *testing.T) {
	m := NewMap[int, string](1, "m")
	m.Put(5, "existing")
	root := m.RootReference()
	_, mutated := m.Operate(5, abortIfPresent{value: "new"})
	if mutated {
		t.Fatal("ABORT must not mutate the map")
	}
	if m.RootReference() != root {
		t.Fatal("ABORT must not publish a new root")
	}
	if got, _ := m.Get(nil, 5); got != "existing" {
		t.Fatalf("value should be untouched, got %q", got)
	}
}

func TestMapRootReferenceIsImmutableAcrossWrites(t *testing.T) {
	m := NewMap[int, string](1, "m")
	m.Put(1, "a")
	oldRoot := m.RootReference()
	m.Put(2, "b")
	if _, ok := oldRoot.Get(2); ok {
		t.Fatal("a previously captured root must not observe later writes")
	}
	if v, ok := oldRoot.Get(1); !ok || v != "a" {
		t.Fatal("a previously captured root must still see what it saw before")
	}
}

func TestMapOrderedKeyNavigation(t *testing.T) {
	m := NewMap[int, string](1, "m")
	for _, k := range []int{5, 1, 3, 9, 7} {
		m.Put(k, "v")
	}
	root := m.RootReference()
	if k, ok := root.FirstKey(); !ok || k != 1 {
		t.Fatalf("FirstKey = %d, want 1", k)
	}
	if k, ok := root.LastKey(); !ok || k != 9 {
		t.Fatalf("LastKey = %d, want 9", k)
	}
	if k, ok := root.LowerKey(5); !ok || k != 3 {
		t.Fatalf("LowerKey(5) = %d, want 3", k)
	}
	if k, ok := root.HigherKey(5); !ok || k != 7 {
		t.Fatalf("HigherKey(5) = %d, want 7", k)
	}
	if k, ok := root.FloorKey(6); !ok || k != 5 {
		t.Fatalf("FloorKey(6) = %d, want 5", k)
	}
	if k, ok := root.CeilingKey(6); !ok || k != 7 {
		t.Fatalf("CeilingKey(6) = %d, want 7", k)
	}
	if _, ok := root.LowerKey(1); ok {
		t.Fatal("LowerKey of the smallest key should be absent")
	}
	if _, ok := root.HigherKey(9); ok {
		t.Fatal("HigherKey of the largest key should be absent")
	}
}

func TestMapCursorAscendingAndDescending(t *testing.T) {
	m := NewMap[int, string](1, "m")
	for _, k := range []int{1, 2, 3, 4, 5} {
		m.Put(k, "v")
	}
	from, to := 2, 4
	c := m.Cursor(nil, &from, &to, false)
	var got []int
	for {
		e, ok := c.Next()
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	if want := []int{2, 3, 4}; !equalInts(got, want) {
		t.Fatalf("ascending range = %v, want %v", got, want)
	}

	c = m.Cursor(nil, nil, nil, true)
	got = nil
	for {
		e, ok := c.Next()
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	if want := []int{5, 4, 3, 2, 1}; !equalInts(got, want) {
		t.Fatalf("descending full scan = %v, want %v", got, want)
	}
}

func TestMapSizeAsLong(t *testing.T) {
	m := NewMap[int, string](1, "m")
	if m.SizeAsLong() != 0 {
		t.Fatal("empty map should report size 0")
	}
	m.Put(1, "a")
	m.Put(2, "b")
	if m.SizeAsLong() != 2 {
		t.Fatalf("size = %d, want 2", m.SizeAsLong())
	}
	m.Clear()
	if m.SizeAsLong() != 0 {
		t.Fatal("Clear should empty the map")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
