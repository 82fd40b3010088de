package mvstore

import "testing"

func TestVersionTrackerPinPreventsOldestFromAdvancing(t *testing.T) {
	vt := NewVersionTracker()
	vt.Bump()
	h := vt.RegisterVersionUsage()
	vt.Bump()
	vt.Bump()
	if got := vt.OldestPinned(); got != uint64(h) {
		t.Fatalf("OldestPinned = %d, want the pinned handle's version %d", got, h)
	}
	vt.DeregisterVersionUsage(h)
	if got := vt.OldestPinned(); got != 3 {
		t.Fatalf("after releasing the only pin, OldestPinned should track the current version, got %d", got)
	}
}

func TestVersionTrackerMultiplePinsAtSameVersion(t *testing.T) {
	vt := NewVersionTracker()
	h1 := vt.RegisterVersionUsage()
	h2 := vt.RegisterVersionUsage()
	vt.Bump()
	vt.DeregisterVersionUsage(h1)
	if got := vt.OldestPinned(); got != uint64(h2) {
		t.Fatalf("one remaining pin at the same version should still hold it, got %d", got)
	}
	vt.DeregisterVersionUsage(h2)
	if got := vt.OldestPinned(); got != 1 {
		t.Fatalf("no pins left should report the current version, got %d", got)
	}
}

func TestVersionTrackerNoPinsReportsCurrentVersion(t *testing.T) {
	vt := NewVersionTracker()
	vt.Bump()
	vt.Bump()
	if got := vt.OldestPinned(); got != 2 {
		t.Fatalf("OldestPinned with nothing pinned = %d, want the current version 2", got)
	}
}
