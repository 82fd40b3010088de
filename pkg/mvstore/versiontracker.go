package mvstore

import "sync"

// VersionTracker pins the store's global version counter so that a
// transaction holding a Handle prevents older RootReferences from being
// discarded while it still needs them. It plays the role spec.md §3
// calls the transaction's "txCounter": acquired for the life of a
// statement (read uncommitted / read committed) or for the life of the
// transaction (repeatable read and above), released in
// Transaction.markStatementEnd or on close.
//
// Grounded on the same idea as a buffer page's Pin/Unpin reference
// counting, generalized from one page to "the oldest version any open
// handle still needs".
type VersionTracker struct {
	mu      sync.Mutex
	counter uint64
	open    map[uint64]int
}

// Handle is an opaque pin acquired from VersionTracker.
type Handle uint64

// NewVersionTracker returns a tracker starting at version 0.
func NewVersionTracker() *VersionTracker {
	return &VersionTracker{open: make(map[uint64]int)}
}

// Bump advances the tracker's current version and returns it. Called
// whenever the store publishes a new committing-bitmap or map root that
// readers must be able to keep pinning.
func (vt *VersionTracker) Bump() uint64 {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.counter++
	return vt.counter
}

// RegisterVersionUsage pins the current version and returns a handle
// that must be released with DeregisterVersionUsage.
func (vt *VersionTracker) RegisterVersionUsage() Handle {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.open[vt.counter]++
	return Handle(vt.counter)
}

// DeregisterVersionUsage releases a previously-acquired handle.
func (vt *VersionTracker) DeregisterVersionUsage(h Handle) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	v := uint64(h)
	if n := vt.open[v]; n <= 1 {
		delete(vt.open, v)
	} else {
		vt.open[v] = n - 1
	}
}

// OldestPinned returns the oldest version still held by an open handle,
// or the current version if nothing is pinned (i.e. nothing prevents
// reclaiming history older than "now").
func (vt *VersionTracker) OldestPinned() uint64 {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	oldest := vt.counter
	for v := range vt.open {
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}
