package txn

import (
	"time"
)

// EventType labels a Store lifecycle notification (spec.md §6's
// introspection surface, fed to pkg/txadmin's websocket stream the way
// changestream.ChangeStream feeds oplog entries to a watcher).
type EventType string

const (
	EventCommit   EventType = "commit"
	EventRollback EventType = "rollback"
	EventDeadlock EventType = "deadlock"
)

// Event is one commit, rollback, or deadlock-victim notification.
type Event struct {
	Type      EventType
	Slot      uint32
	Name      string
	OwnerID   string
	Isolation Isolation
	At        time.Time
	// Cycle is set only for EventDeadlock: the slot ids of the
	// wait-for cycle that produced the victim decision.
	Cycle []uint32
}

// eventSub is one subscriber's mailbox. Sends are non-blocking: a slow
// watcher drops events rather than stalling a commit, mirroring
// ChangeStream.pollOplog's buffered, drop-if-full send.
type eventSub struct {
	ch chan Event
}

// Subscribe registers for Store lifecycle events and returns a channel
// of them plus a function to unsubscribe and release the channel. The
// channel is buffered; a caller that stops draining it misses events
// instead of blocking commits.
func (s *Store) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &eventSub{ch: make(chan Event, bufferSize)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, sub)
		s.subMu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// TransactionInfo is a point-in-time snapshot of one open transaction,
// for pkg/txadmin's /txns listing and GraphQL resolvers.
type TransactionInfo struct {
	Slot        uint32
	Name        string
	OwnerID     string
	Isolation   Isolation
	Status      Status
	HasRollback bool
	BlockedOn   uint32
	IsBlocked   bool
}

// ListTransactions returns a snapshot of every transaction currently
// occupying a slot (spec.md §6's getOpenTransactions, surfaced for
// introspection rather than recovery).
func (s *Store) ListTransactions() []TransactionInfo {
	s.mu.Lock()
	txs := make([]*Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		txs = append(txs, tx)
	}
	s.mu.Unlock()

	out := make([]TransactionInfo, 0, len(txs))
	for _, tx := range txs {
		info := TransactionInfo{
			Slot:        tx.SlotID(),
			Name:        tx.Name(),
			OwnerID:     tx.ownerID,
			Isolation:   tx.Isolation(),
			Status:      tx.Status(),
			HasRollback: tx.HasRollback(),
		}
		if blk, waiting := tx.BlockedOn(); waiting {
			info.IsBlocked = true
			info.BlockedOn = blk.Transaction
		}
		out = append(out, info)
	}
	return out
}

// Stats is a point-in-time counter snapshot for pkg/txadmin's /stats
// endpoint.
type Stats struct {
	OpenTransactions  int
	CommittingSlots   int
	CommitCount       uint64
	RollbackCount     uint64
	DeadlockCount     uint64
}

// Stats returns running counters alongside the current open/committing
// slot counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	open := len(s.transactions)
	s.mu.Unlock()
	return Stats{
		OpenTransactions: open,
		CommittingSlots:  s.committingBitmap().Cardinality(),
		CommitCount:      s.commitCount.Load(),
		RollbackCount:    s.rollbackCount.Load(),
		DeadlockCount:    s.deadlockCount.Load(),
	}
}
