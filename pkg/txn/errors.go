package txn

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the transaction layer (spec.md §7). All
// other contention — ABORT/REPEAT inside a decision maker, the
// snapshot-acquisition silence loop — is handled internally and never
// reaches the caller.
var (
	ErrTooManyOpenTransactions = errors.New("txn: too many open transactions")
	ErrTransactionTooBig       = errors.New("txn: transaction log is too big")
	ErrTransactionIllegalState = errors.New("txn: illegal transaction state transition")
	ErrTransactionCorrupt      = errors.New("txn: undo log is corrupt")
	ErrLockTimeout             = errors.New("txn: lock wait timed out")
	ErrKeyNotFound             = errors.New("txn: key not found")
	ErrMapTypeMismatch         = errors.New("txn: map already open with a different key/value type")
	ErrNoCompressorAttached    = errors.New("txn: wal record is compressed but no compressor is attached")
)

// DeadlockError reports a cycle in the wait-for graph (spec.md §4.7,
// §8 property 8). Cycle holds the slot ids in the order they were
// chained, starting and ending with Victim; it is empty when a
// repeatable-read lock conflict is reported as a deadlock (decision.go).
type DeadlockError struct {
	Victim uint32
	Cycle  []uint32
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("txn: deadlock detected, victim slot %d, cycle %v", e.Victim, e.Cycle)
}

// IsDeadlock reports whether err is (or wraps) a DeadlockError.
func IsDeadlock(err error) bool {
	var de *DeadlockError
	return errors.As(err, &de)
}
