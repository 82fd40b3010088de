package txn

import (
	"strconv"
	"strings"
)

// Catalog names the transaction store binds in the mvstore.Registry
// (spec.md §6): one undo log per slot plus the prepared-transaction
// table. User maps are named by the caller via OpenMap.
func undoLogName(slot uint32) string {
	return "undoLog." + strconv.FormatUint(uint64(slot), 10)
}

const undoLogPrefix = "undoLog."

// parseUndoLogName recovers the slot id from a name produced by
// undoLogName, for Store.Init's sweep over every bound map name.
func parseUndoLogName(name string) (uint32, bool) {
	if !strings.HasPrefix(name, undoLogPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(name[len(undoLogPrefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// tempMapName names a temporary map (spec.md §6's "temp.<n>"), removed
// on every Store.Init sweep.
func tempMapName(n int64) string {
	return "temp." + strconv.FormatInt(n, 10)
}

const tempMapPrefix = "temp."

func isTempMapName(name string) bool {
	return strings.HasPrefix(name, tempMapPrefix)
}

const preparedTransactionsName = "openTransactions"
