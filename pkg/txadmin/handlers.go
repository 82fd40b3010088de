package txadmin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mossdb/mossdb/pkg/txn"
)

// Handlers holds the transaction store and provides HTTP handlers for
// the read-only introspection surface (spec.md §6): open transactions,
// lock waits, and commit/rollback/deadlock counters.
type Handlers struct {
	store     *txn.Store
	startTime time.Time
}

// NewHandlers creates a Handlers bound to store.
func NewHandlers(store *txn.Store) *Handlers {
	return &Handlers{store: store, startTime: time.Now()}
}

// transactionView is the JSON shape returned for one transaction.
type transactionView struct {
	Slot        uint32 `json:"slot"`
	Name        string `json:"name,omitempty"`
	OwnerID     string `json:"ownerId"`
	Isolation   string `json:"isolation"`
	Status      string `json:"status"`
	HasRollback bool   `json:"hasRollback"`
	Blocked     bool   `json:"blocked"`
	BlockedOn   uint32 `json:"blockedOn,omitempty"`
}

func toView(info txn.TransactionInfo) transactionView {
	return transactionView{
		Slot:        info.Slot,
		Name:        info.Name,
		OwnerID:     info.OwnerID,
		Isolation:   isolationName(info.Isolation),
		Status:      info.Status.String(),
		HasRollback: info.HasRollback,
		Blocked:     info.IsBlocked,
		BlockedOn:   info.BlockedOn,
	}
}

func isolationName(i txn.Isolation) string {
	switch i {
	case txn.ReadUncommitted:
		return "ReadUncommitted"
	case txn.ReadCommitted:
		return "ReadCommitted"
	case txn.RepeatableRead:
		return "RepeatableRead"
	case txn.Snapshot:
		return "Snapshot"
	case txn.Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// ListTransactions handles GET /txns.
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	infos := h.store.ListTransactions()
	views := make([]transactionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, toView(info))
	}
	writeSuccess(w, views)
}

// GetTransaction handles GET /txns/{slot}.
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	slotParam := chi.URLParam(r, "slot")
	slot, err := strconv.ParseUint(slotParam, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid slot id")
		return
	}
	for _, info := range h.store.ListTransactions() {
		if uint64(info.Slot) == slot {
			writeSuccess(w, toView(info))
			return
		}
	}
	writeError(w, http.StatusNotFound, "NotFound", "no open transaction in that slot")
}

// lockEdge is one entry in the wait-for graph: waiter blocked on holder.
type lockEdge struct {
	Waiter string `json:"waiter"`
	Holder string `json:"holder"`
}

// ListLocks handles GET /locks: every wait-for edge currently recorded
// across open transactions (spec.md §4.7's wait-for graph, the same
// data detectCycle walks).
func (h *Handlers) ListLocks(w http.ResponseWriter, r *http.Request) {
	infos := h.store.ListTransactions()
	edges := make([]lockEdge, 0)
	for _, info := range infos {
		if info.IsBlocked {
			edges = append(edges, lockEdge{
				Waiter: strconv.FormatUint(uint64(info.Slot), 10),
				Holder: strconv.FormatUint(uint64(info.BlockedOn), 10),
			})
		}
	}
	writeSuccess(w, edges)
}

// statsView is the JSON shape returned for GET /stats.
type statsView struct {
	OpenTransactions int    `json:"openTransactions"`
	CommittingSlots  int    `json:"committingSlots"`
	CommitCount      uint64 `json:"commitCount"`
	RollbackCount    uint64 `json:"rollbackCount"`
	DeadlockCount    uint64 `json:"deadlockCount"`
}

// Stats handles GET /stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	s := h.store.Stats()
	writeSuccess(w, statsView{
		OpenTransactions: s.OpenTransactions,
		CommittingSlots:  s.CommittingSlots,
		CommitCount:      s.CommitCount,
		RollbackCount:    s.RollbackCount,
		DeadlockCount:    s.DeadlockCount,
	})
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

func writeSuccess(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     true,
		"result": result,
	})
}

func writeError(w http.ResponseWriter, statusCode int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":      false,
		"error":   errorType,
		"message": message,
		"code":    statusCode,
	})
}
