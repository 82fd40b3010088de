package gql

import (
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/mossdb/mossdb/pkg/txn"
)

// Resolver resolves GraphQL queries against a transaction store.
type Resolver struct {
	store *txn.Store
}

// NewResolver creates a Resolver bound to store.
func NewResolver(store *txn.Store) *Resolver {
	return &Resolver{store: store}
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

func toMap(info txn.TransactionInfo) map[string]interface{} {
	m := map[string]interface{}{
		"slot":        int(info.Slot),
		"name":        info.Name,
		"ownerId":     info.OwnerID,
		"isolation":   isolationName(info.Isolation),
		"status":      info.Status.String(),
		"hasRollback": info.HasRollback,
		"blocked":     info.IsBlocked,
	}
	if info.IsBlocked {
		m["blockedOn"] = int(info.BlockedOn)
	}
	return m
}

// Transactions resolves the transactions query.
func (r *Resolver) Transactions(p graphql.ResolveParams) (interface{}, error) {
	infos := r.store.ListTransactions()
	out := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, toMap(info))
	}
	return out, nil
}

// Transaction resolves the transaction(slot:) query.
func (r *Resolver) Transaction(p graphql.ResolveParams) (interface{}, error) {
	slot, ok := p.Args["slot"].(int)
	if !ok {
		return nil, fmt.Errorf("slot is required")
	}
	for _, info := range r.store.ListTransactions() {
		if int(info.Slot) == slot {
			return toMap(info), nil
		}
	}
	return nil, nil
}

// Locks resolves the locks query: the current wait-for graph.
func (r *Resolver) Locks(p graphql.ResolveParams) (interface{}, error) {
	infos := r.store.ListTransactions()
	out := make([]map[string]interface{}, 0)
	for _, info := range infos {
		if info.IsBlocked {
			out = append(out, map[string]interface{}{
				"waiter": int(info.Slot),
				"holder": int(info.BlockedOn),
			})
		}
	}
	return out, nil
}

// Stats resolves the stats query.
func (r *Resolver) Stats(p graphql.ResolveParams) (interface{}, error) {
	s := r.store.Stats()
	return map[string]interface{}{
		"openTransactions": s.OpenTransactions,
		"committingSlots":  s.CommittingSlots,
		"commitCount":      int(s.CommitCount),
		"rollbackCount":    int(s.RollbackCount),
		"deadlockCount":    int(s.DeadlockCount),
	}, nil
}
