// Package gql exposes a read-only GraphQL view over the transaction
// store, mirroring the teacher's pkg/graphql but with mutations left
// out entirely: txadmin is an introspection surface, not a write API.
package gql

import (
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/mossdb/mossdb/pkg/txn"
)

// Schema builds the GraphQL schema for store.
func Schema(store *txn.Store) (graphql.Schema, error) {
	transactionType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Transaction",
		Description: "An open transaction slot",
		Fields: graphql.Fields{
			"slot": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Int),
				Description: "Slot id",
			},
			"name": &graphql.Field{
				Type:        graphql.String,
				Description: "Caller-assigned debug name",
			},
			"ownerId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Owning client identifier",
			},
			"isolation": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Isolation level",
			},
			"status": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Lifecycle status",
			},
			"hasRollback": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Boolean),
				Description: "Whether a rollback (full or to a savepoint) has occurred",
			},
			"blocked": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Boolean),
				Description: "Whether the transaction is currently waiting on a lock",
			},
			"blockedOn": &graphql.Field{
				Type:        graphql.Int,
				Description: "Slot id of the transaction being waited on, if blocked",
			},
		},
	})

	lockEdgeType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "LockEdge",
		Description: "One wait-for edge: waiter blocked on holder",
		Fields: graphql.Fields{
			"waiter": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"holder": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		},
	})

	statsType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Stats",
		Description: "Running store counters",
		Fields: graphql.Fields{
			"openTransactions": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"committingSlots":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"commitCount":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"rollbackCount":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"deadlockCount":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		},
	})

	resolver := NewResolver(store)

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Query",
		Description: "Root query type for mossdb transaction introspection",
		Fields: graphql.Fields{
			"transactions": &graphql.Field{
				Type:        graphql.NewList(transactionType),
				Description: "All currently open transactions",
				Resolve:     resolver.Transactions,
			},
			"transaction": &graphql.Field{
				Type:        transactionType,
				Description: "A single transaction by slot id",
				Args: graphql.FieldConfigArgument{
					"slot": &graphql.ArgumentConfig{
						Type:        graphql.NewNonNull(graphql.Int),
						Description: "Slot id",
					},
				},
				Resolve: resolver.Transaction,
			},
			"locks": &graphql.Field{
				Type:        graphql.NewList(lockEdgeType),
				Description: "The current wait-for graph",
				Resolve:     resolver.Locks,
			},
			"stats": &graphql.Field{
				Type:        statsType,
				Description: "Running commit/rollback/deadlock counters",
				Resolve:     resolver.Stats,
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to create GraphQL schema: %w", err)
	}
	return schema, nil
}
