package gql

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"
	"github.com/mossdb/mossdb/pkg/txn"
)

// Handler is an HTTP handler for GraphQL requests over a store.
type Handler struct {
	schema graphql.Schema
}

// NewHandler creates a GraphQL HTTP handler bound to store.
func NewHandler(store *txn.Store) (*Handler, error) {
	schema, err := Schema(store)
	if err != nil {
		return nil, err
	}
	return &Handler{schema: schema}, nil
}

// request is a GraphQL HTTP request body.
type request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// ServeHTTP handles GraphQL HTTP requests (queries only — txadmin's
// schema carries no mutation type).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "GraphQL only accepts POST requests", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGraphQLError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	if len(result.Errors) > 0 {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(result)
}

func writeGraphQLError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]interface{}{{"message": message}},
	})
}
