// Package txadmin is the HTTP introspection/administration surface
// over a transaction store: open transactions, the wait-for graph, and
// commit/rollback/deadlock counters, plus a read-only GraphQL endpoint
// and a websocket feed of lifecycle events (spec.md §6).
package txadmin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mossdb/mossdb/pkg/txadmin/gql"
	"github.com/mossdb/mossdb/pkg/txn"
)

// Server is the txadmin HTTP server, structured after the teacher's
// pkg/server.Server: a chi router, an http.Server, and the optional
// subsystems (here: websocket event stream, GraphQL) wired in at New.
type Server struct {
	config      *Config
	store       *txn.Store
	router      *chi.Mux
	httpSrv     *http.Server
	startTime   time.Time
	eventStream *EventStreamManager
}

// New creates a txadmin server over store.
func New(config *Config, store *txn.Store) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	srv := &Server{
		config:    config,
		store:     store,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	if config.EnableGraphQL {
		if err := srv.setupGraphQLRoutes(); err != nil {
			return nil, fmt.Errorf("failed to setup GraphQL routes: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return srv, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)
	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
	s.router.Use(s.requestSizeLimitMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	h := NewHandlers(s.store)

	s.eventStream = SetupWebSocketRoutes(s.router, s.store)

	s.router.Get("/healthz", s.jsonContentType(h.Health))
	s.router.Get("/stats", s.jsonContentType(h.Stats))
	s.router.Get("/locks", s.jsonContentType(h.ListLocks))
	s.router.Get("/txns", s.jsonContentType(h.ListTransactions))
	s.router.Get("/txns/{slot}", s.jsonContentType(h.GetTransaction))
}

func (s *Server) setupGraphQLRoutes() error {
	handler, err := gql.NewHandler(s.store)
	if err != nil {
		return fmt.Errorf("failed to create GraphQL handler: %w", err)
	}
	s.router.Post("/graphql", handler.ServeHTTP)
	return nil
}

func (s *Server) jsonContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.config.AllowedOrigins) > 0 {
			origin = s.config.AllowedOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until the context is cancelled, then
// gracefully shuts it down.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("txadmin server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server and closes the event stream.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.eventStream != nil {
		s.eventStream.Close()
	}
	return s.httpSrv.Shutdown(shutdownCtx)
}
