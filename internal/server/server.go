// Package server exposes the engine over HTTP: one operation endpoint
// for data requests, admin endpoints for metadata and roles, and a
// websocket feed of change events.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/config"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
	"github.com/ehconitin/twenty/internal/engine/runner"
	"github.com/ehconitin/twenty/internal/engine/schemacache"
)

// Server wires the engine components behind a chi router
type Server struct {
	db       *sql.DB
	store    *metadata.Store
	roles    *role.Store
	resolver *role.Resolver
	schemas  *schemacache.Cache
	runner   *runner.Runner
	emitter  *event.Emitter
	tokens   *TokenService
	feed     *feedHub
	log      *zap.Logger

	httpServer *http.Server
	cfg        config.ServerConfig
}

// New builds the server and its routes
func New(
	cfg config.ServerConfig,
	db *sql.DB,
	store *metadata.Store,
	roles *role.Store,
	resolver *role.Resolver,
	schemas *schemacache.Cache,
	run *runner.Runner,
	emitter *event.Emitter,
	tokens *TokenService,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		db:       db,
		store:    store,
		roles:    roles,
		resolver: resolver,
		schemas:  schemas,
		runner:   run,
		emitter:  emitter,
		tokens:   tokens,
		feed:     newFeedHub(log),
		log:      log,
		cfg:      cfg,
	}
	if emitter != nil {
		emitter.Subscribe(s.feed.broadcast)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.principalMiddleware)

		r.Post("/query", s.handleOperation)
		r.Get("/events", s.handleEventFeed)

		r.Route("/metadata", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Post("/workspaces", s.handleCreateWorkspace)
			r.Delete("/workspaces/{workspaceID}", s.handleDeleteWorkspace)

			r.Post("/objects", s.handleCreateObject)
			r.Patch("/objects/{objectID}", s.handleUpdateObject)
			r.Delete("/objects/{objectID}", s.handleDeleteObject)

			r.Post("/fields", s.handleCreateField)
			r.Patch("/fields/{fieldID}", s.handleUpdateField)
			r.Delete("/fields/{fieldID}", s.handleDeleteField)

			r.Post("/relations", s.handleCreateRelation)
			r.Delete("/relations/{relationID}", s.handleDeleteRelation)

			r.Post("/roles", s.handleCreateRole)
			r.Delete("/roles/{roleID}", s.handleDeleteRole)
			r.Put("/roles/{roleID}/permissions", s.handleSetPermission)
		})
	})
	return r
}

// Run serves until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// authorizeWorkspace confirms the request targets the principal's own
// workspace. Admin rights never cross workspace boundaries.
func (s *Server) authorizeWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) bool {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return false
	}
	if workspaceID != principal.WorkspaceID {
		writeError(w, http.StatusForbidden, "workspace does not match the authenticated principal")
		return false
	}
	return true
}

// requireAdmin gates metadata administration behind the workspace
// admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing principal")
			return
		}
		perms, err := s.resolver.Resolve(r.Context(), principal)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if !perms.Admin {
			writeError(w, http.StatusForbidden, "workspace admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
