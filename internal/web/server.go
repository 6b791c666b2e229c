// Package web exposes the session engine over HTTP so that cameras and
// kiosks can push frames without running the CLI.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
)

// Store is the persistence the server needs.
type Store interface {
	LoadGallery(ctx context.Context, groupID string) ([]gallery.Identity, error)
	StartSession(ctx context.Context, id uuid.UUID, groupID string) error
	RecordedIdentities(ctx context.Context, id uuid.UUID) ([]int64, error)
	EndSession(ctx context.Context, id uuid.UUID) error
	ListSessions(ctx context.Context, groupID string) ([]store.SessionSummary, error)
	ListAttendance(ctx context.Context, id uuid.UUID) ([]store.AttendanceEntry, error)
}

// Options configures a Server.
type Options struct {
	Addr           string
	GalleryOptions []gallery.Option
	// SessionSinks returns extra sinks for a session of the given group.
	SessionSinks func(groupID string) []ledger.Sink
	Logger       *slog.Logger
}

// Server represents the web server
type Server struct {
	engine *session.Engine
	store  Store
	opts   Options
	logger *slog.Logger

	router     *chi.Mux
	httpServer *http.Server

	mu    sync.Mutex // guards group and seq
	group string
	seq   uint64
}

// NewServer creates a new web server
func NewServer(engine *session.Engine, st Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := chi.NewRouter()

	s := &Server{
		engine: engine,
		store:  st,
		opts:   opts,
		logger: opts.Logger,
		router: r,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", s.health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", s.startSession)
		r.Get("/sessions/current", s.currentSession)
		r.Post("/sessions/current/frames", s.submitFrame)
		r.Delete("/sessions/current", s.endSession)
		r.Get("/sessions/{id}/attendance", s.attendance)
		r.Get("/groups/{group}/sessions", s.groupSessions)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown ends the running session, if any, and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")

	if id, ok := s.engine.Active(); ok {
		if _, err := s.engine.EndSession(ctx); err == nil {
			if err := s.store.EndSession(ctx, id); err != nil {
				s.logger.Warn("failed to close session", "session_id", id, "error", err)
			}
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
