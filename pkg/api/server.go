package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// EntitySource lists the watch list
type EntitySource interface {
	ListEntities(ctx context.Context) ([]*types.WatchedEntity, error)
}

// StatusSource reads the status index
type StatusSource interface {
	AllStatuses(ctx context.Context) ([]*types.EntityLease, error)
	ListStatuses(ctx context.Context, page, size int) ([]*types.EntityLease, int64, error)
}

// NodeSource lists live cluster members
type NodeSource interface {
	Nodes(ctx context.Context) ([]*types.ClusterNode, error)
}

// DenylistSource lists denylisted addresses
type DenylistSource interface {
	List(ctx context.Context) ([]string, error)
}

// EventSource returns recent events, newest first
type EventSource interface {
	Recent(limit int) []*events.Event
}

// Deps are the read-only sources behind the monitor API
type Deps struct {
	Entities EntitySource
	Statuses StatusSource
	Nodes    NodeSource
	Denylist DenylistSource
	Events   EventSource
}

// Server serves the monitor API plus health and metrics endpoints
type Server struct {
	deps   Deps
	router chi.Router
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a server and registers its routes
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(readOnly)
	r.Use(middleware.GetHead)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1/monitor", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Get("/statuses", s.listStatuses)
		r.Get("/nodes", s.listNodes)
		r.Get("/denylist", s.listDenylist)
		r.Get("/events", s.listEvents)
	})

	s.router = r
	return s
}

// Handler returns the router for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
