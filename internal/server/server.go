package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/labsched/internal/config"
	"github.com/me/labsched/internal/scheduler"
	"github.com/me/labsched/internal/store"
)

// StatusSource exposes a dispatcher snapshot safe to read from the HTTP
// goroutine while the tick loop runs.
type StatusSource interface {
	Status() scheduler.Status
}

// Server is the read-only labsched HTTP surface: health, dispatcher status,
// lab inventory, and Prometheus metrics. All mutation happens out of process
// through the store.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.Config
	startTime time.Time
	store     store.Store
	source    StatusSource
	registry  *prometheus.Registry
}

// New creates a Server with all routes registered. source may be nil when no
// dispatcher runs (e.g. in tests); /api/status then reports 503.
func New(cfg config.Config, st store.Store, source StatusSource,
	registry *prometheus.Registry, logger *slog.Logger) *Server {

	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		source:    source,
		registry:  registry,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/hosts", s.handleListHosts)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
		})
	})
}
