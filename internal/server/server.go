// Package server provides the HTTP API for hybrid retrieval and metrics scoring.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/keyword"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/observability"
	"github.com/hyperjump/hybridrag/internal/storage"
	"github.com/hyperjump/hybridrag/internal/vector"
)

// Retriever runs one orchestrated retrieval. *search.Engine satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, mode models.Mode, kFinal int) (*models.Retrieval, error)
}

// Server is the HTTP server for the hybridrag API.
type Server struct {
	retriever Retriever
	store     storage.Store
	config    *config.Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	vectors   vector.VectorIndex
	keywords  keyword.KeywordIndex
	server    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records HTTP metrics and serves them on /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithIndexes lets /api/v1/status report index sizes. Either may be nil.
func WithIndexes(vec vector.VectorIndex, kw keyword.KeywordIndex) Option {
	return func(s *Server) {
		s.vectors = vec
		s.keywords = kw
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(retriever Retriever, store storage.Store, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		retriever: retriever,
		store:     store,
		config:    cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with every route and middleware mounted.
func (s *Server) Router() http.Handler {
	timeout := s.config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/metrics", s.handleMetrics)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/queries/{id}", s.handleGetQuery)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
