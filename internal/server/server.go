// Package server provides the HTTP server and routing for trendwatch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"trendwatch/internal/blobstore"
	"trendwatch/internal/broadcast"
	"trendwatch/internal/config"
	"trendwatch/internal/cursor"
	"trendwatch/internal/domain"
	"trendwatch/internal/ensemble"
	"trendwatch/internal/ingest"
	"trendwatch/internal/training"
)

// ArchiveLister lists published archives for the model status endpoint.
type ArchiveLister interface {
	List(ctx context.Context) ([]blobstore.ArchiveInfo, error)
}

// CensusProvider counts durably persisted events per category.
type CensusProvider interface {
	Census() map[domain.Category]int
}

// Deps holds everything the server routes need.
type Deps struct {
	Log       zerolog.Logger
	Config    *config.Config
	Buffer    *ingest.Buffer
	Census    CensusProvider
	Registry  *ensemble.Registry
	Predictor *ensemble.Predictor
	Trainer   *training.Trainer
	Runs      *cursor.Store
	Archives  ArchiveLister
	Hub       *broadcast.Hub
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    deps.Log.With().Str("component", "server").Logger(),
		deps:   deps,
	}

	s.setupMiddleware(deps.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-running pulls and training write their own deadlines
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes registers all API routes
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/ingestion", func(r chi.Router) {
			r.Get("/pull", s.handlePull)
			r.Get("/status", s.handleIngestionStatus)
			r.Post("/flush", s.handleFlush)
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/status", s.handleModelStatus)
			r.Post("/predict", s.handlePredict)
			r.Post("/train", s.handleTrain)
			r.Post("/reload", s.handleReload)
		})

		r.Route("/training", func(r chi.Router) {
			r.Get("/runs", s.handleTrainingRuns)
		})

		r.Get("/system/health", s.handleSystemHealth)
	})

	if s.deps.Hub != nil {
		s.router.Get("/ws", s.deps.Hub.ServeHTTP)
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.deps.Config.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
