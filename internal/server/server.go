package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"pressroom/internal/cache"
	"pressroom/internal/config"
	"pressroom/internal/index"
	"pressroom/internal/logger"
	"pressroom/internal/metrics"
	"pressroom/internal/personalize"
	"pressroom/internal/readhistory"
	"pressroom/internal/similar"
)

// Server is the HTTP surface over the news core.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	rdb        *redis.Client
	gw         index.Gateway
	cache      *cache.Cache
	sim        *similar.Engine
	pers       *personalize.Engine
	metrics    *metrics.Tracker
	reads      *readhistory.Tracker
	config     config.Server
	log        *slog.Logger
}

// Deps bundles the core components the server exposes.
type Deps struct {
	Redis    *redis.Client
	Gateway  index.Gateway
	Cache    *cache.Cache
	Similar  *similar.Engine
	Personal *personalize.Engine
	Metrics  *metrics.Tracker
	Reads    *readhistory.Tracker
}

// New creates a new HTTP server instance
func New(deps Deps, cfg config.Server) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		rdb:     deps.Redis,
		gw:      deps.Gateway,
		cache:   deps.Cache,
		sim:     deps.Similar,
		pers:    deps.Personal,
		metrics: deps.Metrics,
		reads:   deps.Reads,
		config:  cfg,
		log:     logger.Get(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.config.CORS.Enabled {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "x-user-id"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

// setupRoutes configures routes for the server
func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)

	s.router.Route("/api/news", func(r chi.Router) {
		r.Get("/", s.handleListNews)
		r.Get("/search", s.handleSearch)
		r.Get("/trending", s.handleTrending)
		r.Get("/topic/{topic}", s.handleTopic)
		r.Get("/sentiment/{sentiment}", s.handleSentiment)
		r.Get("/{id}", s.handleGetArticle)
		r.Get("/{id}/similar", s.handleSimilar)
		r.Get("/{id}/metrics", s.handleArticleMetrics)
	})

	s.router.Route("/api/user", func(r chi.Router) {
		r.Post("/generate-id", s.handleGenerateUserID)
		r.Route("/{userId}", func(r chi.Router) {
			r.Get("/preferences", s.handleGetPreferences)
			r.Post("/preferences", s.handleSetPreferences)
			r.Put("/preferences", s.handleSetPreferences)
			r.Get("/personalized-news", s.handlePersonalizedNews)
			r.Get("/personalized-news/search", s.handlePersonalizedSearch)
			r.Get("/history", s.handleUserHistory)
		})
	})

	s.router.Route("/api/metadata", func(r chi.Router) {
		r.Get("/topics", s.handleMetadataTopics)
		r.Get("/sentiments", s.handleMetadataSentiments)
		r.Get("/sources", s.handleMetadataSources)
	})

	s.router.Route("/api/admin", func(r chi.Router) {
		r.Get("/similar-stats/{id}", s.handleSimilarStats)
		r.Get("/clear-similar-cache/{id}", s.handleClearSimilarCache)
		r.Post("/clear-all-cache-except-user", s.handleClearAllCache)
		r.Post("/clear-specific-cache-types", s.handleClearSpecificTypes)
		r.Get("/cache-statistics", s.handleCacheStatistics)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server",
		"addr", s.httpServer.Addr,
		"read_timeout", s.config.ReadTimeout,
		"write_timeout", s.config.WriteTimeout,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server gracefully...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.log.Info("HTTP server stopped")
	return nil
}

// Router returns the chi router instance (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
