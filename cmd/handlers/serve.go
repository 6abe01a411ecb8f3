package handlers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pressroom/internal/cache"
	"pressroom/internal/config"
	"pressroom/internal/index"
	"pressroom/internal/llm"
	"pressroom/internal/logger"
	"pressroom/internal/metrics"
	"pressroom/internal/personalize"
	"pressroom/internal/readhistory"
	"pressroom/internal/server"
	"pressroom/internal/similar"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command for starting the HTTP server
func NewServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the news API server",
		Long: `Start the pressroom HTTP server.

The server provides:
  • REST API for browsing, searching, and filtering articles
  • Per-article similarity with vector search and keyword fallbacks
  • Personalized feeds and search keyed by user preferences
  • View, engagement, and trending metrics
  • Admin endpoints for cache inspection and clearing

The server reads articles from the Redis search index populated by the
ingestion side. Without a GEMINI_API_KEY the server still runs; vector
similarity degrades to the keyword strategies.

Examples:
  # Start server on default port 3001
  pressroom serve

  # Start on custom port
  pressroom serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port, host)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (default from config: 3001)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP server host (default from config: 0.0.0.0)")

	return cmd
}

func runServe(ctx context.Context, port int, host string) error {
	log := logger.Get()
	log.Info("Starting HTTP server")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override server config from flags if provided
	serverCfg := cfg.Server
	if port != 0 {
		serverCfg.Port = port
	}
	if host != "" {
		serverCfg.Host = host
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w\n\n"+
			"Make sure Redis Stack is running and redis.url (or REDIS_URL) points at it.", err)
	}
	log.Info("Redis connection successful", "url", cfg.Redis.URL)

	gw := index.NewRedisGateway(rdb, cfg.AI.Gemini.EmbeddingDim)
	if err := gw.EnsureIndex(ctx); err != nil {
		log.Warn("Search index unavailable, queries will fail until it exists", "error", err)
	}

	// The embedder is optional: without a key the similarity and
	// personalization engines fall back to keyword strategies.
	var embedder llm.Embedder
	if client, err := llm.NewClient(cfg.AI.Gemini.Model); err != nil {
		log.Warn("Embeddings disabled", "error", err)
		embedder = llm.Unavailable{}
	} else {
		defer client.Close()
		embedder = client
	}

	c := cache.New(rdb)
	reads := readhistory.New(rdb, cfg.Cache.ReadHistory)
	prefs := personalize.NewPrefStore(rdb)

	deps := server.Deps{
		Redis:    rdb,
		Gateway:  gw,
		Cache:    c,
		Similar:  similar.New(gw, c, embedder, cfg.Cache.Similar),
		Personal: personalize.New(gw, c, reads, embedder, prefs, cfg.Cache.Personalized, cfg.Cache.PersonalizedSearch),
		Metrics:  metrics.New(rdb, gw),
		Reads:    reads,
	}
	srv := server.New(deps, serverCfg)

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	go func() {
		log.Info(fmt.Sprintf("Server listening on http://%s:%d", serverCfg.Host, serverCfg.Port))
		log.Info("Press Ctrl+C to stop")
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive our signal or an error from server
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info("Server shutdown initiated", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown failed, forcing close", "error", err)
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		log.Info("Server stopped successfully")
	}

	return nil
}
