package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/loopmesh/dm-ingest/internal/config"
	"github.com/loopmesh/dm-ingest/internal/enrich"
	"github.com/loopmesh/dm-ingest/internal/handlers"
	"github.com/loopmesh/dm-ingest/internal/logging"
	"github.com/loopmesh/dm-ingest/internal/natsclient"
	"github.com/loopmesh/dm-ingest/internal/persist"
	"github.com/loopmesh/dm-ingest/internal/pipeline"
	"github.com/loopmesh/dm-ingest/internal/quarantine"
	"github.com/loopmesh/dm-ingest/internal/ratelimit"
	"github.com/loopmesh/dm-ingest/internal/resolver"
	"github.com/loopmesh/dm-ingest/internal/server"
	"github.com/loopmesh/dm-ingest/internal/signature"
	"github.com/loopmesh/dm-ingest/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("dm-ingest"))
	logging.SetDefault(logger)

	slog.Info("Starting DM ingest service",
		slog.Int("port", cfg.Server.Port),
		slog.String("pipeline_mode", cfg.Pipeline.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	if cfg.Webhook.AppSecret == "" {
		log.Fatal("webhook.app_secret must be configured: deliveries cannot be verified without it")
	}
	if cfg.Webhook.VerifyToken == "" {
		log.Fatal("webhook.verify_token must be configured: the subscription handshake cannot complete without it")
	}

	// Initialize the message store
	var (
		directory store.ConnectionDirectory
		syncState store.SyncStateStore
		messages  store.MessageStore
		quarStore store.QuarantineStore
		ready     func(ctx context.Context) error
	)

	switch cfg.Database.Type {
	case "postgres":
		// Run database migrations
		slog.Info("Running database migrations")
		m, err := migrate.New("file://migrations", cfg.Database.URL)
		if err != nil {
			slog.Error("Failed to initialize migrations", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			slog.Error("Failed to run migrations", slog.String("error", err.Error()))
			os.Exit(1)
		}
		version, dirty, err := m.Version()
		if err != nil {
			slog.Warn("Could not get migration version", slog.String("error", err.Error()))
		} else {
			slog.Info("Database migration complete",
				slog.Uint64("version", uint64(version)),
				slog.Bool("dirty", dirty),
			)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := store.NewPostgres(ctx, cfg.Database.URL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()

		directory, syncState, messages, quarStore = pg, pg, pg, pg
		ready = pg.Ping
	case "memory":
		slog.Warn("Using in-memory store (development only)")
		mem := store.NewMemory()
		directory, syncState, messages, quarStore = mem, mem, mem, mem
	default:
		log.Fatalf("Unknown database type: %s (supported: postgres, memory)", cfg.Database.Type)
	}

	// Initialize rate limiter for outbound profile lookups
	var rateLimiter ratelimit.RateLimiter
	if cfg.Redis.Enabled {
		limiter, err := ratelimit.NewRedisRateLimiter(
			cfg.Redis.URL,
			cfg.Redis.RateLimitRequests,
			cfg.Redis.RateLimitWindow,
		)
		if err != nil {
			slog.Warn("Failed to initialize Redis rate limiter, continuing without",
				slog.String("error", err.Error()))
			rateLimiter = &ratelimit.NoOpRateLimiter{}
		} else {
			rateLimiter = limiter
			slog.Info("Profile lookup rate limiting enabled",
				slog.Int("requests", cfg.Redis.RateLimitRequests),
				slog.Duration("window", cfg.Redis.RateLimitWindow),
			)
		}
	} else {
		rateLimiter = &ratelimit.NoOpRateLimiter{}
		slog.Info("Redis disabled, profile lookups are not rate limited")
	}
	defer rateLimiter.Close()

	// Initialize profile cache (shares Redis with the rate limiter)
	var profileCache *enrich.ProfileCache
	if cfg.Redis.Enabled {
		cache, err := enrich.NewProfileCache(cfg.Redis.URL, cfg.Redis.ProfileCacheTTL)
		if err != nil {
			slog.Warn("Failed to initialize profile cache, lookups will not be cached",
				slog.String("error", err.Error()))
		} else {
			profileCache = cache
			defer profileCache.Close()
		}
	}

	// Initialize quarantine backend
	var quarWriter quarantine.Writer
	if cfg.NATS.Enabled {
		nc, err := natsclient.New(natsclient.Config{URL: cfg.NATS.URL})
		if err != nil {
			log.Fatalf("Failed to connect to NATS for quarantine: %v", err)
		}
		defer nc.Close()

		jsWriter, err := quarantine.NewJetStreamWriter(context.Background(), nc, logger.Logger)
		if err != nil {
			log.Fatalf("Failed to initialize JetStream quarantine: %v", err)
		}
		quarWriter = jsWriter
		slog.Info("Quarantine enabled", slog.String("backend", "jetstream"), slog.String("nats", cfg.NATS.URL))
	} else {
		quarWriter = quarantine.NewStoreWriter(quarStore)
		slog.Info("Quarantine enabled", slog.String("backend", "database"))
	}

	// Initialize profile enrichment
	var enricher *enrich.Enricher
	if cfg.Enrich.Enabled {
		graph := enrich.NewGraphClient(cfg.Enrich.GraphURL, cfg.Enrich.AccessToken, cfg.Enrich.Timeout)
		enricher = enrich.New(graph, profileCache, messages, rateLimiter, cfg.Enrich.Timeout, logger.Logger)
		slog.Info("Profile enrichment enabled", slog.String("graph_url", cfg.Enrich.GraphURL))
	} else {
		enricher = enrich.New(nil, nil, messages, nil, cfg.Enrich.Timeout, logger.Logger)
		slog.Info("Profile enrichment disabled")
	}

	// Assemble the processing pipeline
	chain := resolver.NewChain(logger.Logger, cfg.Pipeline.StrategyTimeout, directory, syncState)
	persister := persist.New(messages, directory, logger.Logger)
	pipe := pipeline.New(chain, persister, quarWriter, enricher, logger.Logger)

	var sink handlers.Sink
	var dispatcher *pipeline.Dispatcher
	if cfg.Pipeline.Mode == "async" {
		dispatcher = pipeline.NewDispatcher(pipe, cfg.Pipeline.QueueSize, cfg.Pipeline.Workers, logger.Logger)
		sink = dispatcher
		slog.Info("Async pipeline initialized",
			slog.Int("queue_size", cfg.Pipeline.QueueSize),
			slog.Int("workers", cfg.Pipeline.Workers),
		)
	} else {
		sink = pipe
		slog.Info("Synchronous pipeline initialized")
	}

	// Initialize HTTP handlers
	verifier := signature.NewVerifier(cfg.Webhook.AppSecret)
	handler := handlers.NewWebhookHandler(verifier, cfg.Webhook.VerifyToken, sink, cfg.Webhook.MaxBodySize, ready, logger)
	router := server.NewRouter(handler)

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("DM ingest service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Drain queued deliveries before releasing the store.
	if dispatcher != nil {
		dispatcher.Close()
	}

	slog.Info("Server stopped")
}
