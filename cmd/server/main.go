package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/api"
	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/cache"
	"github.com/eldtechnologies/chatrelay/internal/config"
	"github.com/eldtechnologies/chatrelay/internal/events"
	"github.com/eldtechnologies/chatrelay/internal/handlers"
	"github.com/eldtechnologies/chatrelay/internal/llm"
	"github.com/eldtechnologies/chatrelay/internal/storage"
	"github.com/eldtechnologies/chatrelay/internal/store"
	"github.com/eldtechnologies/chatrelay/internal/stream"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize the data store: PostgreSQL when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dataStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		dataStore = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}
	defer dataStore.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Streams cut off by a previous process can never finish.
	if cfg.StaleStreamAfter > 0 {
		failStaleStreams(ctx, dataStore, cfg.StaleStreamAfter, logger)
		go sweepStaleStreams(ctx, dataStore, cfg.StaleStreamAfter, logger)
	}

	publisher, err := events.NewPublisher(cfg.EventsURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("events publisher setup failed")
	}
	emitter := events.NewEmitter(publisher, logger)
	defer emitter.Close()

	var blobs storage.BlobStore
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Endpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("s3 setup failed")
		}
		blobs = s3Store
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("attachment storage enabled")
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL: cfg.OpenRouterBaseURL,
		APIKey:  cfg.OpenRouterAPIKey,
		Referer: cfg.AppURL,
		Title:   cfg.AppName,
	}, logger)

	var shared cache.Shared
	var locks stream.Locker = stream.NewMemoryLocker()
	var limitBackend middleware.Backend = middleware.NewMemoryBackend(10*time.Minute, time.Minute)
	var blocker *middleware.IPBlocker
	if redisStore != nil {
		shared = redisStore
		locks = stream.NewRedisLocker(redisStore, cfg.ChatLockTTL(), logger)
		limitBackend = middleware.NewRedisBackend(redisStore.Client())
		blocker = middleware.NewIPBlocker(redisStore.Client())
	}

	modelCache, err := cache.NewModelCache(cfg.ModelCacheSize, cfg.ModelCacheTTL, shared, llmClient.ListModels, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("model cache setup failed")
	}

	h := handlers.NewHandler(handlers.Deps{
		Store:  dataStore,
		Redis:  redisStore,
		LLM:    llmClient,
		Models: modelCache,
		Events: emitter,
		Blobs:  blobs,
		Locks:  locks,
		Logger: logger,
	}, handlers.Options{
		DefaultModel:       cfg.DefaultModel,
		HistoryLimit:       cfg.HistoryLimit,
		MaxMessageChars:    cfg.MaxMessageChars,
		UpstreamTimeout:    cfg.UpstreamTimeout,
		FlushInterval:      cfg.FlushInterval,
		FlushMaxWait:       cfg.FlushMaxWait,
		AttachmentMaxBytes: cfg.AttachmentMaxBytes,
	})

	// Create router
	router := api.NewRouter(api.RouterConfig{
		Logger:  logger,
		Handler: h,
		Auth: middleware.NewAuthMiddleware(middleware.AuthConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(limitBackend, blocker, logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
			ChatPerMinute:    cfg.ChatRateLimit,
			ModelsPerMinute:  cfg.ModelsRateLimit,
		}),
		Proxies:            middleware.NewTrustedProxies(cfg.TrustedProxies, logger),
		AllowedOrigins:     cfg.AllowedOrigins,
		AttachmentMaxBytes: cfg.AttachmentMaxBytes,
	})

	// Streaming responses set their own deadlines, so WriteTimeout stays 0.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting chatrelay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

func failStaleStreams(ctx context.Context, s store.DataStore, olderThan time.Duration, logger zerolog.Logger) {
	n, err := s.FailStaleStreams(ctx, time.Now().Add(-olderThan))
	if err != nil {
		logger.Warn().Err(err).Msg("stale stream cleanup failed")
		return
	}
	if n > 0 {
		logger.Info().Int64("messages", n).Msg("marked stale streams as failed")
	}
}

func sweepStaleStreams(ctx context.Context, s store.DataStore, olderThan time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(olderThan / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failStaleStreams(ctx, s, olderThan, logger)
		}
	}
}
