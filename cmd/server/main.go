package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duetapp/duet/internal/api"
	"github.com/duetapp/duet/internal/auth"
	"github.com/duetapp/duet/internal/config"
	"github.com/duetapp/duet/internal/database"
	"github.com/duetapp/duet/internal/middleware"
	"github.com/duetapp/duet/internal/pubsub"
	"github.com/duetapp/duet/internal/server"
	"github.com/duetapp/duet/internal/signaling"
	"github.com/duetapp/duet/internal/websocket"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	if err := database.EnsureSchema(ctx, db); err != nil {
		slog.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	userRepo := database.NewUserRepository(db)
	callRepo := database.NewCallRepository(db)

	// Initialize token service (use a default key for dev if not set)
	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		if cfg.IsDevelopment() {
			jwtKey = "dev-signing-key-do-not-use-in-production!!" // 44 chars
			slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("JWT_SIGNING_KEY is required in production")
			os.Exit(1)
		}
	}

	tokenService, err := auth.NewTokenService(jwtKey)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	// Initialize auth service
	authService := auth.NewService(userRepo, tokenService)

	// Initialize PubSub (in-memory for single instance, Redis for horizontal scaling)
	var ps pubsub.PubSub
	if cfg.PubSubType == "redis" {
		ps, err = pubsub.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis pubsub")
	} else {
		ps = pubsub.NewMemoryPubSub()
	}
	defer ps.Close()

	// Signaling channel: Postgres is the source of truth, pubsub delivers live
	channel := signaling.NewStoreChannel(callRepo, ps, logger)

	// Initialize REST handlers
	authHandler := api.NewAuthHandler(authService, userRepo, logger)
	userHandler := api.NewUserHandler(authService, userRepo, logger)
	callHandler := api.NewCallHandler(callRepo, logger)

	// ICE servers handed to clients at auth time
	iceServers := make([]websocket.ICEServer, 0, 2)
	if len(cfg.ICESTUNURLs) > 0 {
		iceServers = append(iceServers, websocket.ICEServer{URLs: cfg.ICESTUNURLs})
	}
	if len(cfg.ICETURNURLs) > 0 {
		iceServers = append(iceServers, websocket.ICEServer{
			URLs:       cfg.ICETURNURLs,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}

	// Initialize WebSocket hub and handler
	wsHub := websocket.NewHub(authService, userRepo, channel, iceServers, logger)
	go wsHub.Run(context.Background())
	wsHandler := websocket.NewHandler(wsHub, logger)

	// Rate limit authenticated REST traffic per user
	rateLimiter := middleware.NewRateLimiter(120)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rateLimiter.Cleanup()
		}
	}()

	// Create and start server
	deps := &server.Dependencies{
		DB:          db,
		AuthService: authService,
		AuthHandler: authHandler,
		UserHandler: userHandler,
		CallHandler: callHandler,
		WSHandler:   wsHandler,
		RateLimiter: rateLimiter,
		Logger:      logger,
	}

	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
