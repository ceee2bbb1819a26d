package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/duetapp/duet/internal/api"
	"github.com/duetapp/duet/internal/auth"
	"github.com/duetapp/duet/internal/config"
	"github.com/duetapp/duet/internal/database"
	"github.com/duetapp/duet/internal/middleware"
	"github.com/duetapp/duet/internal/websocket"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	DB          *database.DB
	AuthService *auth.Service
	AuthHandler *api.AuthHandler
	UserHandler *api.UserHandler
	CallHandler *api.CallHandler
	WSHandler   *websocket.Handler
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	// Register routes
	registerRoutes(mux, deps)

	// Wrap with middleware
	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies DB connectivity
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// =========================================================================
	// Auth routes (public)
	// =========================================================================
	mux.HandleFunc("POST /auth/register", deps.AuthHandler.Register)
	mux.HandleFunc("POST /auth/login", deps.AuthHandler.Login)

	// =========================================================================
	// Protected routes (require auth)
	// =========================================================================
	authMiddleware := auth.Middleware(deps.AuthService)
	protected := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if deps.RateLimiter != nil {
			handler = deps.RateLimiter.Middleware(handler)
		}
		return authMiddleware(handler)
	}

	mux.Handle("GET /auth/me", protected(deps.AuthHandler.Me))

	// =========================================================================
	// User routes
	// =========================================================================
	mux.HandleFunc("GET /users/{username}", deps.UserHandler.GetByUsername)
	mux.Handle("POST /users/me/partner", protected(deps.UserHandler.LinkPartner))

	// =========================================================================
	// Call routes
	// =========================================================================
	mux.Handle("GET /calls/history", protected(deps.CallHandler.GetCallHistory))

	// =========================================================================
	// WebSocket route
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)
}
