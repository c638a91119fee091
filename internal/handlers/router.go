package handlers

import (
	"net/http"

	"velora-sync/internal/backend"
	"velora-sync/internal/middleware"
	"velora-sync/internal/pairing"
	"velora-sync/internal/realtime"
	"velora-sync/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig lists what the HTTP surface is built from. Memories and
// Suggester are optional; their routes are skipped when nil.
type RouterConfig struct {
	Auth        *services.AuthService
	Pairing     *pairing.Service
	Memories    *services.MemoryService
	Suggester   backend.Suggester
	Hub         *realtime.Hub
	RedeemLimit *middleware.RateLimiter
	Metrics     bool
}

// NewRouter builds the chi router for the API, websocket relay and metrics
func NewRouter(cfg RouterConfig) http.Handler {
	authHandler := NewAuthHandler(cfg.Auth)
	pairHandler := NewPairHandler(cfg.Pairing)
	wsHandler := NewWebSocketHandler(cfg.Hub, cfg.Auth)

	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/signup", authHandler.SignUp)
		r.Post("/auth/signin", authHandler.SignIn)
		r.Post("/auth/refresh", authHandler.Refresh)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(cfg.Auth))
			r.Get("/me", authHandler.Me)
			r.Put("/me/push-token", authHandler.UpdatePushToken)
			r.Post("/pairing/code", pairHandler.GenerateCode)
			r.With(limit(cfg.RedeemLimit)).Post("/pairing/redeem", pairHandler.RedeemCode)

			if cfg.Memories != nil {
				memoryHandler := NewMemoryHandler(cfg.Memories)
				r.Get("/memories", memoryHandler.GetMemories)
				r.Post("/memories/upload", memoryHandler.UploadMemory)
			}
			if cfg.Suggester != nil {
				r.Post("/suggestions", NewSuggestHandler(cfg.Suggester).Suggest)
			}
		})
	})

	// WebSocket route
	r.Get("/ws", wsHandler.HandleWebSocket)

	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func limit(rl *middleware.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Handler
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
