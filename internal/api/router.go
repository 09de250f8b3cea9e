package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/handlers"
)

const (
	jsonBodyLimit = 256 << 10
	uploadSlack   = 64 << 10
)

// RouterConfig carries the pieces the router wires together.
type RouterConfig struct {
	Logger             zerolog.Logger
	Handler            *handlers.Handler
	Auth               *middleware.AuthMiddleware
	RateLimiter        *middleware.RateLimiter
	Proxies            *middleware.TrustedProxies
	AllowedOrigins     []string
	AttachmentMaxBytes int64
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	h := cfg.Handler

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(chimw.RequestID)
	r.Use(cfg.Proxies.Middleware)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ValidateRequest)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.ProviderKeyHeader},
		ExposedHeaders:   []string{"X-Cache", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.OriginGuard(cfg.AllowedOrigins, cfg.Logger))
	r.Use(cfg.RateLimiter.Middleware)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)
	r.Get("/api", h.Root)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.RequireAuth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(jsonBodyLimit))

			r.Post("/api/chat", h.Chat)
			r.Get("/api/models", h.ListModels)
			r.Get("/api/chats", h.ListChats)
			r.Get("/api/chats/{id}", h.GetChat)
			r.Patch("/api/chats/{id}", h.RenameChat)
			r.Delete("/api/chats/{id}", h.DeleteChat)
			r.Get("/api/search", h.Search)
			r.Get("/api/usage", h.Usage)
		})

		r.With(middleware.MaxBodySize(cfg.AttachmentMaxBytes+uploadSlack)).
			Post("/api/attachments", h.UploadAttachment)
	})

	return r
}
