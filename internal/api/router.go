package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/doctoknow/kbchat/internal/api/handler"
	customMiddleware "github.com/doctoknow/kbchat/internal/api/middleware"
	"github.com/doctoknow/kbchat/internal/backend"
	"github.com/doctoknow/kbchat/internal/config"
	"github.com/doctoknow/kbchat/internal/filter"
	"github.com/doctoknow/kbchat/internal/identity"
	"github.com/doctoknow/kbchat/internal/repository/redis"
	"github.com/doctoknow/kbchat/internal/service"
	"github.com/doctoknow/kbchat/internal/transport"
)

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, broker *identity.Broker, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	clock := clockwork.NewRealClock()

	// Backend plumbing: every call to the knowledge backend goes through the
	// one transport client so the refresh-retry-once behavior has a single home.
	httpClient := transport.NewClient(broker, cfg.Backend.RequestTimeout)
	backendClient := backend.NewClient(cfg.Backend.BaseURL, httpClient)

	filterBuilder := filter.NewBuilder(backendClient, cfg.Filter.DefaultTTL)
	sessionService := service.NewSessionService(backendClient, clock, cfg.Session.ReloadThreshold, cfg.Session.TabTTL)
	queryService := service.NewQueryService(backendClient, filterBuilder, sessionService, clock, cfg.Query.PollInterval, cfg.Query.MaxPollAttempts)

	rateLimiter := redis.NewRateLimiter(
		redisClient,
		cfg.Security.RateLimit.RequestsPerMinute,
		cfg.Security.RateLimit.Burst,
	)

	// Handlers
	authHandler := handler.NewAuthHandler(broker)
	sessionHandler := handler.NewSessionHandler(sessionService, queryService)
	historyHandler := handler.NewHistoryHandler(sessionService)
	collectionHandler := handler.NewCollectionHandler(filterBuilder)

	authMiddleware := customMiddleware.NewAuthMiddleware(broker)
	rateLimitMiddleware := customMiddleware.NewRateLimitMiddleware(rateLimiter)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(redisClient))

		// Auth routes (public)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireCredential)

			r.Post("/sessions", sessionHandler.Begin)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Post("/reset", sessionHandler.Reset)
				r.Get("/transcript", sessionHandler.Transcript)

				r.With(rateLimitMiddleware.Limit).Post("/query", sessionHandler.Ask)
			})

			r.Get("/collections/defaults", collectionHandler.Defaults)

			r.Route("/histories", func(r chi.Router) {
				r.Get("/", historyHandler.List)
				r.Get("/search", historyHandler.Search)
				r.Get("/{messageID}", historyHandler.Detail)
			})

			r.Post("/feedback", historyHandler.Feedback)
		})
	})

	return r
}
