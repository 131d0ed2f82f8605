package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/api"
	"github.com/doctoknow/kbchat/internal/config"
	"github.com/doctoknow/kbchat/internal/identity"
	"github.com/doctoknow/kbchat/internal/logging"
	"github.com/doctoknow/kbchat/internal/repository/redis"
)

func main() {
	// Load .env file - try multiple locations
	envPaths := []string{".env", "../.env", "../../.env"}
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			fmt.Printf("Loaded .env from: %s\n", p)
			break
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	if err := logging.Setup(cfg.Logging); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("backend", cfg.Backend.BaseURL).
		Msg("Starting knowledge chat gateway")

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Credential broker: durable store in Redis, tokens from the identity
	// provider, proactive refresh in the background.
	provider := identity.NewHTTPProvider(cfg.Identity.BaseURL, cfg.Identity.RequestTimeout)
	store := redis.NewCredentialStore(redisClient)
	broker := identity.NewBroker(provider, store, clockwork.NewRealClock(), cfg.Identity.RefreshLookahead)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go broker.StartAutoRefresh(rootCtx, cfg.Identity.AutoRefreshInterval)

	// Initialize router
	router := api.NewRouter(cfg, broker, redisClient)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	<-rootCtx.Done()

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
