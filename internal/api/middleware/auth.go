package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/doctoknow/kbchat/internal/api/response"
	"github.com/doctoknow/kbchat/internal/domain"
	"github.com/doctoknow/kbchat/internal/identity"
	"github.com/doctoknow/kbchat/internal/repository/redis"
)

// AuthMiddleware gates routes on a live credential set.
type AuthMiddleware struct {
	broker *identity.Broker
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(broker *identity.Broker) *AuthMiddleware {
	return &AuthMiddleware{broker: broker}
}

// RequireCredential rejects requests while the gateway is signed out. A
// credential that is merely stale is refreshed by the broker on first use,
// so only a missing or unrefreshable credential turns into a 401 here.
func (m *AuthMiddleware) RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := m.broker.AccessToken(r.Context()); err != nil {
			if errors.Is(err, domain.ErrNoCredential) {
				response.Unauthorized(w, "not signed in")
				return
			}
			response.Unauthorized(w, "session expired, sign in again")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware handles rate limiting
type RateLimitMiddleware struct {
	rateLimiter *redis.RateLimiter
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(rateLimiter *redis.RateLimiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{rateLimiter: rateLimiter}
}

// Limit applies rate limiting keyed by the session id in the route.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "sessionID")
		if key == "" {
			key = r.RemoteAddr
		}

		allowed, remaining, resetTime, err := m.rateLimiter.Allow(r.Context(), key)
		if err != nil {
			// If rate limiter fails, allow the request rather than block queries
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetTime.Format(time.RFC3339))

		if !allowed {
			response.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
