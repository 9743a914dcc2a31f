package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/example/botauth/internal/authz"
	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/store"
)

type ctxKey string

const clientKey ctxKey = "client"

func clientFromContext(ctx context.Context) *store.Client {
	c, _ := ctx.Value(clientKey).(*store.Client)
	return c
}

// ClientAuth admits dashboard backends presenting a valid X-API-Key.
func (a *App) ClientAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			a.writeError(w, r, authz.Errorf(authz.KindInvalidCredentials, "API key required"))
			return
		}

		client, err := a.validateAPIKey(r.Context(), apiKey)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if client == nil {
			a.writeError(w, r, authz.Errorf(authz.KindInvalidCredentials, "Invalid API key"))
			return
		}

		ctx := context.WithValue(r.Context(), clientKey, client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateAPIKey narrows candidates by key prefix and bcrypt-compares each.
// A nil client with a nil error means no match.
func (a *App) validateAPIKey(ctx context.Context, apiKey string) (*store.Client, error) {
	clients, err := authz.Persist(ctx, a.StoreTimeout, func(ctx context.Context) ([]*store.Client, error) {
		return a.Store.GetClientsByKeyPrefix(ctx, getAPIKeyPrefix(apiKey))
	})
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		if bcrypt.CompareHashAndPassword([]byte(c.APIKeyHash), []byte(apiKey)) == nil {
			return c, nil
		}
	}
	return nil, nil
}

// AdminOnly guards client provisioning with the static ADMIN_KEY. With no
// key configured the route is closed.
func (a *App) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if a.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.AdminKey)) != 1 {
			a.writeError(w, r, authz.Errorf(authz.KindInvalidCredentials, "admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS middleware handles CORS headers
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) originAllowed(origin string) bool {
	for _, o := range a.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// RateLimiter hands out one token bucket per key.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) getLimiter(key string, limitPerMinute int) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[key]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(limitPerMinute)/60, limitPerMinute)
			rl.limiters[key] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// Allow reports whether key may proceed. A non-positive limit disables
// limiting.
func (rl *RateLimiter) Allow(key string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}
	return rl.getLimiter(key, limitPerMinute).Allow()
}

func (a *App) rateLimited(w http.ResponseWriter, r *http.Request) {
	metrics.RateLimitRejectionsTotal.Inc()
	a.writeError(w, r, authz.Errorf(authz.KindRateLimited, "Rate limit exceeded"))
}

// RateLimit enforces each client's per-minute budget. It must run after
// ClientAuth.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientFromContext(r.Context())
		if client == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !a.rateLimiter.Allow("client:"+client.ID, client.RateLimitPerMinute) {
			a.rateLimited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BotRateLimit is the burst limiter for admitted bot-channel principals.
func (a *App) BotRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adm := authz.AdmissionFromContext(r.Context())
		if adm != nil {
			key := string(adm.Principal.Kind()) + ":" + adm.Principal.Subject()
			if !a.rateLimiter.Allow(key, a.BotRateLimitPerMinute) {
				a.rateLimited(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Logging logs each request and records it in the HTTP metrics, labelled
// by route template so token-bearing paths do not explode cardinality.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(wrapped.statusCode), r.Method).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(endpoint, r.Method).Observe(duration.Seconds())

		clientID := "-"
		if c := clientFromContext(r.Context()); c != nil {
			clientID = c.APIKeyPrefix
		}
		a.Log.Info("request",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", duration),
			zap.String("client", clientID))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Helper functions for API key management
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	return string(hash), err
}

func getAPIKeyPrefix(apiKey string) string {
	if len(apiKey) >= 8 {
		return apiKey[:8]
	}
	return apiKey
}
