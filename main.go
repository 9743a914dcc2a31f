package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/botauth/internal/authz"
	"github.com/example/botauth/internal/botdir"
	cfg "github.com/example/botauth/internal/config"
	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/store"
	"github.com/example/botauth/internal/token"
)

// usageRetention keeps redis usage counters a little past two months so
// the previous period stays readable.
const usageRetention = 62 * 24 * time.Hour

// Backends are the stores the App runs on. Usage and Revocations default to
// Store when nil.
type Backends struct {
	Store       store.Store
	Usage       store.UsageStore
	Revocations store.RevocationStore
	Redis       *redis.Client
}

type App struct {
	Store       store.Store
	Redis       *redis.Client
	Codec       *token.Codec
	Resolver    *authz.Resolver
	Revocations *authz.Revocations
	Usage       *authz.Usage
	Authorizer  *authz.Authorizer
	Guard       *authz.Middleware
	Bots        *botdir.Directory
	Log         *zap.Logger

	StoreTimeout          time.Duration
	AdminKey              string
	AllowedOrigins        []string
	BotRateLimitPerMinute int

	rateLimiter *RateLimiter
}

func NewApp(c *cfg.Config, be Backends, codec *token.Codec, logger *zap.Logger) *App {
	if be.Usage == nil {
		be.Usage = be.Store
	}
	if be.Revocations == nil {
		be.Revocations = be.Store
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver := authz.NewResolver(be.Store, be.Store, c.StoreTimeout)
	revocations := authz.NewRevocations(be.Revocations, c.StoreTimeout)
	usage := authz.NewUsage(resolver, be.Usage, c.StoreTimeout)
	authorizer := authz.NewAuthorizer(codec, revocations, resolver)

	return &App{
		Store:       be.Store,
		Redis:       be.Redis,
		Codec:       codec,
		Resolver:    resolver,
		Revocations: revocations,
		Usage:       usage,
		Authorizer:  authorizer,
		Guard:       authz.NewMiddleware(authorizer, usage, logger.Named("authz")),
		Bots:        botdir.New(be.Store, codec, authorizer, c.StoreTimeout, logger.Named("botdir")),
		Log:         logger,

		StoreTimeout:          c.StoreTimeout,
		AdminKey:              c.AdminKey,
		AllowedOrigins:        c.AllowedOrigins,
		BotRateLimitPerMinute: c.BotRateLimitPerMinute,

		rateLimiter: NewRateLimiter(),
	}
}

// Router builds the full HTTP surface.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Client provisioning is keyed by ADMIN_KEY, not a client key, so it is
	// registered ahead of the /api/v1 subrouter.
	r.Handle("/api/v1/admin/clients", a.AdminOnly(http.HandlerFunc(a.HandleCreateClient))).Methods("POST")

	// Session channel: trusted dashboard backends.
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.ClientAuth)
	v1.Use(a.RateLimit)
	v1.HandleFunc("/tokens", a.HandleIssueToken).Methods("POST")
	v1.HandleFunc("/tokens/revoke", a.HandleRevokeToken).Methods("POST")
	v1.HandleFunc("/usage", a.HandleConsumeUsage).Methods("POST")
	v1.HandleFunc("/usage/balance", a.HandleUsageBalance).Methods("GET")
	v1.HandleFunc("/grants", a.HandlePutGrant).Methods("PUT")
	v1.HandleFunc("/tenants/{tenantId}/bots", a.HandleTenantBots).Methods("GET")
	v1.HandleFunc("/bots", a.HandleRegisterBot).Methods("POST")

	// Bot channel.
	bot := r.PathPrefix("/bot/v1").Subrouter()
	bot.HandleFunc("/auth", a.HandleBotAuth).Methods("POST")
	bot.HandleFunc("/validate", a.HandleBotValidate).Methods("POST")
	bot.Handle("/whoami", a.guarded(http.HandlerFunc(a.HandleWhoAmI))).Methods("GET")
	bot.Handle("/usage", a.guarded(http.HandlerFunc(a.HandleBotUsage))).Methods("POST")
	bot.HandleFunc("/redirect/{botId}", a.HandleRedirect).Methods("GET")

	return r
}

// guarded runs the authorization chain, the burst limiter and the daily
// request quota, in that order.
func (a *App) guarded(h http.Handler) http.Handler {
	return a.Guard.Require(a.BotRateLimit(a.Guard.RequestQuota(h)))
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.StoreTimeout)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		a.Log.Warn("readiness: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Log.Warn("readiness: redis ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func openStore(ctx context.Context, c *cfg.Config, logger *zap.Logger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		return store.NewSQLiteDB(ctx, c.SQLiteFile)
	case "postgres":
		logger.Info("applying database migrations")
		from, to, err := store.ApplyMigrations(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("migrations applied", zap.Uint("from", from), zap.Uint("to", to))
		return store.NewPostgresDB(ctx, c.PostgresDSN)
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryDB(), nil
	}
}

func main() {
	_ = godotenv.Load()

	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := newLogger(c.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	s, err := openStore(ctx, c, logger)
	if err != nil {
		logger.Fatal("store init", zap.String("adapter", c.DBAdapter), zap.Error(err))
	}
	be := Backends{Store: s}

	if c.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis init", zap.String("addr", c.RedisAddr), zap.Error(err))
		}
		be.Redis = rdb
		be.Revocations = store.NewCachedRevocations(s, rdb, c.RevocationCacheTTL)
		if c.UsageBackend == "redis" {
			be.Usage = store.NewRedisUsage(rdb, usageRetention)
		}
		logger.Info("redis connected", zap.String("addr", c.RedisAddr), zap.String("usage_backend", c.UsageBackend))
	}

	codec, err := token.NewCodec(token.Config{Secret: []byte(c.JwtSecret), TTL: c.TokenTTL, Issuer: c.TokenIssuer})
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}

	metrics.Register(prometheus.DefaultRegisterer)

	app := NewApp(c, be, codec, logger)
	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		logger.Info("starting server", zap.String("port", c.Port), zap.String("adapter", c.DBAdapter))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	if be.Redis != nil {
		_ = be.Redis.Close()
	}
	_ = s.Close()
	logger.Info("server exited properly")
}
