package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultSecret = "change-me"

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	Env        string

	JwtSecret    string
	TokenTTL     time.Duration
	TokenIssuer  string
	StoreTimeout time.Duration

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// UsageBackend is "sql" (the main store) or "redis".
	UsageBackend       string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RevocationCacheTTL time.Duration

	BotRateLimitPerMinute int
	AdminKey              string
	AllowedOrigins        []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  strings.ToLower(getenv("DB_ADAPTER", "memory")),
		SQLiteFile: getenv("SQLITE_FILE", "./data/botauth.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		Env:        strings.ToLower(getenv("ENV", "")),

		JwtSecret:   getenv("JWT_SECRET", defaultSecret),
		TokenIssuer: getenv("TOKEN_ISSUER", "botauth"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "botauth")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "botauth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		UsageBackend:  strings.ToLower(getenv("USAGE_BACKEND", "sql")),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		AdminKey: getenv("ADMIN_KEY", ""),
	}

	var err error
	if c.TokenTTL, err = getDuration("TOKEN_TTL", time.Hour); err != nil {
		return nil, err
	}
	if c.StoreTimeout, err = getDuration("STORE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.RevocationCacheTTL, err = getDuration("REVOCATION_CACHE_TTL", 5*time.Second); err != nil {
		return nil, err
	}
	if c.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.BotRateLimitPerMinute, err = getInt("BOT_RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	for _, o := range strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}

	switch c.DBAdapter {
	case "memory":
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	default:
		return nil, fmt.Errorf("unknown DB_ADAPTER: %s", c.DBAdapter)
	}

	switch c.UsageBackend {
	case "sql":
	case "redis":
		if c.RedisAddr == "" {
			return nil, errors.New("REDIS_ADDR must be set when USAGE_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unknown USAGE_BACKEND: %s", c.UsageBackend)
	}

	if c.TokenTTL <= 0 {
		return nil, errors.New("TOKEN_TTL must be positive")
	}
	if c.StoreTimeout <= 0 {
		return nil, errors.New("STORE_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.JwtSecret == "" || c.JwtSecret == defaultSecret {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.DBAdapter == "memory" {
			return nil, errors.New("DB_ADAPTER=memory is not allowed in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
