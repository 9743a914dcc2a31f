// Package store is the persistence collaborator behind the authorization
// core: grants, bots, revoked token IDs, usage counters and dashboard
// clients. Backends: in-memory, SQLite, PostgreSQL, plus a Redis usage
// backend and a Redis revocation cache.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Grant is the access record for a subject (user or bot) within a tenant.
type Grant struct {
	SubjectID         string
	TenantID          string
	Enabled           bool
	AllowBotAccess    bool
	TokenLimit        int64
	MaxRequestsPerDay int64
	UpdatedAt         time.Time
}

// Bot is a registered third-party bot. SecretHash is a bcrypt hash.
type Bot struct {
	ID                  string
	Name                string
	SecretHash          string
	Website             string
	Capabilities        []string
	ContactEmail        string
	MaxTokensPerRequest int64
	CreatedAt           time.Time
}

// RevokedToken records a permanently revoked token ID.
type RevokedToken struct {
	TokenID   string
	RevokedAt time.Time
	ExpiresAt time.Time
	Reason    string
}

// UsageKey identifies one usage counter. BotID is empty when no bot is
// involved.
type UsageKey struct {
	SubjectID string
	TenantID  string
	BotID     string
	Period    string
}

// Client is a trusted dashboard backend authenticating with an API key.
type Client struct {
	ID                 string
	Name               string
	APIKeyHash         string
	APIKeyPrefix       string
	RateLimitPerMinute int
	Active             bool
	CreatedAt          time.Time
}

type GrantStore interface {
	GetGrant(ctx context.Context, subjectID, tenantID string) (*Grant, error)
	PutGrant(ctx context.Context, g *Grant) error
	// ListEnabledBots returns IDs of registered bots with an enabled grant
	// in the tenant.
	ListEnabledBots(ctx context.Context, tenantID string) ([]string, error)
}

type RevocationStore interface {
	// RevokeToken is idempotent; a second call keeps the first RevokedAt.
	RevokeToken(ctx context.Context, rt RevokedToken) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

type UsageStore interface {
	// ConsumeUsage atomically adds amount to the counter if the result stays
	// within limit. used is the counter value after the call: incremented
	// when accepted, unchanged otherwise.
	ConsumeUsage(ctx context.Context, key UsageKey, amount, limit int64) (accepted bool, used int64, err error)
	GetUsage(ctx context.Context, key UsageKey) (int64, error)
}

type BotStore interface {
	CreateBot(ctx context.Context, b *Bot) error
	GetBot(ctx context.Context, id string) (*Bot, error)
}

type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClientsByKeyPrefix(ctx context.Context, prefix string) ([]*Client, error)
}

// Store is a complete backend.
type Store interface {
	GrantStore
	RevocationStore
	UsageStore
	BotStore
	ClientStore
	Ping(ctx context.Context) error
	Close() error
}
