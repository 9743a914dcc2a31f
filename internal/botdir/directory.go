// Package botdir keeps the registry of bots, authenticates them by shared
// secret, and hands users off to a bot's website with a token attached.
package botdir

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/botauth/internal/authz"
	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/store"
	"github.com/example/botauth/internal/token"
)

const (
	minSecretLen = 6
	secretCost   = bcrypt.DefaultCost
)

// dummyHash is compared against when the bot is unknown so both failure
// paths take a bcrypt comparison at the same cost.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("botauth-dummy-secret"), secretCost)

type RegisterInput struct {
	Name                string   `json:"name"`
	Secret              string   `json:"secret"`
	Website             string   `json:"website"`
	Capabilities        []string `json:"capabilities"`
	ContactEmail        string   `json:"contactEmail"`
	MaxTokensPerRequest int64    `json:"maxTokensPerRequest"`
}

// Record is the public view of a bot. It never carries the secret.
type Record struct {
	ID                  string    `json:"botId"`
	Name                string    `json:"name"`
	Website             string    `json:"website,omitempty"`
	Capabilities        []string  `json:"capabilities"`
	ContactEmail        string    `json:"contactEmail,omitempty"`
	MaxTokensPerRequest int64     `json:"maxTokensPerRequest"`
	CreatedAt           time.Time `json:"createdAt"`
}

func RecordOf(b *store.Bot) Record {
	caps := b.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return Record{
		ID:                  b.ID,
		Name:                b.Name,
		Website:             b.Website,
		Capabilities:        caps,
		ContactEmail:        b.ContactEmail,
		MaxTokensPerRequest: b.MaxTokensPerRequest,
		CreatedAt:           b.CreatedAt,
	}
}

// RedirectTarget is where a user is sent to reach a bot.
type RedirectTarget struct {
	BotID string
	URL   string
}

type Directory struct {
	bots    store.BotStore
	codec   *token.Codec
	auth    *authz.Authorizer
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func New(bots store.BotStore, codec *token.Codec, auth *authz.Authorizer, timeout time.Duration, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{bots: bots, codec: codec, auth: auth, timeout: timeout, log: log, now: time.Now}
}

// Register stores a new bot with a bcrypt hash of its secret.
func (d *Directory) Register(ctx context.Context, in RegisterInput) (*store.Bot, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Website = strings.TrimSpace(in.Website)
	if in.Name == "" {
		return nil, authz.Errorf(authz.KindInvalidRequest, "name is required")
	}
	if len(in.Secret) < minSecretLen {
		return nil, authz.Errorf(authz.KindInvalidRequest, "secret must be at least 6 characters")
	}
	if in.Website != "" {
		if _, err := endpoint(in.Website); err != nil {
			return nil, authz.Errorf(authz.KindInvalidRequest, "website must be an absolute http(s) URL")
		}
	}
	if in.MaxTokensPerRequest < 0 {
		return nil, authz.Errorf(authz.KindInvalidRequest, "maxTokensPerRequest must not be negative")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Secret), secretCost)
	if err != nil {
		return nil, err
	}
	b := &store.Bot{
		ID:                  uuid.NewString(),
		Name:                in.Name,
		SecretHash:          string(hash),
		Website:             in.Website,
		Capabilities:        in.Capabilities,
		ContactEmail:        in.ContactEmail,
		MaxTokensPerRequest: in.MaxTokensPerRequest,
		CreatedAt:           d.now().UTC().Truncate(time.Second),
	}
	if _, err := authz.Persist(ctx, d.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.bots.CreateBot(ctx, b)
	}); err != nil {
		return nil, err
	}
	d.log.Info("bot registered", zap.String("bot_id", b.ID), zap.String("name", b.Name))
	return b, nil
}

// Authenticate checks the bot's secret and mints a bot token for it.
func (d *Directory) Authenticate(ctx context.Context, botID, secret string) (*token.Issued, error) {
	b, err := d.get(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, authz.Errorf(authz.KindInvalidCredentials, "invalid bot credentials")
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(b.SecretHash), []byte(secret)) != nil {
		d.log.Info("bot authentication failed", zap.String("bot_id", botID))
		return nil, authz.Errorf(authz.KindInvalidCredentials, "invalid bot credentials")
	}

	issued, err := d.codec.Mint(&token.BotPrincipal{SubjectID: b.ID})
	if err != nil {
		return nil, err
	}
	metrics.TokensMinted.WithLabelValues(string(token.KindBot)).Inc()
	return issued, nil
}

// ResolveAndAuthorize verifies raw, checks it is bound to botID, and
// returns the bot's website with the token attached. The bot site must
// still validate the token itself.
func (d *Directory) ResolveAndAuthorize(ctx context.Context, botID, raw string) (*RedirectTarget, error) {
	adm, err := d.auth.Authorize(ctx, raw)
	if err != nil {
		return nil, err
	}

	bot := adm.Bot
	switch p := adm.Principal.(type) {
	case *token.UserPrincipal:
		if p.BotID != botID {
			return nil, authz.Errorf(authz.KindAccessWithdrawn, "token is not issued for this bot")
		}
	case *token.BotPrincipal:
		if p.SubjectID != botID {
			return nil, authz.Errorf(authz.KindAccessWithdrawn, "token is not issued for this bot")
		}
	}

	if bot == nil {
		bot, err = d.get(ctx, botID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, authz.Errorf(authz.KindNoEndpointConfigured, "bot has no endpoint configured")
		}
		if err != nil {
			return nil, err
		}
	}
	if bot.Website == "" {
		return nil, authz.Errorf(authz.KindNoEndpointConfigured, "bot has no endpoint configured")
	}
	u, err := endpoint(bot.Website)
	if err != nil {
		d.log.Warn("bot website is not a valid URL", zap.String("bot_id", botID), zap.Error(err))
		return nil, authz.Errorf(authz.KindNoEndpointConfigured, "bot has no endpoint configured")
	}

	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return &RedirectTarget{BotID: botID, URL: u.String()}, nil
}

func (d *Directory) get(ctx context.Context, botID string) (*store.Bot, error) {
	return authz.Persist(ctx, d.timeout, func(ctx context.Context) (*store.Bot, error) {
		return d.bots.GetBot(ctx, botID)
	})
}

func endpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("botdir: website must be absolute http(s)")
	}
	return u, nil
}
