// Package token mints and verifies the signed bearer tokens presented on the
// bot channel. The codec only checks signature and expiry; revocation and
// grant state are the caller's concern.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrEncoding         = errors.New("token: missing required principal fields")
	ErrMalformed        = errors.New("token: malformed")
	ErrExpired          = errors.New("token: expired")
	ErrInvalidSignature = errors.New("token: invalid signature")
)

const (
	DefaultTTL    = time.Hour
	DefaultIssuer = "botauth"
)

// Config configures a Codec. Secret is required.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Now    func() time.Time
}

// Codec mints and verifies HS256 tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Issued is the result of Mint: the bearer string plus the principal as it
// was embedded, with its mint-time metadata filled in.
type Issued struct {
	Token     string
	Principal Principal
}

type claims struct {
	Kind           Kind     `json:"kind"`
	TenantID       string   `json:"tenant_id,omitempty"`
	BotID          string   `json:"bot_id,omitempty"`
	AllowBotAccess bool     `json:"allow_bot_access,omitempty"`
	TokenLimit     int64    `json:"token_limit,omitempty"`
	GrantedBotIDs  []string `json:"granted_bot_ids,omitempty"`
	jwt.RegisteredClaims
}

func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{secret: cfg.Secret, ttl: cfg.TTL, issuer: cfg.Issuer, now: cfg.Now}, nil
}

// TTL reports how long minted tokens stay valid.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Mint signs p with a fresh token ID and expiry. Any Meta already set on p is
// ignored.
func (c *Codec) Mint(p Principal) (*Issued, error) {
	now := c.now().UTC().Truncate(time.Second)
	meta := Meta{
		TokenID:   uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	var cl claims
	var minted Principal
	switch v := p.(type) {
	case *UserPrincipal:
		if v.SubjectID == "" || v.TenantID == "" {
			return nil, ErrEncoding
		}
		u := *v
		u.Meta = meta
		u.GrantedBotIDs = append([]string(nil), v.GrantedBotIDs...)
		cl = claims{
			Kind:           KindUser,
			TenantID:       u.TenantID,
			BotID:          u.BotID,
			AllowBotAccess: u.AllowBotAccess,
			TokenLimit:     u.TokenLimit,
			GrantedBotIDs:  u.GrantedBotIDs,
		}
		minted = &u
	case *BotPrincipal:
		if v.SubjectID == "" {
			return nil, ErrEncoding
		}
		b := *v
		b.Meta = meta
		cl = claims{Kind: KindBot}
		minted = &b
	default:
		return nil, ErrEncoding
	}

	cl.RegisteredClaims = jwt.RegisteredClaims{
		ID:        meta.TokenID,
		Subject:   p.Subject(),
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(meta.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(meta.ExpiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &cl).SignedString(c.secret)
	if err != nil {
		return nil, fmt.Errorf("token: signing: %w", err)
	}
	return &Issued{Token: signed, Principal: minted}, nil
}

// Verify checks signature and expiry against the codec clock.
func (c *Codec) Verify(raw string) (Principal, error) {
	return c.VerifyAt(raw, c.now())
}

// VerifyAt is like Verify but checks expiry against now.
func (c *Codec) VerifyAt(raw string, now time.Time) (Principal, error) {
	return c.parse(raw,
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	)
}

// Identify checks only the signature, so expired tokens still decode. It is
// meant for revoking a token by value, never for admission.
func (c *Codec) Identify(raw string) (Principal, error) {
	return c.parse(raw, jwt.WithoutClaimsValidation())
}

func (c *Codec) parse(raw string, opts ...jwt.ParserOption) (Principal, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var cl claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, &cl, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return cl.principal()
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}

func (cl *claims) principal() (Principal, error) {
	if cl.ID == "" || cl.Subject == "" || cl.IssuedAt == nil || cl.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing registered claims", ErrMalformed)
	}
	meta := Meta{TokenID: cl.ID, IssuedAt: cl.IssuedAt.Time.UTC(), ExpiresAt: cl.ExpiresAt.Time.UTC()}

	switch cl.Kind {
	case KindUser:
		if cl.TenantID == "" {
			return nil, fmt.Errorf("%w: user token without tenant", ErrMalformed)
		}
		return &UserPrincipal{
			Meta:           meta,
			SubjectID:      cl.Subject,
			TenantID:       cl.TenantID,
			BotID:          cl.BotID,
			AllowBotAccess: cl.AllowBotAccess,
			TokenLimit:     cl.TokenLimit,
			GrantedBotIDs:  cl.GrantedBotIDs,
		}, nil
	case KindBot:
		if cl.TenantID != "" || cl.BotID != "" {
			return nil, fmt.Errorf("%w: bot token carries tenant scope", ErrMalformed)
		}
		return &BotPrincipal{Meta: meta, SubjectID: cl.Subject}, nil
	default:
		return nil, fmt.Errorf("%w: unknown principal kind %q", ErrMalformed, cl.Kind)
	}
}
