package token

import "time"

// Kind tags which Principal variant a token carries.
type Kind string

const (
	KindUser Kind = "user"
	KindBot  Kind = "bot"
)

// Meta is the part of every principal assigned at mint time.
type Meta struct {
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Metadata returns the mint-time fields.
func (m Meta) Metadata() Meta { return m }

func (Meta) principal() {}

// Principal is the identity decoded from a verified token. It is either a
// *UserPrincipal or a *BotPrincipal; callers switch on the concrete type.
type Principal interface {
	Kind() Kind
	Subject() string
	Metadata() Meta
	principal()
}

// UserPrincipal is a user scoped to a tenant, optionally acting through a
// bot. AllowBotAccess, TokenLimit and GrantedBotIDs are a snapshot taken at
// mint time for client display; enforcement always re-reads the grant.
type UserPrincipal struct {
	Meta
	SubjectID      string
	TenantID       string
	BotID          string
	AllowBotAccess bool
	TokenLimit     int64
	GrantedBotIDs  []string
}

func (p *UserPrincipal) Kind() Kind      { return KindUser }
func (p *UserPrincipal) Subject() string { return p.SubjectID }

// BotPrincipal is a bot acting on its own behalf. It is never tenant scoped.
type BotPrincipal struct {
	Meta
	SubjectID string
}

func (p *BotPrincipal) Kind() Kind      { return KindBot }
func (p *BotPrincipal) Subject() string { return p.SubjectID }
