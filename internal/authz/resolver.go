package authz

import (
	"context"
	"errors"
	"time"

	"github.com/example/botauth/internal/store"
)

// Resolution is the current grant state for a (subject, tenant[, bot])
// triple. It is read fresh on every call and is the only input to
// enforcement decisions.
type Resolution struct {
	Grant store.Grant
	// Bot and BotGrant are set when a bot was named: the registered bot and
	// its association with the tenant.
	Bot      *store.Bot
	BotGrant *store.Grant
}

// Resolver answers whether a subject may act in a tenant, optionally
// through a bot.
type Resolver struct {
	grants  store.GrantStore
	bots    store.BotStore
	timeout time.Duration
}

func NewResolver(grants store.GrantStore, bots store.BotStore, timeout time.Duration) *Resolver {
	return &Resolver{grants: grants, bots: bots, timeout: timeout}
}

// Resolve returns the subject's grant in the tenant. A missing or disabled
// grant yields NotGranted. When botID is set the subject grant must allow
// bot access, botID must name a registered bot, and the bot's own tenant
// association must exist and be enabled.
func (r *Resolver) Resolve(ctx context.Context, subjectID, tenantID, botID string) (*Resolution, error) {
	if subjectID == "" || tenantID == "" {
		return nil, Errorf(KindNotGranted, "subject and tenant are required")
	}

	g, err := r.grant(ctx, subjectID, tenantID)
	if err != nil {
		return nil, err
	}
	if g == nil || !g.Enabled {
		return nil, Errorf(KindNotGranted, "no active grant for this tenant")
	}
	res := &Resolution{Grant: *g}
	if botID == "" {
		return res, nil
	}

	if !g.AllowBotAccess {
		return nil, Errorf(KindNotGranted, "bot access is not allowed for this tenant")
	}
	// Grants for users and bots share a table, so the grant row alone does
	// not prove botID is a bot.
	bot, err := r.ResolveBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	bg, err := r.grant(ctx, botID, tenantID)
	if err != nil {
		return nil, err
	}
	if bg == nil || !bg.Enabled {
		return nil, Errorf(KindNotGranted, "bot is not enabled for this tenant")
	}
	res.Bot, res.BotGrant = bot, bg
	return res, nil
}

// ResolveBot confirms a bot is still registered. A bot principal carries no
// tenant, so registration is the only state to re-check.
func (r *Resolver) ResolveBot(ctx context.Context, botID string) (*store.Bot, error) {
	b, err := Persist(ctx, r.timeout, func(ctx context.Context) (*store.Bot, error) {
		return r.bots.GetBot(ctx, botID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errorf(KindNotGranted, "bot is not registered")
	}
	return b, err
}

// GrantedBots lists the bots enabled in a tenant, for embedding as a hint.
func (r *Resolver) GrantedBots(ctx context.Context, tenantID string) ([]string, error) {
	return Persist(ctx, r.timeout, func(ctx context.Context) ([]string, error) {
		return r.grants.ListEnabledBots(ctx, tenantID)
	})
}

func (r *Resolver) grant(ctx context.Context, subjectID, tenantID string) (*store.Grant, error) {
	g, err := Persist(ctx, r.timeout, func(ctx context.Context) (*store.Grant, error) {
		return r.grants.GetGrant(ctx, subjectID, tenantID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return g, err
}
