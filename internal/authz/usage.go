package authz

import (
	"context"
	"time"

	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/store"
)

// Consumption is the outcome of TryConsume. On rejection BalanceBefore and
// BalanceAfter are both the unchanged current usage.
type Consumption struct {
	Accepted      bool  `json:"accepted"`
	BalanceBefore int64 `json:"balanceBefore"`
	BalanceAfter  int64 `json:"balanceAfter"`
	Limit         int64 `json:"limit"`
}

// Balance is a read-only view of a counter against its current limit.
type Balance struct {
	HasTokens    bool  `json:"hasTokens"`
	CurrentUsage int64 `json:"currentUsage"`
	Limit        int64 `json:"limit"`
}

// Usage is the metering ledger. Limits always come from a fresh Resolve,
// never from a token's embedded hint.
type Usage struct {
	resolver *Resolver
	store    store.UsageStore
	timeout  time.Duration
	now      func() time.Time
}

func NewUsage(resolver *Resolver, s store.UsageStore, timeout time.Duration) *Usage {
	return &Usage{resolver: resolver, store: s, timeout: timeout, now: time.Now}
}

// TokenPeriod is the counter period for token usage: the UTC calendar month.
func TokenPeriod(t time.Time) string { return t.UTC().Format("2006-01") }

// RequestPeriod is the counter period for the daily request quota.
func RequestPeriod(t time.Time) string { return "req:" + t.UTC().Format("2006-01-02") }

type consumed struct {
	accepted bool
	used     int64
}

func (u *Usage) consume(ctx context.Context, key store.UsageKey, amount, limit int64) (consumed, error) {
	return Persist(ctx, u.timeout, func(ctx context.Context) (consumed, error) {
		ok, used, err := u.store.ConsumeUsage(ctx, key, amount, limit)
		return consumed{ok, used}, err
	})
}

func (u *Usage) current(ctx context.Context, key store.UsageKey) (int64, error) {
	return Persist(ctx, u.timeout, func(ctx context.Context) (int64, error) {
		return u.store.GetUsage(ctx, key)
	})
}

// TryConsume charges amount against the subject's current token limit if
// it fits, and leaves the counter untouched otherwise.
func (u *Usage) TryConsume(ctx context.Context, subjectID, tenantID, botID string, amount int64) (*Consumption, error) {
	if amount <= 0 {
		return nil, Errorf(KindInvalidRequest, "amount must be positive")
	}
	res, err := u.resolver.Resolve(ctx, subjectID, tenantID, botID)
	if err != nil {
		return nil, err
	}
	limit := res.Grant.TokenLimit
	key := store.UsageKey{SubjectID: subjectID, TenantID: tenantID, BotID: botID, Period: TokenPeriod(u.now())}

	if bot := res.Bot; bot != nil {
		if bot.MaxTokensPerRequest > 0 && amount > bot.MaxTokensPerRequest {
			used, err := u.current(ctx, key)
			if err != nil {
				return nil, err
			}
			metrics.UsageConsumptions.WithLabelValues("tokens", "rejected").Inc()
			return &Consumption{BalanceBefore: used, BalanceAfter: used, Limit: limit}, nil
		}
	}

	c, err := u.consume(ctx, key, amount, limit)
	if err != nil {
		return nil, err
	}
	if !c.accepted {
		metrics.UsageConsumptions.WithLabelValues("tokens", "rejected").Inc()
		return &Consumption{BalanceBefore: c.used, BalanceAfter: c.used, Limit: limit}, nil
	}
	metrics.UsageConsumptions.WithLabelValues("tokens", "accepted").Inc()
	return &Consumption{Accepted: true, BalanceBefore: c.used - amount, BalanceAfter: c.used, Limit: limit}, nil
}

// Balance reports current usage against the current limit without
// changing anything.
func (u *Usage) Balance(ctx context.Context, subjectID, tenantID, botID string) (*Balance, error) {
	res, err := u.resolver.Resolve(ctx, subjectID, tenantID, botID)
	if err != nil {
		return nil, err
	}
	used, err := u.current(ctx, store.UsageKey{SubjectID: subjectID, TenantID: tenantID, BotID: botID, Period: TokenPeriod(u.now())})
	if err != nil {
		return nil, err
	}
	limit := res.Grant.TokenLimit
	return &Balance{HasTokens: used < limit, CurrentUsage: used, Limit: limit}, nil
}

// ConsumeRequest charges one request against a daily quota. A quota of zero
// or less means unlimited.
func (u *Usage) ConsumeRequest(ctx context.Context, subjectID, tenantID, botID string, perDay int64) error {
	if perDay <= 0 {
		return nil
	}
	key := store.UsageKey{SubjectID: subjectID, TenantID: tenantID, BotID: botID, Period: RequestPeriod(u.now())}
	c, err := u.consume(ctx, key, 1, perDay)
	if err != nil {
		return err
	}
	if !c.accepted {
		metrics.UsageConsumptions.WithLabelValues("requests", "rejected").Inc()
		return Errorf(KindQuotaExceeded, "daily request quota exhausted")
	}
	metrics.UsageConsumptions.WithLabelValues("requests", "accepted").Inc()
	return nil
}
