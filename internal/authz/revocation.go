package authz

import (
	"context"
	"time"

	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/store"
)

// Revocations is the ledger of permanently revoked token IDs. There is no
// way to un-revoke.
type Revocations struct {
	store   store.RevocationStore
	timeout time.Duration
	now     func() time.Time
}

func NewRevocations(s store.RevocationStore, timeout time.Duration) *Revocations {
	return &Revocations{store: s, timeout: timeout, now: time.Now}
}

// Revoke records tokenID as revoked. expiresAt is informational. Revoking an
// already revoked ID succeeds and leaves the original record alone.
func (r *Revocations) Revoke(ctx context.Context, tokenID string, expiresAt time.Time, reason string) error {
	if tokenID == "" {
		return Errorf(KindInvalidRequest, "token id is required")
	}
	_, err := Persist(ctx, r.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.RevokeToken(ctx, store.RevokedToken{
			TokenID:   tokenID,
			RevokedAt: r.now().UTC(),
			ExpiresAt: expiresAt,
			Reason:    reason,
		})
	})
	if err == nil {
		metrics.TokensRevoked.Inc()
	}
	return err
}

func (r *Revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return Persist(ctx, r.timeout, func(ctx context.Context) (bool, error) {
		return r.store.IsTokenRevoked(ctx, tokenID)
	})
}
