package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/botauth/internal/store"
	"github.com/example/botauth/internal/token"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	db    *store.MemDB
	codec *token.Codec
	res   *Resolver
	rev   *Revocations
	usage *Usage
	auth  *Authorizer
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, time.Second)
}

// newFixtureWith builds the core over wrap(db); fixture helpers seed db
// directly.
func newFixtureWith(t *testing.T, wrap func(*store.MemDB) store.Store, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{db: store.NewMemoryDB(), now: fixedNow}
	var s store.Store = f.db
	if wrap != nil {
		s = wrap(f.db)
	}
	codec, err := token.NewCodec(token.Config{
		Secret: []byte("test-secret"),
		TTL:    time.Hour,
		Now:    func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.codec = codec
	f.res = NewResolver(s, s, timeout)
	f.rev = NewRevocations(s, timeout)
	f.usage = NewUsage(f.res, s, timeout)
	f.usage.now = func() time.Time { return f.now }
	f.auth = NewAuthorizer(codec, f.rev, f.res)
	return f
}

func (f *fixture) grant(t *testing.T, g store.Grant) {
	t.Helper()
	require.NoError(t, f.db.PutGrant(context.Background(), &g))
}

func (f *fixture) bot(t *testing.T, b store.Bot) {
	t.Helper()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = fixedNow
	}
	require.NoError(t, f.db.CreateBot(context.Background(), &b))
}

func (f *fixture) mint(t *testing.T, p token.Principal) *token.Issued {
	t.Helper()
	issued, err := f.codec.Mint(p)
	require.NoError(t, err)
	return issued
}

// seedUserWithBot grants user-1 in tenant-1 with bot access through bot-1.
func (f *fixture) seedUserWithBot(t *testing.T, limit int64) {
	t.Helper()
	f.bot(t, store.Bot{ID: "bot-1", Name: "Helper", SecretHash: "x", Website: "https://helper.example"})
	f.grant(t, store.Grant{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, AllowBotAccess: true, TokenLimit: limit})
	f.grant(t, store.Grant{SubjectID: "bot-1", TenantID: "tenant-1", Enabled: true})
}

// blockingStore hangs on reads until the caller's context ends.
type blockingStore struct {
	*store.MemDB
}

func (b blockingStore) GetGrant(ctx context.Context, _, _ string) (*store.Grant, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b blockingStore) IsTokenRevoked(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
