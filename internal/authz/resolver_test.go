package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/botauth/internal/store"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		seed   []store.Grant
		bots   []store.Bot
		botID  string
		expect Kind
	}{
		{
			name: "enabled grant",
			seed: []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, TokenLimit: 10}},
		},
		{
			name:   "no grant",
			expect: KindNotGranted,
		},
		{
			name:   "disabled grant",
			seed:   []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1"}},
			expect: KindNotGranted,
		},
		{
			name:   "bot access not allowed",
			seed:   []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true}, {SubjectID: "bot-1", TenantID: "tenant-1", Enabled: true}},
			botID:  "bot-1",
			expect: KindNotGranted,
		},
		{
			name:   "bot not in tenant",
			seed:   []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, AllowBotAccess: true}},
			botID:  "bot-1",
			expect: KindNotGranted,
		},
		{
			name:   "bot disabled in tenant",
			seed:   []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, AllowBotAccess: true}, {SubjectID: "bot-1", TenantID: "tenant-1"}},
			botID:  "bot-1",
			expect: KindNotGranted,
		},
		{
			name:   "bot id names a non-bot subject",
			seed:   []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, AllowBotAccess: true}, {SubjectID: "user-2", TenantID: "tenant-1", Enabled: true}},
			botID:  "user-2",
			expect: KindNotGranted,
		},
		{
			name:  "bot enabled",
			seed:  []store.Grant{{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, AllowBotAccess: true, TokenLimit: 7}, {SubjectID: "bot-1", TenantID: "tenant-1", Enabled: true}},
			bots:  []store.Bot{{ID: "bot-1", Name: "Helper", SecretHash: "x"}},
			botID: "bot-1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			for _, g := range tc.seed {
				f.grant(t, g)
			}
			for _, b := range tc.bots {
				f.bot(t, b)
			}
			res, err := f.res.Resolve(ctx, "user-1", "tenant-1", tc.botID)
			if tc.expect != "" {
				require.Error(t, err)
				assert.Equal(t, tc.expect, KindOf(err))
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", res.Grant.SubjectID)
			if tc.botID != "" {
				require.NotNil(t, res.BotGrant)
				assert.Equal(t, tc.botID, res.BotGrant.SubjectID)
				require.NotNil(t, res.Bot)
				assert.Equal(t, tc.botID, res.Bot.ID)
			} else {
				assert.Nil(t, res.BotGrant)
				assert.Nil(t, res.Bot)
			}
		})
	}
}

func TestResolveSeesChangesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, store.Grant{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, TokenLimit: 10})

	res, err := f.res.Resolve(ctx, "user-1", "tenant-1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Grant.TokenLimit)

	f.grant(t, store.Grant{SubjectID: "user-1", TenantID: "tenant-1", Enabled: true, TokenLimit: 3})
	res, err = f.res.Resolve(ctx, "user-1", "tenant-1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Grant.TokenLimit)

	f.grant(t, store.Grant{SubjectID: "user-1", TenantID: "tenant-1", Enabled: false})
	_, err = f.res.Resolve(ctx, "user-1", "tenant-1", "")
	assert.Equal(t, KindNotGranted, KindOf(err))
}

func TestResolveBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bot(t, store.Bot{ID: "bot-1", Name: "Helper", SecretHash: "x"})

	b, err := f.res.ResolveBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "Helper", b.Name)

	_, err = f.res.ResolveBot(ctx, "bot-404")
	assert.Equal(t, KindNotGranted, KindOf(err))
}

func TestResolveFailsClosedOnSlowStore(t *testing.T) {
	f := newFixtureWith(t, func(db *store.MemDB) store.Store { return blockingStore{db} }, 20*time.Millisecond)

	_, err := f.res.Resolve(context.Background(), "user-1", "tenant-1", "")
	require.Error(t, err)
	assert.Equal(t, KindPersistenceUnavailable, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
