package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/botauth/internal/authz"
	cfg "github.com/example/botauth/internal/config"
	"github.com/example/botauth/internal/store"
	"github.com/example/botauth/internal/token"
)

const testAdminKey = "admin-test-key"

type testServer struct {
	t      *testing.T
	app    *App
	db     *store.MemDB
	h      http.Handler
	apiKey string
}

func newTestServer(t *testing.T, botRate int) *testServer {
	t.Helper()
	db := store.NewMemoryDB()
	codec, err := token.NewCodec(token.Config{Secret: []byte("handlers-secret"), TTL: time.Hour})
	require.NoError(t, err)

	c := &cfg.Config{
		StoreTimeout:          time.Second,
		AdminKey:              testAdminKey,
		BotRateLimitPerMinute: botRate,
		AllowedOrigins:        []string{"https://dash.example"},
	}
	app := NewApp(c, Backends{Store: db}, codec, nil)
	ts := &testServer{t: t, app: app, db: db, h: app.Router()}

	rec := ts.do(http.MethodPost, "/api/v1/admin/clients", map[string]interface{}{"name": "dashboard"}, map[string]string{"X-Admin-Key": testAdminKey})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.APIKey)
	ts.apiKey = out.APIKey
	return ts
}

func (ts *testServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) session(method, path string, body interface{}) *httptest.ResponseRecorder {
	return ts.do(method, path, body, map[string]string{"X-API-Key": ts.apiKey})
}

func (ts *testServer) bot(method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	return ts.do(method, path, body, map[string]string{"Authorization": "Bearer " + bearer})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) authz.Kind {
	t.Helper()
	var e authz.APIError
	decode(t, rec, &e)
	return e.Code
}

// setup registers a bot with a website and grants user-1 access through it
// in tenant-1.
func (ts *testServer) setup(limit int64) string {
	t := ts.t
	rec := ts.session(http.MethodPost, "/api/v1/bots", map[string]interface{}{
		"name":         "Helper",
		"secret":       "bot-secret-value",
		"website":      "https://helper.example/start",
		"capabilities": []string{"chat"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "bot-secret-value")
	assert.NotContains(t, rec.Body.String(), "secretHash")
	var b struct {
		BotID string `json:"botId"`
	}
	decode(t, rec, &b)

	ts.putGrant(map[string]interface{}{"subjectId": "user-1", "tenantId": "tenant-1", "enabled": true, "allowBotAccess": true, "tokenLimit": limit})
	ts.putGrant(map[string]interface{}{"subjectId": b.BotID, "tenantId": "tenant-1", "enabled": true})
	return b.BotID
}

func (ts *testServer) putGrant(g map[string]interface{}) {
	ts.t.Helper()
	rec := ts.session(http.MethodPut, "/api/v1/grants", g)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) issue(botID string) (string, string) {
	ts.t.Helper()
	rec := ts.session(http.MethodPost, "/api/v1/tokens", map[string]string{"subjectId": "user-1", "tenantId": "tenant-1", "botId": botID})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Token   string `json:"token"`
		TokenID string `json:"tokenId"`
	}
	decode(ts.t, rec, &out)
	return out.Token, out.TokenID
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, 0)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", nil, nil).Code)

	rec := ts.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())
}

func TestSessionChannelRequiresClientKey(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(http.MethodPost, "/api/v1/tokens", map[string]string{"subjectId": "u", "tenantId": "t"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authz.KindInvalidCredentials, errorCode(t, rec))

	rec = ts.do(http.MethodPost, "/api/v1/tokens", map[string]string{"subjectId": "u", "tenantId": "t"}, map[string]string{"X-API-Key": ts.apiKey[:8] + "0000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRequiresKey(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(http.MethodPost, "/api/v1/admin/clients", map[string]string{"name": "x"}, map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(http.MethodPost, "/api/v1/admin/clients", map[string]string{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueTokenRequiresGrant(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.session(http.MethodPost, "/api/v1/tokens", map[string]string{"subjectId": "user-1", "tenantId": "tenant-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, authz.KindNotGranted, errorCode(t, rec))

	rec = ts.session(http.MethodPost, "/api/v1/tokens", map[string]string{"subjectId": "user-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueTokenEmbedsGrantHint(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)

	rec := ts.session(http.MethodPost, "/api/v1/tokens", map[string]string{"subjectId": "user-1", "tenantId": "tenant-1", "botId": botID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var out struct {
		Token     string        `json:"token"`
		TokenID   string        `json:"tokenId"`
		Principal principalView `json:"principal"`
	}
	decode(t, rec, &out)
	assert.Equal(t, token.KindUser, out.Principal.Kind)
	assert.Equal(t, out.TokenID, out.Principal.TokenID)
	assert.EqualValues(t, 100, out.Principal.TokenLimit)
	assert.Equal(t, []string{botID}, out.Principal.GrantedBotIDs)

	p, err := ts.app.Codec.Verify(out.Token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", p.(*token.UserPrincipal).TenantID)
}

func TestBotChannelUsageFlow(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)
	tok, _ := ts.issue(botID)

	rec := ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var who struct {
		Principal principalView    `json:"principal"`
		Limits    map[string]int64 `json:"limits"`
		Balance   authz.Balance    `json:"balance"`
	}
	decode(t, rec, &who)
	assert.Equal(t, "user-1", who.Principal.SubjectID)
	assert.EqualValues(t, 100, who.Limits["tokenLimit"])
	assert.True(t, who.Balance.HasTokens)

	rec = ts.bot(http.MethodPost, "/bot/v1/usage", tok, map[string]int64{"amount": 95})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.bot(http.MethodPost, "/bot/v1/usage", tok, map[string]int64{"amount": 10})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, authz.KindQuotaExceeded, errorCode(t, rec))

	rec = ts.bot(http.MethodPost, "/bot/v1/usage", tok, map[string]int64{"amount": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	var c authz.Consumption
	decode(t, rec, &c)
	assert.True(t, c.Accepted)
	assert.EqualValues(t, 95, c.BalanceBefore)
	assert.EqualValues(t, 100, c.BalanceAfter)

	rec = ts.session(http.MethodGet, "/api/v1/usage/balance?subjectId=user-1&tenantId=tenant-1&botId="+botID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b authz.Balance
	decode(t, rec, &b)
	assert.False(t, b.HasTokens)
	assert.EqualValues(t, 100, b.CurrentUsage)
	assert.EqualValues(t, 100, b.Limit)
}

func TestSessionUsageReportsRejection(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(10)

	rec := ts.session(http.MethodPost, "/api/v1/usage", map[string]interface{}{"subjectId": "user-1", "tenantId": "tenant-1", "botId": botID, "amount": 11})
	require.Equal(t, http.StatusOK, rec.Code)
	var c authz.Consumption
	decode(t, rec, &c)
	assert.False(t, c.Accepted)
	assert.EqualValues(t, 0, c.BalanceAfter)

	rec = ts.session(http.MethodPost, "/api/v1/usage", map[string]interface{}{"subjectId": "user-1", "tenantId": "tenant-1", "botId": botID, "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevocationTakesEffectImmediately(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)
	tok, tokenID := ts.issue(botID)

	require.Equal(t, http.StatusOK, ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil).Code)

	rec := ts.session(http.MethodPost, "/api/v1/tokens/revoke", map[string]string{"tokenId": tokenID, "reason": "logout"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.session(http.MethodPost, "/api/v1/tokens/revoke", map[string]string{"token": tok})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authz.KindRevoked, errorCode(t, rec))

	rec = ts.do(http.MethodPost, "/bot/v1/validate", map[string]string{"token": tok}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authz.KindRevoked, errorCode(t, rec))
}

func TestRevokeRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.session(http.MethodPost, "/api/v1/tokens/revoke", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.session(http.MethodPost, "/api/v1/tokens/revoke", map[string]string{"token": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawnGrantBlocksOutstandingToken(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)
	tok, _ := ts.issue(botID)

	ts.putGrant(map[string]interface{}{"subjectId": "user-1", "tenantId": "tenant-1", "enabled": false})

	rec := ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, authz.KindAccessWithdrawn, errorCode(t, rec))
}

func TestBotChannelMissingToken(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(http.MethodGet, "/bot/v1/whoami", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authz.KindMissingToken, errorCode(t, rec))

	rec = ts.bot(http.MethodGet, "/bot/v1/whoami", "nonsense", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authz.KindMalformed, errorCode(t, rec))
}

func TestValidateReturnsPayload(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)
	tok, tokenID := ts.issue(botID)

	rec := ts.do(http.MethodPost, "/bot/v1/validate", map[string]string{"token": tok}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Valid   bool          `json:"valid"`
		Payload principalView `json:"payload"`
	}
	decode(t, rec, &out)
	assert.True(t, out.Valid)
	assert.Equal(t, tokenID, out.Payload.TokenID)
	assert.Equal(t, botID, out.Payload.BotID)
}

func TestBotSelfAuthentication(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)

	rec := ts.do(http.MethodPost, "/bot/v1/auth", map[string]string{"botId": botID, "botSecret": "not-the-secret"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authz.KindInvalidCredentials, errorCode(t, rec))

	rec = ts.do(http.MethodPost, "/bot/v1/auth", map[string]string{"botId": botID, "botSecret": "bot-secret-value"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Token string `json:"token"`
	}
	decode(t, rec, &out)

	rec = ts.bot(http.MethodGet, "/bot/v1/whoami", out.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var who struct {
		Principal principalView `json:"principal"`
	}
	decode(t, rec, &who)
	assert.Equal(t, token.KindBot, who.Principal.Kind)
	assert.Equal(t, botID, who.Principal.SubjectID)

	// Bot tokens carry no tenant, so there is nothing to meter.
	rec = ts.bot(http.MethodPost, "/bot/v1/usage", out.Token, map[string]int64{"amount": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRedirect(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)
	tok, _ := ts.issue(botID)

	rec := ts.do(http.MethodGet, "/bot/v1/redirect/"+botID+"?token="+tok, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "helper.example", loc.Host)
	assert.Equal(t, tok, loc.Query().Get("token"))

	rec = ts.bot(http.MethodGet, "/bot/v1/redirect/"+botID, tok, nil)
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = ts.do(http.MethodGet, "/bot/v1/redirect/"+botID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/bot/v1/redirect/other-bot?token="+tok, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, authz.KindAccessWithdrawn, errorCode(t, rec))
}

func TestRedirectWithoutWebsite(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.session(http.MethodPost, "/api/v1/bots", map[string]interface{}{"name": "Headless", "secret": "headless-secret"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var b struct {
		BotID string `json:"botId"`
	}
	decode(t, rec, &b)

	rec = ts.do(http.MethodPost, "/bot/v1/auth", map[string]string{"botId": b.BotID, "botSecret": "headless-secret"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Token string `json:"token"`
	}
	decode(t, rec, &out)

	rec = ts.bot(http.MethodGet, "/bot/v1/redirect/"+b.BotID, out.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, authz.KindNoEndpointConfigured, errorCode(t, rec))
}

func TestDailyRequestQuota(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)
	ts.putGrant(map[string]interface{}{"subjectId": "user-1", "tenantId": "tenant-1", "enabled": true, "allowBotAccess": true, "tokenLimit": 100, "maxRequestsPerDay": 2})
	tok, _ := ts.issue(botID)

	assert.Equal(t, http.StatusOK, ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil).Code)
	assert.Equal(t, http.StatusOK, ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil).Code)
	rec := ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, authz.KindQuotaExceeded, errorCode(t, rec))
}

func TestBotRateLimit(t *testing.T) {
	ts := newTestServer(t, 2)
	botID := ts.setup(100)
	tok, _ := ts.issue(botID)

	assert.Equal(t, http.StatusOK, ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil).Code)
	assert.Equal(t, http.StatusOK, ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil).Code)
	rec := ts.bot(http.MethodGet, "/bot/v1/whoami", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, authz.KindRateLimited, errorCode(t, rec))
}

func TestTenantBots(t *testing.T) {
	ts := newTestServer(t, 0)
	botID := ts.setup(100)

	rec := ts.session(http.MethodGet, "/api/v1/tenants/tenant-1/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		BotIDs []string `json:"botIds"`
	}
	decode(t, rec, &out)
	assert.Equal(t, []string{botID}, out.BotIDs)
}

func TestSecurityAndCORSHeaders(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
