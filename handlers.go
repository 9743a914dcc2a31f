package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/botauth/internal/authz"
	"github.com/example/botauth/internal/botdir"
	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/store"
	"github.com/example/botauth/internal/token"
)

// principalView is the JSON form of a verified principal.
type principalView struct {
	Kind           token.Kind `json:"kind"`
	SubjectID      string     `json:"subjectId"`
	TenantID       string     `json:"tenantId,omitempty"`
	BotID          string     `json:"botId,omitempty"`
	AllowBotAccess bool       `json:"allowBotAccess,omitempty"`
	TokenLimit     int64      `json:"tokenLimit,omitempty"`
	GrantedBotIDs  []string   `json:"grantedBotIds,omitempty"`
	TokenID        string     `json:"tokenId"`
	IssuedAt       time.Time  `json:"issuedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

func viewOf(p token.Principal) principalView {
	m := p.Metadata()
	v := principalView{
		Kind:      p.Kind(),
		SubjectID: p.Subject(),
		TokenID:   m.TokenID,
		IssuedAt:  m.IssuedAt,
		ExpiresAt: m.ExpiresAt,
	}
	if u, ok := p.(*token.UserPrincipal); ok {
		v.TenantID = u.TenantID
		v.BotID = u.BotID
		v.AllowBotAccess = u.AllowBotAccess
		v.TokenLimit = u.TokenLimit
		v.GrantedBotIDs = u.GrantedBotIDs
	}
	return v
}

type subjectRef struct {
	SubjectID string `json:"subjectId"`
	TenantID  string `json:"tenantId"`
	BotID     string `json:"botId"`
}

func (s subjectRef) validate() error {
	if strings.TrimSpace(s.SubjectID) == "" || strings.TrimSpace(s.TenantID) == "" {
		return invalidRequest("subjectId and tenantId are required")
	}
	return nil
}

// HandleIssueToken mints a user token after checking the current grant.
// POST /api/v1/tokens
func (a *App) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var in subjectRef
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := in.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.Resolver.Resolve(r.Context(), in.SubjectID, in.TenantID, in.BotID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	granted, err := a.Resolver.GrantedBots(r.Context(), in.TenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	issued, err := a.Codec.Mint(&token.UserPrincipal{
		SubjectID:      in.SubjectID,
		TenantID:       in.TenantID,
		BotID:          in.BotID,
		AllowBotAccess: res.Grant.AllowBotAccess,
		TokenLimit:     res.Grant.TokenLimit,
		GrantedBotIDs:  granted,
	})
	if errors.Is(err, token.ErrEncoding) {
		a.writeError(w, r, invalidRequest("principal cannot be encoded"))
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	metrics.TokensMinted.WithLabelValues(string(token.KindUser)).Inc()

	meta := issued.Principal.Metadata()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":     issued.Token,
		"tokenId":   meta.TokenID,
		"expiresAt": meta.ExpiresAt,
		"principal": viewOf(issued.Principal),
	})
}

// HandleRevokeToken revokes by token ID or by token value. An expired token
// can still be revoked by value.
// POST /api/v1/tokens/revoke
func (a *App) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TokenID string `json:"tokenId"`
		Token   string `json:"token"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}

	tokenID := in.TokenID
	var expiresAt time.Time
	if in.Token != "" {
		p, err := a.Codec.Identify(in.Token)
		if err != nil {
			a.writeError(w, r, invalidRequest("token could not be decoded"))
			return
		}
		if tokenID != "" && tokenID != p.Metadata().TokenID {
			a.writeError(w, r, invalidRequest("tokenId does not match token"))
			return
		}
		tokenID = p.Metadata().TokenID
		expiresAt = p.Metadata().ExpiresAt
	}
	if tokenID == "" {
		a.writeError(w, r, invalidRequest("tokenId or token is required"))
		return
	}

	if err := a.Revocations.Revoke(r.Context(), tokenID, expiresAt, in.Reason); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true, "tokenId": tokenID})
}

// HandleConsumeUsage charges tokens for a subject.
// POST /api/v1/usage
func (a *App) HandleConsumeUsage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		subjectRef
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := in.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	c, err := a.Usage.TryConsume(r.Context(), in.SubjectID, in.TenantID, in.BotID, in.Amount)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GET /api/v1/usage/balance?subjectId=&tenantId=&botId=
func (a *App) HandleUsageBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := subjectRef{SubjectID: q.Get("subjectId"), TenantID: q.Get("tenantId"), BotID: q.Get("botId")}
	if err := in.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	b, err := a.Usage.Balance(r.Context(), in.SubjectID, in.TenantID, in.BotID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type grantView struct {
	SubjectID         string    `json:"subjectId"`
	TenantID          string    `json:"tenantId"`
	Enabled           bool      `json:"enabled"`
	AllowBotAccess    bool      `json:"allowBotAccess"`
	TokenLimit        int64     `json:"tokenLimit"`
	MaxRequestsPerDay int64     `json:"maxRequestsPerDay"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HandlePutGrant creates or replaces the grant for a subject in a tenant.
// Changes apply to every outstanding token at its next use.
// PUT /api/v1/grants
func (a *App) HandlePutGrant(w http.ResponseWriter, r *http.Request) {
	var in grantView
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := (subjectRef{SubjectID: in.SubjectID, TenantID: in.TenantID}).validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	if in.TokenLimit < 0 || in.MaxRequestsPerDay < 0 {
		a.writeError(w, r, invalidRequest("limits must not be negative"))
		return
	}

	g := &store.Grant{
		SubjectID:         in.SubjectID,
		TenantID:          in.TenantID,
		Enabled:           in.Enabled,
		AllowBotAccess:    in.AllowBotAccess,
		TokenLimit:        in.TokenLimit,
		MaxRequestsPerDay: in.MaxRequestsPerDay,
		UpdatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	if _, err := authz.Persist(r.Context(), a.StoreTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.Store.PutGrant(ctx, g)
	}); err != nil {
		a.writeError(w, r, err)
		return
	}
	in.UpdatedAt = g.UpdatedAt
	writeJSON(w, http.StatusOK, in)
}

// GET /api/v1/tenants/{tenantId}/bots
func (a *App) HandleTenantBots(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	ids, err := a.Resolver.GrantedBots(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenantId": tenantID, "botIds": ids})
}

// HandleRegisterBot registers a bot. The secret is never echoed back.
// POST /api/v1/bots
func (a *App) HandleRegisterBot(w http.ResponseWriter, r *http.Request) {
	var in botdir.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	b, err := a.Bots.Register(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, botdir.RecordOf(b))
}
