package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/botauth/internal/authz"
	"github.com/example/botauth/internal/token"
)

// HandleBotAuth exchanges a bot's id and secret for a bot token.
// POST /bot/v1/auth
func (a *App) HandleBotAuth(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BotID     string `json:"botId"`
		BotSecret string `json:"botSecret"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if in.BotID == "" || in.BotSecret == "" {
		a.writeError(w, r, invalidRequest("botId and botSecret are required"))
		return
	}
	if !a.rateLimiter.Allow("bot-auth:"+in.BotID, a.BotRateLimitPerMinute) {
		a.rateLimited(w, r)
		return
	}

	issued, err := a.Bots.Authenticate(r.Context(), in.BotID, in.BotSecret)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	meta := issued.Principal.Metadata()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     issued.Token,
		"tokenId":   meta.TokenID,
		"expiresAt": meta.ExpiresAt,
	})
}

// HandleBotValidate lets a bot site check a token it was handed. It runs
// the same chain as the guarded routes.
// POST /bot/v1/validate
func (a *App) HandleBotValidate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if in.Token == "" {
		a.writeError(w, r, authz.Errorf(authz.KindMissingToken, "token is required"))
		return
	}
	adm, err := a.Authorizer.Authorize(r.Context(), in.Token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"payload": viewOf(adm.Principal),
	})
}

// HandleWhoAmI reports the admitted principal with its current limits.
// GET /bot/v1/whoami
func (a *App) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	adm := authz.AdmissionFromContext(r.Context())
	tokenLimit, perDay := adm.Limits()
	out := map[string]interface{}{
		"principal": viewOf(adm.Principal),
		"limits": map[string]int64{
			"tokenLimit":        tokenLimit,
			"maxRequestsPerDay": perDay,
		},
	}
	if u, ok := adm.Principal.(*token.UserPrincipal); ok {
		b, err := a.Usage.Balance(r.Context(), u.SubjectID, u.TenantID, u.BotID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out["balance"] = b
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleBotUsage charges tokens for the admitted user principal.
// POST /bot/v1/usage
func (a *App) HandleBotUsage(w http.ResponseWriter, r *http.Request) {
	adm := authz.AdmissionFromContext(r.Context())
	u, ok := adm.Principal.(*token.UserPrincipal)
	if !ok {
		a.writeError(w, r, authz.Errorf(authz.KindNotGranted, "bot tokens carry no tenant to meter"))
		return
	}
	var in struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}

	c, err := a.Usage.TryConsume(r.Context(), u.SubjectID, u.TenantID, u.BotID, in.Amount)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !c.Accepted {
		a.Log.Info("usage rejected",
			zap.String("subject", u.SubjectID),
			zap.String("tenant", u.TenantID),
			zap.String("bot", u.BotID),
			zap.Int64("amount", in.Amount),
			zap.Int64("used", c.BalanceAfter),
			zap.Int64("limit", c.Limit))
		a.writeError(w, r, authz.Errorf(authz.KindQuotaExceeded, "token quota exhausted"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleRedirect sends the caller to the bot's website with the token
// attached. The token comes from the bearer header or the token query
// parameter.
// GET /bot/v1/redirect/{botId}
func (a *App) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botId"]
	raw := r.URL.Query().Get("token")
	if raw == "" {
		var err error
		if raw, err = authz.BearerToken(r); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	target, err := a.Bots.ResolveAndAuthorize(r.Context(), botID, raw)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target.URL, http.StatusFound)
}
