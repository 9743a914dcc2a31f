// Package authz is the bot authorization core: grant resolution, the
// revocation and usage ledgers, and the ordered verification chain behind
// the bot-channel middleware.
package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/example/botauth/internal/store"
	"github.com/example/botauth/internal/token"
)

// Admission is what a request carries after passing the chain.
type Admission struct {
	Token     string
	Principal token.Principal
	// Resolution is the freshly read grant state for user principals.
	Resolution *Resolution
	// Bot is the current registration of the bot principal, or of the bot a
	// user token was issued through.
	Bot *store.Bot
}

// Limits returns the current token and daily request limits; zero for bot
// principals, which carry no tenant.
func (a *Admission) Limits() (tokenLimit, requestsPerDay int64) {
	if a.Resolution == nil {
		return 0, 0
	}
	return a.Resolution.Grant.TokenLimit, a.Resolution.Grant.MaxRequestsPerDay
}

// evaluation is the state threaded through the chain.
type evaluation struct {
	raw       string
	principal token.Principal
	admission *Admission
}

type step struct {
	name string
	run  func(context.Context, *evaluation) error
}

// Authorizer runs signature verification, the revocation check and grant
// re-resolution, in that order. Cheap checks come first; a token already
// known to be revoked never costs a grant lookup.
type Authorizer struct {
	codec       *token.Codec
	revocations *Revocations
	resolver    *Resolver
	steps       []step
}

func NewAuthorizer(codec *token.Codec, revocations *Revocations, resolver *Resolver) *Authorizer {
	a := &Authorizer{codec: codec, revocations: revocations, resolver: resolver}
	a.steps = []step{
		{"verify_signature", a.verifySignature},
		{"check_revocation", a.checkRevocation},
		{"reresolve_grant", a.reResolveGrant},
	}
	return a
}

// Authorize admits raw or returns the *Error of the first failing step.
func (a *Authorizer) Authorize(ctx context.Context, raw string) (*Admission, error) {
	ev := &evaluation{raw: raw}
	for _, s := range a.steps {
		if err := s.run(ctx, ev); err != nil {
			return nil, err
		}
	}
	return ev.admission, nil
}

func (a *Authorizer) verifySignature(_ context.Context, ev *evaluation) error {
	p, err := a.codec.Verify(ev.raw)
	switch {
	case err == nil:
		ev.principal = p
		return nil
	case errors.Is(err, token.ErrExpired):
		return newError(KindExpired, "token has expired", err)
	case errors.Is(err, token.ErrInvalidSignature):
		return newError(KindInvalidSignature, "token signature is invalid", err)
	default:
		return newError(KindMalformed, "token is malformed", err)
	}
}

func (a *Authorizer) checkRevocation(ctx context.Context, ev *evaluation) error {
	revoked, err := a.revocations.IsRevoked(ctx, ev.principal.Metadata().TokenID)
	if err != nil {
		return err
	}
	if revoked {
		return Errorf(KindRevoked, "token has been revoked")
	}
	return nil
}

func (a *Authorizer) reResolveGrant(ctx context.Context, ev *evaluation) error {
	adm := &Admission{Token: ev.raw, Principal: ev.principal}
	var err error
	switch p := ev.principal.(type) {
	case *token.UserPrincipal:
		adm.Resolution, err = a.resolver.Resolve(ctx, p.SubjectID, p.TenantID, p.BotID)
		if err == nil {
			adm.Bot = adm.Resolution.Bot
		}
	case *token.BotPrincipal:
		adm.Bot, err = a.resolver.ResolveBot(ctx, p.SubjectID)
	default:
		return Errorf(KindMalformed, "unknown principal")
	}
	if KindOf(err) == KindNotGranted {
		return newError(KindAccessWithdrawn, "access has been withdrawn", err)
	}
	if err != nil {
		return err
	}
	ev.admission = adm
	return nil
}

// BearerToken extracts the token from "Authorization: Bearer <token>". A
// missing or malformed header is always MissingToken.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", Errorf(KindMissingToken, "bearer token required")
	}
	return strings.TrimSpace(tok), nil
}

type ctxKey string

const admissionKey ctxKey = "admission"

func WithAdmission(ctx context.Context, a *Admission) context.Context {
	return context.WithValue(ctx, admissionKey, a)
}

// AdmissionFromContext returns the admission set by Middleware.Require, or
// nil.
func AdmissionFromContext(ctx context.Context) *Admission {
	a, _ := ctx.Value(admissionKey).(*Admission)
	return a
}
