package authz

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/example/botauth/internal/metrics"
	"github.com/example/botauth/internal/token"
)

// Middleware gates bot-channel routes.
type Middleware struct {
	auth  *Authorizer
	usage *Usage
	log   *zap.Logger
}

func NewMiddleware(auth *Authorizer, usage *Usage, log *zap.Logger) *Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{auth: auth, usage: usage, log: log}
}

// Require admits requests carrying a valid bearer token and attaches the
// Admission to the request context.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return m.require(BearerToken, next)
}

// RequireFrom is Require with a caller-supplied token extractor.
func (m *Middleware) RequireFrom(extract func(*http.Request) (string, error), next http.Handler) http.Handler {
	return m.require(extract, next)
}

func (m *Middleware) require(extract func(*http.Request) (string, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := extract(r)
		if err == nil {
			var adm *Admission
			adm, err = m.auth.Authorize(r.Context(), raw)
			if err == nil {
				m.decision("admitted", r, zap.String("subject", adm.Principal.Subject()))
				next.ServeHTTP(w, r.WithContext(WithAdmission(r.Context(), adm)))
				return
			}
		}
		kind := KindOf(err)
		m.decision(string(kind), r, zap.Error(err))
		WriteError(w, err)
	})
}

// RequestQuota charges one request per call against the admitted user's
// daily quota. It must run after Require.
func (m *Middleware) RequestQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adm := AdmissionFromContext(r.Context())
		if adm == nil {
			WriteError(w, Errorf(KindMissingToken, "bearer token required"))
			return
		}
		up, ok := adm.Principal.(*token.UserPrincipal)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		_, perDay := adm.Limits()
		if err := m.usage.ConsumeRequest(r.Context(), up.SubjectID, up.TenantID, up.BotID, perDay); err != nil {
			m.log.Info("request quota rejected",
				zap.String("subject", up.SubjectID),
				zap.String("tenant", up.TenantID),
				zap.Error(err))
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) decision(outcome string, r *http.Request, fields ...zap.Field) {
	metrics.AuthorizationDecisions.WithLabelValues(outcome).Inc()
	fields = append(fields, zap.String("outcome", outcome), zap.String("path", r.URL.Path))
	switch outcome {
	case "admitted":
		m.log.Debug("authorization", fields...)
	case string(KindPersistenceUnavailable):
		m.log.Error("authorization", fields...)
	default:
		m.log.Info("authorization", fields...)
	}
}
