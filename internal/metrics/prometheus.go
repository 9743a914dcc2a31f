package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "botauth_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "botauth_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

// AuthorizationDecisions counts bot-channel verification outcomes: "admitted"
// or the rejection kind.
var AuthorizationDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "botauth_authorization_decisions_total",
		Help: "Bot-channel authorization decisions by outcome",
	},
	[]string{"outcome"},
)

var TokensMinted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "botauth_tokens_minted_total",
		Help: "Tokens minted by principal kind",
	},
	[]string{"kind"},
)

var TokensRevoked = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "botauth_tokens_revoked_total",
		Help: "Revocation requests accepted",
	},
)

// UsageConsumptions counts usage ledger calls by counter ("tokens" or
// "requests") and result ("accepted" or "rejected").
var UsageConsumptions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "botauth_usage_consumptions_total",
		Help: "Usage ledger check-and-increment results",
	},
	[]string{"counter", "result"},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "botauth_rate_limit_rejections_total",
		Help: "Requests rejected by the burst limiter",
	},
)

// Register adds every collector to reg. Call once per process.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthorizationDecisions,
		TokensMinted,
		TokensRevoked,
		UsageConsumptions,
		RateLimitRejectionsTotal,
	)
}
