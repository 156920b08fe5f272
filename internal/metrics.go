package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Metric_TLSLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tls_lookups",
		Help: "Total SNI certificate lookups, including cached results",
	})
	Metric_TLSFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tls_fallbacks",
		Help: "SNI lookups that fell back to the default self-signed certificate",
	})
	Metric_OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "open_connections",
		Help: "Currently open proxied HTTP connections",
	})
	Metric_OpenWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "open_websockets",
		Help: "Currently open proxied websocket connections",
	})
	Metric_ACME_HTTP_Challenges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acme_http_challenges",
		Help: "ACME HTTP-01 validation probes answered",
	})
	Metric_IssuanceAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuance_attempts",
		Help: "Certificate issuance runs started",
	})
	Metric_IssuanceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "issuance_failures",
		Help: "Certificate issuance runs that reached the failed state",
	})
	Metric_ReplicationPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_pushes",
		Help: "Certificates pushed to peers",
	})
	Metric_ReplicationPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_pulls",
		Help: "Certificates pulled from peers during sync",
	})
	Metric_IntegrityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integrity_rejections",
		Help: "Cache writes rejected because the content hash did not verify",
	})
	Metric_AuthRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_rate_limited",
		Help: "Requests rejected by the failed-auth rate limit",
	})
)
