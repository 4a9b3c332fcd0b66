package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outbound API client metrics
var (
	// APIRequests tracks outbound API requests made by the session client
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_api_requests_total",
			Help: "Total outbound API requests by method, route (normalized path), and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIDuration tracks outbound API latency
	APIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "syncday_api_request_duration_ms",
			Help:                            "Outbound API request duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"method", "route"},
	)

	// APIErrors tracks outbound API errors by type
	APIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_api_errors_total",
			Help: "Total outbound API errors by route and error type",
		},
		[]string{"route", "error_type"},
	)

	// TokenRotations counts tokens picked up from response headers
	TokenRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_token_rotations_total",
			Help: "Tokens replaced from response headers, by token kind",
		},
		[]string{"kind"},
	)
)

// Session lifecycle metrics
var (
	// SessionRefreshes tracks refresh attempts by mode and outcome
	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_session_refreshes_total",
			Help: "Access token refresh attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// SessionInitializations tracks session initialization calls that reached the network or storage
	SessionInitializations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_session_initializations_total",
			Help: "Session initializations by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// SessionLogins tracks login attempts
	SessionLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_session_logins_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SessionExpirations counts sessions cleared because refresh failed
	SessionExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncday_session_expirations_total",
			Help: "Sessions cleared after an unrecoverable refresh failure",
		},
	)

	// ActiveSessions tracks browser sessions held by the web gateway
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncday_active_sessions",
			Help: "Number of browser sessions held by the gateway",
		},
	)
)

// Navigation guard metrics
var (
	// GuardDecisions tracks route guard outcomes
	GuardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_guard_decisions_total",
			Help: "Route guard decisions by route and outcome",
		},
		[]string{"route", "outcome"},
	)
)

// Cache metrics
var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_cache_hits_total",
			Help: "Total cache hits by cache name",
		},
		[]string{"cache_name"},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_cache_misses_total",
			Help: "Total cache misses by cache name",
		},
		[]string{"cache_name"},
	)

	// CacheSize tracks current cache size
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncday_cache_entries",
			Help: "Current number of entries in cache",
		},
		[]string{"cache_name"},
	)

	// CacheEvictions tracks cache evictions
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_cache_evictions_total",
			Help: "Total cache evictions by cache name and reason",
		},
		[]string{"cache_name", "reason"},
	)
)

// HTTP gateway metrics
var (
	// HTTPRequests tracks HTTP requests served by the gateway
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncday_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration tracks HTTP request duration
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "syncday_http_request_duration_ms",
			Help:                            "HTTP request duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"method", "path"},
	)
)
