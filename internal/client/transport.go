package client

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devilmonastery/syncday/internal/pkg/idgen"
	"github.com/devilmonastery/syncday/internal/pkg/logger"
	"github.com/devilmonastery/syncday/internal/pkg/metrics"
)

const (
	// RequestIDHeader is set on every outbound request that lacks one
	RequestIDHeader = "X-Request-ID"

	bearerPrefix = "Bearer "
)

// authTransport wraps an http.RoundTripper to attach the current access token,
// pick up tokens the server rotates in response headers, and record API metrics
type authTransport struct {
	base          http.RoundTripper
	store         TokenStore
	tokenHeader   string
	refreshHeader string
}

// NewAuthTransport creates a transport that authenticates from store. A nil store
// only adds request IDs and metrics (used for the identity endpoints themselves).
func NewAuthTransport(base http.RoundTripper, store TokenStore, tokenHeader, refreshHeader string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if tokenHeader == "" {
		tokenHeader = "Authorization"
	}
	if refreshHeader == "" {
		refreshHeader = "Refresh-Token"
	}
	return &authTransport{
		base:          base,
		store:         store,
		tokenHeader:   tokenHeader,
		refreshHeader: refreshHeader,
	}
}

// RoundTrip implements http.RoundTripper
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrip must not modify the caller's request
	out := req.Clone(req.Context())

	if t.store != nil && out.Header.Get("Authorization") == "" {
		if token := t.store.AccessToken(); token != "" {
			out.Header.Set("Authorization", bearerPrefix+token)
		}
	}
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, idgen.GenerateID())
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(out)
	duration := time.Since(start)

	route := metrics.NormalizeRoute(out.URL.Path)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	metrics.RecordAPICall(out.Method, route, statusCode, duration, err)

	log := logger.WithRequest(slog.Default(), out.Header.Get(RequestIDHeader))
	if err != nil {
		log.Debug("api request failed",
			slog.String("component", "client"),
			slog.String("method", out.Method),
			slog.String("route", route),
			slog.String("error", err.Error()))
		return resp, err
	}
	logger.WithDuration(log, duration).Debug("api request",
		slog.String("component", "client"),
		slog.String("method", out.Method),
		slog.String("route", route),
		slog.Int("status", statusCode))

	if t.store != nil {
		t.captureRotatedTokens(resp)
	}
	return resp, nil
}

// captureRotatedTokens stores tokens the server handed back before the caller sees the response
func (t *authTransport) captureRotatedTokens(resp *http.Response) {
	if token := BearerToken(resp.Header.Get(t.tokenHeader)); token != "" && token != t.store.AccessToken() {
		t.store.SetAccessToken(token)
		metrics.TokenRotations.WithLabelValues("access").Inc()
		slog.Debug("access token rotated by server",
			slog.String("component", "client"),
			slog.String("token", logger.TokenPreview(token)))
	}
	if refresh := strings.TrimSpace(resp.Header.Get(t.refreshHeader)); refresh != "" && refresh != t.store.RefreshToken() {
		t.store.SetRefreshToken(refresh)
		metrics.TokenRotations.WithLabelValues("refresh").Inc()
	}
}

// BearerToken strips an optional "Bearer " prefix from a header value
func BearerToken(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= len(bearerPrefix) && strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
		value = strings.TrimSpace(value[len(bearerPrefix):])
	}
	return value
}
