package metrics

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RecordAPICall records outbound API call metrics consistently.
// route should already be normalized (see NormalizeRoute).
// statusCode is 0 when no response was received.
func RecordAPICall(method, route string, statusCode int, duration time.Duration, err error) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	APIDuration.WithLabelValues(method, route).Observe(float64(duration.Milliseconds()))

	if err != nil || statusCode >= 400 {
		APIErrors.WithLabelValues(route, ClassifyAPIError(statusCode, err)).Inc()
	}
}

var routePatterns = []struct {
	regex   *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`/installations/\d+`), "/installations/:id"},
	{regexp.MustCompile(`/projects/\d+`), "/projects/:id"},
	{regexp.MustCompile(`/workspaces/\d+`), "/workspaces/:id"},
	{regexp.MustCompile(`/users/\d+`), "/users/:id"},
	{regexp.MustCompile(`/orgs/[^/]+`), "/orgs/:org"},
	{regexp.MustCompile(`/repos/[^/]+/[^/]+`), "/repos/:owner/:repo"},
}

// NormalizeRoute replaces IDs in API paths with placeholders to keep label
// cardinality bounded.
func NormalizeRoute(path string) string {
	normalized := path
	for _, p := range routePatterns {
		normalized = p.regex.ReplaceAllString(normalized, p.replace)
	}
	return normalized
}

// ClassifyAPIError categorizes outbound API errors for metrics
func ClassifyAPIError(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
			return "timeout"
		case strings.Contains(errStr, "canceled"):
			return "canceled"
		case strings.Contains(errStr, "connection"):
			return "connection"
		case strings.Contains(errStr, "tls"):
			return "tls"
		default:
			return "network"
		}
	}

	switch {
	case statusCode == 400:
		return "bad_request"
	case statusCode == 401:
		return "unauthorized"
	case statusCode == 403:
		return "forbidden"
	case statusCode == 404:
		return "not_found"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 500:
		return "server_error"
	case statusCode >= 400:
		return "client_error"
	default:
		return "unknown"
	}
}
