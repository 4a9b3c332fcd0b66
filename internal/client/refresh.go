package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/pkg/metrics"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
	"github.com/devilmonastery/syncday/internal/session"
)

// State is the coordinator's position in the refresh cycle
type State int32

const (
	StateNormal State = iota
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Navigator sends the user to the login page after the session is lost
type Navigator interface {
	RedirectToLogin(ctx context.Context, location string)
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(ctx context.Context, location string)

func (f NavigatorFunc) RedirectToLogin(ctx context.Context, location string) {
	f(ctx, location)
}

type destinationKey struct{}

// WithDestination records the page the user was on, so an expired session
// sends them back there after logging in again
func WithDestination(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, destinationKey{}, path)
}

func destinationFrom(ctx context.Context) string {
	dest, _ := ctx.Value(destinationKey{}).(string)
	return dest
}

// State returns the current refresh state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// execute sends req. attempt is 0 for the original request and 1 for the replay;
// only attempt 0 ever triggers a refresh, so a request goes out at most twice.
func (c *Client) execute(ctx context.Context, req Request, attempt int) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		// no response: nothing to refresh
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
		return c.recoverUnauthorized(ctx, req)
	}
	if resp.StatusCode >= 400 {
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func (c *Client) recoverUnauthorized(ctx context.Context, req Request) (*Response, error) {
	c.setState(StateRefreshing)
	c.log.Info("access token rejected, attempting refresh",
		slog.String("mode", c.refreshMode),
		slog.String("method", req.Method),
		slog.String("path", req.Path))

	if c.refreshMode == config.RefreshModeReplay {
		return c.replayWithRefreshToken(ctx, req)
	}

	if _, err := c.store.Refresh(ctx); err != nil {
		if isUnrecoverable(err) {
			metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "rejected").Inc()
			return nil, c.expire(ctx, err)
		}
		// transport trouble or cancellation; keep the session
		metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "error").Inc()
		c.setState(StateNormal)
		return nil, err
	}
	metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "success").Inc()

	resp, err := c.execute(ctx, req, 1)
	c.setState(StateNormal)
	return resp, err
}

// replayWithRefreshToken resends req carrying the refresh token. The server renews
// the access token in the response headers, which the transport stores.
func (c *Client) replayWithRefreshToken(ctx context.Context, req Request) (*Response, error) {
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "rejected").Inc()
		return nil, c.expire(ctx, session.ErrNotAuthenticated)
	}

	resp, err := c.execute(ctx, req.withHeader(c.refreshHeader, refreshToken), 1)
	if err != nil {
		if IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusForbidden) {
			metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "rejected").Inc()
			return nil, c.expire(ctx, err)
		}
		metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "error").Inc()
		c.setState(StateNormal)
		return nil, err
	}

	metrics.SessionRefreshes.WithLabelValues(c.refreshMode, "success").Inc()
	c.setState(StateNormal)
	return resp, nil
}

// expire clears the session and sends the user to login
func (c *Client) expire(ctx context.Context, cause error) error {
	c.setState(StateFailed)
	metrics.SessionExpirations.Inc()
	c.log.Warn("session could not be refreshed, logging out", slog.String("error", cause.Error()))

	// the caller may already be gone; the logout call must still happen
	c.store.Logout(context.WithoutCancel(ctx))

	location := urlutil.LoginURL(c.loginPath, destinationFrom(ctx))
	c.navigator.RedirectToLogin(ctx, location)
	return &SessionExpiredError{Location: location, Err: cause}
}

func isUnrecoverable(err error) bool {
	return session.IsRejected(err) ||
		errors.Is(err, session.ErrMalformedGrant) ||
		errors.Is(err, session.ErrNotAuthenticated)
}
