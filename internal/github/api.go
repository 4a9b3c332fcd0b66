// Package github connects a syncday account to GitHub: the OAuth authorization
// round trip, GitHub App installation and cached installation lookups. All
// backend calls go through the session client, so they refresh like any other.
package github

import (
	"context"
	"errors"
	"net/url"
)

// Backend paths
const (
	AccessTokenPath   = "/user/oauth2/github/access_token"
	AppInstallPath    = "/user/oauth2/github/app/install"
	installationsPath = "/vcs/installations/"
)

var (
	ErrInvalidState           = errors.New("invalid or expired oauth state")
	ErrMissingCode            = errors.New("missing authorization code")
	ErrNoAccessToken          = errors.New("backend returned no github access token")
	ErrMissingInstallationID  = errors.New("installation id is required")
	ErrMissingAppSlug         = errors.New("github app slug is not configured")
	ErrMissingOAuthClientInfo = errors.New("github client id and redirect uri are required")
)

// API is the authenticated backend client. *client.Client implements it.
type API interface {
	GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error
	PostJSON(ctx context.Context, path string, in, out interface{}) error
}
