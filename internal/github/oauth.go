package github

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/devilmonastery/syncday/internal/cache"
	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
)

const (
	// StateTTL bounds how long an authorization round trip may take
	StateTTL = 10 * time.Minute

	statePrefix = "state:"
	tokenKey    = "github_token"
)

// Connection is the result of a completed OAuth callback
type Connection struct {
	AccessToken string
	// InstallURL is where the user installs the GitHub App next
	InstallURL string
	// ReturnTo is the page the user started from
	ReturnTo string
}

// OAuth runs the GitHub authorization round trip. The code exchange happens on
// the backend; this side only builds the authorize URL and checks state.
type OAuth struct {
	config  *oauth2.Config
	api     API
	appSlug string
	store   *cache.Cache[string]
	log     *slog.Logger
}

// NewOAuth creates the OAuth flow. Pending states and the GitHub token live in
// one TTL cache, optionally persisted to cfg.CacheFile.
func NewOAuth(cfg config.GitHubConfig, api API) (*OAuth, error) {
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, ErrMissingOAuthClientInfo
	}

	var opts []cache.Option
	if cfg.CacheFile != "" {
		opts = append(opts, cache.WithFile(cfg.CacheFile))
	}

	return &OAuth{
		config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint:    oauthgithub.Endpoint,
		},
		api:     api,
		appSlug: cfg.AppSlug,
		store:   cache.New[string]("github_auth", cfg.CacheTTL, opts...),
		log:     slog.Default().With(slog.String("component", "github-oauth")),
	}, nil
}

// Begin starts an authorization and returns the GitHub URL to send the user to.
// returnTo is remembered so the callback can bring the user back.
func (o *OAuth) Begin(returnTo string) (authURL, state string) {
	state = oauth2.GenerateVerifier()
	o.store.SetWithTTL(statePrefix+state, returnTo, StateTTL)
	o.log.Debug("github authorization started", slog.String("return_to", returnTo))
	return o.config.AuthCodeURL(state), state
}

// Callback completes an authorization. The state is single use.
func (o *OAuth) Callback(ctx context.Context, code, state string) (*Connection, error) {
	if code == "" {
		return nil, ErrMissingCode
	}
	returnTo, ok := o.store.Take(statePrefix + state)
	if state == "" || !ok {
		o.log.Warn("github callback with unknown state")
		return nil, ErrInvalidState
	}

	var token string
	if err := o.api.PostJSON(ctx, AccessTokenPath, map[string]string{
		"code":  code,
		"state": state,
	}, &token); err != nil {
		return nil, fmt.Errorf("github token exchange failed: %w", err)
	}
	if token == "" {
		return nil, ErrNoAccessToken
	}
	o.store.Set(tokenKey, token)

	conn := &Connection{AccessToken: token, ReturnTo: returnTo}
	if o.appSlug != "" {
		conn.InstallURL = urlutil.GitHubAppInstallURL(o.appSlug)
	}
	o.log.Info("github account connected")
	return conn, nil
}

// InstallURL returns the GitHub App installation page
func (o *OAuth) InstallURL() (string, error) {
	if o.appSlug == "" {
		return "", ErrMissingAppSlug
	}
	return urlutil.GitHubAppInstallURL(o.appSlug), nil
}

// Token returns the GitHub token from the last callback while it is still cached
func (o *OAuth) Token() (string, bool) {
	return o.store.Get(tokenKey)
}

// Forget drops the cached token and any pending states
func (o *OAuth) Forget() {
	o.store.Purge()
}
