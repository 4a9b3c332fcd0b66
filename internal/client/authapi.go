package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
	"github.com/devilmonastery/syncday/internal/session"
)

// Identity endpoint paths
const (
	LoginPath   = "/user/login"
	RefreshPath = "/user/refresh"
	ProfilePath = "/user/profile"
	LogoutPath  = "/user/logout"
)

// AuthAPI implements session.Authenticator against the backend's REST identity endpoints
type AuthAPI struct {
	baseURL       string
	http          *http.Client
	tokenHeader   string
	refreshHeader string
	log           *slog.Logger
}

var _ session.Authenticator = (*AuthAPI)(nil)

// NewAuthAPI creates an authenticator. It shares opts.Jar with the API client so a
// cookie-held refresh token reaches the refresh endpoint.
func NewAuthAPI(opts Options) *AuthAPI {
	if opts.TokenHeader == "" {
		opts.TokenHeader = "Authorization"
	}
	if opts.RefreshTokenHeader == "" {
		opts.RefreshTokenHeader = "Refresh-Token"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &AuthAPI{
		baseURL: opts.BaseURL,
		http: &http.Client{
			Transport: NewAuthTransport(opts.Transport, nil, opts.TokenHeader, opts.RefreshTokenHeader),
			Timeout:   opts.Timeout,
			Jar:       opts.Jar,
		},
		tokenHeader:   opts.TokenHeader,
		refreshHeader: opts.RefreshTokenHeader,
		log:           slog.Default().With(slog.String("component", "auth-api")),
	}
}

// Login posts the credentials and reads the tokens from the response headers,
// falling back to the body
func (a *AuthAPI) Login(ctx context.Context, creds session.Credentials) (*session.Grant, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	resp, err := a.call(ctx, http.MethodPost, LoginPath, body, nil)
	if err != nil {
		return nil, err
	}
	if err := rejectionError(resp, http.StatusBadRequest); err != nil {
		return nil, err
	}

	grant, err := a.grantFrom(resp)
	if err != nil {
		return nil, err
	}
	if grant.User == nil && grant.AccessToken != "" {
		grant.User = a.fetchProfile(ctx, grant.AccessToken)
	}
	return grant, nil
}

// Refresh asks for a new access token. An empty refreshToken relies on the cookie jar.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (*session.Grant, error) {
	header := http.Header{}
	if refreshToken != "" {
		header.Set(a.refreshHeader, refreshToken)
	}

	resp, err := a.call(ctx, http.MethodGet, RefreshPath, nil, header)
	if err != nil {
		return nil, err
	}
	if err := rejectionError(resp, http.StatusBadRequest); err != nil {
		return nil, err
	}

	grant, err := a.grantFrom(resp)
	if err != nil {
		return nil, err
	}
	if grant.User == nil && grant.AccessToken != "" {
		grant.User = a.fetchProfile(ctx, grant.AccessToken)
	}
	return grant, nil
}

// Logout notifies the server. Callers clear local state regardless of the result.
func (a *AuthAPI) Logout(ctx context.Context, accessToken, refreshToken string) error {
	header := http.Header{}
	if accessToken != "" {
		header.Set("Authorization", bearerPrefix+accessToken)
	}
	if refreshToken != "" {
		header.Set(a.refreshHeader, refreshToken)
	}

	resp, err := a.call(ctx, http.MethodPost, LogoutPath, []byte("{}"), header)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return newStatusError(resp)
	}
	return nil
}

// fetchProfile loads the user for a token; failures leave the user to be derived from the token
func (a *AuthAPI) fetchProfile(ctx context.Context, accessToken string) *session.User {
	header := http.Header{}
	header.Set("Authorization", bearerPrefix+accessToken)

	resp, err := a.call(ctx, http.MethodGet, ProfilePath, nil, header)
	if err != nil {
		a.log.Debug("profile fetch failed", slog.String("error", err.Error()))
		return nil
	}
	if resp.StatusCode >= 400 {
		a.log.Debug("profile fetch failed", slog.Int("status", resp.StatusCode))
		return nil
	}

	var data wireGrant
	if err := DecodeEnvelope(resp.Body, &data); err != nil {
		a.log.Debug("profile response unreadable", slog.String("error", err.Error()))
		return nil
	}
	return data.user()
}

func (a *AuthAPI) grantFrom(resp *Response) (*session.Grant, error) {
	if resp.StatusCode >= 400 {
		return nil, newStatusError(resp)
	}

	var data wireGrant
	if err := DecodeEnvelope(resp.Body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrMalformedGrant, err)
	}

	grant := &session.Grant{
		AccessToken:  BearerToken(resp.Header.Get(a.tokenHeader)),
		RefreshToken: strings.TrimSpace(resp.Header.Get(a.refreshHeader)),
		User:         data.user(),
	}
	if grant.AccessToken == "" {
		grant.AccessToken = firstNonEmpty(data.AccessToken, data.AccessTokenSnake, data.Token)
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = firstNonEmpty(data.RefreshToken, data.RefreshTokenSnake)
	}
	return grant, nil
}

func (a *AuthAPI) call(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	target, err := urlutil.JoinAPIPath(a.baseURL, path, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// rejectionError maps a definitive refusal onto session.ErrRejected
func rejectionError(resp *Response, extra ...int) error {
	codes := append([]int{http.StatusUnauthorized, http.StatusForbidden}, extra...)
	for _, code := range codes {
		if resp.StatusCode == code {
			return fmt.Errorf("%w: %v", session.ErrRejected, newStatusError(resp))
		}
	}
	return nil
}

// wireGrant accepts the shapes the identity endpoints answer with: the user
// itself as data, a nested user, and optional tokens in the body
type wireGrant struct {
	wireUser
	Nested            *wireUser `json:"user"`
	AccessToken       string    `json:"accessToken"`
	AccessTokenSnake  string    `json:"access_token"`
	Token             string    `json:"token"`
	RefreshToken      string    `json:"refreshToken"`
	RefreshTokenSnake string    `json:"refresh_token"`
}

func (g wireGrant) user() *session.User {
	if g.Nested != nil {
		return g.Nested.toUser()
	}
	return g.wireUser.toUser()
}

type wireUser struct {
	ID           json.RawMessage `json:"id"`
	UserID       json.RawMessage `json:"userId"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	Nickname     string          `json:"nickname"`
	DisplayName  string          `json:"displayName"`
	Avatar       string          `json:"avatar"`
	ProfileImage string          `json:"profileImage"`
	Role         string          `json:"role"`
}

func (w wireUser) toUser() *session.User {
	id := rawID(w.ID)
	if id == "" {
		id = rawID(w.UserID)
	}
	if id == "" && w.Email == "" {
		return nil
	}
	return &session.User{
		ID:          id,
		Email:       w.Email,
		DisplayName: firstNonEmpty(w.DisplayName, w.Nickname, w.Name),
		AvatarURL:   firstNonEmpty(w.Avatar, w.ProfileImage),
		Role:        w.Role,
	}
}

// rawID renders a JSON string or number id as a string
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
