package session

import (
	"context"
	"errors"
)

var (
	// ErrRejected is returned when the identity endpoint definitively refuses the
	// credentials or the refresh token (bad password, expired refresh token)
	ErrRejected = errors.New("authentication rejected")

	// ErrMalformedGrant is returned when a login or refresh response lacks a usable token or user
	ErrMalformedGrant = errors.New("malformed authentication grant")

	// ErrMissingCredentials is returned when login is attempted without email or password
	ErrMissingCredentials = errors.New("email and password are required")

	// ErrNotAuthenticated is returned when an action needs a session that no longer exists
	ErrNotAuthenticated = errors.New("not authenticated")
)

// User is the authenticated identity as reported by the backend
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Session is the state owned by a Store. User is only ever set together with AccessToken.
type Session struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user,omitempty"`
	Initialized  bool   `json:"-"`
}

// Authenticated reports whether the session holds a usable access token and a known user
func (s Session) Authenticated() bool {
	return s.User != nil && CheckToken(s.AccessToken) == nil
}

// Credentials are the email/password pair sent to the login endpoint
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Grant is what the identity endpoints hand back on login or refresh.
// RefreshToken is empty when the server manages it through an HTTP-only cookie.
type Grant struct {
	AccessToken  string
	RefreshToken string
	User         *User
}

// Authenticator talks to the identity endpoints. Implementations must wrap
// definitive refusals (401/403, bad credentials) with ErrRejected so callers can
// tell them apart from connectivity failures.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (*Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// IsRejected reports whether err is a definitive authentication refusal
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
