package client

import "context"

// TokenStore is the session state the client reads tokens from and writes rotated
// tokens back to. *session.Store implements it.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetAccessToken(token string)
	SetRefreshToken(token string)
	Refresh(ctx context.Context) (string, error)
	Logout(ctx context.Context)
}
